package domain

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Hash derives the 64-bit fingerprint of obj.
//
// Bytes are packed big-endian, one per step: the first, middle and last
// character of the schema name (low 8 bits of each rune), the field
// count truncated to a byte, then the identity hashcode least
// significant byte first.
func Hash(s *Schema, obj any) uint64 {
	var first, mid, last byte
	if name := []rune(s.Name); len(name) > 0 {
		first = byte(name[0])
		mid = byte(name[len(name)/2])
		last = byte(name[len(name)-1])
	}
	id := s.identityOf(obj)

	var acc uint64
	for _, b := range [8]byte{
		first, mid, last,
		byte(len(s.Fields)),
		byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24),
	} {
		acc = acc<<8 | uint64(b)
	}
	return acc
}

func (s *Schema) identityOf(obj any) uint32 {
	if s.Identity != nil {
		return s.Identity(obj)
	}
	return ContentIdentity(s, obj)
}

// ContentIdentity digests the field values of obj with murmur3. Equal
// field values give equal identities on every node, whatever numeric
// width the values arrived with.
func ContentIdentity(s *Schema, obj any) uint32 {
	h := murmur3.New32()
	for _, f := range s.Fields {
		fmt.Fprintf(h, "%s\x1f%v\x1e", f.Name, f.Get(obj))
	}
	return h.Sum32()
}
