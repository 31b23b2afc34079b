package wire

import (
	"encoding/binary"
	"io"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
)

// HeaderSize is the size of the packet header: tag byte plus length.
const HeaderSize = 5

// DefaultMaxPacketSize bounds the body length accepted by ReadPacket.
const DefaultMaxPacketSize = 16 << 20

// WritePacket writes one packet with a single Write call.
func WritePacket(w io.Writer, tag byte, body []byte) error {
	pkt := make([]byte, HeaderSize+len(body))
	pkt[0] = tag
	binary.BigEndian.PutUint32(pkt[1:HeaderSize], uint32(len(body)))
	copy(pkt[HeaderSize:], body)
	_, err := w.Write(pkt)
	return err
}

// ReadPacket reads one packet and checks its tag against want before
// reading the body. maxSize <= 0 uses DefaultMaxPacketSize.
func ReadPacket(r io.Reader, want byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != want {
		return nil, domain.ErrProcessorMismatch.WithDetailsf("expected tag %d, received %d", want, hdr[0])
	}

	n := binary.BigEndian.Uint32(hdr[1:])
	if uint64(n) > uint64(maxSize) {
		return nil, domain.ErrFrameTooLarge.WithDetailsf("%d bytes", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
