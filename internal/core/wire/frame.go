package wire

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
)

// Header and Initialize keys.
const (
	keyVersion   = "v"
	keyTime      = "t"
	keyOp        = "op"
	keyHash      = "h"
	keyPriorHash = "oh"
	keyData      = "d"
	keyRespond   = "r"
	keyObjects   = "p"
)

// MarshalPayload encodes p as a msgpack map.
func (c *Codec) MarshalPayload(p *Payload) ([]byte, error) {
	hasData := p.Data != nil || (p.Op == OpInitialize && p.Init != nil)

	n := 2
	for _, present := range []bool{p.Version != nil, p.Hash != nil, p.PriorHash != nil, hasData} {
		if present {
			n++
		}
	}

	var buf bytes.Buffer
	e := newEncoder(&buf)
	if err := e.EncodeMapLen(n); err != nil {
		return nil, err
	}

	if p.Version != nil {
		if err := encodeKV(e, keyVersion, func() error { return e.EncodeInt(int64(*p.Version)) }); err != nil {
			return nil, err
		}
	}
	if err := encodeKV(e, keyTime, func() error { return e.EncodeInt(p.Time) }); err != nil {
		return nil, err
	}
	if err := encodeKV(e, keyOp, func() error { return e.EncodeUint(uint64(p.Op)) }); err != nil {
		return nil, err
	}
	if p.Hash != nil {
		if err := encodeKV(e, keyHash, func() error { return e.EncodeUint(*p.Hash) }); err != nil {
			return nil, err
		}
	}
	if p.PriorHash != nil {
		if err := encodeKV(e, keyPriorHash, func() error { return e.EncodeUint(*p.PriorHash) }); err != nil {
			return nil, err
		}
	}

	if hasData {
		if err := e.EncodeString(keyData); err != nil {
			return nil, err
		}
		var err error
		if p.Op == OpInitialize {
			err = c.encodeInit(e, p.Init)
		} else {
			err = c.encodeFieldMap(e, p.Data)
		}
		if err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func encodeKV(e *encoder, key string, value func() error) error {
	if err := e.EncodeString(key); err != nil {
		return err
	}
	return value()
}

func (c *Codec) encodeInit(e *encoder, init *InitData) error {
	if err := e.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeKV(e, keyRespond, func() error { return e.EncodeBool(init.Respond) }); err != nil {
		return err
	}
	if err := e.EncodeString(keyObjects); err != nil {
		return err
	}
	if err := e.EncodeArrayLen(len(init.Objects)); err != nil {
		return err
	}
	for _, obj := range init.Objects {
		if err := c.encodeFieldMap(e, obj); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalPayload decodes a payload produced by MarshalPayload.
func (c *Codec) UnmarshalPayload(b []byte) (*Payload, error) {
	d := newDecoder(b)

	code, err := d.PeekCode()
	if err != nil {
		return nil, domain.ErrMalformedFrame.WithCause(err)
	}
	if !msgpcode.IsFixedMap(code) && code != msgpcode.Map16 && code != msgpcode.Map32 {
		return nil, domain.ErrMalformedFrame.WithDetails("expected map")
	}
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, domain.ErrMalformedFrame.WithCause(err)
	}

	p := &Payload{}
	var (
		haveOp bool
		data   any
	)
	for i := 0; i < n; i++ {
		code, err := d.PeekCode()
		if err != nil {
			return nil, domain.ErrMalformedFrame.WithCause(err)
		}
		if !msgpcode.IsString(code) {
			return nil, domain.ErrMalformedFrame.WithDetails("expected string key")
		}
		key, err := d.DecodeString()
		if err != nil {
			return nil, domain.ErrMalformedFrame.WithCause(err)
		}

		switch key {
		case keyVersion:
			v, err := d.DecodeInt()
			if err != nil {
				return nil, domain.ErrMalformedFrame.WithDetails("v").WithCause(err)
			}
			p.Version = &v
		case keyTime:
			if p.Time, err = d.DecodeInt64(); err != nil {
				return nil, domain.ErrMalformedFrame.WithDetails("t").WithCause(err)
			}
		case keyOp:
			op, err := d.DecodeUint8()
			if err != nil {
				return nil, domain.ErrMalformedFrame.WithDetails("op").WithCause(err)
			}
			p.Op, haveOp = OpCode(op), true
		case keyHash:
			h, err := d.DecodeUint64()
			if err != nil {
				return nil, domain.ErrMalformedFrame.WithDetails("h").WithCause(err)
			}
			p.Hash = &h
		case keyPriorHash:
			h, err := d.DecodeUint64()
			if err != nil {
				return nil, domain.ErrMalformedFrame.WithDetails("oh").WithCause(err)
			}
			p.PriorHash = &h
		case keyData:
			if data, err = c.decodeValue(d); err != nil {
				return nil, err
			}
		default:
			if err := d.Skip(); err != nil {
				return nil, domain.ErrMalformedFrame.WithCause(err)
			}
		}
	}

	if !haveOp {
		return nil, domain.ErrMalformedFrame.WithDetails("missing op")
	}
	if err := p.bind(data); err != nil {
		return nil, err
	}
	return p, nil
}

// bind checks the variant's required fields and attaches d.
func (p *Payload) bind(data any) error {
	missing := func(key string) error {
		return domain.ErrMalformedFrame.WithDetailsf("%s payload without %s", p.Op, key)
	}

	switch p.Op {
	case OpIdentify, OpOk:
		if data != nil {
			m, ok := data.(map[string]any)
			if !ok {
				return domain.ErrMalformedFrame.WithDetailsf("%s metadata is %T", p.Op, data)
			}
			p.Data = m
		}
	case OpRejection, OpPing, OpPong, OpKick:
	case OpInitialize:
		if data == nil {
			return missing(keyData)
		}
		init, err := bindInit(data)
		if err != nil {
			return err
		}
		p.Init = init
	case OpCreation, OpChange:
		if p.Hash == nil {
			return missing(keyHash)
		}
		if p.Op == OpChange && p.PriorHash == nil {
			return missing(keyPriorHash)
		}
		if data == nil {
			return missing(keyData)
		}
		m, ok := data.(map[string]any)
		if !ok {
			return domain.ErrMalformedFrame.WithDetailsf("%s data is %T", p.Op, data)
		}
		if p.Op == OpChange && len(m) != 1 {
			return domain.ErrMalformedFrame.WithDetailsf("CHANGE carries %d fields", len(m))
		}
		p.Data = m
	case OpRemoval:
		if p.Hash == nil {
			return missing(keyHash)
		}
	default:
		return domain.ErrMalformedFrame.WithDetailsf("unknown op %d", uint8(p.Op))
	}
	return nil
}

func bindInit(data any) (*InitData, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, domain.ErrMalformedFrame.WithDetailsf("INITIALIZE data is %T", data)
	}
	raw, ok := m[keyObjects]
	if !ok {
		return nil, domain.ErrMalformedFrame.WithDetails("INITIALIZE payload without p")
	}

	init := &InitData{}
	if r, ok := m[keyRespond].(bool); ok {
		init.Respond = r
	}

	list, ok := raw.([]any)
	if !ok && raw != nil {
		return nil, domain.ErrMalformedFrame.WithDetailsf("INITIALIZE p is %T", raw)
	}
	init.Objects = make([]map[string]any, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, domain.ErrMalformedFrame.WithDetailsf("INITIALIZE p[%d] is %T", i, item)
		}
		init.Objects = append(init.Objects, obj)
	}
	return init, nil
}
