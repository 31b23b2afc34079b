package wire

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"reflect"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
)

// Codec encodes payloads and field values with msgpack.
// A Codec is safe for concurrent use.
type Codec struct {
	ext    *Registry
	logger *slog.Logger
}

// NewCodec creates a codec using the given extension registry.
func NewCodec(ext *Registry, logger *slog.Logger) *Codec {
	if ext == nil {
		ext = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{ext: ext, logger: logger}
}

// Registry returns the codec's extension registry.
func (c *Codec) Registry() *Registry {
	return c.ext
}

// encoder writes straight into buf; bytes.Buffer is an io.ByteWriter so
// msgpack does no buffering of its own and extension bodies can be
// appended to buf directly.
type encoder struct {
	*msgpack.Encoder
	buf *bytes.Buffer
}

func newEncoder(buf *bytes.Buffer) *encoder {
	return &encoder{Encoder: msgpack.NewEncoder(buf), buf: buf}
}

type decoder struct {
	*msgpack.Decoder
	r *bytes.Reader
}

func newDecoder(b []byte) *decoder {
	r := bytes.NewReader(b)
	return &decoder{Decoder: msgpack.NewDecoder(r), r: r}
}

// MarshalValue encodes a single value.
func (c *Codec) MarshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.encodeValue(newEncoder(&buf), v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalValue decodes a single value.
func (c *Codec) UnmarshalValue(b []byte) (any, error) {
	return c.decodeValue(newDecoder(b))
}

func (c *Codec) encodeValue(e *encoder, v any) error {
	switch x := v.(type) {
	case nil:
		return e.EncodeNil()
	case bool:
		return e.EncodeBool(x)
	case string:
		return e.EncodeString(x)
	case int:
		return e.EncodeInt(int64(x))
	case int8:
		return e.EncodeInt(int64(x))
	case int16:
		return e.EncodeInt(int64(x))
	case int32:
		return e.EncodeInt(int64(x))
	case int64:
		return e.EncodeInt(x)
	case uint:
		return e.EncodeUint(uint64(x))
	case uint8:
		return e.EncodeUint(uint64(x))
	case uint16:
		return e.EncodeUint(uint64(x))
	case uint32:
		return e.EncodeUint(uint64(x))
	case uint64:
		return e.EncodeUint(x)
	case float32:
		return e.EncodeFloat32(x)
	case float64:
		return e.EncodeFloat64(x)
	case []byte:
		return e.EncodeBytes(x)
	case []any:
		if err := e.EncodeArrayLen(len(x)); err != nil {
			return err
		}
		for _, item := range x {
			if err := c.encodeValue(e, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return c.encodeFieldMap(e, x)
	}

	if t := c.ext.forValue(v); t != nil {
		return c.encodeExt(e, t, v)
	}
	return c.encodeReflect(e, reflect.ValueOf(v))
}

// encodeFieldMap writes keys in sorted order so equal maps encode equally.
func (c *Codec) encodeFieldMap(e *encoder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := e.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.EncodeString(k); err != nil {
			return err
		}
		if err := c.encodeValue(e, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) encodeExt(e *encoder, t Transformer, v any) error {
	body, err := t.ToBytes(v)
	if err != nil {
		return domain.ErrUnsupportedValue.WithDetailsf("extension %d for %T", t.Tag(), v).WithCause(err)
	}
	if err := e.EncodeExtHeader(t.Tag(), len(body)); err != nil {
		return err
	}
	_, err = e.buf.Write(body)
	return err
}

// encodeReflect handles named basic types, typed slices and typed maps.
func (c *Codec) encodeReflect(e *encoder, rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Bool:
		return e.EncodeBool(rv.Bool())
	case reflect.String:
		return e.EncodeString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.EncodeInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.EncodeUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return e.EncodeFloat64(rv.Float())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return e.EncodeNil()
		}
		if err := e.EncodeArrayLen(rv.Len()); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := c.encodeValue(e, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.IsNil() {
			return e.EncodeNil()
		}
		if err := e.EncodeMapLen(rv.Len()); err != nil {
			return err
		}
		iter := rv.MapRange()
		for iter.Next() {
			if err := c.encodeValue(e, iter.Key().Interface()); err != nil {
				return err
			}
			if err := c.encodeValue(e, iter.Value().Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return e.EncodeNil()
		}
	}

	typeName := "<nil>"
	if rv.IsValid() {
		typeName = rv.Type().String()
	}
	return domain.ErrUnsupportedValue.WithDetailsf("type %s", typeName)
}

func (c *Codec) decodeValue(d *decoder) (any, error) {
	code, err := d.PeekCode()
	if err != nil {
		return nil, domain.ErrMalformedFrame.WithCause(err)
	}

	switch {
	case code == msgpcode.Nil:
		return nil, d.DecodeNil()
	case code == msgpcode.False, code == msgpcode.True:
		return d.DecodeBool()
	case code == msgpcode.Float, code == msgpcode.Double:
		return d.DecodeFloat64()
	case code == msgpcode.Uint64:
		u, err := d.DecodeUint64()
		if err != nil {
			return nil, err
		}
		if u <= math.MaxInt64 {
			return int64(u), nil
		}
		return u, nil
	case msgpcode.IsFixedNum(code), isIntCode(code):
		return d.DecodeInt64()
	case msgpcode.IsString(code):
		return d.DecodeString()
	case msgpcode.IsBin(code):
		if err := d.Skip(); err != nil {
			return nil, err
		}
		c.logger.Warn("skipping binary value, binary data is not supported")
		return nil, nil
	case msgpcode.IsFixedArray(code), code == msgpcode.Array16, code == msgpcode.Array32:
		return c.decodeArray(d)
	case msgpcode.IsFixedMap(code), code == msgpcode.Map16, code == msgpcode.Map32:
		return c.decodeMap(d)
	case msgpcode.IsFixedExt(code), msgpcode.IsExt(code):
		return c.decodeExt(d)
	}

	return nil, domain.ErrMalformedFrame.WithDetailsf("unexpected msgpack code %#x", code)
}

func isIntCode(code byte) bool {
	switch code {
	case msgpcode.Uint8, msgpcode.Uint16, msgpcode.Uint32,
		msgpcode.Int8, msgpcode.Int16, msgpcode.Int32, msgpcode.Int64:
		return true
	}
	return false
}

func (c *Codec) decodeArray(d *decoder) (any, error) {
	n, err := d.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	out := make([]any, n)
	for i := range out {
		if out[i], err = c.decodeValue(d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// decodeMap returns map[string]any when every key is a string and
// map[any]any otherwise.
func (c *Codec) decodeMap(d *decoder) (any, error) {
	n, err := d.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}

	keys := make([]any, n)
	values := make([]any, n)
	allStrings := true
	for i := 0; i < n; i++ {
		if keys[i], err = c.decodeValue(d); err != nil {
			return nil, err
		}
		if keys[i] != nil && !reflect.TypeOf(keys[i]).Comparable() {
			return nil, domain.ErrMalformedFrame.WithDetailsf("map key of type %T", keys[i])
		}
		if _, ok := keys[i].(string); !ok {
			allStrings = false
		}
		if values[i], err = c.decodeValue(d); err != nil {
			return nil, err
		}
	}

	if allStrings {
		m := make(map[string]any, n)
		for i, k := range keys {
			m[k.(string)] = values[i]
		}
		return m, nil
	}
	m := make(map[any]any, n)
	for i, k := range keys {
		m[k] = values[i]
	}
	return m, nil
}

func (c *Codec) decodeExt(d *decoder) (any, error) {
	tag, n, err := d.DecodeExtHeader()
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, domain.ErrMalformedFrame.WithCause(err)
	}

	t, ok := c.ext.forTag(tag)
	if !ok {
		return nil, domain.ErrUnsupportedValue.WithDetailsf("extension tag %d", tag)
	}
	v, err := t.FromBytes(body)
	if err != nil {
		return nil, domain.ErrUnsupportedValue.WithDetailsf("extension tag %d", tag).WithCause(err)
	}
	return v, nil
}
