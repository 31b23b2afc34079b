package wire

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
)

// Compression selects how a sender compresses payloads. The mode travels
// as the first body byte, so peers may use different modes.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionS2   Compression = 1
)

// ParseCompression maps a configuration string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// Compress prefixes raw with the mode byte and compresses it.
func Compress(mode Compression, raw []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		out := make([]byte, 1+len(raw))
		out[0] = byte(mode)
		copy(out[1:], raw)
		return out, nil
	case CompressionS2:
		enc := s2.Encode(nil, raw)
		out := make([]byte, 1+len(enc))
		out[0] = byte(mode)
		copy(out[1:], enc)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", byte(mode))
	}
}

// Decompress reverses Compress using the mode byte in b.
func Decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, domain.ErrMalformedFrame.WithDetails("empty body")
	}
	switch Compression(b[0]) {
	case CompressionNone:
		return b[1:], nil
	case CompressionS2:
		out, err := s2.Decode(nil, b[1:])
		if err != nil {
			return nil, domain.ErrMalformedFrame.WithDetails("s2").WithCause(err)
		}
		return out, nil
	default:
		return nil, domain.ErrMalformedFrame.WithDetailsf("unknown compression mode %d", b[0])
	}
}
