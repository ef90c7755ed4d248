package codec

import (
	"fmt"
)

// RawCodec passes bytes and strings through untouched. It is meant for
// services whose payloads are already serialized by the caller.
type RawCodec struct{}

func (c *RawCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case string:
		return []byte(b), nil
	case nil:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("RawCodec: cannot encode %T", v)
	}
}

func (c *RawCodec) Decode(data []byte, v any) error {
	switch dst := v.(type) {
	case *[]byte:
		*dst = make([]byte, len(data))
		copy(*dst, data)
	case *string:
		*dst = string(data)
	case *any:
		out := make([]byte, len(data))
		copy(out, data)
		*dst = out
	default:
		return fmt.Errorf("RawCodec: cannot decode into %T", v)
	}
	return nil
}

func (c *RawCodec) Type() CodecType {
	return CodecTypeRaw
}
