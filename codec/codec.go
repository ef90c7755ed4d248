// Package codec provides the pluggable encoders behind the structured payload
// convenience of requests and responses. Payloads always travel as opaque bytes;
// a codec only converts between those bytes and Go values at the edges.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeRaw  CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Raw
}

// Default is the codec used when a caller does not pick one.
var Default Codec = &JSONCodec{}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeRaw {
		return &RawCodec{}
	}

	return &JSONCodec{}
}
