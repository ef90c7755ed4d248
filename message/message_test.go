package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpc-gateway/codec"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestRequestPayload(t *testing.T) {
	req := &Request{Role: "ADMIN", ServiceName: "arith", ServiceVersion: "1", ActionCategory: "math", ActionName: "add"}
	require.NoError(t, req.SetPayload(addArgs{A: 1, B: 2}, nil))
	assert.JSONEq(t, `{"a":1,"b":2}`, string(req.PayloadBytes))
	assert.Equal(t, "arith-1", req.ServiceID())

	require.NoError(t, req.SetPayload("raw", codec.GetCodec(codec.CodecTypeRaw)))
	assert.Equal(t, "raw", string(req.PayloadBytes))
}

func TestRequestWithIDCopies(t *testing.T) {
	req := &Request{ServiceName: "echo", ServiceVersion: "1", PayloadBytes: []byte("x")}
	assigned := req.WithID("RQ-1-AAAAAAAA-Z")

	assert.Empty(t, req.ID())
	assert.Equal(t, "RQ-1-AAAAAAAA-Z", assigned.ID())

	req.PayloadBytes[0] = 'y'
	assert.Equal(t, "x", string(assigned.PayloadBytes))
}

func TestResponseLazyDecode(t *testing.T) {
	resp := NewResponse("RQ-1", 200, []byte(`{"result":3}`))
	assert.True(t, resp.OK())

	v, err := resp.Value()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": float64(3)}, v)

	again, err := resp.Value()
	require.NoError(t, err)
	assert.Equal(t, v, again)

	var typed struct {
		Result int `json:"result"`
	}
	require.NoError(t, resp.Decode(&typed, nil))
	assert.Equal(t, 3, typed.Result)
}

func TestResponseBadPayload(t *testing.T) {
	resp := NewResponse("RQ-1", 500, []byte(`not json`))
	assert.False(t, resp.OK())
	_, err := resp.Value()
	assert.Error(t, err)
}
