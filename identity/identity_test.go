package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifiers(t *testing.T) {
	n := NewNode(ServerRole, "10.0.0.7", 7001)
	assert.Equal(t, "10.0.0.7:7001", n.ID())
	assert.Equal(t, "SERVER@10.0.0.7:7001", n.String())
	assert.Equal(t, "echo-1", ServiceID("echo", "1"))
	assert.Equal(t, "echo-1/cat/act", PermissionKey("echo-1", "cat", "act"))

	ip, port, err := ParseServerID(n.ID())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", ip)
	assert.Equal(t, 7001, port)

	_, _, err = ParseServerID("no-port")
	assert.Error(t, err)
}

func TestIPv6Identifiers(t *testing.T) {
	n := NewNode(ServerRole, "::1", 7001)
	assert.Equal(t, "::1:7001", n.ID(), "identity is plain ip:port")
	assert.Equal(t, "[::1]:7001", n.Addr())

	ip, port, err := ParseServerID(n.ID())
	require.NoError(t, err)
	assert.Equal(t, "::1", ip)
	assert.Equal(t, 7001, port)

	ip, port, err = ParseServerID("[::1]:80")
	require.NoError(t, err)
	assert.Equal(t, "::1", ip)
	assert.Equal(t, 80, port)

	_, _, err = ParseServerID(":80")
	assert.Error(t, err)
}

func TestRequestIDFormat(t *testing.T) {
	now := time.UnixMilli(1539000000123)
	id, err := newRequestID("RQ", now)
	require.NoError(t, err)

	parts := strings.Split(id, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, "RQ", parts[0])
	assert.Equal(t, "1539000000123", parts[1])
	assert.Len(t, parts[2], 8)
	assert.Equal(t, strings.ToUpper(parts[2]), parts[2])
	assert.Len(t, parts[3], len(parts[1]))
	assert.True(t, ValidateRequestID(id))
}

func TestRequestIDChecksum(t *testing.T) {
	// 'R'+'Q' = 163, 'A'*8 = 520, sum = 683; '1' = 49 -> (49+683)%36 = 12 -> 'z'.
	id := composeRequestID("RQ", "1", "AAAAAAAA")
	assert.Equal(t, "RQ-1-AAAAAAAA-Z", id)
}

func TestValidateRequestIDRejects(t *testing.T) {
	id, err := NewRequestID(DefaultRequestPrefix)
	require.NoError(t, err)
	require.True(t, ValidateRequestID(id))

	tampered := id[:len(id)-1] + "?"
	assert.False(t, ValidateRequestID(tampered))
	assert.False(t, ValidateRequestID("RQ-123-ABC"))
	assert.False(t, ValidateRequestID("RQ-notmillis-ABCDEFGH-XYZ"))
	assert.False(t, ValidateRequestID(""))
}

func TestRequestIDPrefixWithSeparator(t *testing.T) {
	_, err := NewRequestID("R-Q")
	assert.ErrorIs(t, err, ErrInvalidPrefix)
}

func TestRequestIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := NewRequestID("RQ")
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
