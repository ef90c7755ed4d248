package identity

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// DefaultRequestPrefix is used for ids generated by the request facade.
const DefaultRequestPrefix = "RQ"

var checksumAlphabet = []byte("jsoefaumgcxqzhbntpkdyvliwr5946170382")

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInvalidPrefix is returned when a request id prefix contains the separator.
var ErrInvalidPrefix = errors.New("identity: request id prefix must not contain '-'")

// NewRequestID generates <prefix>-<epochMillis>-<random>-<checksum>.
//
// The checksum maps each digit of the millis string through a shift derived
// from prefix and random part. It only allows structural validation.
func NewRequestID(prefix string) (string, error) {
	return newRequestID(prefix, time.Now())
}

func newRequestID(prefix string, now time.Time) (string, error) {
	if strings.Contains(prefix, "-") {
		return "", ErrInvalidPrefix
	}
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	random := make([]byte, 8)
	for i := range random {
		random[i] = randomAlphabet[rand.Intn(len(randomAlphabet))]
	}
	return composeRequestID(prefix, millis, string(random)), nil
}

// ValidateRequestID reports whether id is well formed and its checksum matches.
func ValidateRequestID(id string) bool {
	parts := strings.Split(id, "-")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return false
	}
	return composeRequestID(parts[0], parts[1], parts[2]) == id
}

func composeRequestID(prefix, millis, random string) string {
	sum := 0
	for _, c := range []byte(prefix) {
		sum += int(c)
	}
	for _, c := range []byte(random) {
		sum += int(c)
	}
	checksum := make([]byte, len(millis))
	for i, c := range []byte(millis) {
		checksum[i] = checksumAlphabet[(int(c)+sum)%len(checksumAlphabet)]
	}
	return prefix + "-" + millis + "-" + random + "-" + strings.ToUpper(string(checksum))
}
