package api

import (
	"errors"
	"unsafe"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerTokenFromString returns the JWT in a "Bearer <jwt>" header value
// without copying it.
func bearerTokenFromString(raw string) ([]byte, error) {
	start, end := 0, len(raw)
	for start < end && raw[start] == ' ' {
		start++
	}
	for end > start && raw[end-1] == ' ' {
		end--
	}
	if start >= end {
		return nil, errMissingAuthorization
	}
	trimmed := raw[start:end]
	if len(trimmed) <= len(bearerPrefix) || trimmed[:len(bearerPrefix)] != bearerPrefix {
		return nil, errBadAuthorization
	}
	token := readOnlyBytes(trimmed[len(bearerPrefix):])
	if countByte(token, '.') != 2 {
		return nil, errBadAuthorization
	}
	return token, nil
}

func countByte(buf []byte, target byte) int {
	count := 0
	for _, b := range buf {
		if b == target {
			count++
		}
	}
	return count
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
