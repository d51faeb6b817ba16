package cachepolicy

import "bytes"

// cacheableStatusCodes may always be stored, regardless of their header fields.
var cacheableStatusCodes = map[int]struct{}{
	200: {},
	203: {},
	206: {},
	300: {},
	301: {},
	410: {},
}

var maxAgeToken = []byte("max-age=")

// Cacheable decides whether an origin response may be stored.
//
// Responses with one of the status codes above are always cacheable.
// Any other response is cacheable only if "max-age=" appears anywhere in it.
// This is a plain presence check over the raw bytes and not a Cache-Control parse.
func Cacheable(statusCode int, raw []byte) bool {
	if _, ok := cacheableStatusCodes[statusCode]; ok {
		return true
	}
	return bytes.Contains(raw, maxAgeToken)
}
