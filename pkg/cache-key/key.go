package cachekey

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedRequest is returned when a request line cannot be split into
// method, URI and version, or when it does not name a host.
var ErrMalformedRequest = errors.New("malformed request")

// DefaultLeaf is the file name used for resource paths that end in a slash,
// most notably the root path "/".
const DefaultLeaf = "default"

// schemePrefix matches an optional leading slash followed by the scheme.
// Some clients send "/http://host/path" when they think they talk to an origin.
var schemePrefix = regexp.MustCompile(`^/?https?://`)

// RequestLine is the first line of a client request.
type RequestLine struct {
	Method  string
	URI     string
	Version string
}

// Key identifies a cached response. It is derived from the target host and
// the resource path only, so two requests for the same host and path always
// share a key.
type Key struct {
	Host string
	Path string
}

// New returns the key for the given host and resource path.
func New(host, path string) Key {
	return Key{Host: host, Path: path}
}

// Location returns the storage address of the key, of the form
// <host>/<resource-path>. Paths ending in a slash get DefaultLeaf appended,
// so that "/" maps to "<host>/default".
func (k Key) Location() string {
	loc := k.Host + k.Path
	if strings.HasSuffix(loc, "/") {
		loc += DefaultLeaf
	}
	return loc
}

func (k Key) String() string {
	return k.Location()
}

// FirstLine returns the bytes of a raw request up to the first line break.
func FirstLine(raw []byte) string {
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimRight(string(raw), "\r")
}

// ParseRequestLine splits a request line on whitespace.
// Anything other than exactly three tokens is a malformed request.
func ParseRequestLine(line string) (RequestLine, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return RequestLine{}, errors.Wrapf(ErrMalformedRequest, "request line %q has %d tokens", line, len(parts))
	}
	return RequestLine{
		Method:  parts[0],
		URI:     parts[1],
		Version: parts[2],
	}, nil
}

// Resolve extracts the target host and resource path from a request URI.
//
// The scheme is stripped, then every literal "/.." is removed. This is a crude
// traversal guard and not a path normalizer. The remainder is split on the
// first slash into host and path; without a slash the path is "/".
func Resolve(uri string) (Key, error) {
	uri = schemePrefix.ReplaceAllLiteralString(uri, "")
	uri = strings.ReplaceAll(uri, "/..", "")

	host, rest, found := strings.Cut(uri, "/")
	if host == "" {
		return Key{}, errors.Wrapf(ErrMalformedRequest, "no host in uri %q", uri)
	}
	path := "/"
	if found {
		path += rest
	}
	return New(host, path), nil
}

// Parse combines ParseRequestLine and Resolve.
func Parse(line string) (RequestLine, Key, error) {
	rl, err := ParseRequestLine(line)
	if err != nil {
		return rl, Key{}, err
	}
	key, err := Resolve(rl.URI)
	return rl, key, err
}
