package cachepolicy

import (
	"strconv"
	"strings"
)

const maxAgeDirective = "max-age"

// CacheControl holds the parsed directives of one or more Cache-Control
// field values.
//
// §    Cache-Control   = #cache-directive
// §
// §    cache-directive = token [ "=" ( token / quoted-string ) ]
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl takes Cache-Control header values and returns an
// instance of CacheControl. When a directive repeats, the first occurrence wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			name = getDirectiveName(name)
			if _, seen := m[name]; seen {
				continue
			}
			m[name] = getDirectiveArgument(arg)
		}
	}
	return CacheControl{m}
}

// Get returns the argument of the directive and whether it is present.
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

// HasDirective returns whether the specified directive is present
func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// MaxAge returns the max-age argument in seconds.
// The boolean is false when the directive is absent or has no numeric argument.
func (c CacheControl) MaxAge() (int64, bool) {
	arg, ok := c.Get(maxAgeDirective)
	if !ok || arg == "" {
		return 0, false
	}
	seconds, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, false
	}
	return seconds, true
}

// §  Cache directives are identified by a token, to be compared
// §  case-insensitively
func getDirectiveName(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// §  [...] argument that can use both token and quoted-string syntax. [...]
func getDirectiveArgument(arg string) string {
	return strings.Trim(strings.TrimSpace(arg), "\"")
}
