package proxycache

import (
	"github.com/always-cache/proxy-cache/cache"
	cachekey "github.com/always-cache/proxy-cache/pkg/cache-key"
	"github.com/always-cache/proxy-cache/pkg/origin"

	"github.com/pkg/errors"
)

// Errors returned by ProxyCache.Handle. Match them with errors.Is.
var (
	ErrMalformedRequest  = cachekey.ErrMalformedRequest
	ErrCacheUnevaluable  = errors.New("cached response cannot be evaluated")
	ErrOriginUnreachable = origin.ErrOriginUnreachable
	ErrIOFailure         = cache.ErrIOFailure
)
