package proxycache

import (
	"github.com/pascaldekloe/metrics"
	"github.com/pkg/errors"
)

var (
	metricHits        = metrics.MustCounter("proxycache_hits", "Number of responses served from the cache")
	metricMisses      = metrics.MustCounter("proxycache_misses", "Number of requests forwarded to an origin")
	metricStale       = metrics.MustCounter("proxycache_stale_evictions", "Number of stale cache entries deleted on lookup")
	metricStored      = metrics.MustCounter("proxycache_stored", "Number of origin responses written to the cache")
	metricUncacheable = metrics.MustCounter("proxycache_uncacheable", "Number of origin responses relayed without caching")

	metricMalformed   = metrics.MustCounter("proxycache_malformed_requests", "Number of requests with a malformed request line")
	metricUnevaluable = metrics.MustCounter("proxycache_unevaluable", "Number of cached responses without a usable Date or max-age")
	metricUnreachable = metrics.MustCounter("proxycache_origin_unreachable", "Number of failed origin fetches")
	metricIOFailure   = metrics.MustCounter("proxycache_io_failures", "Number of cache storage failures")
	metricClientFail  = metrics.MustCounter("proxycache_client_failures", "Number of failed client reads and writes")
)

// countError increments the counter matching the error kind.
func countError(err error) {
	switch {
	case errors.Is(err, ErrMalformedRequest):
		metricMalformed.Add(1)
	case errors.Is(err, ErrCacheUnevaluable):
		metricUnevaluable.Add(1)
	case errors.Is(err, ErrOriginUnreachable):
		metricUnreachable.Add(1)
	case errors.Is(err, ErrIOFailure):
		metricIOFailure.Add(1)
	default:
		metricClientFail.Add(1)
	}
}
