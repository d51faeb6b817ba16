package proxycache

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/always-cache/proxy-cache/cache"
	cachekey "github.com/always-cache/proxy-cache/pkg/cache-key"
	cachepolicy "github.com/always-cache/proxy-cache/pkg/cache-policy"
	"github.com/always-cache/proxy-cache/pkg/origin"
	rawresponse "github.com/always-cache/proxy-cache/pkg/raw-response"
	tee "github.com/always-cache/proxy-cache/pkg/response-writer-tee"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// OriginFetcher retrieves a response from the origin server of host.
type OriginFetcher interface {
	Fetch(ctx context.Context, host, path string) (origin.Response, error)
}

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// Fetcher for cache misses. An origin.Fetcher with defaults if nil.
	Origin OriginFetcher
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Maximum number of request bytes read from a client.
	// origin.DefaultBufferSize if zero.
	BufferSize int
	// Fetch from the origin instead of failing the request when a cached
	// response has no usable Date or max-age.
	UnevaluableAsMiss bool
	// Clock used for freshness evaluation. time.Now if nil.
	Now func() time.Time
}

type ProxyCache struct {
	cache             cache.CacheProvider
	origin            OriginFetcher
	log               zerolog.Logger
	bufferSize        int
	unevaluableAsMiss bool
	now               func() time.Time
}

// CreateProxy initializes the proxy cache instance.
func CreateProxy(config Config) *ProxyCache {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	p := &ProxyCache{
		cache:             config.Cache,
		origin:            config.Origin,
		log:               logger,
		bufferSize:        config.BufferSize,
		unevaluableAsMiss: config.UnevaluableAsMiss,
		now:               config.Now,
	}
	if p.origin == nil {
		p.origin = origin.NewFetcher(origin.Config{Logger: &logger})
	}
	if p.bufferSize <= 0 {
		p.bufferSize = origin.DefaultBufferSize
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Cache returns the underlying cache provider.
func (p *ProxyCache) Cache() cache.CacheProvider {
	return p.cache
}

// ServeConn handles exactly one exchange on conn and closes it.
// The request is read with a single read. Errors are logged and end the
// exchange without a response being synthesized.
// Cancelling ctx unblocks pending reads and writes on conn.
func (p *ProxyCache) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stopWatch := unblockOnDone(ctx, conn)
	defer stopWatch()
	log := p.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	buf := make([]byte, p.bufferSize)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		metricClientFail.Add(1)
		log.Error().Err(err).Msg("Could not read client request")
		return
	}
	log.Trace().Int("bytes", n).Msg("Received request")

	if _, err := p.handle(ctx, log, buf[:n], conn); err != nil {
		log.Error().Err(err).Msg("Could not handle client request")
		return
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			log.Trace().Err(err).Msg("Could not half-close client connection")
		}
	}
}

// unblockOnDone expires the deadline of conn once ctx is done, so pending
// reads and writes return. The returned func ends the watch.
func unblockOnDone(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Handle runs one exchange for the raw client request and writes the
// response bytes to w. Only the request line is consulted.
func (p *ProxyCache) Handle(ctx context.Context, request []byte, w io.Writer) (CacheStatus, error) {
	return p.handle(ctx, p.log, request, w)
}

func (p *ProxyCache) handle(ctx context.Context, log zerolog.Logger, request []byte, w io.Writer) (cs CacheStatus, err error) {
	defer func() {
		if err != nil {
			countError(err)
		}
	}()

	reqLine, key, err := cachekey.Parse(cachekey.FirstLine(request))
	if err != nil {
		return cs, err
	}
	location := key.Location()
	log = log.With().Str("key", location).Logger()
	log.Trace().Str("method", reqLine.Method).Str("uri", reqLine.URI).Msg("Parsed request line")

	out := tee.NewResponseSaver(w)
	served, err := p.serveFromCache(log, location, out, &cs)
	if served || err != nil {
		if err == nil {
			p.logRequest(log, reqLine, cs, out)
		}
		return cs, err
	}

	metricMisses.Add(1)
	res, err := p.origin.Fetch(ctx, key.Host, key.Path)
	if err != nil {
		return cs, err
	}
	if _, err := out.Write(res.Raw); err != nil {
		return cs, errors.Wrap(err, "write origin response to client")
	}

	if cachepolicy.Cacheable(res.StatusCode, res.Raw) {
		log.Trace().Int("status", res.StatusCode).Msg("Writing to cache")
		if err := p.cache.Write(location, res.Raw); err != nil {
			return cs, err
		}
		cs.Stored = true
		metricStored.Add(1)
	} else {
		metricUncacheable.Add(1)
	}
	p.logRequest(log, reqLine, cs, out)
	return cs, nil
}

// serveFromCache writes a fresh cached response to w.
// It returns false when the request has to be forwarded, with cs telling why.
func (p *ProxyCache) serveFromCache(log zerolog.Logger, location string, w io.Writer, cs *CacheStatus) (bool, error) {
	stored, found, err := p.cache.Read(location)
	if err != nil {
		return false, err
	}
	if !found {
		cs.Forward(CacheStatusFwdUriMiss)
		return false, nil
	}

	// an unparsable head has no fields, which makes it unevaluable
	head, _ := rawresponse.Parse(stored)
	freshness := cachepolicy.Evaluate(head.Header, p.now())
	log.Trace().
		Str("verdict", freshness.Verdict.String()).
		Int64("age", freshness.Age).
		Int64("maxAge", freshness.MaxAge).
		Msg("Evaluated cached response")

	switch freshness.Verdict {
	case cachepolicy.Fresh:
		cs.Hit()
		cs.TimeToLive = freshness.MaxAge - freshness.Age
		if _, err := w.Write(stored); err != nil {
			return false, errors.Wrap(err, "write cached response to client")
		}
		metricHits.Add(1)
		return true, nil
	case cachepolicy.Stale:
		if err := p.cache.Delete(location); err != nil {
			return false, err
		}
		metricStale.Add(1)
		cs.Forward(CacheStatusFwdStale)
		return false, nil
	default:
		if !p.unevaluableAsMiss {
			return false, errors.Wrapf(ErrCacheUnevaluable, "%s: %s", location, freshness.Reason)
		}
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail = freshness.Reason
		return false, nil
	}
}

func (p *ProxyCache) logRequest(log zerolog.Logger, reqLine cachekey.RequestLine, cs CacheStatus, out *tee.ResponseSaver) {
	isHit := 0
	if cs.Status == CacheStatusHit {
		isHit = 1
	}
	log.Debug().
		Str("method", reqLine.Method).
		Str("uri", reqLine.URI).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int64("ttl", cs.TimeToLive).
		Int("hit", isHit).
		Str("cacheStatus", cs.String()).
		Int64("bytes", out.Written()).
		Dur("elapsed", out.Elapsed()).
		Msg("Sending response to client")
}
