package proxycache

import (
	"fmt"
	"net/http"
	"strconv"

	cachekey "github.com/always-cache/proxy-cache/pkg/cache-key"
	cachepolicy "github.com/always-cache/proxy-cache/pkg/cache-policy"
	rawresponse "github.com/always-cache/proxy-cache/pkg/raw-response"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pascaldekloe/metrics"
)

// AdminRouter returns the HTTP handler of the admin API:
//
//	GET    /healthz          liveness
//	GET    /metrics          counters in the Prometheus text format
//	GET    /cache            stored locations, one per line
//	GET    /cache/{location} stored response bytes
//	DELETE /cache/{location} purge one entry
func (p *ProxyCache) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Get("/metrics", metrics.ServeHTTP)
	r.Get("/cache", p.listEntries)
	r.Get("/cache/*", p.inspectEntry)
	r.Delete("/cache/*", p.purgeEntry)
	return r
}

// adminLocation maps the wildcard of the route to a cache location, the same
// way request URIs are mapped.
func adminLocation(r *http.Request) (string, bool) {
	key, err := cachekey.Resolve(chi.URLParam(r, "*"))
	if err != nil {
		return "", false
	}
	return key.Location(), true
}

func (p *ProxyCache) listEntries(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	err := p.cache.Keys(func(key string) {
		fmt.Fprintln(w, key)
	})
	if err != nil {
		p.log.Error().Err(err).Msg("Could not list cache entries")
	}
}

func (p *ProxyCache) inspectEntry(w http.ResponseWriter, r *http.Request) {
	location, ok := adminLocation(r)
	if !ok {
		http.Error(w, "invalid location", http.StatusBadRequest)
		return
	}
	stored, found, err := p.cache.Read(location)
	if err != nil {
		p.log.Error().Err(err).Str("key", location).Msg("Could not read cache entry")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	head, _ := rawresponse.Parse(stored)
	freshness := cachepolicy.Evaluate(head.Header, p.now())
	w.Header().Set("Content-Type", "message/http")
	w.Header().Set("X-Cache-Location", location)
	w.Header().Set("X-Cache-Freshness", freshness.Verdict.String())
	if freshness.Verdict != cachepolicy.Unevaluable {
		w.Header().Set("X-Cache-Age", strconv.FormatInt(freshness.Age, 10))
	}
	w.Write(stored)
}

func (p *ProxyCache) purgeEntry(w http.ResponseWriter, r *http.Request) {
	location, ok := adminLocation(r)
	if !ok {
		http.Error(w, "invalid location", http.StatusBadRequest)
		return
	}
	if err := p.cache.Delete(location); err != nil {
		p.log.Error().Err(err).Str("key", location).Msg("Could not purge cache entry")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	p.log.Info().Str("key", location).Msg("Purged cache entry")
	w.WriteHeader(http.StatusNoContent)
}
