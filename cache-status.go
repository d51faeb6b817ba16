package proxycache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache did not contain a response for the request location.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache contained a response, but it was stale.
	// The stored response has been deleted.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"

	// The cache contained a response whose freshness could not be
	// determined, and it was configured to forward such requests.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"
)

// CacheStatus describes how one exchange was handled.
// It is only logged, never sent to the client.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	// The origin response was written to the cache.
	Stored bool
	// Remaining freshness lifetime in seconds for hits.
	TimeToLive int64
	Detail     string
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("ProxyCache; %s", cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Status == CacheStatusHit {
		status = fmt.Sprintf("%s; ttl=%d", status, cs.TimeToLive)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
