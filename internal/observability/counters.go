// Package observability provides lock-free counters for the fetch core,
// generalizing a mutex-guarded frequency tracker to a small fixed set of
// atomic counters scraped by a metrics endpoint instead of driving
// automated index creation.
package observability

import "sync/atomic"

// Counters tracks fetch-core outcomes that matter operationally: cache
// effectiveness, timeouts, and the logging sampler's own failure rate.
// Every field is safe for concurrent increment from any goroutine.
type Counters struct {
	ServingInfoCacheHits   atomic.Int64
	ServingInfoCacheMisses atomic.Int64
	ForcedRefreshes        atomic.Int64
	Timeouts               atomic.Int64
	LoggingFailures        atomic.Int64
	SampledEvents          atomic.Int64
}

// New creates a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// Snapshot is a point-in-time copy suitable for serialization (structs
// holding atomic.Int64 must not be copied directly).
type Snapshot struct {
	ServingInfoCacheHits   int64 `json:"servingInfoCacheHits"`
	ServingInfoCacheMisses int64 `json:"servingInfoCacheMisses"`
	ForcedRefreshes        int64 `json:"forcedRefreshes"`
	Timeouts               int64 `json:"timeouts"`
	LoggingFailures        int64 `json:"loggingFailures"`
	SampledEvents          int64 `json:"sampledEvents"`
}

// Snapshot reads every counter's current value.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ServingInfoCacheHits:   c.ServingInfoCacheHits.Load(),
		ServingInfoCacheMisses: c.ServingInfoCacheMisses.Load(),
		ForcedRefreshes:        c.ForcedRefreshes.Load(),
		Timeouts:               c.Timeouts.Load(),
		LoggingFailures:        c.LoggingFailures.Load(),
		SampledEvents:          c.SampledEvents.Load(),
	}
}
