// Package servinginfo implements the TTL-cached mapping from feature-set
// name to ServingInfo, with forced refresh and single-flight coordination
// of concurrent loads for the same name.
//
// A failed Force is an accepted degradation: the previous entry stays in
// place, so a caller that proceeds with it (as groupby.Fetcher does)
// keeps serving with the older ServingInfo, including its output schema.
package servinginfo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arkilian/arkilian/pkg/types"
)

// Loader fetches a ServingInfo by feature-set name from the metadata
// dataset. kvstore.Store satisfies this via a thin adapter in
// cmd/fetch-server, keeping this package free of a storage dependency.
type Loader interface {
	Load(ctx context.Context, name string) (*types.ServingInfo, error)
}

type entry struct {
	value    *types.ServingInfo
	loadedAt time.Time
}

// Cache is a sync.Map-backed name -> ServingInfo mapping with lazy TTL
// expiry, generalizing the edge-decay/lazy-revalidate shape of a
// co-access graph cache to a single-value-per-key TTL cache.
type Cache struct {
	loader Loader
	ttl    time.Duration

	entries sync.Map // name -> *entry
	group   singleflight.Group
}

// New creates a Cache backed by loader with the given TTL.
func New(loader Loader, ttl time.Duration) *Cache {
	return &Cache{loader: loader, ttl: ttl}
}

// Get returns the current cached entry; on a miss, or on lazy TTL
// expiry, it loads synchronously from the metadata dataset. Concurrent
// Get/Force calls for the same name coalesce onto a single load via
// singleflight. A transient load failure is returned to the caller and
// never cached, so the next call retries immediately.
func (c *Cache) Get(ctx context.Context, name string) (*types.ServingInfo, error) {
	v, _, err := c.GetWithHit(ctx, name)
	return v, err
}

// GetWithHit behaves like Get but additionally reports whether the value
// came from an unexpired cache entry (true) or required a load (false),
// for callers that scrape cache-effectiveness counters.
func (c *Cache) GetWithHit(ctx context.Context, name string) (*types.ServingInfo, bool, error) {
	if e, ok := c.entries.Load(name); ok {
		en := e.(*entry)
		if time.Since(en.loadedAt) < c.ttl {
			return en.value, true, nil
		}
	}
	v, err := c.load(ctx, name)
	return v, false, err
}

// Force unconditionally reloads name from the metadata dataset. On
// reload failure, the previous cached value (if any) is retained and the
// failure is surfaced to the caller, who decides whether to proceed with
// the stale entry.
func (c *Cache) Force(ctx context.Context, name string) (*types.ServingInfo, error) {
	return c.load(ctx, name)
}

// StaleValue returns the last cached value for name, if any, regardless
// of TTL. Used by callers that want to proceed with a stale entry after
// a failed Force call.
func (c *Cache) StaleValue(name string) (*types.ServingInfo, bool) {
	e, ok := c.entries.Load(name)
	if !ok {
		return nil, false
	}
	return e.(*entry).value, true
}

func (c *Cache) load(ctx context.Context, name string) (*types.ServingInfo, error) {
	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		loaded, loadErr := c.loader.Load(ctx, name)
		if loadErr != nil {
			return nil, loadErr
		}
		c.entries.Store(name, &entry{value: loaded, loadedAt: time.Now()})
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ServingInfo), nil
}
