package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arkilian/arkilian/internal/kvstore"
	"github.com/arkilian/arkilian/pkg/types"
)

// storeServingInfoLoader implements servinginfo.Loader over a
// kvstore.Store, reading JSON-encoded ServingInfo records from a single
// metadata dataset keyed by feature-set name.
type storeServingInfoLoader struct {
	store   kvstore.Store
	dataset string
}

func newStoreServingInfoLoader(store kvstore.Store, dataset string) *storeServingInfoLoader {
	return &storeServingInfoLoader{store: store, dataset: dataset}
}

func (l *storeServingInfoLoader) Load(ctx context.Context, name string) (*types.ServingInfo, error) {
	resps, err := l.store.MultiGet(ctx, []types.GetRequest{{Dataset: l.dataset, KeyBytes: []byte(name)}})
	if err != nil {
		return nil, fmt.Errorf("serving info: multiGet %q: %w", name, err)
	}
	resp := resps[0]
	if resp.Err != nil {
		return nil, fmt.Errorf("serving info: multiGet %q: %w", name, resp.Err)
	}
	latest, ok := resp.MaxMillis()
	if !ok {
		return nil, fmt.Errorf("serving info: no record for %q", name)
	}

	var si types.ServingInfo
	if err := json.Unmarshal(latest.Bytes, &si); err != nil {
		return nil, fmt.Errorf("serving info: decoding %q: %w", name, err)
	}
	return &si, nil
}

// storeJoinResolver implements join.Resolver over a kvstore.Store,
// reading JSON-encoded Join records from a single metadata dataset
// keyed by join name.
type storeJoinResolver struct {
	store   kvstore.Store
	dataset string
}

func newStoreJoinResolver(store kvstore.Store, dataset string) *storeJoinResolver {
	return &storeJoinResolver{store: store, dataset: dataset}
}

func (r *storeJoinResolver) Resolve(ctx context.Context, name string) (*types.Join, error) {
	resps, err := r.store.MultiGet(ctx, []types.GetRequest{{Dataset: r.dataset, KeyBytes: []byte(name)}})
	if err != nil {
		return nil, fmt.Errorf("join config: multiGet %q: %w", name, err)
	}
	resp := resps[0]
	if resp.Err != nil {
		return nil, fmt.Errorf("join config: multiGet %q: %w", name, resp.Err)
	}
	latest, ok := resp.MaxMillis()
	if !ok {
		return nil, fmt.Errorf("join config: no record for %q", name)
	}

	var j types.Join
	if err := json.Unmarshal(latest.Bytes, &j); err != nil {
		return nil, fmt.Errorf("join config: decoding %q: %w", name, err)
	}
	return &j, nil
}
