package kvstore

import (
	"context"
	"sync"

	"github.com/arkilian/arkilian/pkg/types"
)

// MemoryStore is an in-memory reference Store, used by tests and local
// development. A missing key yields zero values rather than an error;
// the only per-request error it sets is ctx.Err() once ctx is done.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]types.TimedValue // dataset -> keyBytes(string) -> values
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]types.TimedValue)}
}

// Put records a value for (dataset, keyBytes). Tests use this to seed
// batch/streaming/metadata datasets directly.
func (m *MemoryStore) Put(dataset string, keyBytes []byte, value types.TimedValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data[dataset] == nil {
		m.data[dataset] = make(map[string][]types.TimedValue)
	}
	k := string(keyBytes)
	m.data[dataset][k] = append(m.data[dataset][k], value)
}

// MultiGet implements Store.
func (m *MemoryStore) MultiGet(ctx context.Context, reqs []types.GetRequest) ([]types.GetResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resps := make([]types.GetResponse, len(reqs))
	for i, req := range reqs {
		resps[i] = types.GetResponse{Request: req}

		select {
		case <-ctx.Done():
			resps[i].Err = ctx.Err()
			continue
		default:
		}

		values := m.data[req.Dataset][string(req.KeyBytes)]
		for _, v := range values {
			if req.AfterMillis != nil && v.Millis < *req.AfterMillis {
				continue
			}
			resps[i].Values = append(resps[i].Values, v)
		}
	}
	return resps, nil
}
