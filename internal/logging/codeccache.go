package logging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arkilian/arkilian/internal/codec"
	"github.com/arkilian/arkilian/internal/join"
	"github.com/arkilian/arkilian/internal/servinginfo"
	"github.com/arkilian/arkilian/pkg/types"
)

// joinCodec is the per-join codec pair used to encode a sampled fetch's
// key and value tuples: a key registry over the union of each part's key
// fields (restored to join-declared, left-side names) and a value
// registry over the concatenated prefixed part outputs.
type joinCodec struct {
	keyRegistry   *codec.Registry
	valueRegistry *codec.Registry
}

// DecodeKey is the inverse of encoding req.Keys with jc.keyRegistry: it
// recovers the join-declared key map from the bytes a Sampler emitted as
// LoggableResponse.KeyBytes.
func (jc *joinCodec) DecodeKey(raw []byte) (map[string]interface{}, error) {
	return jc.keyRegistry.DecodeKey(raw)
}

// DecodeValue is the inverse of encoding resp.Values with jc.valueRegistry:
// it recovers the prefixed value map from LoggableResponse.ValueBytes.
func (jc *joinCodec) DecodeValue(raw []byte) (map[string]interface{}, error) {
	return jc.valueRegistry.DecodeKey(raw)
}

type codecEntry struct {
	value    *joinCodec
	loadedAt time.Time
}

// codecCache is a small TTL+single-flight cache keyed by join name,
// reusing internal/servinginfo.Cache's lazy-expiry/coalesced-load shape
// for a different value type.
type codecCache struct {
	resolver    join.Resolver
	servingInfo *servinginfo.Cache
	ttl         time.Duration

	entries sync.Map // join name -> *codecEntry
	group   singleflight.Group
}

func newCodecCache(resolver join.Resolver, servingInfo *servinginfo.Cache, ttl time.Duration) *codecCache {
	return &codecCache{resolver: resolver, servingInfo: servingInfo, ttl: ttl}
}

func (c *codecCache) get(ctx context.Context, joinName string) (*joinCodec, error) {
	if e, ok := c.entries.Load(joinName); ok {
		en := e.(*codecEntry)
		if time.Since(en.loadedAt) < c.ttl {
			return en.value, nil
		}
	}

	v, err, _ := c.group.Do(joinName, func() (interface{}, error) {
		built, buildErr := c.build(ctx, joinName)
		if buildErr != nil {
			return nil, buildErr
		}
		c.entries.Store(joinName, &codecEntry{value: built, loadedAt: time.Now()})
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*joinCodec), nil
}

func (c *codecCache) build(ctx context.Context, joinName string) (*joinCodec, error) {
	j, err := c.resolver.Resolve(ctx, joinName)
	if err != nil {
		return nil, err
	}

	keyFields := make(map[string]types.FieldSchema)
	var valueFields []types.FieldSchema

	for _, part := range j.Parts {
		si, err := c.servingInfo.Get(ctx, part.GroupByName)
		if err != nil {
			return nil, fmt.Errorf("logging: resolving %q for join %q: %w", part.GroupByName, joinName, err)
		}

		reverseMapping := make(map[string]string, len(part.KeyMapping))
		for left, right := range part.KeyMapping {
			reverseMapping[right] = left
		}

		for _, f := range si.KeySchema {
			leftName := f.Name
			if mapped, ok := reverseMapping[f.Name]; ok {
				leftName = mapped
			}
			if _, exists := keyFields[leftName]; !exists {
				keyFields[leftName] = types.FieldSchema{Name: leftName, Type: f.Type}
			}
		}

		for _, f := range si.OutputSchema {
			valueFields = append(valueFields, types.FieldSchema{Name: part.FullPrefix + "_" + f.Name, Type: f.Type})
		}
	}

	names := make([]string, 0, len(keyFields))
	for name := range keyFields {
		names = append(names, name)
	}
	sort.Strings(names)

	keySchema := make([]types.FieldSchema, len(names))
	for i, name := range names {
		keySchema[i] = keyFields[name]
	}

	return &joinCodec{
		keyRegistry:   codec.NewRegistry(&types.ServingInfo{KeySchema: keySchema}),
		valueRegistry: codec.NewRegistry(&types.ServingInfo{KeySchema: valueFields}),
	}, nil
}
