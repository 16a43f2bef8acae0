package join

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/snappy"

	"github.com/arkilian/arkilian/internal/codec"
	"github.com/arkilian/arkilian/internal/groupby"
	"github.com/arkilian/arkilian/internal/kvstore"
	"github.com/arkilian/arkilian/internal/observability"
	"github.com/arkilian/arkilian/internal/servinginfo"
	"github.com/arkilian/arkilian/pkg/types"
)

type fakeServingLoader struct {
	infos map[string]*types.ServingInfo
}

func (f *fakeServingLoader) Load(_ context.Context, name string) (*types.ServingInfo, error) {
	si, ok := f.infos[name]
	if !ok {
		return nil, errors.New("no serving info for " + name)
	}
	return si, nil
}

type fakeJoinResolver struct {
	joins map[string]*types.Join
	err   map[string]error
}

func (f *fakeJoinResolver) Resolve(_ context.Context, name string) (*types.Join, error) {
	if err, ok := f.err[name]; ok {
		return nil, err
	}
	j, ok := f.joins[name]
	if !ok {
		return nil, errors.New("no join for " + name)
	}
	return j, nil
}

func profileServingInfo(name string) *types.ServingInfo {
	return &types.ServingInfo{
		Name:             name,
		KeySchema:        []types.FieldSchema{{Name: "id", Type: types.ColumnLong}},
		OutputSchema:     []types.FieldSchema{{Name: "country", Type: types.ColumnString}},
		Accuracy:         types.AccuracySnapshot,
		DataModel:        types.DataModelEvents,
		BatchDataset:     kvstore.BatchDataset(name),
		StreamingDataset: kvstore.StreamingDataset(name),
	}
}

func deviceServingInfo(name string) *types.ServingInfo {
	return &types.ServingInfo{
		Name:             name,
		KeySchema:        []types.FieldSchema{{Name: "device_id", Type: types.ColumnLong}},
		OutputSchema:     []types.FieldSchema{{Name: "os", Type: types.ColumnString}},
		Accuracy:         types.AccuracySnapshot,
		DataModel:        types.DataModelEvents,
		BatchDataset:     kvstore.BatchDataset(name),
		StreamingDataset: kvstore.StreamingDataset(name),
	}
}

func putRecord(t *testing.T, store *kvstore.MemoryStore, si *types.ServingInfo, keys map[string]interface{}, record map[string]interface{}, millis int64) {
	t.Helper()
	reg := codec.NewRegistry(si)
	kb, err := reg.EncodeKey(keys)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	store.Put(si.BatchDataset, kb, types.TimedValue{Bytes: snappy.Encode(nil, raw), Millis: millis})
}

func TestFetchJoin_MergesAndPrefixesParts(t *testing.T) {
	profile := profileServingInfo("profile")
	device := deviceServingInfo("device")
	loader := &fakeServingLoader{infos: map[string]*types.ServingInfo{"profile": profile, "device": device}}
	cache := servinginfo.New(loader, time.Minute)
	store := kvstore.NewMemoryStore()

	putRecord(t, store, profile, map[string]interface{}{"id": int64(1)}, map[string]interface{}{"country": "US"}, 10)
	putRecord(t, store, device, map[string]interface{}{"device_id": int64(1)}, map[string]interface{}{"os": "android"}, 10)

	fetcher := groupby.NewFetcher(store, cache, observability.New(), 2, 16)
	resolver := &fakeJoinResolver{joins: map[string]*types.Join{
		"user_join": {
			Name: "user_join",
			Parts: []types.JoinPart{
				{GroupByName: "profile", KeyMapping: map[string]string{}, FullPrefix: "profile"},
				{GroupByName: "device", KeyMapping: map[string]string{"id": "device_id"}, FullPrefix: "device"},
			},
		},
	}}

	planner := NewPlanner(resolver, fetcher)
	resps := planner.FetchJoin(context.Background(), []types.Request{
		{Name: "user_join", Keys: map[string]interface{}{"id": int64(1)}},
	})

	if len(resps) != 1 || resps[0].IsFailure() {
		t.Fatalf("resps = %+v", resps)
	}
	if resps[0].Values["profile_country"] != "US" {
		t.Errorf("Values = %+v, want profile_country=US", resps[0].Values)
	}
	if resps[0].Values["device_os"] != "android" {
		t.Errorf("Values = %+v, want device_os=android", resps[0].Values)
	}
}

func TestFetchJoin_MissingJoinConfigIsResponseFailure(t *testing.T) {
	loader := &fakeServingLoader{infos: map[string]*types.ServingInfo{}}
	cache := servinginfo.New(loader, time.Minute)
	store := kvstore.NewMemoryStore()
	fetcher := groupby.NewFetcher(store, cache, observability.New(), 2, 16)
	resolver := &fakeJoinResolver{joins: map[string]*types.Join{}}

	planner := NewPlanner(resolver, fetcher)
	resps := planner.FetchJoin(context.Background(), []types.Request{
		{Name: "missing_join", Keys: map[string]interface{}{"id": int64(1)}},
	})

	if len(resps) != 1 || !resps[0].IsFailure() {
		t.Fatalf("resps = %+v, want MetadataMissing failure", resps)
	}
	if resps[0].Failure.Kind != types.FailureMetadataMissing {
		t.Errorf("Failure.Kind = %v, want MetadataMissing", resps[0].Failure.Kind)
	}
}

func TestFetchJoin_PartFailureDegradesToExceptionSentinel(t *testing.T) {
	profile := profileServingInfo("profile")
	loader := &fakeServingLoader{infos: map[string]*types.ServingInfo{"profile": profile}}
	cache := servinginfo.New(loader, time.Minute)
	store := kvstore.NewMemoryStore()
	putRecord(t, store, profile, map[string]interface{}{"id": int64(1)}, map[string]interface{}{"country": "US"}, 10)

	fetcher := groupby.NewFetcher(store, cache, observability.New(), 2, 16)
	resolver := &fakeJoinResolver{joins: map[string]*types.Join{
		"user_join": {
			Name: "user_join",
			Parts: []types.JoinPart{
				{GroupByName: "profile", KeyMapping: map[string]string{}, FullPrefix: "profile"},
				{GroupByName: "nonexistent", KeyMapping: map[string]string{}, FullPrefix: "missing"},
			},
		},
	}}

	planner := NewPlanner(resolver, fetcher)
	resps := planner.FetchJoin(context.Background(), []types.Request{
		{Name: "user_join", Keys: map[string]interface{}{"id": int64(1)}},
	})

	if len(resps) != 1 || resps[0].IsFailure() {
		t.Fatalf("resps = %+v, want a degraded (non-failure) response", resps)
	}
	if resps[0].Values["profile_country"] != "US" {
		t.Errorf("Values = %+v, want profile_country=US still present", resps[0].Values)
	}
	if _, ok := resps[0].Values["nonexistent_exception"]; !ok {
		t.Errorf("Values = %+v, want nonexistent_exception sentinel", resps[0].Values)
	}
}

func TestFetchJoin_SiblingRequestsAreIndependent(t *testing.T) {
	profile := profileServingInfo("profile")
	loader := &fakeServingLoader{infos: map[string]*types.ServingInfo{"profile": profile}}
	cache := servinginfo.New(loader, time.Minute)
	store := kvstore.NewMemoryStore()
	putRecord(t, store, profile, map[string]interface{}{"id": int64(1)}, map[string]interface{}{"country": "US"}, 10)
	putRecord(t, store, profile, map[string]interface{}{"id": int64(3)}, map[string]interface{}{"country": "FR"}, 10)

	fetcher := groupby.NewFetcher(store, cache, observability.New(), 2, 16)
	resolver := &fakeJoinResolver{joins: map[string]*types.Join{
		"profile_join": {
			Name:  "profile_join",
			Parts: []types.JoinPart{{GroupByName: "profile", KeyMapping: map[string]string{}, FullPrefix: "profile"}},
		},
	}}

	planner := NewPlanner(resolver, fetcher)
	resps := planner.FetchJoin(context.Background(), []types.Request{
		{Name: "profile_join", Keys: map[string]interface{}{"id": int64(1)}},
		{Name: "missing_join", Keys: map[string]interface{}{"id": int64(2)}},
		{Name: "profile_join", Keys: map[string]interface{}{"id": int64(3)}},
	})

	if len(resps) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(resps))
	}
	if resps[0].IsFailure() || resps[0].Values["profile_country"] != "US" {
		t.Errorf("resps[0] = %+v, want profile_country=US", resps[0])
	}
	if !resps[1].IsFailure() || resps[1].Failure.Kind != types.FailureMetadataMissing {
		t.Errorf("resps[1] = %+v, want MetadataMissing failure", resps[1])
	}
	if resps[2].IsFailure() || resps[2].Values["profile_country"] != "FR" {
		t.Errorf("resps[2] = %+v, want profile_country=FR", resps[2])
	}
}

func temporalWindowedServingInfo(name string, windowMillis, batchEnd int64) *types.ServingInfo {
	return &types.ServingInfo{
		Name:             name,
		KeySchema:        []types.FieldSchema{{Name: "id", Type: types.ColumnLong}},
		OutputSchema:     []types.FieldSchema{{Name: "total", Type: types.ColumnDouble}},
		Aggregations:     []types.AggregationSpec{{OutputColumn: "total", InputColumn: "amount", Operation: "Sum", WindowMillis: windowMillis}},
		Accuracy:         types.AccuracyTemporal,
		DataModel:        types.DataModelEvents,
		BatchEndMillis:   batchEnd,
		BatchDataset:     kvstore.BatchDataset(name),
		StreamingDataset: kvstore.StreamingDataset(name),
	}
}

func putStreamingRecord(t *testing.T, store *kvstore.MemoryStore, si *types.ServingInfo, keys map[string]interface{}, record map[string]interface{}, millis int64) {
	t.Helper()
	reg := codec.NewRegistry(si)
	kb, err := reg.EncodeKey(keys)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	store.Put(si.StreamingDataset, kb, types.TimedValue{Bytes: snappy.Encode(nil, raw), Millis: millis})
}

// TestFetchJoin_DedupKeyIncludesAtMillis guards against collapsing two
// derived group-by requests that share a (groupByName, keys) pair but
// query different points in time onto a single fetch: a windowed
// aggregation must see a different result at each AtMillis.
func TestFetchJoin_DedupKeyIncludesAtMillis(t *testing.T) {
	windowed := temporalWindowedServingInfo("spend_w", 100, 100)
	loader := &fakeServingLoader{infos: map[string]*types.ServingInfo{"spend_w": windowed}}
	cache := servinginfo.New(loader, time.Minute)
	store := kvstore.NewMemoryStore()

	keys := map[string]interface{}{"id": int64(5)}
	putRecord(t, store, windowed, keys, map[string]interface{}{
		"collapsed": []interface{}{0.0},
		"tailHops":  [][]interface{}{},
	}, 100)
	// Streaming row at 150ms: inside a 100ms trailing window queried at
	// 200ms, outside the same window queried at 1000ms.
	putStreamingRecord(t, store, windowed, keys, map[string]interface{}{"values": map[string]interface{}{"amount": 5.0}}, 150)

	fetcher := groupby.NewFetcher(store, cache, observability.New(), 2, 16)
	resolver := &fakeJoinResolver{joins: map[string]*types.Join{
		"spend_join": {
			Name:  "spend_join",
			Parts: []types.JoinPart{{GroupByName: "spend_w", KeyMapping: map[string]string{}, FullPrefix: "spend"}},
		},
	}}

	planner := NewPlanner(resolver, fetcher)
	resps := planner.FetchJoin(context.Background(), []types.Request{
		{Name: "spend_join", Keys: keys, AtMillis: 200},
		{Name: "spend_join", Keys: keys, AtMillis: 1000},
	})

	if len(resps) != 2 || resps[0].IsFailure() || resps[1].IsFailure() {
		t.Fatalf("resps = %+v", resps)
	}
	if resps[0].Values["spend_total"] != 5.0 {
		t.Errorf("resps[0] Values = %+v, want spend_total=5.0 (streaming row within window at AtMillis=200)", resps[0].Values)
	}
	if resps[1].Values["spend_total"] != 0.0 {
		t.Errorf("resps[1] Values = %+v, want spend_total=0.0 (streaming row outside window at AtMillis=1000, must not reuse resps[0]'s deduped fetch)", resps[1].Values)
	}
}

func TestFetchJoin_DedupsIdenticalDerivedRequests(t *testing.T) {
	profile := profileServingInfo("profile")
	loader := &fakeServingLoader{infos: map[string]*types.ServingInfo{"profile": profile}}
	cache := servinginfo.New(loader, time.Minute)
	store := kvstore.NewMemoryStore()
	putRecord(t, store, profile, map[string]interface{}{"id": int64(9)}, map[string]interface{}{"country": "DE"}, 10)

	counters := observability.New()
	fetcher := groupby.NewFetcher(store, cache, counters, 2, 16)
	resolver := &fakeJoinResolver{joins: map[string]*types.Join{
		"join_a": {
			Name:  "join_a",
			Parts: []types.JoinPart{{GroupByName: "profile", KeyMapping: map[string]string{}, FullPrefix: "left"}},
		},
		"join_b": {
			Name:  "join_b",
			Parts: []types.JoinPart{{GroupByName: "profile", KeyMapping: map[string]string{}, FullPrefix: "right"}},
		},
	}}

	planner := NewPlanner(resolver, fetcher)
	resps := planner.FetchJoin(context.Background(), []types.Request{
		{Name: "join_a", Keys: map[string]interface{}{"id": int64(9)}},
		{Name: "join_b", Keys: map[string]interface{}{"id": int64(9)}},
	})

	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].Values["left_country"] != "DE" || resps[1].Values["right_country"] != "DE" {
		t.Errorf("resps = %+v, want both prefixed to country=DE from the single deduped fetch", resps)
	}
	snap := counters.Snapshot()
	if got := snap.ServingInfoCacheHits + snap.ServingInfoCacheMisses; got != 1 {
		t.Errorf("group-by requests fetched = %d, want 1 (both join parts share one deduped request)", got)
	}
}
