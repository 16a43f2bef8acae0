package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arkilian/arkilian/internal/groupby"
	"github.com/arkilian/arkilian/internal/join"
	"github.com/arkilian/arkilian/internal/kvstore"
	"github.com/arkilian/arkilian/internal/logging"
	"github.com/arkilian/arkilian/internal/observability"
	"github.com/arkilian/arkilian/internal/servinginfo"
	"github.com/arkilian/arkilian/pkg/types"
)

type fixedServingLoader struct {
	si *types.ServingInfo
}

func (f fixedServingLoader) Load(_ context.Context, _ string) (*types.ServingInfo, error) {
	return f.si, nil
}

type fixedJoinResolver struct {
	j *types.Join
}

func (f fixedJoinResolver) Resolve(_ context.Context, _ string) (*types.Join, error) {
	return f.j, nil
}

type discardSink struct{}

func (discardSink) Emit(_ context.Context, _ types.LoggableResponse) error { return nil }

func newTestFetcher() *groupby.Fetcher {
	si := &types.ServingInfo{
		Name:             "profile",
		KeySchema:        []types.FieldSchema{{Name: "id", Type: types.ColumnLong}},
		OutputSchema:     []types.FieldSchema{{Name: "country", Type: types.ColumnString}},
		Accuracy:         types.AccuracySnapshot,
		DataModel:        types.DataModelEvents,
		BatchDataset:     kvstore.BatchDataset("profile"),
		StreamingDataset: kvstore.StreamingDataset("profile"),
	}
	cache := servinginfo.New(fixedServingLoader{si: si}, time.Minute)
	store := kvstore.NewMemoryStore()
	return groupby.NewFetcher(store, cache, observability.New(), 2, 16)
}

func TestGroupByHandler_RejectsEmptyRequests(t *testing.T) {
	h := NewGroupByHandler(newTestFetcher())
	req := httptest.NewRequest(http.MethodPost, "/v1/fetch/group-bys", bytes.NewReader([]byte(`{"requests":[]}`)))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGroupByHandler_RejectsNonPost(t *testing.T) {
	h := NewGroupByHandler(newTestFetcher())
	req := httptest.NewRequest(http.MethodGet, "/v1/fetch/group-bys", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestGroupByHandler_FetchesAndReturnsResponses(t *testing.T) {
	h := NewGroupByHandler(newTestFetcher())
	body, _ := json.Marshal(FetchRequest{Requests: []types.Request{
		{Name: "profile", Keys: map[string]interface{}{"id": int64(1)}},
	}})
	req := httptest.NewRequest(http.MethodPost, "/v1/fetch/group-bys", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp FetchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Responses) != 1 {
		t.Fatalf("len(resp.Responses) = %d, want 1", len(resp.Responses))
	}
}

func TestJoinHandler_FetchesAndReturnsResponses(t *testing.T) {
	fetcher := newTestFetcher()
	resolver := fixedJoinResolver{j: &types.Join{
		Name: "profile_join",
		Parts: []types.JoinPart{
			{GroupByName: "profile", KeyMapping: map[string]string{}, FullPrefix: "profile"},
		},
	}}
	planner := join.NewPlanner(resolver, fetcher)
	sampler := logging.NewSampler(planner, resolver, servinginfo.New(fixedServingLoader{si: &types.ServingInfo{
		Name:             "profile",
		KeySchema:        []types.FieldSchema{{Name: "id", Type: types.ColumnLong}},
		OutputSchema:     []types.FieldSchema{{Name: "country", Type: types.ColumnString}},
		Accuracy:         types.AccuracySnapshot,
		DataModel:        types.DataModelEvents,
		BatchDataset:     kvstore.BatchDataset("profile"),
		StreamingDataset: kvstore.StreamingDataset("profile"),
	}}, time.Minute), discardSink{}, observability.New(), time.Minute)

	h := NewJoinHandler(sampler)
	body, _ := json.Marshal(FetchRequest{Requests: []types.Request{
		{Name: "profile_join", Keys: map[string]interface{}{"id": int64(1)}},
	}})
	req := httptest.NewRequest(http.MethodPost, "/v1/fetch/join", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
}
