package http

import (
	"encoding/json"
	"net/http"

	"github.com/arkilian/arkilian/internal/groupby"
	"github.com/arkilian/arkilian/internal/logging"
	"github.com/arkilian/arkilian/pkg/types"
)

// FetchRequest is the JSON body of a POST to /v1/fetch/group-bys or
// /v1/fetch/join.
type FetchRequest struct {
	Requests []types.Request `json:"requests"`
}

// FetchResponse is the JSON body returned from a fetch handler.
type FetchResponse struct {
	Responses []types.Response `json:"responses"`
	RequestID string           `json:"request_id"`
}

// GroupByHandler handles POST /v1/fetch/group-bys.
type GroupByHandler struct {
	fetcher *groupby.Fetcher
}

// NewGroupByHandler creates a GroupByHandler.
func NewGroupByHandler(fetcher *groupby.Fetcher) *GroupByHandler {
	return &GroupByHandler{fetcher: fetcher}
}

func (h *GroupByHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), requestID)
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "requests must not be empty", requestID)
		return
	}

	resps := h.fetcher.FetchGroupBys(r.Context(), req.Requests)
	writeJSON(w, http.StatusOK, FetchResponse{Responses: resps, RequestID: requestID})
}

// JoinHandler handles POST /v1/fetch/join.
type JoinHandler struct {
	sampler *logging.Sampler
}

// NewJoinHandler creates a JoinHandler.
func NewJoinHandler(sampler *logging.Sampler) *JoinHandler {
	return &JoinHandler{sampler: sampler}
}

func (h *JoinHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), requestID)
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "requests must not be empty", requestID)
		return
	}

	resps := h.sampler.FetchJoin(r.Context(), req.Requests)
	writeJSON(w, http.StatusOK, FetchResponse{Responses: resps, RequestID: requestID})
}
