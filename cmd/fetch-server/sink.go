package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/arkilian/arkilian/pkg/types"
)

// jsonLinesSink writes each sampled LoggableResponse as one JSON line to
// w, guarding concurrent writes with a mutex since http.ResponseWriter-
// style single-writer files aren't safe for concurrent Write calls.
type jsonLinesSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newJSONLinesSink(w io.Writer) *jsonLinesSink {
	return &jsonLinesSink{w: w}
}

func (s *jsonLinesSink) Emit(_ context.Context, lr types.LoggableResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	return enc.Encode(lr)
}
