// Package kvstore defines the key-value store interface the fetch core
// consumes, plus reference implementations used by tests and by
// cmd/fetch-server for local/on-prem deployments. The store itself —
// its on-disk format, replication, etc — is explicitly out of scope for
// the fetch core; only the MultiGet read contract matters here.
package kvstore

import (
	"context"
	"regexp"
	"strings"

	"github.com/arkilian/arkilian/pkg/types"
)

// Store abstracts the external key-value store. Implementations include
// an in-memory reference store for tests, a SQLite+S3-cold-tier store
// for local/on-prem deployments, and a gRPC client for talking to a
// remote key-value service.
type Store interface {
	// MultiGet issues one batched read for the given GetRequests. The
	// returned slice has the same length and order as reqs; a per-request
	// error is carried on GetResponse.Err rather than failing the whole
	// call, except when the underlying transport fails wholesale, in
	// which case MultiGet itself returns a non-nil error.
	MultiGet(ctx context.Context, reqs []types.GetRequest) ([]types.GetResponse, error)
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// BatchDataset returns the batch dataset name for a feature-set, per the
// "UPPER(sanitize(NAME)) + _BATCH" naming convention.
func BatchDataset(name string) string {
	return sanitize(name) + "_BATCH"
}

// StreamingDataset returns the streaming dataset name for a feature-set.
func StreamingDataset(name string) string {
	return sanitize(name) + "_STREAMING"
}

func sanitize(name string) string {
	cleaned := sanitizeRe.ReplaceAllString(name, "_")
	return strings.ToUpper(strings.Trim(cleaned, "_"))
}
