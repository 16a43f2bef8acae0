// Package groupby implements the group-by fetcher: resolving serving
// info, encoding keys, issuing one batched key-value multiGet across an
// entire request batch, then decoding and aggregating each response in
// parallel on a bounded worker pool.
package groupby

import (
	"context"

	"github.com/arkilian/arkilian/internal/aggregator"
	"github.com/arkilian/arkilian/internal/codec"
	"github.com/arkilian/arkilian/internal/ferrors"
	"github.com/arkilian/arkilian/internal/kvstore"
	"github.com/arkilian/arkilian/internal/observability"
	"github.com/arkilian/arkilian/internal/servinginfo"
	"github.com/arkilian/arkilian/pkg/types"
)

// Fetcher implements the fetchGroupBys operation.
type Fetcher struct {
	store          kvstore.Store
	servingInfo    *servinginfo.Cache
	aggregator     *aggregator.Aggregator
	counters       *observability.Counters
	workerPoolSize int
	decodeCacheCap int
}

// NewFetcher creates a Fetcher. workerPoolSize <= 0 defaults to
// runtime.NumCPU(); decodeCacheCap <= 0 defaults to 256 entries. counters
// may be nil, in which case cache/timeout/refresh counts are not recorded.
func NewFetcher(store kvstore.Store, servingInfo *servinginfo.Cache, counters *observability.Counters, workerPoolSize, decodeCacheCap int) *Fetcher {
	return &Fetcher{
		store:          store,
		servingInfo:    servingInfo,
		aggregator:     aggregator.New(),
		counters:       counters,
		workerPoolSize: workerPoolSize,
		decodeCacheCap: decodeCacheCap,
	}
}

// plan holds the per-request state accumulated during resolution, before
// the key-value fan-out.
type plan struct {
	serving   *types.ServingInfo
	registry  *codec.Registry
	keyBytes  []byte
	batchIdx  int // index into the flattened GetRequest slice, -1 if none
	streamIdx int // -1 if this request has no streaming GetRequest
}

// FetchGroupBys resolves every request's ServingInfo and keys, issues a
// single multiGet over the union of derived GetRequests, then decodes
// and aggregates each response independently. A failure on one request
// never poisons its siblings.
func (f *Fetcher) FetchGroupBys(ctx context.Context, reqs []types.Request) []types.Response {
	responses := make([]types.Response, len(reqs))
	plans := make([]*plan, len(reqs))

	var getReqs []types.GetRequest

	for i, req := range reqs {
		responses[i] = types.Response{Request: req}

		si, hit, err := f.servingInfo.GetWithHit(ctx, req.Name)
		if f.counters != nil {
			if hit {
				f.counters.ServingInfoCacheHits.Add(1)
			} else {
				f.counters.ServingInfoCacheMisses.Add(1)
			}
		}
		if err != nil {
			responses[i].Failure = types.NewFailure(types.FailureMetadataMissing, err.Error())
			continue
		}

		reg := codec.NewRegistry(si)
		kb, err := reg.EncodeKey(req.Keys)
		if err != nil {
			failure := types.NewFailure(types.FailureEncodeKeys, err.Error())
			if fe, ok := asFetchError(err); ok && fe.Cause != nil {
				failure.Suppressed = fe.Cause
			}
			responses[i].Failure = failure
			continue
		}

		p := &plan{serving: si, registry: reg, keyBytes: kb, batchIdx: -1, streamIdx: -1}

		p.batchIdx = len(getReqs)
		getReqs = append(getReqs, types.GetRequest{Dataset: si.BatchDataset, KeyBytes: kb})

		if si.IsTemporal() {
			after := si.BatchEndMillis
			p.streamIdx = len(getReqs)
			getReqs = append(getReqs, types.GetRequest{Dataset: si.StreamingDataset, KeyBytes: kb, AfterMillis: &after})
		}

		plans[i] = p
	}

	if len(getReqs) == 0 {
		return responses
	}

	getResps, err := f.store.MultiGet(ctx, getReqs)
	if err != nil {
		for i := range reqs {
			if plans[i] != nil && responses[i].Failure == nil {
				responses[i].Failure = types.NewFailure(types.FailureKvStore, err.Error())
			}
		}
		return responses
	}

	cache := newDecodeCache(f.decodeCacheCap)
	pool := newWorkerPool(f.workerPoolSize)

	for i := range reqs {
		if plans[i] == nil {
			continue
		}
		i := i
		pool.Go(func() {
			select {
			case <-ctx.Done():
				if f.counters != nil {
					f.counters.Timeouts.Add(1)
				}
				responses[i].Failure = types.NewFailure(types.FailureTimeout, ctx.Err().Error())
				return
			default:
			}
			responses[i] = f.resolveOne(ctx, reqs[i], plans[i], getResps, cache)
		})
	}
	pool.Wait()

	return responses
}

func (f *Fetcher) resolveOne(ctx context.Context, req types.Request, p *plan, getResps []types.GetResponse, cache *decodeCache) types.Response {
	resp := types.Response{Request: req}

	batchResp := getResps[p.batchIdx]
	if batchResp.Err != nil {
		resp.Failure = types.NewFailure(types.FailureKvStore, batchResp.Err.Error())
		return resp
	}

	var streamResp *types.GetResponse
	if p.streamIdx >= 0 {
		streamResp = &getResps[p.streamIdx]
		if streamResp.Err != nil {
			resp.Failure = types.NewFailure(types.FailureKvStore, streamResp.Err.Error())
			return resp
		}
	}

	maxBatch, hasBatch := batchResp.MaxMillis()

	if p.serving.IsTemporal() && streamResp != nil {
		if !hasBatch {
			resp.Failure = types.NewFailure(types.FailureBatchMissing, "no batch response for "+p.serving.Name)
			return resp
		}
	}

	if hasBatch && maxBatch.Millis > p.serving.BatchEndMillis {
		if f.counters != nil {
			f.counters.ForcedRefreshes.Add(1)
		}
		if refreshed, err := f.servingInfo.Force(ctx, req.Name); err == nil {
			p.serving = refreshed
		}
		// On refresh failure, proceed with the stale serving info rather
		// than failing the request.
	}

	if p.serving.IsNoAgg() {
		values, err := cache.getOrDecode(p.serving.BatchDataset, p.keyBytes, func() (interface{}, error) {
			if !hasBatch {
				return map[string]interface{}{}, nil
			}
			return codec.DecodeRaw(maxBatch.Bytes)
		})
		if err != nil {
			resp.Failure = types.NewFailure(types.FailureDecode, err.Error())
			return resp
		}
		resp.Values = values.(map[string]interface{})
		return resp
	}

	if !p.serving.IsTemporal() {
		values, err := cache.getOrDecode(p.serving.BatchDataset, p.keyBytes, func() (interface{}, error) {
			if !hasBatch {
				return map[string]interface{}{}, nil
			}
			return p.registry.DecodeOutput(maxBatch.Bytes)
		})
		if err != nil {
			resp.Failure = types.NewFailure(types.FailureDecode, err.Error())
			return resp
		}
		resp.Values = values.(map[string]interface{})
		return resp
	}

	// Temporal: always decode the batch as IR and run it through the
	// aggregator, even when this particular read came back with zero
	// streaming rows — the batch side still needs finalizing against the
	// query time, and an empty streaming result is a steady-state case,
	// not an absent-data case.
	var batchIR *types.BatchIR
	if hasBatch {
		decoded, err := cache.getOrDecode(p.serving.BatchDataset, p.keyBytes, func() (interface{}, error) {
			return codec.DecodeIR(maxBatch.Bytes)
		})
		if err != nil {
			resp.Failure = types.NewFailure(types.FailureDecode, err.Error())
			return resp
		}
		batchIR = decoded.(*types.BatchIR)
	}

	var streamingRows []types.StreamingRow
	if streamResp != nil {
		streamingRows = make([]types.StreamingRow, 0, len(streamResp.Values))
		for _, tv := range streamResp.Values {
			row, err := codec.DecodeStreamingRow(tv.Bytes, tv.Millis, p.serving.DataModel)
			if err != nil {
				resp.Failure = types.NewFailure(types.FailureDecode, err.Error())
				return resp
			}
			streamingRows = append(streamingRows, *row)
		}
	}

	queryMillis := req.AtMillis
	if queryMillis == 0 {
		queryMillis = nowMillis()
	}

	results, err := f.aggregator.LambdaAggregateFinalized(
		p.serving.Aggregations, batchIR, streamingRows, queryMillis, p.serving.DataModel == types.DataModelEntities,
	)
	if err != nil {
		resp.Failure = types.NewFailure(types.FailureAggregate, err.Error())
		return resp
	}

	names := p.registry.OutputFieldNames()
	values := make(map[string]interface{}, len(names))
	for i, name := range names {
		if i < len(results) {
			values[name] = results[i]
		}
	}
	resp.Values = values
	return resp
}

func asFetchError(err error) (*ferrors.FetchError, bool) {
	fe, ok := err.(*ferrors.FetchError)
	return fe, ok
}
