// Package logging implements the logging sampler: a thin wrapping layer
// over the Join Planner that deterministically samples a fraction of
// fetched responses and hands them, key- and value-encoded, to a
// caller-supplied sink. Sampling and sink failures never fail the fetch
// itself.
package logging

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/arkilian/internal/join"
	"github.com/arkilian/arkilian/internal/observability"
	"github.com/arkilian/arkilian/internal/servinginfo"
	"github.com/arkilian/arkilian/pkg/types"
)

// Sink receives a LoggableResponse for every sampled fetch. Implementations
// might write to a log topic, a file, or (in tests) an in-memory slice.
type Sink interface {
	Emit(ctx context.Context, lr types.LoggableResponse) error
}

// Sampler wraps a join.Planner, adding deterministic sampling and
// best-effort logging on top of FetchJoin.
type Sampler struct {
	planner  *join.Planner
	resolver join.Resolver
	codecs   *codecCache
	sink     Sink
	counters *observability.Counters

	// DebugMode, when true, calls OnLoggingFailure for every logging
	// failure instead of the default ~1% rate.
	DebugMode bool

	// OnLoggingFailure is an optional hook invoked on a logging failure,
	// rate-limited to about 1-in-100 unless DebugMode is set. Nil is a
	// valid no-op.
	OnLoggingFailure func(joinName string, err error)
}

// NewSampler creates a Sampler. codecTTL bounds how long a derived
// JoinCodec is reused before being rebuilt from current ServingInfo.
func NewSampler(planner *join.Planner, resolver join.Resolver, servingInfo *servinginfo.Cache, sink Sink, counters *observability.Counters, codecTTL time.Duration) *Sampler {
	return &Sampler{
		planner:  planner,
		resolver: resolver,
		codecs:   newCodecCache(resolver, servingInfo, codecTTL),
		sink:     sink,
		counters: counters,
	}
}

// FetchJoin delegates to the wrapped Planner, then samples and logs each
// response independently of the others' outcomes.
func (s *Sampler) FetchJoin(ctx context.Context, reqs []types.Request) []types.Response {
	resps := s.planner.FetchJoin(ctx, reqs)

	for i, req := range reqs {
		s.maybeLog(ctx, req, resps[i])
	}

	return resps
}

func (s *Sampler) maybeLog(ctx context.Context, req types.Request, resp types.Response) {
	j, err := s.resolver.Resolve(ctx, req.Name)
	if err != nil {
		// No Join config means no samplePercent to honor; this is not a
		// logging failure since there is nothing to have logged.
		return
	}
	if j.SamplePercent <= 0 || !shouldSample(j.SamplePercent, req.Keys) {
		return
	}

	jc, err := s.codecs.get(ctx, j.Name)
	if err != nil {
		s.recordFailure(j.Name, err)
		return
	}

	keyBytes, err := jc.keyRegistry.EncodeKey(req.Keys)
	if err != nil {
		s.recordFailure(j.Name, err)
		return
	}

	var valueBytes []byte
	if !resp.IsFailure() {
		valueBytes, err = jc.valueRegistry.EncodeKey(resp.Values)
		if err != nil {
			s.recordFailure(j.Name, err)
			return
		}
	}

	atMillis := req.AtMillis
	if atMillis == 0 {
		atMillis = time.Now().UnixMilli()
	}

	lr := types.LoggableResponse{KeyBytes: keyBytes, ValueBytes: valueBytes, JoinName: j.Name, AtMillis: atMillis}
	if err := s.sink.Emit(ctx, lr); err != nil {
		s.recordFailure(j.Name, err)
		return
	}
	if s.counters != nil {
		s.counters.SampledEvents.Add(1)
	}
}

func (s *Sampler) recordFailure(joinName string, err error) {
	var n int64
	if s.counters != nil {
		n = s.counters.LoggingFailures.Add(1)
	}
	if s.OnLoggingFailure == nil {
		return
	}
	if s.DebugMode || n%100 == 0 {
		s.OnLoggingFailure(joinName, err)
	}
}

// shouldSample hashes the keys with a byte-order stable 32-bit murmur3
// hash over the keys in sorted name order (a deterministic stand-in for
// "join-declared order", since Request.Keys is an unordered map),
// comparing the result against floor(samplePercent*1000) out of 100,000.
func shouldSample(samplePercent float64, keys map[string]interface{}) bool {
	h := sampleHash(keys)
	threshold := int64(math.Floor(samplePercent * 1000))
	return h%100000 <= threshold
}

// sampleHash hashes the keys in sorted-name order with murmur3.Sum32,
// then returns the absolute value of the result interpreted as a signed
// int32, i.e. abs(h); shouldSample applies the mod 100_000.
func sampleHash(keys map[string]interface{}) int64 {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(formatKeyValue(keys[name]))
		b.WriteByte(';')
	}

	signed := int64(int32(murmur3.Sum32([]byte(b.String()))))
	if signed < 0 {
		signed = -signed
	}
	return signed
}

func formatKeyValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
