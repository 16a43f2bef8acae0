package aggregator

import (
	"sort"

	"github.com/arkilian/arkilian/internal/ferrors"
	"github.com/arkilian/arkilian/pkg/types"
)

// Aggregator folds a BatchIR with post-batch streaming rows at an
// arbitrary query time.
type Aggregator struct{}

// New creates an Aggregator. It carries no state; every call is pure
// given its inputs.
func New() *Aggregator {
	return &Aggregator{}
}

// LambdaAggregateFinalized is the central sawtooth aggregation operation:
// starting from batchIR (nil is legal — no batch snapshot), it folds
// streamingRows into the state at queryMillis, respecting each
// aggregation's window and resolution, and mutation semantics when
// isMutation is set. The result is aligned with the aggregation specs'
// field order.
func (a *Aggregator) LambdaAggregateFinalized(
	specs []types.AggregationSpec,
	batchIR *types.BatchIR,
	streamingRows []types.StreamingRow,
	queryMillis int64,
	isMutation bool,
) ([]interface{}, error) {
	partials := make([]*Partial, len(specs))
	for i, spec := range specs {
		op, err := ParseOp(spec.Operation)
		if err != nil {
			return nil, ferrors.NewAggregate("unknown aggregation operation", err)
		}

		var collapsed interface{}
		if batchIR != nil && i < len(batchIR.Collapsed) {
			collapsed = batchIR.Collapsed[i]
		}
		p := FromCollapsed(op, spec.K, collapsed)

		if batchIR != nil && i < len(batchIR.TailHops) {
			foldTailHops(p, batchIR.TailHops[i], spec, queryMillis)
		}

		partials[i] = p
	}

	for _, row := range streamingRows {
		sign := 1
		if isMutation && row.IsBefore {
			sign = -1
		}
		for i, spec := range specs {
			if !withinWindow(row.TsMillis, queryMillis, spec.WindowMillis) {
				continue
			}
			partials[i].Accumulate(row.Values[spec.InputColumn], row.TsMillis, sign)
		}
	}

	out := make([]interface{}, len(specs))
	for i, p := range partials {
		out[i] = p.Result()
	}
	return out, nil
}

// foldTailHops re-composes a tail-hop array at queryMillis by summing
// only the hops whose bucket end falls within (queryMillis-window,
// queryMillis], generalizing a merge-by-type partial-aggregate dispatch
// to a windowed, hop-indexed variant.
func foldTailHops(p *Partial, hops []types.TailHop, spec types.AggregationSpec, queryMillis int64) {
	lowerBound := int64(0)
	if spec.WindowMillis > 0 {
		lowerBound = queryMillis - spec.WindowMillis
	}

	sorted := make([]types.TailHop, len(hops))
	copy(sorted, hops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartMillis < sorted[j].StartMillis })

	for _, hop := range sorted {
		if hop.EndMillis > queryMillis {
			continue
		}
		if hop.EndMillis <= lowerBound {
			continue
		}
		p.MergeHop(hop.Partial, hop.EndMillis)
	}
}

func withinWindow(tsMillis, queryMillis, windowMillis int64) bool {
	if tsMillis > queryMillis {
		return false
	}
	if windowMillis <= 0 {
		return true
	}
	return tsMillis > queryMillis-windowMillis
}
