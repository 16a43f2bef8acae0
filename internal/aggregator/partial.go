// Package aggregator implements the sawtooth online aggregator: folding a
// batch intermediate representation with post-batch streaming rows at an
// arbitrary query time, windowed and hop-indexed per output column.
package aggregator

import (
	"fmt"
)

// Op enumerates the aggregation kinds a ServingInfo's AggregationSpec may
// name, generalizing a simple OLAP aggregate set (count/sum/min/max/avg)
// with a last-K ring buffer ordered by each row's own timestamp.
type Op string

const (
	OpCount   Op = "Count"
	OpSum     Op = "Sum"
	OpMin     Op = "Min"
	OpMax     Op = "Max"
	OpAverage Op = "Average"
	OpLastK   Op = "LastK"
)

// ParseOp converts an AggregationSpec.Operation string to an Op.
func ParseOp(name string) (Op, error) {
	switch Op(name) {
	case OpCount, OpSum, OpMin, OpMax, OpAverage, OpLastK:
		return Op(name), nil
	default:
		return "", fmt.Errorf("aggregator: unknown operation %q", name)
	}
}

// Partial holds one output column's running aggregate state while
// folding streaming rows on top of a batch collapsed value.
type Partial struct {
	Op Op

	count int64
	sum   float64
	min   interface{}
	max   interface{}
	isSet bool

	// lastK is ordered oldest-first by Row.TsMillis; used only for OpLastK.
	lastK []lastKEntry
	k     int
}

type lastKEntry struct {
	ts    int64
	value interface{}
}

// NewPartial creates an empty Partial for the given operation, with k
// used only by OpLastK (the ring buffer bound).
func NewPartial(op Op, k int) *Partial {
	return &Partial{Op: op, k: k}
}

// FromCollapsed seeds a Partial from a BatchIR's already-collapsed value
// for this output column (the pre-batch-end snapshot state).
func FromCollapsed(op Op, k int, collapsed interface{}) *Partial {
	p := NewPartial(op, k)
	if collapsed == nil {
		return p
	}

	switch op {
	case OpCount:
		if f, ok := toFloat(collapsed); ok {
			p.count = int64(f)
			p.isSet = true
		}
	case OpSum:
		if f, ok := toFloat(collapsed); ok {
			p.sum = f
			p.isSet = true
		}
	case OpMin, OpMax:
		p.min, p.max = collapsed, collapsed
		p.isSet = true
	case OpAverage:
		// Collapsed average state is carried as {"sum": x, "count": n}.
		if m, ok := collapsed.(map[string]interface{}); ok {
			if s, ok := toFloat(m["sum"]); ok {
				p.sum = s
			}
			if c, ok := toFloat(m["count"]); ok {
				p.count = int64(c)
			}
			p.isSet = true
		}
	case OpLastK:
		if entries, ok := collapsed.([]interface{}); ok {
			for _, e := range entries {
				if m, ok := e.(map[string]interface{}); ok {
					ts, _ := toFloat(m["ts"])
					p.pushLastK(int64(ts), m["value"])
				}
			}
		}
	}
	return p
}

// Accumulate folds one raw value from a streaming row into the partial
// state (tail hops are folded by MergeHop). sign is +1 for an addition (event, or entity
// after-image) and -1 for a subtraction (entity before-image).
func (p *Partial) Accumulate(value interface{}, ts int64, sign int) {
	if value == nil {
		return
	}

	switch p.Op {
	case OpCount:
		p.count += int64(sign)
		p.isSet = true

	case OpSum:
		if f, ok := toFloat(value); ok {
			p.sum += float64(sign) * f
			p.isSet = true
		}

	case OpAverage:
		if f, ok := toFloat(value); ok {
			p.sum += float64(sign) * f
			p.count += int64(sign)
			p.isSet = true
		}

	case OpMin:
		if sign < 0 {
			// Mutation subtraction cannot retract a MIN/MAX without
			// rescanning, so a before-image is ignored here and the
			// current MIN/MAX is left unchanged.
			return
		}
		if !p.isSet || compareAggValues(value, p.min) < 0 {
			p.min = value
			p.isSet = true
		}

	case OpMax:
		if sign < 0 {
			return
		}
		if !p.isSet || compareAggValues(value, p.max) > 0 {
			p.max = value
			p.isSet = true
		}

	case OpLastK:
		if sign > 0 {
			p.pushLastK(ts, value)
		}
	}
}

// MergeHop folds an already-aggregated tail-hop partial (as opposed to a
// single raw row value) into the state: for Count/Sum the hop carries a
// pre-summed numeric value; for Average a {"sum", "count"} map; for
// Min/Max a scalar; for LastK a list of {"ts","value"} entries, each
// ordered by its own "ts". hopEnd is not used by any operation.
func (p *Partial) MergeHop(value interface{}, hopEnd int64) {
	if value == nil {
		return
	}

	switch p.Op {
	case OpCount:
		if f, ok := toFloat(value); ok {
			p.count += int64(f)
			p.isSet = true
		}

	case OpSum:
		if f, ok := toFloat(value); ok {
			p.sum += f
			p.isSet = true
		}

	case OpAverage:
		if m, ok := value.(map[string]interface{}); ok {
			if s, ok := toFloat(m["sum"]); ok {
				p.sum += s
			}
			if c, ok := toFloat(m["count"]); ok {
				p.count += int64(c)
			}
			p.isSet = true
		}

	case OpMin:
		if !p.isSet || compareAggValues(value, p.min) < 0 {
			p.min = value
			p.isSet = true
		}

	case OpMax:
		if !p.isSet || compareAggValues(value, p.max) > 0 {
			p.max = value
			p.isSet = true
		}

	case OpLastK:
		if entries, ok := value.([]interface{}); ok {
			for _, e := range entries {
				if m, ok := e.(map[string]interface{}); ok {
					ts, _ := toFloat(m["ts"])
					p.pushLastK(int64(ts), m["value"])
				}
			}
		}
	}
}

func (p *Partial) pushLastK(ts int64, value interface{}) {
	p.lastK = append(p.lastK, lastKEntry{ts: ts, value: value})
	p.isSet = true
	// Keep lastK sorted by timestamp (rows may arrive out of order); a
	// simple insertion keeps this correct without assuming arrival order.
	for i := len(p.lastK) - 1; i > 0 && p.lastK[i].ts < p.lastK[i-1].ts; i-- {
		p.lastK[i], p.lastK[i-1] = p.lastK[i-1], p.lastK[i]
	}
	if p.k > 0 && len(p.lastK) > p.k {
		p.lastK = p.lastK[len(p.lastK)-p.k:]
	}
}

// Result returns the finalized value for this output column.
func (p *Partial) Result() interface{} {
	if !p.isSet {
		if p.Op == OpCount {
			return int64(0)
		}
		if p.Op == OpLastK {
			return []interface{}{}
		}
		return nil
	}

	switch p.Op {
	case OpCount:
		return p.count
	case OpSum:
		return p.sum
	case OpMin:
		return p.min
	case OpMax:
		return p.max
	case OpAverage:
		if p.count == 0 {
			return nil
		}
		return p.sum / float64(p.count)
	case OpLastK:
		out := make([]interface{}, len(p.lastK))
		for i, e := range p.lastK {
			out[i] = e.value
		}
		return out
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func compareAggValues(a, b interface{}) int {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	sa, saok := a.(string)
	sb, sbok := b.(string)
	if saok && sbok {
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	}
	return 0
}
