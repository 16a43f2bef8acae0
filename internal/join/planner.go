// Package join implements the Join Planner: expanding a Join into its
// constituent group-by requests, deduping them by request identity,
// fetching the union once, and re-assembling prefixed, partially-degraded
// responses.
package join

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/arkilian/arkilian/internal/groupby"
	"github.com/arkilian/arkilian/pkg/types"
)

// Resolver loads a Join configuration by name, mirroring
// internal/servinginfo.Loader's shape for a different metadata kind.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*types.Join, error)
}

// Planner implements the fetchJoin operation.
type Planner struct {
	resolver Resolver
	fetcher  *groupby.Fetcher
}

// NewPlanner creates a Planner wrapping a group-by Fetcher.
func NewPlanner(resolver Resolver, fetcher *groupby.Fetcher) *Planner {
	return &Planner{resolver: resolver, fetcher: fetcher}
}

// partPlan binds one JoinPart of one input Request to the identity of the
// deduped group-by request it resolved to.
type partPlan struct {
	part     types.JoinPart
	identity string
}

// FetchJoin resolves each request's Join, expands it into group-by
// requests via each part's KeyMapping, dedups the union by request
// identity, invokes the group-by fetcher once, then re-assembles prefixed
// values. A missing or failed part degrades to a "<groupByName>_exception"
// sentinel rather than failing the whole Response.
func (p *Planner) FetchJoin(ctx context.Context, reqs []types.Request) []types.Response {
	responses := make([]types.Response, len(reqs))
	plans := make([][]partPlan, len(reqs))

	dedup := make(map[string]types.Request)

	for i, req := range reqs {
		responses[i] = types.Response{Request: req}

		j, err := p.resolver.Resolve(ctx, req.Name)
		if err != nil {
			responses[i].Failure = types.NewFailure(types.FailureMetadataMissing, err.Error())
			continue
		}

		parts := make([]partPlan, len(j.Parts))
		for pi, part := range j.Parts {
			remapped := remapKeys(req.Keys, part.KeyMapping)
			identity := requestIdentity(part.GroupByName, remapped, req.AtMillis)
			if _, exists := dedup[identity]; !exists {
				dedup[identity] = types.Request{Name: part.GroupByName, Keys: remapped, AtMillis: req.AtMillis}
			}
			parts[pi] = partPlan{part: part, identity: identity}
		}
		plans[i] = parts
	}

	if len(dedup) == 0 {
		return responses
	}

	// Deterministic order so repeated calls over the same input produce
	// the same deduped request slice.
	identities := make([]string, 0, len(dedup))
	for id := range dedup {
		identities = append(identities, id)
	}
	sort.Strings(identities)

	groupByReqs := make([]types.Request, len(identities))
	for i, id := range identities {
		groupByReqs[i] = dedup[id]
	}

	groupByResps := p.fetcher.FetchGroupBys(ctx, groupByReqs)

	byIdentity := make(map[string]types.Response, len(identities))
	for i, id := range identities {
		byIdentity[id] = groupByResps[i]
	}

	for i := range reqs {
		if responses[i].Failure != nil {
			continue
		}
		values := make(map[string]interface{})
		for _, pp := range plans[i] {
			resp, ok := byIdentity[pp.identity]
			if !ok || resp.IsFailure() {
				values[pp.part.GroupByName+"_exception"] = exceptionTrace(resp, ok)
				continue
			}
			for col, v := range resp.Values {
				values[pp.part.FullPrefix+"_"+col] = v
			}
		}
		responses[i].Values = values
	}

	return responses
}

// remapKeys re-maps left (join-declared) key names to right (group-by
// declared) key names per mapping; a key absent from mapping passes
// through unchanged.
func remapKeys(keys map[string]interface{}, mapping map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for k, v := range keys {
		if right, ok := mapping[k]; ok {
			out[right] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// requestIdentity is the dedup key for a derived group-by request: the
// group-by name, its keys in sorted-name order, and its query time, so
// two join parts deriving the same (name, keys, atMillis) triple coalesce
// into one fetch. atMillis must be part of the identity: two requests
// sharing a group-by/keys pair but querying different points in time are
// different fetches and must not collapse onto one result.
func requestIdentity(name string, keys map[string]interface{}, atMillis int64) string {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", keys[k])
	}
	b.WriteByte('\x00')
	fmt.Fprintf(&b, "@%d", atMillis)
	return b.String()
}

func exceptionTrace(resp types.Response, found bool) string {
	if !found {
		return "group-by response missing for deduped request"
	}
	return resp.Failure.StackTrace()
}
