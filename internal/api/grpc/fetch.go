// Package grpc provides the gRPC surface over the fetch core. There is no
// protoc-generated stub for the service: requests and responses are
// plain structpb.Struct messages dispatched through a manually built
// grpc.ServiceDesc, the same technique internal/kvstore.GRPCStore uses on
// the client side for the remote key-value service.
package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arkilian/arkilian/internal/groupby"
	"github.com/arkilian/arkilian/internal/logging"
	"github.com/arkilian/arkilian/pkg/types"
)

const (
	fetchGroupBysMethod = "/arkilian.fetchcore.v1.FetchService/FetchGroupBys"
	fetchJoinMethod     = "/arkilian.fetchcore.v1.FetchService/FetchJoin"
)

// FetchServer implements the FetchService gRPC surface over the group-by
// fetcher and the join planner's logging-wrapped sampler.
type FetchServer struct {
	fetcher *groupby.Fetcher
	sampler *logging.Sampler
}

// NewFetchServer creates a FetchServer.
func NewFetchServer(fetcher *groupby.Fetcher, sampler *logging.Sampler) *FetchServer {
	return &FetchServer{fetcher: fetcher, sampler: sampler}
}

// RegisterFetchServer registers srv's methods on s.
func RegisterFetchServer(s *grpc.Server, srv *FetchServer) {
	s.RegisterService(&fetchServiceDesc, srv)
}

var fetchServiceDesc = grpc.ServiceDesc{
	ServiceName: "arkilian.fetchcore.v1.FetchService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchGroupBys", Handler: fetchGroupBysHandler},
		{MethodName: "FetchJoin", Handler: fetchJoinHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fetchcore.proto",
}

func fetchGroupBysHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*FetchServer).handleFetchGroupBys(ctx, req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchGroupBysMethod}, handler)
}

func fetchJoinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*FetchServer).handleFetchJoin(ctx, req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchJoinMethod}, handler)
}

func (s *FetchServer) handleFetchGroupBys(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reqs, err := decodeFetchRequests(in)
	if err != nil {
		return nil, err
	}
	return encodeFetchResponses(s.fetcher.FetchGroupBys(ctx, reqs))
}

func (s *FetchServer) handleFetchJoin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reqs, err := decodeFetchRequests(in)
	if err != nil {
		return nil, err
	}
	return encodeFetchResponses(s.sampler.FetchJoin(ctx, reqs))
}

func decodeFetchRequests(msg *structpb.Struct) ([]types.Request, error) {
	listVal, ok := msg.Fields["requests"]
	if !ok {
		return nil, fmt.Errorf("grpc: request missing requests field")
	}
	list := listVal.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("grpc: requests field is not a list")
	}

	reqs := make([]types.Request, len(list.Values))
	for i, v := range list.Values {
		entry := v.GetStructValue()
		if entry == nil {
			return nil, fmt.Errorf("grpc: request entry %d is not a struct", i)
		}
		req := types.Request{Name: entry.Fields["name"].GetStringValue()}
		if keysVal, ok := entry.Fields["keys"]; ok {
			if keysStruct := keysVal.GetStructValue(); keysStruct != nil {
				req.Keys = keysStruct.AsMap()
			}
		}
		if atVal, ok := entry.Fields["atMillis"]; ok {
			req.AtMillis = int64(atVal.GetNumberValue())
		}
		reqs[i] = req
	}
	return reqs, nil
}

func encodeFetchResponses(resps []types.Response) (*structpb.Struct, error) {
	entries := make([]interface{}, len(resps))
	for i, resp := range resps {
		entry := map[string]interface{}{}
		if resp.IsFailure() {
			entry["failure"] = map[string]interface{}{
				"kind":    string(resp.Failure.Kind),
				"message": resp.Failure.Message,
			}
		} else {
			entry["values"] = resp.Values
		}
		entries[i] = entry
	}
	return structpb.NewStruct(map[string]interface{}{"responses": entries})
}
