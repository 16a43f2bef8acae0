package kvstore

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arkilian/arkilian/pkg/types"
)

// multiGetMethod is the fully qualified gRPC method name the remote
// key-value service exposes. There is no protoc-generated client stub for
// it (see internal/api/grpc for why): requests and responses are plain
// structpb.Struct messages, invoked directly through the ClientConn.
const multiGetMethod = "/arkilian.kvstore.v1.KeyValueService/MultiGet"

// GRPCStore is a Store that dispatches MultiGet to a remote key-value
// service over gRPC, used when the fetch core is deployed against a
// shared KV tier instead of the local SQLite reference store.
type GRPCStore struct {
	conn *grpc.ClientConn
}

// NewGRPCStore wraps an already-dialed connection. Callers own the
// connection's lifecycle (grpc.Dial / conn.Close).
func NewGRPCStore(conn *grpc.ClientConn) *GRPCStore {
	return &GRPCStore{conn: conn}
}

// MultiGet implements Store by encoding reqs as a structpb.Struct request
// message and decoding the structpb.Struct response back into
// types.GetResponse values.
func (g *GRPCStore) MultiGet(ctx context.Context, reqs []types.GetRequest) ([]types.GetResponse, error) {
	reqMsg, err := encodeMultiGetRequest(reqs)
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to encode request: %w", err)
	}

	respMsg := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, multiGetMethod, reqMsg, respMsg); err != nil {
		return nil, fmt.Errorf("kvstore: grpc multiget failed: %w", err)
	}

	return decodeMultiGetResponse(reqs, respMsg)
}

func encodeMultiGetRequest(reqs []types.GetRequest) (*structpb.Struct, error) {
	entries := make([]interface{}, len(reqs))
	for i, r := range reqs {
		entry := map[string]interface{}{
			"dataset":   r.Dataset,
			"key_bytes": string(r.KeyBytes),
		}
		if r.AfterMillis != nil {
			entry["after_millis"] = float64(*r.AfterMillis)
		}
		entries[i] = entry
	}
	return structpb.NewStruct(map[string]interface{}{"requests": entries})
}

func decodeMultiGetResponse(reqs []types.GetRequest, msg *structpb.Struct) ([]types.GetResponse, error) {
	resultsVal, ok := msg.Fields["results"]
	if !ok {
		return nil, fmt.Errorf("kvstore: grpc response missing results field")
	}
	resultsList := resultsVal.GetListValue()
	if resultsList == nil {
		return nil, fmt.Errorf("kvstore: grpc response results is not a list")
	}
	if len(resultsList.Values) != len(reqs) {
		return nil, fmt.Errorf("kvstore: grpc response has %d results for %d requests", len(resultsList.Values), len(reqs))
	}

	resps := make([]types.GetResponse, len(reqs))
	for i, v := range resultsList.Values {
		resps[i] = types.GetResponse{Request: reqs[i]}

		entry := v.GetStructValue()
		if entry == nil {
			continue
		}
		if errMsg, ok := entry.Fields["error"]; ok && errMsg.GetStringValue() != "" {
			resps[i].Err = fmt.Errorf("kvstore: remote error: %s", errMsg.GetStringValue())
			continue
		}

		valuesList := entry.Fields["values"].GetListValue()
		if valuesList == nil {
			continue
		}
		for _, vv := range valuesList.Values {
			vs := vv.GetStructValue()
			if vs == nil {
				continue
			}
			resps[i].Values = append(resps[i].Values, types.TimedValue{
				Bytes:  []byte(vs.Fields["bytes"].GetStringValue()),
				Millis: int64(vs.Fields["millis"].GetNumberValue()),
			})
		}
	}
	return resps, nil
}
