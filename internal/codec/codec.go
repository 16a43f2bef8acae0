// Package codec implements the deterministic, stateless encode/decode
// layer between wire bytes (key-value store blobs) and the fetch core's
// typed values. Each ServingInfo is paired with a Registry built for its
// key and output schemas; the registry is a plain struct over those
// schemas whose encoding dispatches with a per-column-type switch rather
// than an interface hierarchy, generalizing the switch style of a
// sawtooth-style partial aggregator.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/arkilian/arkilian/internal/ferrors"
	"github.com/arkilian/arkilian/pkg/types"
)

// Registry bundles the four codec concerns a ServingInfo needs. All
// methods are deterministic and allocate no shared state across calls.
type Registry struct {
	KeySchema    []types.FieldSchema
	OutputSchema []types.FieldSchema
}

// NewRegistry builds a Registry for the given serving info.
func NewRegistry(si *types.ServingInfo) *Registry {
	return &Registry{KeySchema: si.KeySchema, OutputSchema: si.OutputSchema}
}

// EncodeKey encodes a {name -> value} mapping into binary key bytes per
// the registry's key schema. On a primary encoding failure it retries
// once with coerceAndEncode; if that also fails, both errors are
// reported via ferrors.NewEncodeKeys with the original as Suppressed.
func (r *Registry) EncodeKey(keys map[string]interface{}) ([]byte, error) {
	b, err := encodeFields(r.KeySchema, keys, false)
	if err == nil {
		return b, nil
	}

	coerced, coerceErr := coerceAndEncode(r.KeySchema, keys)
	if coerceErr != nil {
		// Cause carries the original (pre-coercion) encoding failure, the
		// one a degraded response surfaces as Suppressed; Message
		// documents the coercion failure itself.
		return nil, ferrors.NewEncodeKeys("key encoding failed after coercion fallback: "+coerceErr.Error(), err)
	}
	return coerced, nil
}

// encodeFields writes an ordered, length-prefixed binary record: one
// section per schema field, in schema order, each value first coerced to
// its declared type (allowCoerce controls whether a type mismatch is
// tolerated or treated as a hard failure).
func encodeFields(schema []types.FieldSchema, values map[string]interface{}, allowCoerce bool) ([]byte, error) {
	var buf bytes.Buffer
	for _, field := range schema {
		v, ok := values[field.Name]
		if !ok {
			if !allowCoerce {
				return nil, fmt.Errorf("codec: missing key field %q", field.Name)
			}
			v = nil
		}

		encoded, err := encodeScalar(field.Type, v, allowCoerce)
		if err != nil {
			return nil, fmt.Errorf("codec: field %q: %w", field.Name, err)
		}
		writeLenPrefixed(&buf, encoded)
	}
	return buf.Bytes(), nil
}

// coerceAndEncode widens numeric types, parses strings, and substitutes
// null for missing values, then retries encoding. This is the fallback
// path EncodeKey takes after a strict encoding attempt fails.
func coerceAndEncode(schema []types.FieldSchema, values map[string]interface{}) ([]byte, error) {
	return encodeFields(schema, values, true)
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	n := len(data)
	buf.WriteByte(byte(n >> 24))
	buf.WriteByte(byte(n >> 16))
	buf.WriteByte(byte(n >> 8))
	buf.WriteByte(byte(n))
	buf.Write(data)
}

// readLenPrefixed reads one length-prefixed section written by
// writeLenPrefixed, returning the section and the remaining buffer.
func readLenPrefixed(buf []byte) (data []byte, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("codec: truncated length prefix")
	}
	n := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	buf = buf[4:]
	if len(buf) < n {
		return nil, nil, fmt.Errorf("codec: truncated field, want %d bytes, have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}

// DecodeKey is the inverse of EncodeKey: it reads the length-prefixed
// binary record back into a {name -> value} map in schema order. Used
// both for the key bytes EncodeKey produces and, by internal/logging's
// value registry, for value bytes encoded the same way over a schema
// built from a join's concatenated output fields.
func (r *Registry) DecodeKey(raw []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(r.KeySchema))
	buf := raw
	for _, field := range r.KeySchema {
		var section []byte
		var err error
		section, buf, err = readLenPrefixed(buf)
		if err != nil {
			return nil, fmt.Errorf("codec: field %q: %w", field.Name, err)
		}
		v, err := decodeScalar(field.Type, section)
		if err != nil {
			return nil, fmt.Errorf("codec: field %q: %w", field.Name, err)
		}
		out[field.Name] = v
	}
	return out, nil
}

// DecodeIR decompresses and JSON-decodes batch bytes into a BatchIR,
// mirroring the query executor's snappy-then-json payload handling.
func DecodeIR(raw []byte) (*types.BatchIR, error) {
	decompressed, err := snappy.Decode(nil, raw)
	if err != nil {
		// Not every producer compresses; fall back to treating raw as
		// already-decompressed JSON.
		decompressed = raw
	}

	var wire struct {
		Collapsed []interface{}     `json:"collapsed"`
		TailHops  [][]types.TailHop `json:"tailHops"`
	}
	if err := json.Unmarshal(decompressed, &wire); err != nil {
		return nil, ferrors.NewDecode(ferrors.CodeBadIR, "failed to decode batch IR", err)
	}

	return &types.BatchIR{Collapsed: wire.Collapsed, TailHops: wire.TailHops}, nil
}

// DecodeRaw decodes batch bytes as an untyped record for the no-agg path,
// applying the same snappy-then-json handling as DecodeIR but returning
// the decoded map as-is without BatchIR reinterpretation.
func DecodeRaw(raw []byte) (map[string]interface{}, error) {
	decompressed, err := snappy.Decode(nil, raw)
	if err != nil {
		decompressed = raw
	}

	var out map[string]interface{}
	if err := json.Unmarshal(decompressed, &out); err != nil {
		return nil, ferrors.NewDecode(ferrors.CodeBadOutput, "failed to decode raw batch payload", err)
	}
	return out, nil
}

// DecodeStreamingRow decodes one streaming-dataset value into a typed
// StreamingRow. dataModel selects event vs. mutation semantics: for
// DataModelEntities the payload additionally carries isBefore.
func DecodeStreamingRow(raw []byte, tsMillis int64, dataModel types.DataModel) (*types.StreamingRow, error) {
	decompressed, err := snappy.Decode(nil, raw)
	if err != nil {
		decompressed = raw
	}

	var wire struct {
		Values   map[string]interface{} `json:"values"`
		IsBefore bool                    `json:"isBefore"`
	}
	if err := json.Unmarshal(decompressed, &wire); err != nil {
		return nil, ferrors.NewDecode(ferrors.CodeBadStreamingRow, "failed to decode streaming row", err)
	}

	return &types.StreamingRow{
		Values:     wire.Values,
		TsMillis:   tsMillis,
		IsMutation: dataModel == types.DataModelEntities,
		IsBefore:   wire.IsBefore,
	}, nil
}

// DecodeOutput decodes batch bytes using the output schema's field order
// for the snapshot path: decode to a map, then project into schema order.
func (r *Registry) DecodeOutput(raw []byte) (map[string]interface{}, error) {
	decoded, err := DecodeRaw(raw)
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(r.OutputSchema))
	for _, field := range r.OutputSchema {
		out[field.Name] = decoded[field.Name]
	}
	return out, nil
}

// OutputFieldNames returns the output codec's field-name sequence, which
// defines a Response's value-map key set.
func (r *Registry) OutputFieldNames() []string {
	names := make([]string, len(r.OutputSchema))
	for i, f := range r.OutputSchema {
		names[i] = f.Name
	}
	return names
}
