package codec

import (
	"encoding/json"
	"testing"

	"github.com/golang/snappy"

	"github.com/arkilian/arkilian/internal/ferrors"
	"github.com/arkilian/arkilian/pkg/types"
)

func testRegistry() *Registry {
	return NewRegistry(&types.ServingInfo{
		Name: "test",
		KeySchema: []types.FieldSchema{
			{Name: "user_id", Type: types.ColumnLong},
			{Name: "country", Type: types.ColumnString},
		},
		OutputSchema: []types.FieldSchema{
			{Name: "total", Type: types.ColumnDouble},
			{Name: "count", Type: types.ColumnLong},
		},
	})
}

func TestEncodeKeyDeterministic(t *testing.T) {
	r := testRegistry()
	keys := map[string]interface{}{"user_id": int64(42), "country": "US"}

	a, err := r.EncodeKey(keys)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	b, err := r.EncodeKey(keys)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	if string(a) != string(b) {
		t.Error("EncodeKey is not deterministic for identical input")
	}
}

func TestEncodeKeyCoercionFallback(t *testing.T) {
	r := testRegistry()
	// user_id arrives as a string instead of int64; the primary encode
	// fails type-checking but coercion should succeed.
	keys := map[string]interface{}{"user_id": "42", "country": "US"}

	b, err := r.EncodeKey(keys)
	if err != nil {
		t.Fatalf("expected coercion fallback to succeed, got: %v", err)
	}
	if len(b) == 0 {
		t.Error("expected non-empty encoded key")
	}
}

func TestEncodeKeyFailsWithSuppressedOriginal(t *testing.T) {
	r := testRegistry()
	// "not-a-number" cannot be coerced to long either.
	keys := map[string]interface{}{"user_id": "not-a-number", "country": "US"}

	_, err := r.EncodeKey(keys)
	if err == nil {
		t.Fatal("expected encoding to fail for uncoercible value")
	}
	fe, ok := err.(*ferrors.FetchError)
	if !ok || fe.Category != ferrors.CategoryEncodeKeys || fe.Cause == nil {
		t.Errorf("err = %v, want an EncodeKeys FetchError carrying the original failure as Cause", err)
	}
}

func TestDecodeIRRoundTrip(t *testing.T) {
	wire := map[string]interface{}{
		"collapsed": []interface{}{10.0},
		"tailHops": [][]map[string]interface{}{
			{{"startMillis": 1000.0, "endMillis": 2000.0, "partial": 5.0}},
		},
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	compressed := snappy.Encode(nil, raw)

	ir, err := DecodeIR(compressed)
	if err != nil {
		t.Fatalf("DecodeIR: %v", err)
	}
	if len(ir.Collapsed) != 1 || ir.Collapsed[0].(float64) != 10.0 {
		t.Errorf("Collapsed = %+v", ir.Collapsed)
	}
	if len(ir.TailHops) != 1 || len(ir.TailHops[0]) != 1 {
		t.Fatalf("TailHops = %+v", ir.TailHops)
	}
	if ir.TailHops[0][0].StartMillis != 1000 {
		t.Errorf("TailHops[0][0].StartMillis = %d, want 1000", ir.TailHops[0][0].StartMillis)
	}
}

func TestDecodeIRAcceptsUncompressedBytes(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{
		"collapsed": []interface{}{1.0},
		"tailHops":  [][]map[string]interface{}{},
	})

	ir, err := DecodeIR(raw)
	if err != nil {
		t.Fatalf("DecodeIR of uncompressed bytes: %v", err)
	}
	if len(ir.Collapsed) != 1 {
		t.Errorf("Collapsed = %+v", ir.Collapsed)
	}
}

func TestDecodeStreamingRowEntitySetsIsMutation(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{
		"values":   map[string]interface{}{"amount": 5.0},
		"isBefore": true,
	})
	compressed := snappy.Encode(nil, raw)

	row, err := DecodeStreamingRow(compressed, 1234, types.DataModelEntities)
	if err != nil {
		t.Fatalf("DecodeStreamingRow: %v", err)
	}
	if !row.IsMutation || !row.IsBefore {
		t.Errorf("row = %+v, want IsMutation=true IsBefore=true", row)
	}
	if row.TsMillis != 1234 {
		t.Errorf("TsMillis = %d, want 1234", row.TsMillis)
	}
}

func TestDecodeStreamingRowEventsNotMutation(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{"values": map[string]interface{}{"amount": 5.0}})
	row, err := DecodeStreamingRow(raw, 1, types.DataModelEvents)
	if err != nil {
		t.Fatalf("DecodeStreamingRow: %v", err)
	}
	if row.IsMutation {
		t.Error("expected IsMutation=false for events data model")
	}
}

func TestOutputFieldNamesMatchesSchemaOrder(t *testing.T) {
	r := testRegistry()
	names := r.OutputFieldNames()
	want := []string{"total", "count"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("OutputFieldNames() = %v, want %v", names, want)
	}
}
