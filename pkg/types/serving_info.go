package types

// Accuracy describes how a group-by is served.
type Accuracy string

const (
	// AccuracySnapshot serves the last batch value as-is.
	AccuracySnapshot Accuracy = "snapshot"
	// AccuracyTemporal merges the batch IR with post-batch streaming rows
	// at query time.
	AccuracyTemporal Accuracy = "temporal"
)

// DataModel describes the shape of the source data a group-by aggregates.
type DataModel string

const (
	// DataModelEvents is an append-only event stream (no mutation semantics).
	DataModelEvents DataModel = "events"
	// DataModelEntities carries before/after mutation images.
	DataModelEntities DataModel = "entities"
)

// ColumnType enumerates the scalar types a key or output schema field may have.
type ColumnType string

const (
	ColumnLong   ColumnType = "long"
	ColumnDouble ColumnType = "double"
	ColumnString ColumnType = "string"
	ColumnBool   ColumnType = "bool"
)

// FieldSchema describes one field of a key, output, or value schema.
type FieldSchema struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// AggregationSpec configures a single output column's windowed aggregation.
// Nil (zero value with Operation == "") in a ServingInfo.Aggregations slice
// is never valid; an empty Aggregations slice altogether signals a no-agg
// group-by.
type AggregationSpec struct {
	// OutputColumn is the name this aggregation produces.
	OutputColumn string `json:"outputColumn"`

	// InputColumn is the source field read from each streaming/batch row.
	InputColumn string `json:"inputColumn"`

	// Operation is one of Count, Sum, Min, Max, Average, LastK.
	Operation string `json:"operation"`

	// WindowMillis is the trailing window width. Zero means unbounded
	// (all data up to the query time is included).
	WindowMillis int64 `json:"windowMillis"`

	// ResolutionMillis is the sawtooth hop width used to bucket the tail
	// of the window for efficient re-composition at query time.
	ResolutionMillis int64 `json:"resolutionMillis"`

	// K is the bound for the LastK operation; ignored otherwise.
	K int `json:"k,omitempty"`
}

// ServingInfo is the per-feature-set metadata loaded and cached by
// internal/servinginfo.Cache.
type ServingInfo struct {
	Name string `json:"name"`

	KeySchema    []FieldSchema `json:"keySchema"`
	OutputSchema []FieldSchema `json:"outputSchema"`

	// Aggregations is empty for a no-agg group-by.
	Aggregations []AggregationSpec `json:"aggregations"`

	Accuracy  Accuracy  `json:"accuracy"`
	DataModel DataModel `json:"dataModel"`

	// BatchEndMillis is the inclusive upper bound of the batch snapshot.
	// Must be monotonically non-decreasing across refreshes.
	BatchEndMillis int64 `json:"batchEndMillis"`

	// BatchDataset and StreamingDataset are the key-value dataset names,
	// derived from Name via the sanitize-and-suffix convention in
	// kvstore.BatchDataset/StreamingDataset, but stored explicitly so a
	// ServingInfo can be constructed directly in tests without re-deriving
	// them.
	BatchDataset     string `json:"batchDataset"`
	StreamingDataset string `json:"streamingDataset"`
}

// IsNoAgg reports whether this group-by has no aggregations configured.
func (si *ServingInfo) IsNoAgg() bool {
	return len(si.Aggregations) == 0
}

// IsTemporal reports whether this group-by requires merging streaming
// rows at query time.
func (si *ServingInfo) IsTemporal() bool {
	return si.Accuracy == AccuracyTemporal
}
