package types

// StreamingRow is one decoded post-batch mutation or event.
type StreamingRow struct {
	// Values maps input-column name to decoded scalar value.
	Values map[string]interface{} `json:"values"`

	// TsMillis is the event/mutation timestamp (not arrival time).
	TsMillis int64 `json:"tsMillis"`

	// IsMutation is true for entity sources; IsBefore distinguishes a
	// before-image (subtract) from an after-image (add).
	IsMutation bool `json:"isMutation"`
	IsBefore   bool `json:"isBefore"`
}

// TailHop is one pre-aggregated bucket covering [StartMillis, EndMillis)
// for a single output column's resolution, as decoded from a BatchIR's
// nested tail-hops array.
type TailHop struct {
	StartMillis int64       `json:"startMillis"`
	EndMillis   int64       `json:"endMillis"`
	Partial     interface{} `json:"partial"`
}

// BatchIR is the deserialized batch intermediate representation: one
// collapsed partial-aggregate per output column for the full pre-batch-end
// window, plus per-output tail-hop arrays spanning the window tail.
type BatchIR struct {
	// Collapsed holds one partial value per output column, aligned with
	// ServingInfo.Aggregations order.
	Collapsed []interface{} `json:"collapsed"`

	// TailHops holds, per output column, the ordered hops spanning the
	// window tail (oldest first).
	TailHops [][]TailHop `json:"tailHops"`
}
