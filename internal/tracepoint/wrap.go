package tracepoint

// NodeMarkers holds the three standard markers for one executor node type:
// begin(plan_node_id), end(plan_node_id), and
// features(plan_node_id, query_id, plan_pointer, left_child_id,
// right_child_id, statement_start_ts).
type NodeMarkers struct {
	Begin    *SemaphoredMarker
	End      *SemaphoredMarker
	Features *SemaphoredMarker
}

// NewNodeMarkers constructs the three standard markers for a node type,
// named "<node>_begin", "<node>_end", "<node>_features".
func NewNodeMarkers(node string) *NodeMarkers {
	return &NodeMarkers{
		Begin:    NewSemaphoredMarker(NewMarker(node + "_begin")),
		End:      NewSemaphoredMarker(NewMarker(node + "_end")),
		Features: NewSemaphoredMarker(NewMarker(node + "_features")),
	}
}

// FeatureArgs bundles the six arguments of a standard *_features marker.
type FeatureArgs struct {
	PlanNodeID     int32
	QueryID        int64
	PlanPointer    uintptr
	LeftChildID    int32
	RightChildID   int32
	StatementStart int64
}

// WrapNode wraps work for a standard executor node type: it fires begin,
// fires features (if feat is non-nil), runs work, and always fires end —
// even when work returns an error — mirroring the surrounding
// memory-context teardown that guarantees the paired end marker in the
// original executor.
func WrapNode(m *NodeMarkers, planNodeID int32, feat *FeatureArgs, work func() error) error {
	m.Begin.Fire(planNodeID)
	defer func() {
		m.End.Fire(planNodeID)
	}()
	if feat != nil {
		m.Features.Fire(feat.PlanNodeID, feat.QueryID, feat.PlanPointer, feat.LeftChildID, feat.RightChildID, feat.StatementStart)
	}
	return work()
}
