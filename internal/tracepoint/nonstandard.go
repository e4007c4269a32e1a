package tracepoint

// A short list of node types has nonstandard marker signatures and cannot
// go through WrapNode/NewNodeMarkers: bitmap-* nodes carry two plan node
// ids (the bitmap producer and consumer), subplan nodes carry a subplan
// index instead of a child id, and the two hash variants emit an extra
// build-side row-count argument. Each gets a hand-written wrapper below.

// BitmapMarkers covers BitmapAnd, BitmapOr, BitmapIndexScan, and
// BitmapHeapScan, which report both their own plan node id and the
// downstream consumer's.
type BitmapMarkers struct {
	Begin    *SemaphoredMarker
	End      *SemaphoredMarker
	Features *SemaphoredMarker
}

// NewBitmapMarkers constructs markers for one of the bitmap node kinds.
func NewBitmapMarkers(node string) *BitmapMarkers {
	return &BitmapMarkers{
		Begin:    NewSemaphoredMarker(NewMarker(node + "_begin")),
		End:      NewSemaphoredMarker(NewMarker(node + "_end")),
		Features: NewSemaphoredMarker(NewMarker(node + "_features")),
	}
}

// WrapBitmap fires begin/end with both the node's own plan_node_id and the
// consumer's plan_node_id, and features with the consumer id substituted
// for right_child_id.
func WrapBitmap(m *BitmapMarkers, planNodeID, consumerPlanNodeID int32, feat *FeatureArgs, work func() error) error {
	m.Begin.Fire(planNodeID, consumerPlanNodeID)
	defer func() {
		m.End.Fire(planNodeID, consumerPlanNodeID)
	}()
	if feat != nil {
		m.Features.Fire(feat.PlanNodeID, feat.QueryID, feat.PlanPointer, feat.LeftChildID, consumerPlanNodeID, feat.StatementStart)
	}
	return work()
}

// SubplanMarkers covers SubqueryScan and InitPlan/SubPlan execution,
// keyed by subplan index rather than a left/right child id pair.
type SubplanMarkers struct {
	Begin    *SemaphoredMarker
	End      *SemaphoredMarker
	Features *SemaphoredMarker
}

// NewSubplanMarkers constructs markers for subplan execution.
func NewSubplanMarkers() *SubplanMarkers {
	return &SubplanMarkers{
		Begin:    NewSemaphoredMarker(NewMarker("subplan_begin")),
		End:      NewSemaphoredMarker(NewMarker("subplan_end")),
		Features: NewSemaphoredMarker(NewMarker("subplan_features")),
	}
}

// WrapSubplan fires begin/end keyed by plan_node_id and subplan index, and
// features with the subplan index substituted for left_child_id.
func WrapSubplan(m *SubplanMarkers, planNodeID int32, subplanIndex int32, feat *FeatureArgs, work func() error) error {
	m.Begin.Fire(planNodeID, subplanIndex)
	defer func() {
		m.End.Fire(planNodeID, subplanIndex)
	}()
	if feat != nil {
		m.Features.Fire(feat.PlanNodeID, feat.QueryID, feat.PlanPointer, subplanIndex, feat.RightChildID, feat.StatementStart)
	}
	return work()
}

// HashMarkers covers Hash and HashJoin, which report an extra build-side
// row count alongside the standard begin/end pair.
type HashMarkers struct {
	Begin    *SemaphoredMarker
	End      *SemaphoredMarker
	Features *SemaphoredMarker
}

// NewHashMarkers constructs markers for a hash-family node kind ("hash" or
// "hash_join").
func NewHashMarkers(node string) *HashMarkers {
	return &HashMarkers{
		Begin:    NewSemaphoredMarker(NewMarker(node + "_begin")),
		End:      NewSemaphoredMarker(NewMarker(node + "_end")),
		Features: NewSemaphoredMarker(NewMarker(node + "_features")),
	}
}

// WrapHash fires begin, fires features as standard (if feat is non-nil),
// runs work, and fires end with the observed build-side row count.
func WrapHash(m *HashMarkers, planNodeID int32, feat *FeatureArgs, work func() (buildRows int64, err error)) error {
	m.Begin.Fire(planNodeID)
	if feat != nil {
		m.Features.Fire(feat.PlanNodeID, feat.QueryID, feat.PlanPointer, feat.LeftChildID, feat.RightChildID, feat.StatementStart)
	}
	rows, err := work()
	m.End.Fire(planNodeID, rows)
	return err
}
