package metrics

import "testing"

func TestRecordTickTracksMinMax(t *testing.T) {
	m := &Metrics{}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))

	m.RecordTick("node", 50, true)
	m.RecordTick("node", 10, true)
	m.RecordTick("node", 200, false)

	if got := m.MinLatencyMs.Load(); got != 10 {
		t.Fatalf("min = %d, want 10", got)
	}
	if got := m.MaxLatencyMs.Load(); got != 200 {
		t.Fatalf("max = %d, want 200", got)
	}
	if got := m.TickErrors.Load(); got != 1 {
		t.Fatalf("errors = %d, want 1", got)
	}
	if got := m.TotalTicks.Load(); got != 3 {
		t.Fatalf("total = %d, want 3", got)
	}
}

func TestReconcilerStatsTracksPerReconciler(t *testing.T) {
	m := &Metrics{}
	m.MinLatencyMs.Store(int64(^uint64(0) >> 1))

	m.RecordTick("node", 50, true)
	m.RecordTick("scaleset", 100, true)

	rm := m.GetReconcilerMetrics("node")
	if rm == nil || rm.Ticks.Load() != 1 {
		t.Fatalf("node reconciler metrics missing or wrong: %+v", rm)
	}
	if m.GetReconcilerMetrics("unknown") != nil {
		t.Fatal("expected nil for a reconciler with no recorded ticks")
	}
}
