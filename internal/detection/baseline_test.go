package detection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lvonguyen/cortex/internal/model"
)

// fakeBaselineStore is an in-memory BaselineStore with a controllable
// recent event count.
type fakeBaselineStore struct {
	baselines map[string]*model.BehavioralBaseline
	count     int
	failGet   bool
}

func newFakeBaselineStore() *fakeBaselineStore {
	return &fakeBaselineStore{baselines: make(map[string]*model.BehavioralBaseline)}
}

func (f *fakeBaselineStore) key(source, metric string) string {
	return source + "|" + metric
}

func (f *fakeBaselineStore) GetBaseline(_ context.Context, source, metric string) (*model.BehavioralBaseline, error) {
	if f.failGet {
		return nil, errors.New("store down")
	}
	return f.baselines[f.key(source, metric)], nil
}

func (f *fakeBaselineStore) UpsertBaseline(_ context.Context, b *model.BehavioralBaseline) error {
	f.baselines[f.key(b.Source, b.Metric)] = b
	return nil
}

func (f *fakeBaselineStore) CountEventsBySourceSince(_ context.Context, _ string, _ time.Time) (int, error) {
	return f.count, nil
}

// =============================================================================
// New Process Detection Tests
// =============================================================================

// TestCheck_FirstProcessSeedsBaseline verifies that the first
// PROCESS_SPAWN from a source seeds the baseline without flagging.
func TestCheck_FirstProcessSeedsBaseline(t *testing.T) {
	store := newFakeBaselineStore()
	d := NewAnomalyDetector(store, nil)

	res, err := d.Check(context.Background(), "web-1", "PROCESS_SPAWN", map[string]any{"process": "nginx"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsAnomaly {
		t.Errorf("first observation should not flag, got reason %q", res.Reason)
	}

	b := store.baselines[store.key("web-1", model.MetricKnownProcesses)]
	if b == nil || !b.KnowsProcess("nginx") {
		t.Error("baseline should contain nginx after seeding")
	}
}

// TestCheck_UnknownProcessFlagged verifies the exact anomaly reason for
// a process the source has never run, and that the flagged process is
// not learned into the baseline.
func TestCheck_UnknownProcessFlagged(t *testing.T) {
	store := newFakeBaselineStore()
	d := NewAnomalyDetector(store, nil)
	ctx := context.Background()

	if _, err := d.Check(ctx, "web-1", "PROCESS_SPAWN", map[string]any{"process": "nginx"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	res, err := d.Check(ctx, "web-1", "PROCESS_SPAWN", map[string]any{"process": "nc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatal("unknown process should flag")
	}
	want := "Anomaly: New process 'nc' executed on web-1. Never seen in previous baselines."
	if res.Reason != want {
		t.Errorf("reason mismatch:\n got  %q\n want %q", res.Reason, want)
	}

	// Must keep flagging until reviewed.
	res, _ = d.Check(ctx, "web-1", "PROCESS_SPAWN", map[string]any{"process": "nc"})
	if !res.IsAnomaly {
		t.Error("flagged process should not be learned into the baseline")
	}
}

// TestCheck_KnownProcessPasses verifies that a known process does not
// flag.
func TestCheck_KnownProcessPasses(t *testing.T) {
	store := newFakeBaselineStore()
	d := NewAnomalyDetector(store, nil)
	ctx := context.Background()

	d.Check(ctx, "web-1", "PROCESS_SPAWN", map[string]any{"process": "nginx"})
	res, err := d.Check(ctx, "web-1", "PROCESS_SPAWN", map[string]any{"process": "nginx"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsAnomaly {
		t.Errorf("known process flagged: %q", res.Reason)
	}
}

// TestCheck_NonProcessEventSkipsProcessCheck verifies events of other
// types and PROCESS_SPAWN events with no process detail are ignored by
// the process check.
func TestCheck_NonProcessEventSkipsProcessCheck(t *testing.T) {
	store := newFakeBaselineStore()
	d := NewAnomalyDetector(store, nil)
	ctx := context.Background()

	res, _ := d.Check(ctx, "web-1", "AUTH_SUCCESS", map[string]any{"process": "nc"})
	if res.IsAnomaly {
		t.Error("non PROCESS_SPAWN event should not trigger process check")
	}
	res, _ = d.Check(ctx, "web-1", "PROCESS_SPAWN", map[string]any{})
	if res.IsAnomaly {
		t.Error("PROCESS_SPAWN without process detail should not flag")
	}
}

// =============================================================================
// Event Volume Detection Tests
// =============================================================================

// TestCheck_VolumeBootstrap verifies first-sight volume baselines get
// the bootstrap threshold and never flag.
func TestCheck_VolumeBootstrap(t *testing.T) {
	store := newFakeBaselineStore()
	store.count = 100
	d := NewAnomalyDetector(store, nil)

	res, err := d.Check(context.Background(), "busy-1", "NET_FLOW", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsAnomaly {
		t.Errorf("bootstrap observation should not flag, got %q", res.Reason)
	}

	b := store.baselines[store.key("busy-1", model.MetricEventVolume)]
	if b == nil || b.Volume == nil {
		t.Fatal("volume baseline not seeded")
	}
	if b.Volume.Avg != 100 || b.Volume.Threshold != 20 {
		t.Errorf("bootstrap stats = avg %v threshold %v, want 100/20", b.Volume.Avg, b.Volume.Threshold)
	}
}

// TestCheck_VolumeSpikeFlagged verifies the exact spike reason once the
// count exceeds the adaptive threshold, and that the anomalous
// observation does not move the average.
func TestCheck_VolumeSpikeFlagged(t *testing.T) {
	store := newFakeBaselineStore()
	store.baselines[store.key("web-1", model.MetricEventVolume)] = &model.BehavioralBaseline{
		Source: "web-1",
		Metric: model.MetricEventVolume,
		Volume: &model.VolumeStats{Avg: 5, Threshold: 20},
	}
	store.count = 35
	d := NewAnomalyDetector(store, nil)

	res, err := d.Check(context.Background(), "web-1", "NET_FLOW", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatal("spike should flag")
	}
	want := fmt.Sprintf("Anomaly: Event spike on %s. Frequency (%d eps) exceeds baseline threshold (%.0f eps).", "web-1", 35, 20.0)
	if res.Reason != want {
		t.Errorf("reason mismatch:\n got  %q\n want %q", res.Reason, want)
	}

	b := store.baselines[store.key("web-1", model.MetricEventVolume)]
	if b.Volume.Avg != 5 {
		t.Errorf("anomalous observation moved the average: %v", b.Volume.Avg)
	}
}

// TestCheck_VolumeEMAUpdate verifies the moving-average update and the
// floor of 20 on the recomputed threshold.
func TestCheck_VolumeEMAUpdate(t *testing.T) {
	store := newFakeBaselineStore()
	store.baselines[store.key("web-1", model.MetricEventVolume)] = &model.BehavioralBaseline{
		Source: "web-1",
		Metric: model.MetricEventVolume,
		Volume: &model.VolumeStats{Avg: 10, Threshold: 40},
	}
	store.count = 20
	d := NewAnomalyDetector(store, nil)

	res, err := d.Check(context.Background(), "web-1", "NET_FLOW", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsAnomaly {
		t.Fatalf("20 <= 40 should not flag, got %q", res.Reason)
	}

	b := store.baselines[store.key("web-1", model.MetricEventVolume)]
	const wantAvg = 10.5
	if diff := b.Volume.Avg - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("avg = %v, want %v", b.Volume.Avg, wantAvg)
	}
	if b.Volume.Threshold != 42 { // floor(10.5*4)
		t.Errorf("threshold = %v, want 42", b.Volume.Threshold)
	}

	// A sleepy source's threshold must never drop below 20.
	store.baselines[store.key("quiet-1", model.MetricEventVolume)] = &model.BehavioralBaseline{
		Source: "quiet-1",
		Metric: model.MetricEventVolume,
		Volume: &model.VolumeStats{Avg: 1, Threshold: 20},
	}
	store.count = 0
	if _, err := d.Check(context.Background(), "quiet-1", "NET_FLOW", map[string]any{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.baselines[store.key("quiet-1", model.MetricEventVolume)].Volume.Threshold; got != 20 {
		t.Errorf("threshold floor = %v, want 20", got)
	}
}

// =============================================================================
// Check Precedence Tests
// =============================================================================

// TestCheck_ProcessReasonWinsOverVolume verifies that when both checks
// fire in one evaluation, the process reason is reported.
func TestCheck_ProcessReasonWinsOverVolume(t *testing.T) {
	store := newFakeBaselineStore()
	store.baselines[store.key("web-1", model.MetricKnownProcesses)] = &model.BehavioralBaseline{
		Source:    "web-1",
		Metric:    model.MetricKnownProcesses,
		Processes: []string{"nginx"},
	}
	store.baselines[store.key("web-1", model.MetricEventVolume)] = &model.BehavioralBaseline{
		Source: "web-1",
		Metric: model.MetricEventVolume,
		Volume: &model.VolumeStats{Avg: 5, Threshold: 20},
	}
	store.count = 50
	d := NewAnomalyDetector(store, nil)

	res, err := d.Check(context.Background(), "web-1", "PROCESS_SPAWN", map[string]any{"process": "nc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatal("expected anomaly")
	}
	if want := "Anomaly: New process 'nc' executed on web-1. Never seen in previous baselines."; res.Reason != want {
		t.Errorf("process reason should win, got %q", res.Reason)
	}
}

// TestCheck_StoreErrorPropagates verifies baseline store failures are
// surfaced so the pipeline can degrade explicitly.
func TestCheck_StoreErrorPropagates(t *testing.T) {
	store := newFakeBaselineStore()
	store.failGet = true
	d := NewAnomalyDetector(store, nil)

	if _, err := d.Check(context.Background(), "web-1", "PROCESS_SPAWN", map[string]any{"process": "nc"}); err == nil {
		t.Error("expected error from failing store")
	}
}
