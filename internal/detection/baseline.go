package detection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cortex/internal/model"
)

const (
	// volumeWindow is the trailing window used for event-rate checks.
	volumeWindow = 60 * time.Second

	// bootstrapThreshold is the floor for the adaptive volume threshold.
	bootstrapThreshold = 20

	// emaAlpha is the learning rate of the volume moving average.
	emaAlpha = 0.05
)

// BaselineStore is the persistence the detector needs: baseline
// read/upsert keyed by (source, metric), plus the event count that
// feeds the volume check. Injected so tests can supply a fake.
type BaselineStore interface {
	GetBaseline(ctx context.Context, source, metric string) (*model.BehavioralBaseline, error)
	UpsertBaseline(ctx context.Context, b *model.BehavioralBaseline) error
	CountEventsBySourceSince(ctx context.Context, source string, since time.Time) (int, error)
}

// Result is the outcome of an anomaly evaluation.
type Result struct {
	IsAnomaly bool
	Reason    string
}

// AnomalyDetector evaluates events against adaptive per-source
// baselines. Two independent checks run per event: unknown process
// names on PROCESS_SPAWN events, and event-volume spikes over the
// trailing 60 seconds.
type AnomalyDetector struct {
	store  BaselineStore
	logger *zap.Logger

	// srcLocks serializes baseline read-modify-write per source so
	// concurrent ingestions from one agent cannot lose updates.
	srcLocks sync.Map
}

// NewAnomalyDetector creates a detector backed by the given store.
func NewAnomalyDetector(store BaselineStore, logger *zap.Logger) *AnomalyDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnomalyDetector{store: store, logger: logger}
}

// Check runs both behavioral checks for one event. The process check's
// reason takes precedence when both fire; the volume check always runs
// so its baseline maintenance is identical on both paths.
func (d *AnomalyDetector) Check(ctx context.Context, source, eventType string, details map[string]any) (Result, error) {
	unlock := d.lockSource(source)
	defer unlock()

	procResult, err := d.checkNewProcess(ctx, source, eventType, details)
	if err != nil {
		return Result{}, err
	}

	volResult, err := d.checkVolume(ctx, source)
	if err != nil {
		return Result{}, err
	}

	if procResult.IsAnomaly {
		return procResult, nil
	}
	return volResult, nil
}

// checkNewProcess flags PROCESS_SPAWN events naming a process the
// source has never run. The first observation seeds the baseline
// without flagging. A flagged process is deliberately not added to the
// baseline, so it keeps flagging until an analyst reviews it.
func (d *AnomalyDetector) checkNewProcess(ctx context.Context, source, eventType string, details map[string]any) (Result, error) {
	if eventType != "PROCESS_SPAWN" {
		return Result{}, nil
	}
	process, ok := details["process"].(string)
	if !ok || process == "" {
		return Result{}, nil
	}

	baseline, err := d.store.GetBaseline(ctx, source, model.MetricKnownProcesses)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load process baseline: %w", err)
	}

	if baseline == nil {
		b := &model.BehavioralBaseline{
			Source:    source,
			Metric:    model.MetricKnownProcesses,
			Processes: []string{process},
		}
		if err := d.store.UpsertBaseline(ctx, b); err != nil {
			return Result{}, fmt.Errorf("failed to seed process baseline: %w", err)
		}
		d.logger.Debug("Seeded process baseline",
			zap.String("source", source),
			zap.String("process", process))
		return Result{}, nil
	}

	if !baseline.KnowsProcess(process) {
		return Result{
			IsAnomaly: true,
			Reason:    fmt.Sprintf("Anomaly: New process '%s' executed on %s. Never seen in previous baselines.", process, source),
		}, nil
	}
	return Result{}, nil
}

// checkVolume compares the source's trailing event rate against its
// adaptive threshold. The moving average only learns from non-anomalous
// observations, so a spike cannot drag the baseline toward
// attacker-inflated volumes.
func (d *AnomalyDetector) checkVolume(ctx context.Context, source string) (Result, error) {
	count, err := d.store.CountEventsBySourceSince(ctx, source, time.Now().Add(-volumeWindow))
	if err != nil {
		return Result{}, fmt.Errorf("failed to count recent events: %w", err)
	}

	baseline, err := d.store.GetBaseline(ctx, source, model.MetricEventVolume)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load volume baseline: %w", err)
	}

	if baseline == nil {
		avg := float64(count)
		if count == 0 {
			avg = 1
		}
		b := &model.BehavioralBaseline{
			Source: source,
			Metric: model.MetricEventVolume,
			Volume: &model.VolumeStats{Avg: avg, Threshold: bootstrapThreshold},
		}
		if err := d.store.UpsertBaseline(ctx, b); err != nil {
			return Result{}, fmt.Errorf("failed to seed volume baseline: %w", err)
		}
		return Result{}, nil
	}

	stats := baseline.Volume
	if stats == nil {
		stats = &model.VolumeStats{Avg: 1, Threshold: bootstrapThreshold}
	}

	if float64(count) > stats.Threshold {
		return Result{
			IsAnomaly: true,
			Reason: fmt.Sprintf("Anomaly: Event spike on %s. Frequency (%d eps) exceeds baseline threshold (%.0f eps).",
				source, count, stats.Threshold),
		}, nil
	}

	newAvg := stats.Avg*(1-emaAlpha) + float64(count)*emaAlpha
	baseline.Volume = &model.VolumeStats{
		Avg:       newAvg,
		Threshold: math.Max(bootstrapThreshold, math.Floor(newAvg*4)),
	}
	if err := d.store.UpsertBaseline(ctx, baseline); err != nil {
		return Result{}, fmt.Errorf("failed to update volume baseline: %w", err)
	}
	return Result{}, nil
}

func (d *AnomalyDetector) lockSource(source string) func() {
	v, _ := d.srcLocks.LoadOrStore(source, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
