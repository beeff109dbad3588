// Package correlation groups related alerts into incidents. An alert
// correlates into an open, recently-updated incident when it shares the
// alert's source or a non-null MITRE technique id; otherwise a new
// incident is opened.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cortex/internal/model"
	"github.com/lvonguyen/cortex/internal/observability"
)

// DefaultWindow is how long an incident stays eligible for new alerts
// after its last update.
const DefaultWindow = 5 * time.Minute

// IncidentStore is the persistence the engine needs: alert lookup,
// incident find/create/update, and the one-shot incident assignment on
// alerts.
type IncidentStore interface {
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	FindOpenIncident(ctx context.Context, source string, techniqueID *string, updatedAfter time.Time) (*model.Incident, error)
	CreateIncident(ctx context.Context, inc *model.Incident) error
	TouchIncident(ctx context.Context, id string, severity model.Severity) (*model.Incident, error)
	AssignAlertIncident(ctx context.Context, alertID, incidentID string) error
}

// Engine attaches newly created alerts to incidents.
type Engine struct {
	store   IncidentStore
	logger  *zap.Logger
	metrics *observability.Metrics
	window  time.Duration

	// srcLocks serializes find-or-create per source. Two alerts from
	// one source arriving together would otherwise both miss the
	// other's incident and open duplicates.
	srcLocks sync.Map
}

// NewEngine creates a correlation engine. A zero window falls back to
// DefaultWindow.
func NewEngine(store IncidentStore, logger *zap.Logger, metrics *observability.Metrics, window time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		store:   store,
		logger:  logger,
		metrics: metrics,
		window:  window,
	}
}

// Correlate attaches the alert to an existing eligible incident or
// opens a new one, and returns the incident id. The matched incident's
// updatedAt is bumped and its severity raised to the alert's when the
// alert ranks higher. Eligible incidents are considered oldest-first.
func (e *Engine) Correlate(ctx context.Context, alertID, source string, severity model.Severity) (string, error) {
	unlock := e.lockSource(source)
	defer unlock()

	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return "", fmt.Errorf("failed to load alert: %w", err)
	}

	windowStart := time.Now().Add(-e.window)
	incident, err := e.store.FindOpenIncident(ctx, source, alert.MitreTechniqueID, windowStart)
	if err != nil {
		return "", fmt.Errorf("failed to search open incidents: %w", err)
	}

	if incident != nil {
		if err := e.store.AssignAlertIncident(ctx, alertID, incident.ID); err != nil {
			return "", fmt.Errorf("failed to attach alert: %w", err)
		}
		if _, err := e.store.TouchIncident(ctx, incident.ID, severity); err != nil {
			return "", fmt.Errorf("failed to update incident: %w", err)
		}
		if e.metrics != nil {
			e.metrics.IncidentsCorrelated.Inc()
		}
		e.logger.Info("Alert correlated into incident",
			zap.String("alert_id", alertID),
			zap.String("incident_id", incident.ID),
			zap.String("source", source))
		return incident.ID, nil
	}

	groupedVia := "shared source"
	if alert.MitreTechniqueID != nil {
		groupedVia = *alert.MitreTechniqueID
	}
	newIncident := &model.Incident{
		Severity: severity,
		Status:   model.IncidentOpen,
		Summary:  fmt.Sprintf("Security Incident involving %s. Grouped via %s.", source, groupedVia),
	}
	if err := e.store.CreateIncident(ctx, newIncident); err != nil {
		return "", fmt.Errorf("failed to create incident: %w", err)
	}
	if err := e.store.AssignAlertIncident(ctx, alertID, newIncident.ID); err != nil {
		return "", fmt.Errorf("failed to attach alert: %w", err)
	}
	if e.metrics != nil {
		e.metrics.IncidentsCreated.Inc()
	}
	e.logger.Info("New incident opened",
		zap.String("alert_id", alertID),
		zap.String("incident_id", newIncident.ID),
		zap.String("source", source),
		zap.String("severity", string(severity)))
	return newIncident.ID, nil
}

func (e *Engine) lockSource(source string) func() {
	v, _ := e.srcLocks.LoadOrStore(source, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
