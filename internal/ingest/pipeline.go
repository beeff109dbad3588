// Package ingest implements the event ingestion pipeline: validation,
// policy matching, behavioral analysis, persistence, alert creation,
// and incident correlation, in a fixed order with fixed precedence.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cortex/internal/correlation"
	"github.com/lvonguyen/cortex/internal/detection"
	"github.com/lvonguyen/cortex/internal/model"
	"github.com/lvonguyen/cortex/internal/observability"
	"github.com/lvonguyen/cortex/internal/store"
)

// ErrValidation marks rejected submissions. Validation runs before any
// write, so a rejected event leaves no trace.
var ErrValidation = errors.New("invalid event")

// Request is one event submission from an agent.
type Request struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// Result is the synchronous outcome of one ingestion.
type Result struct {
	EventID    string
	Status     model.EventStatus
	RiskScore  int
	AlertID    *string
	IncidentID *string
}

// AlertPublisher pushes newly created alerts to downstream consumers.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

// Pipeline runs the full ingestion sequence for submitted events.
type Pipeline struct {
	store      store.Store
	matcher    *detection.PolicyMatcher
	detector   *detection.AnomalyDetector
	correlator *correlation.Engine
	publisher  AlertPublisher
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewPipeline wires the ingestion pipeline. publisher and metrics may
// be nil.
func NewPipeline(st store.Store, matcher *detection.PolicyMatcher, detector *detection.AnomalyDetector, correlator *correlation.Engine, publisher AlertPublisher, logger *zap.Logger, metrics *observability.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      st,
		matcher:    matcher,
		detector:   detector,
		correlator: correlator,
		publisher:  publisher,
		logger:     logger,
		metrics:    metrics,
	}
}

// Ingest processes one submitted event end to end and returns its
// classification. A behavioral anomaly classifies the event MALICIOUS
// at risk 50; a policy match overrides the score to 100 but keeps the
// anomaly's reason as the alert message when both fire.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if err := validate(req); err != nil {
		return nil, err
	}

	policies, err := p.store.ListActivePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	status := model.EventSafe
	riskScore := 0
	var anomalyReason string

	anomaly, err := p.detector.Check(ctx, req.Source, req.Type, req.Details)
	if err != nil {
		// A broken detector must not block ingestion. The event is
		// still classified by policy and stored.
		p.logger.Warn("Behavioral check failed, continuing without it",
			zap.String("source", req.Source), zap.Error(err))
	} else if anomaly.IsAnomaly {
		status = model.EventMalicious
		riskScore = 50
		anomalyReason = anomaly.Reason
		if p.metrics != nil {
			p.metrics.AnomaliesDetected.WithLabelValues(anomalyMetric(anomaly.Reason)).Inc()
		}
	}

	matched := p.matcher.Match(req.Details, policies)
	if matched != nil {
		status = model.EventMalicious
		riskScore = 100
		if p.metrics != nil {
			p.metrics.PolicyMatches.WithLabelValues(matched.Name).Inc()
		}
	}

	event := &model.Event{
		Type:      req.Type,
		Source:    req.Source,
		Details:   req.Details,
		RiskScore: riskScore,
		Status:    status,
		Timestamp: eventTime(req.Timestamp),
	}
	if err := p.store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store event: %w", err)
	}

	result := &Result{
		EventID:   event.ID,
		Status:    status,
		RiskScore: riskScore,
	}

	if status == model.EventMalicious {
		alert, err := p.raiseAlert(ctx, event, matched, anomalyReason)
		if err != nil {
			return nil, err
		}
		result.AlertID = &alert.ID

		incidentID, err := p.correlator.Correlate(ctx, alert.ID, event.Source, alert.Severity)
		if err != nil {
			return nil, err
		}
		result.IncidentID = &incidentID
	}

	if p.metrics != nil {
		p.metrics.EventsIngested.WithLabelValues(req.Type).Inc()
		p.metrics.EventsClassified.WithLabelValues(string(status)).Inc()
		p.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}
	return result, nil
}

// raiseAlert derives the alert from whichever detector fired. The
// matched policy supplies the detection name and MITRE context; an
// anomaly without a policy falls back to the generic behavioral
// labels.
func (p *Pipeline) raiseAlert(ctx context.Context, event *model.Event, matched *model.Policy, anomalyReason string) (*model.Alert, error) {
	detectionName := "Behavioral Anomaly"
	var mitreTactic, mitreTechniqueID, mitreTechniqueName *string
	if matched != nil {
		detectionName = matched.Name
		mitreTactic = matched.MitreTactic
		mitreTechniqueID = matched.MitreTechniqueID
		mitreTechniqueName = matched.MitreTechniqueName
	} else if anomalyReason != "" {
		mitreTactic = model.StrPtr("Defense Evasion")
	}

	message := anomalyReason
	if message == "" {
		message = fmt.Sprintf("Detected %s from %s", detectionName, event.Source)
	}

	alert := &model.Alert{
		EventID:            event.ID,
		Severity:           model.SeverityCritical,
		Message:            message,
		Status:             model.AlertOpen,
		MitreTactic:        mitreTactic,
		MitreTechniqueID:   mitreTechniqueID,
		MitreTechniqueName: mitreTechniqueName,
		AISummary:          detection.GenerateSummary(detectionName, event.Source, mitreTactic, mitreTechniqueID),
	}
	if err := p.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to store alert: %w", err)
	}
	if p.metrics != nil {
		p.metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	}

	if p.publisher != nil {
		if err := p.publisher.PublishAlert(ctx, alert); err != nil {
			// Downstream fan-out is best effort.
			p.logger.Warn("Failed to publish alert", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}
	return alert, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	if strings.TrimSpace(req.Source) == "" {
		return fmt.Errorf("%w: source is required", ErrValidation)
	}
	if req.Details == nil {
		return fmt.Errorf("%w: details must be an object", ErrValidation)
	}
	return nil
}

func eventTime(ts *time.Time) time.Time {
	if ts != nil {
		return *ts
	}
	return time.Now()
}

func anomalyMetric(reason string) string {
	if strings.Contains(reason, "New process") {
		return model.MetricKnownProcesses
	}
	return model.MetricEventVolume
}
