// Package store provides the record store used by the detection
// pipeline. The Store interface is the narrow persistence contract the
// core depends on; memory and postgres implementations are provided.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lvonguyen/cortex/internal/model"
)

// Common errors.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyCorrelated is returned when attaching an alert that
	// already belongs to an incident. An alert's incident assignment is
	// immutable once set.
	ErrAlreadyCorrelated = errors.New("alert already correlated to an incident")

	// ErrInvalidStatus is returned for unknown status transitions.
	ErrInvalidStatus = errors.New("invalid status")
)

// Store is the persistence contract for the detection core and API.
//
// Ordering is part of the contract: ListActivePolicies and
// FindOpenIncident return candidates oldest-first (createdAt ascending),
// so "first match" and "first eligible incident" are stable across
// implementations. Listing operations for the API return newest-first.
type Store interface {
	// Events. Events are immutable once created.
	CreateEvent(ctx context.Context, ev *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListRecentEvents(ctx context.Context, limit int) ([]*model.Event, error)
	CountEvents(ctx context.Context) (int, error)
	CountEventsBySourceSince(ctx context.Context, source string, since time.Time) (int, error)
	CountDistinctSources(ctx context.Context) (int, error)
	EventTimestampsSince(ctx context.Context, since time.Time) ([]time.Time, error)

	// Alerts.
	CreateAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context) ([]*model.Alert, error)
	ListAlertsByIncident(ctx context.Context, incidentID string) ([]*model.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (*model.Alert, error)
	// AssignAlertIncident sets the incident reference on an alert.
	// Returns ErrAlreadyCorrelated when the alert already has one.
	AssignAlertIncident(ctx context.Context, alertID, incidentID string) error
	CountOpenAlerts(ctx context.Context) (int, error)

	// Policies.
	CreatePolicy(ctx context.Context, p *model.Policy) error
	ListPolicies(ctx context.Context) ([]*model.Policy, error)
	ListActivePolicies(ctx context.Context) ([]*model.Policy, error)
	CountActivePolicies(ctx context.Context) (int, error)

	// Incidents.
	CreateIncident(ctx context.Context, inc *model.Incident) error
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	ListIncidents(ctx context.Context) ([]*model.Incident, error)
	// FindOpenIncident returns the oldest OPEN incident updated at or
	// after updatedAfter that has at least one alert whose event source
	// equals source, or (when techniqueID is non-nil) at least one alert
	// with the same technique id. Returns (nil, nil) when no incident
	// qualifies.
	FindOpenIncident(ctx context.Context, source string, techniqueID *string, updatedAfter time.Time) (*model.Incident, error)
	// TouchIncident bumps updatedAt to now and raises severity to the
	// given value if it ranks higher than the current one.
	TouchIncident(ctx context.Context, id string, severity model.Severity) (*model.Incident, error)

	// Behavioral baselines, unique per (source, metric).
	// GetBaseline returns (nil, nil) when no baseline exists yet.
	GetBaseline(ctx context.Context, source, metric string) (*model.BehavioralBaseline, error)
	// UpsertBaseline atomically creates or replaces the baseline for the
	// record's (source, metric) pair.
	UpsertBaseline(ctx context.Context, b *model.BehavioralBaseline) error

	Close() error
}
