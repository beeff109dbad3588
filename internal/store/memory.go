package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/cortex/internal/model"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// single-node deployments that do not need durability. All operations
// are serialized by a single RWMutex, which also gives baseline upserts
// and incident updates read-modify-write atomicity per key.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]*model.Event
	alerts    map[string]*model.Alert
	policies  map[string]*model.Policy
	incidents map[string]*model.Incident
	baselines map[baselineKey]*model.BehavioralBaseline
}

type baselineKey struct {
	source string
	metric string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*model.Event),
		alerts:    make(map[string]*model.Alert),
		policies:  make(map[string]*model.Policy),
		incidents: make(map[string]*model.Incident),
		baselines: make(map[baselineKey]*model.BehavioralBaseline),
	}
}

// Events

func (s *MemoryStore) CreateEvent(ctx context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) ListRecentEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*model.Event, 0, len(s.events))
	for _, ev := range s.events {
		cp := *ev
		events = append(events, &cp)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryStore) CountEvents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

func (s *MemoryStore) CountEventsBySourceSince(ctx context.Context, source string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.events {
		if ev.Source == source && !ev.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountDistinctSources(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make(map[string]struct{})
	for _, ev := range s.events {
		sources[ev.Source] = struct{}{}
	}
	return len(sources), nil
}

func (s *MemoryStore) EventTimestampsSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stamps []time.Time
	for _, ev := range s.events {
		if ev.Timestamp.After(since) {
			stamps = append(stamps, ev.Timestamp)
		}
	}
	return stamps, nil
}

// Alerts

func (s *MemoryStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *alert
	return &cp, nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]*model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		cp := *a
		alerts = append(alerts, &cp)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts, nil
}

func (s *MemoryStore) ListAlertsByIncident(ctx context.Context, incidentID string) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var alerts []*model.Alert
	for _, a := range s.alerts {
		if a.IncidentID != nil && *a.IncidentID == incidentID {
			cp := *a
			alerts = append(alerts, &cp)
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts, nil
}

func (s *MemoryStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (*model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	alert.Status = status
	cp := *alert
	return &cp, nil
}

func (s *MemoryStore) AssignAlertIncident(ctx context.Context, alertID, incidentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	if alert.IncidentID != nil {
		return ErrAlreadyCorrelated
	}
	alert.IncidentID = &incidentID
	return nil
}

func (s *MemoryStore) CountOpenAlerts(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.alerts {
		if a.Status == model.AlertOpen {
			count++
		}
	}
	return count, nil
}

// Policies

func (s *MemoryStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPolicies(ctx context.Context) ([]*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policies := make([]*model.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		cp := *p
		policies = append(policies, &cp)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].CreatedAt.After(policies[j].CreatedAt)
	})
	return policies, nil
}

func (s *MemoryStore) ListActivePolicies(ctx context.Context) ([]*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var policies []*model.Policy
	for _, p := range s.policies {
		if p.IsActive {
			cp := *p
			policies = append(policies, &cp)
		}
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].CreatedAt.Before(policies[j].CreatedAt)
	})
	return policies, nil
}

func (s *MemoryStore) CountActivePolicies(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.policies {
		if p.IsActive {
			count++
		}
	}
	return count, nil
}

// Incidents

func (s *MemoryStore) CreateIncident(ctx context.Context, inc *model.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	now := time.Now()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = inc.CreatedAt
	}
	cp := *inc
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (s *MemoryStore) ListIncidents(ctx context.Context) ([]*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	incidents := make([]*model.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		cp := *inc
		incidents = append(incidents, &cp)
	}
	sort.Slice(incidents, func(i, j int) bool {
		return incidents[i].UpdatedAt.After(incidents[j].UpdatedAt)
	})
	return incidents, nil
}

func (s *MemoryStore) FindOpenIncident(ctx context.Context, source string, techniqueID *string, updatedAfter time.Time) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*model.Incident
	for _, inc := range s.incidents {
		if inc.Status != model.IncidentOpen || inc.UpdatedAt.Before(updatedAfter) {
			continue
		}
		if s.incidentMatchesLocked(inc.ID, source, techniqueID) {
			cp := *inc
			candidates = append(candidates, &cp)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	// Oldest open incident wins; ties broken by ID for determinism.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// incidentMatchesLocked checks the correlation keys: at least one
// attached alert from the same source, or one sharing a non-null
// technique id. Callers must hold the read lock.
func (s *MemoryStore) incidentMatchesLocked(incidentID, source string, techniqueID *string) bool {
	for _, a := range s.alerts {
		if a.IncidentID == nil || *a.IncidentID != incidentID {
			continue
		}
		if ev, ok := s.events[a.EventID]; ok && ev.Source == source {
			return true
		}
		if techniqueID != nil && a.MitreTechniqueID != nil && *a.MitreTechniqueID == *techniqueID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) TouchIncident(ctx context.Context, id string, severity model.Severity) (*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	inc.Severity = model.MaxSeverity(inc.Severity, severity)
	inc.UpdatedAt = time.Now()
	cp := *inc
	return &cp, nil
}

// Baselines

func (s *MemoryStore) GetBaseline(ctx context.Context, source, metric string) (*model.BehavioralBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.baselines[baselineKey{source, metric}]
	if !ok {
		return nil, nil
	}
	cp := *b
	cp.Processes = append([]string(nil), b.Processes...)
	if b.Volume != nil {
		v := *b.Volume
		cp.Volume = &v
	}
	return &cp, nil
}

func (s *MemoryStore) UpsertBaseline(ctx context.Context, b *model.BehavioralBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := baselineKey{b.Source, b.Metric}
	now := time.Now()
	if existing, ok := s.baselines[key]; ok {
		b.ID = existing.ID
		b.CreatedAt = existing.CreatedAt
	} else {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	cp := *b
	cp.Processes = append([]string(nil), b.Processes...)
	if b.Volume != nil {
		v := *b.Volume
		cp.Volume = &v
	}
	s.baselines[key] = &cp
	return nil
}

func (s *MemoryStore) Close() error { return nil }
