package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/lvonguyen/cortex/internal/model"
)

// PostgresStore is the durable Store implementation backed by
// PostgreSQL. Baseline writes use a single upsert statement so the
// per-(source,metric) read-modify-write cannot lose updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(host, port, user, password, dbname string) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the tables this store needs if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			details JSONB NOT NULL DEFAULT '{}',
			risk_score INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_ts ON events (source, timestamp)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			rule JSONB NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			mitre_tactic TEXT,
			mitre_technique_id TEXT,
			mitre_technique_name TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events(id),
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL,
			mitre_tactic TEXT,
			mitre_technique_id TEXT,
			mitre_technique_name TEXT,
			ai_summary TEXT NOT NULL DEFAULT '',
			incident_id TEXT REFERENCES incidents(id),
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_incident ON alerts (incident_id)`,
		`CREATE TABLE IF NOT EXISTS behavioral_baselines (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			metric TEXT NOT NULL,
			value JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (source, metric)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Events

func (s *PostgresStore) CreateEvent(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, source, details, risk_score, status, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Type, ev.Source, details, ev.RiskScore, string(ev.Status), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, source, details, risk_score, status, timestamp
		 FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

func (s *PostgresStore) ListRecentEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, source, details, risk_score, status, timestamp
		 FROM events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) CountEvents(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountEventsBySourceSince(ctx context.Context, source string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE source = $1 AND timestamp >= $2`,
		source, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountDistinctSources(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT source) FROM events`).Scan(&count)
	return count, err
}

func (s *PostgresStore) EventTimestampsSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp FROM events WHERE timestamp > $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query event timestamps: %w", err)
	}
	defer rows.Close()

	var stamps []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		stamps = append(stamps, ts)
	}
	return stamps, rows.Err()
}

// Alerts

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, event_id, severity, message, status,
			mitre_tactic, mitre_technique_id, mitre_technique_name, ai_summary, incident_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		alert.ID, alert.EventID, string(alert.Severity), alert.Message, string(alert.Status),
		alert.MitreTactic, alert.MitreTechniqueID, alert.MitreTechniqueName,
		alert.AISummary, alert.IncidentID, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+` WHERE id = $1`, id)
	return scanAlert(row)
}

func (s *PostgresStore) ListAlerts(ctx context.Context) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, alertSelect+` ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListAlertsByIncident(ctx context.Context, incidentID string) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, alertSelect+` WHERE incident_id = $1 ORDER BY created_at ASC`, incidentID)
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (*model.Alert, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update alert status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetAlert(ctx, id)
}

func (s *PostgresStore) AssignAlertIncident(ctx context.Context, alertID, incidentID string) error {
	// Guard incident_id IS NULL so the assignment stays immutable even
	// under concurrent correlation.
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET incident_id = $1 WHERE id = $2 AND incident_id IS NULL`,
		incidentID, alertID)
	if err != nil {
		return fmt.Errorf("failed to assign alert incident: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetAlert(ctx, alertID); err != nil {
			return err
		}
		return ErrAlreadyCorrelated
	}
	return nil
}

func (s *PostgresStore) CountOpenAlerts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE status = $1`, string(model.AlertOpen)).Scan(&count)
	return count, err
}

// Policies

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	rule, err := json.Marshal(p.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal policy rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (id, name, rule, is_active,
			mitre_tactic, mitre_technique_id, mitre_technique_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, rule, p.IsActive,
		p.MitreTactic, p.MitreTechniqueID, p.MitreTechniqueName, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]*model.Policy, error) {
	return s.queryPolicies(ctx, policySelect+` ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListActivePolicies(ctx context.Context) ([]*model.Policy, error) {
	return s.queryPolicies(ctx, policySelect+` WHERE is_active ORDER BY created_at ASC`)
}

func (s *PostgresStore) CountActivePolicies(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies WHERE is_active`).Scan(&count)
	return count, err
}

// Incidents

func (s *PostgresStore) CreateIncident(ctx context.Context, inc *model.Incident) error {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, severity, status, summary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		inc.ID, string(inc.Severity), string(inc.Status), inc.Summary, inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, severity, status, summary, created_at, updated_at
		 FROM incidents WHERE id = $1`, id)
	return scanIncident(row)
}

func (s *PostgresStore) ListIncidents(ctx context.Context) ([]*model.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, severity, status, summary, created_at, updated_at
		 FROM incidents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *PostgresStore) FindOpenIncident(ctx context.Context, source string, techniqueID *string, updatedAfter time.Time) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT i.id, i.severity, i.status, i.summary, i.created_at, i.updated_at
		 FROM incidents i
		 WHERE i.status = $1 AND i.updated_at >= $2
		   AND EXISTS (
			 SELECT 1 FROM alerts a
			 JOIN events e ON e.id = a.event_id
			 WHERE a.incident_id = i.id
			   AND (e.source = $3
				 OR ($4::text IS NOT NULL AND a.mitre_technique_id = $4))
		   )
		 ORDER BY i.created_at ASC, i.id ASC
		 LIMIT 1`,
		string(model.IncidentOpen), updatedAfter, source, techniqueID)

	inc, err := scanIncident(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return inc, err
}

func (s *PostgresStore) TouchIncident(ctx context.Context, id string, severity model.Severity) (*model.Incident, error) {
	// Severity comparison happens in SQL via an ordinal CASE so the
	// update stays a single statement.
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET
			severity = CASE WHEN `+severityRankSQL("$1")+` > `+severityRankSQL("severity")+`
				THEN $1 ELSE severity END,
			updated_at = NOW()
		 WHERE id = $2`,
		string(severity), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update incident: %w", err)
	}
	return s.GetIncident(ctx, id)
}

// Baselines

type baselineValue struct {
	Processes []string           `json:"processes,omitempty"`
	Volume    *model.VolumeStats `json:"volume,omitempty"`
}

func (s *PostgresStore) GetBaseline(ctx context.Context, source, metric string) (*model.BehavioralBaseline, error) {
	var (
		b     model.BehavioralBaseline
		value []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, metric, value, created_at, updated_at
		 FROM behavioral_baselines WHERE source = $1 AND metric = $2`,
		source, metric).Scan(&b.ID, &b.Source, &b.Metric, &value, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline: %w", err)
	}
	var v baselineValue
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline value: %w", err)
	}
	b.Processes = v.Processes
	b.Volume = v.Volume
	return &b, nil
}

func (s *PostgresStore) UpsertBaseline(ctx context.Context, b *model.BehavioralBaseline) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	value, err := json.Marshal(baselineValue{Processes: b.Processes, Volume: b.Volume})
	if err != nil {
		return fmt.Errorf("failed to marshal baseline value: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO behavioral_baselines (id, source, metric, value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (source, metric) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()`,
		b.ID, b.Source, b.Metric, value)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline: %w", err)
	}
	return nil
}

// scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

const alertSelect = `SELECT id, event_id, severity, message, status,
	mitre_tactic, mitre_technique_id, mitre_technique_name, ai_summary, incident_id, created_at
	FROM alerts`

const policySelect = `SELECT id, name, rule, is_active,
	mitre_tactic, mitre_technique_id, mitre_technique_name, created_at
	FROM policies`

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		ev      model.Event
		details []byte
		status  string
	)
	err := row.Scan(&ev.ID, &ev.Type, &ev.Source, &details, &ev.RiskScore, &status, &ev.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if err := json.Unmarshal(details, &ev.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
	}
	ev.Status = model.EventStatus(status)
	return &ev, nil
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	var (
		a        model.Alert
		severity string
		status   string
	)
	err := row.Scan(&a.ID, &a.EventID, &severity, &a.Message, &status,
		&a.MitreTactic, &a.MitreTechniqueID, &a.MitreTechniqueName,
		&a.AISummary, &a.IncidentID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	a.Severity = model.Severity(severity)
	a.Status = model.AlertStatus(status)
	return &a, nil
}

func scanIncident(row rowScanner) (*model.Incident, error) {
	var (
		inc      model.Incident
		severity string
		status   string
	)
	err := row.Scan(&inc.ID, &severity, &status, &inc.Summary, &inc.CreatedAt, &inc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}
	inc.Severity = model.Severity(severity)
	inc.Status = model.IncidentStatus(status)
	return &inc, nil
}

func (s *PostgresStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) queryPolicies(ctx context.Context, query string, args ...any) ([]*model.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*model.Policy
	for rows.Next() {
		var (
			p    model.Policy
			rule []byte
		)
		err := rows.Scan(&p.ID, &p.Name, &rule, &p.IsActive,
			&p.MitreTactic, &p.MitreTechniqueID, &p.MitreTechniqueName, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		if err := json.Unmarshal(rule, &p.Rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal policy rule: %w", err)
		}
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// severityRankSQL renders an ordinal CASE expression for a severity
// column or placeholder.
func severityRankSQL(expr string) string {
	return `(CASE ` + expr + `
		WHEN 'LOW' THEN 0
		WHEN 'MEDIUM' THEN 1
		WHEN 'HIGH' THEN 2
		WHEN 'CRITICAL' THEN 3
		ELSE -1 END)`
}
