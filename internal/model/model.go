// Package model defines the record types shared across the Cortex
// detection pipeline: events reported by agents, detection policies,
// alerts raised for malicious events, correlated incidents, and the
// per-source behavioral baselines used for anomaly detection.
package model

import "time"

// EventStatus is the classification assigned to an ingested event.
type EventStatus string

const (
	EventSafe      EventStatus = "SAFE"
	EventMalicious EventStatus = "MALICIOUS"
)

// AlertStatus tracks analyst triage of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// IncidentStatus tracks the lifecycle of a correlated incident.
type IncidentStatus string

const (
	IncidentOpen   IncidentStatus = "OPEN"
	IncidentClosed IncidentStatus = "CLOSED"
)

// Severity levels, ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityOrdinals = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Ordinal returns the rank of a severity for comparisons. Unknown
// severities rank below LOW.
func (s Severity) Ordinal() int {
	if ord, ok := severityOrdinals[s]; ok {
		return ord
	}
	return -1
}

// MaxSeverity returns the higher of two severities by ordinal.
func MaxSeverity(a, b Severity) Severity {
	if b.Ordinal() > a.Ordinal() {
		return b
	}
	return a
}

// Event is one immutable fact reported by an agent. Created once during
// ingestion and never mutated afterward.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details"`
	RiskScore int            `json:"riskScore"`
	Status    EventStatus    `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// Rule is the flat field/operator/value condition attached to a policy.
type Rule struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// Rule operators.
const (
	OpEquals   = "equals"
	OpContains = "contains"
)

// Policy is a static, administrator-managed detection rule. Read-only
// to the detection core.
type Policy struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Rule              Rule      `json:"rule"`
	IsActive          bool      `json:"isActive"`
	MitreTactic       *string   `json:"mitreTactic"`
	MitreTechniqueID  *string   `json:"mitreTechniqueId"`
	MitreTechniqueName *string  `json:"mitreTechniqueName"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Alert is a malicious finding tied to exactly one event. IncidentID is
// set at most once by the correlation engine and never changed.
type Alert struct {
	ID                 string      `json:"id"`
	EventID            string      `json:"eventId"`
	Severity           Severity    `json:"severity"`
	Message            string      `json:"message"`
	Status             AlertStatus `json:"status"`
	MitreTactic        *string     `json:"mitreTactic"`
	MitreTechniqueID   *string     `json:"mitreTechniqueId"`
	MitreTechniqueName *string     `json:"mitreTechniqueName"`
	AISummary          string      `json:"aiSummary"`
	IncidentID         *string     `json:"incidentId"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// Incident groups one or more correlated alerts for analyst triage.
// Severity is monotonically non-decreasing and always equals the max
// severity across attached alerts.
type Incident struct {
	ID        string         `json:"id"`
	Severity  Severity       `json:"severity"`
	Status    IncidentStatus `json:"status"`
	Summary   string         `json:"summary"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Baseline metrics.
const (
	MetricKnownProcesses = "known_processes"
	MetricEventVolume    = "event_volume"
)

// VolumeStats holds the adaptive event-volume statistics for a source.
type VolumeStats struct {
	Avg       float64 `json:"avg"`
	Threshold float64 `json:"threshold"`
}

// BehavioralBaseline is adaptive per-source state, unique per
// (source, metric) pair. Processes is populated for known_processes,
// Volume for event_volume.
type BehavioralBaseline struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"`
	Metric    string       `json:"metric"`
	Processes []string     `json:"processes,omitempty"`
	Volume    *VolumeStats `json:"volume,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// KnowsProcess reports whether a process name is in the known set.
func (b *BehavioralBaseline) KnowsProcess(name string) bool {
	for _, p := range b.Processes {
		if p == name {
			return true
		}
	}
	return false
}

// StrPtr is a convenience for optional string fields.
func StrPtr(s string) *string { return &s }
