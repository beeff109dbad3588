package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/cortex/internal/ingest"
	"github.com/lvonguyen/cortex/internal/model"
	"github.com/lvonguyen/cortex/internal/scan"
	"github.com/lvonguyen/cortex/internal/store"
)

const (
	recentEventsLimit = 50
	dashboardEvents   = 10

	// Dashboard activity histogram: 24 ten-minute buckets over the
	// last four hours, zero-filled for continuity.
	activityBuckets    = 24
	activityBucketSize = 10 * time.Minute

	maxUploadBytes = 32 << 20
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleIngest runs the full detection pipeline for one submitted
// event. Validation failures are the caller's fault; everything past
// validation is ours.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.pipeline.Ingest(r.Context(), req)
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Ingestion failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Ingestion failed")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"status":   "ok",
		"eventId":  result.EventID,
		"analysis": result.Status,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRecentEvents(r.Context(), recentEventsLimit)
	if err != nil {
		s.logger.Error("Failed to list events", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// alertView is an alert with its triggering event attached for triage
// display.
type alertView struct {
	*model.Alert
	Event *model.Event `json:"event,omitempty"`
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(r.Context())
	if err != nil {
		s.logger.Error("Failed to list alerts", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch alerts")
		return
	}

	views := make([]alertView, 0, len(alerts))
	for _, alert := range alerts {
		view := alertView{Alert: alert}
		if event, err := s.store.GetEvent(r.Context(), alert.EventID); err == nil {
			view.Event = event
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Status model.AlertStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch body.Status {
	case model.AlertOpen, model.AlertAcknowledged, model.AlertResolved:
	default:
		respondError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	alert, err := s.store.UpdateAlertStatus(r.Context(), id, body.Status)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Alert not found")
			return
		}
		s.logger.Error("Failed to update alert status", zap.String("alert_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to update alert status")
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListPolicies(r.Context())
	if err != nil {
		s.logger.Error("Failed to list policies", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch policies")
		return
	}
	respondJSON(w, http.StatusOK, policies)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name               string     `json:"name"`
		Rule               model.Rule `json:"rule"`
		IsActive           *bool      `json:"isActive"`
		MitreTactic        *string    `json:"mitreTactic"`
		MitreTechniqueID   *string    `json:"mitreTechniqueId"`
		MitreTechniqueName *string    `json:"mitreTechniqueName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" || body.Rule.Field == "" {
		respondError(w, http.StatusBadRequest, "name and rule are required")
		return
	}

	isActive := true
	if body.IsActive != nil {
		isActive = *body.IsActive
	}

	policy := &model.Policy{
		Name:               body.Name,
		Rule:               body.Rule,
		IsActive:           isActive,
		MitreTactic:        body.MitreTactic,
		MitreTechniqueID:   body.MitreTechniqueID,
		MitreTechniqueName: body.MitreTechniqueName,
	}
	if err := s.store.CreatePolicy(r.Context(), policy); err != nil {
		s.logger.Error("Failed to create policy", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create policy")
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

// incidentView is an incident with its attached alerts for triage
// display.
type incidentView struct {
	*model.Incident
	Alerts []alertView `json:"alerts"`
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.store.ListIncidents(r.Context())
	if err != nil {
		s.logger.Error("Failed to list incidents", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch incidents")
		return
	}

	views := make([]incidentView, 0, len(incidents))
	for _, inc := range incidents {
		view := incidentView{Incident: inc, Alerts: []alertView{}}
		alerts, err := s.store.ListAlertsByIncident(r.Context(), inc.ID)
		if err == nil {
			for _, alert := range alerts {
				av := alertView{Alert: alert}
				if event, err := s.store.GetEvent(r.Context(), alert.EventID); err == nil {
					av.Event = event
				}
				view.Alerts = append(view.Alerts, av)
			}
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, views)
}

// timelineEntry is one row of an incident's unified history: the alerts
// raised and the raw events that triggered them, interleaved by time.
type timelineEntry struct {
	Type             string         `json:"type"`
	Timestamp        time.Time      `json:"timestamp"`
	Severity         model.Severity `json:"severity,omitempty"`
	Message          string         `json:"message"`
	MitreTactic      *string        `json:"mitreTactic,omitempty"`
	MitreTechniqueID *string        `json:"mitreTechniqueId,omitempty"`
	Source           string         `json:"source"`
	AISummary        string         `json:"aiSummary,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	incident, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Incident not found")
			return
		}
		s.logger.Error("Failed to fetch incident", zap.String("incident_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch incident details")
		return
	}

	alerts, err := s.store.ListAlertsByIncident(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to fetch incident alerts", zap.String("incident_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch incident details")
		return
	}

	timeline := make([]timelineEntry, 0, len(alerts)*2)
	views := make([]alertView, 0, len(alerts))
	for _, alert := range alerts {
		event, err := s.store.GetEvent(r.Context(), alert.EventID)
		if err != nil {
			continue
		}
		views = append(views, alertView{Alert: alert, Event: event})

		timeline = append(timeline, timelineEntry{
			Type:             "ALERT",
			Timestamp:        alert.CreatedAt,
			Severity:         alert.Severity,
			Message:          alert.Message,
			MitreTactic:      alert.MitreTactic,
			MitreTechniqueID: alert.MitreTechniqueID,
			Source:           event.Source,
			AISummary:        alert.AISummary,
		})
		timeline = append(timeline, timelineEntry{
			Type:      "EVENT",
			Timestamp: event.Timestamp,
			Message:   "Event " + event.Type + " recorded",
			Details:   event.Details,
			Source:    event.Source,
		})
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})

	respondJSON(w, http.StatusOK, struct {
		*model.Incident
		Alerts   []alertView     `json:"alerts"`
		Timeline []timelineEntry `json:"timeline"`
	}{incident, views, timeline})
}

// activityPoint is one histogram bucket of the dashboard activity
// chart.
type activityPoint struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalEvents, err := s.store.CountEvents(ctx)
	if err != nil {
		s.logger.Error("Failed to compute dashboard stats", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch dashboard stats")
		return
	}
	openAlerts, err := s.store.CountOpenAlerts(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch dashboard stats")
		return
	}
	activePolicies, err := s.store.CountActivePolicies(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch dashboard stats")
		return
	}
	activeSources, err := s.store.CountDistinctSources(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch dashboard stats")
		return
	}

	recent, err := s.store.ListRecentEvents(ctx, dashboardEvents)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch dashboard stats")
		return
	}

	points, err := s.activityHistogram(r)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch dashboard stats")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"stats": map[string]int{
			"totalEvents":    totalEvents,
			"activeAlerts":   openAlerts,
			"activeSources":  activeSources,
			"activePolicies": activePolicies,
		},
		"recentEvents": recent,
		"eventsByHour": points,
	})
}

// activityHistogram bins the last four hours of events into ten-minute
// buckets. Empty buckets are emitted as zero so charts stay continuous.
func (s *Server) activityHistogram(r *http.Request) ([]activityPoint, error) {
	now := time.Now()
	windowStart := now.Add(-time.Duration(activityBuckets) * activityBucketSize)

	timestamps, err := s.store.EventTimestampsSince(r.Context(), windowStart)
	if err != nil {
		return nil, err
	}

	counts := make(map[time.Time]int, activityBuckets)
	buckets := make([]time.Time, 0, activityBuckets)
	for i := activityBuckets - 1; i >= 0; i-- {
		bucket := now.Add(-time.Duration(i) * activityBucketSize).Truncate(activityBucketSize)
		if _, ok := counts[bucket]; !ok {
			counts[bucket] = 0
			buckets = append(buckets, bucket)
		}
	}
	for _, ts := range timestamps {
		bucket := ts.Truncate(activityBucketSize)
		if _, ok := counts[bucket]; ok {
			counts[bucket]++
		}
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })
	points := make([]activityPoint, 0, len(buckets))
	for _, bucket := range buckets {
		points = append(points, activityPoint{
			Hour:  bucket.UTC().Format(time.RFC3339),
			Count: counts[bucket],
		})
	}
	return points, nil
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Error("Failed to read uploaded file", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Deep analysis failed")
		return
	}

	result := scan.Scan(header.Filename, data)
	if s.telemetry != nil && s.telemetry.Metrics() != nil {
		s.telemetry.Metrics().ScansPerformed.WithLabelValues(result.Status).Inc()
	}
	respondJSON(w, http.StatusOK, result)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
