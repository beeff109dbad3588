package detection

import (
	"strings"
	"testing"

	"github.com/lvonguyen/cortex/internal/model"
)

// =============================================================================
// Summary Generation Tests
// =============================================================================

// TestGenerateSummary_Deterministic verifies identical inputs always
// produce identical output.
func TestGenerateSummary_Deterministic(t *testing.T) {
	a := GenerateSummary("Root Login", "vpn-1", model.StrPtr("Initial Access"), model.StrPtr("T1078"))
	b := GenerateSummary("Root Login", "vpn-1", model.StrPtr("Initial Access"), model.StrPtr("T1078"))
	if a != b {
		t.Errorf("summary not deterministic:\n%q\n%q", a, b)
	}
}

// TestGenerateSummary_AnomalyTemplate verifies detection names
// containing "Anomaly" use the behavioral template regardless of
// source length.
func TestGenerateSummary_AnomalyTemplate(t *testing.T) {
	got := GenerateSummary("Behavioral Anomaly", "web-1", model.StrPtr("Defense Evasion"), nil)
	want := "Behavioral Anomaly: web-1 exhibited unusual activity utilizing Defense Evasion techniques (ID: null). The system detected a deviation from historical baselines, suggesting a potential outlier event that requires manual verification."
	if got != want {
		t.Errorf("summary mismatch:\n got  %q\n want %q", got, want)
	}
}

// TestGenerateSummary_TemplateSelection verifies the template index is
// len(source) % 3 for non-anomaly detections.
func TestGenerateSummary_TemplateSelection(t *testing.T) {
	cases := []struct {
		source string
		prefix string
	}{
		{"abc", "Threat Intelligence analysis"}, // len 3 % 3 == 0
		{"abcd", "Security Alert:"},             // len 4 % 3 == 1
		{"abcde", "Automated Response:"},        // len 5 % 3 == 2
	}
	for _, tc := range cases {
		got := GenerateSummary("Root Login", tc.source, nil, nil)
		if !strings.HasPrefix(got, tc.prefix) {
			t.Errorf("source %q: got %q, want prefix %q", tc.source, got, tc.prefix)
		}
	}
}

// TestGenerateSummary_TacticRendering verifies the tactic clause is
// present only when a tactic is set, and that a missing technique id
// renders as null.
func TestGenerateSummary_TacticRendering(t *testing.T) {
	withBoth := GenerateSummary("Root Login", "abc", model.StrPtr("Initial Access"), model.StrPtr("T1078"))
	if !strings.Contains(withBoth, " utilizing Initial Access techniques (ID: T1078)") {
		t.Errorf("missing tactic clause: %q", withBoth)
	}

	tacticOnly := GenerateSummary("Root Login", "abc", model.StrPtr("Initial Access"), nil)
	if !strings.Contains(tacticOnly, "(ID: null)") {
		t.Errorf("absent technique should render as null: %q", tacticOnly)
	}

	neither := GenerateSummary("Root Login", "abc", nil, nil)
	if strings.Contains(neither, "utilizing") {
		t.Errorf("no tactic should omit the clause: %q", neither)
	}
}

// TestGenerateSummary_DefaultTactic verifies the second template falls
// back to "unauthorized access" when no tactic is set.
func TestGenerateSummary_DefaultTactic(t *testing.T) {
	got := GenerateSummary("Root Login", "abcd", nil, nil) // len 4 selects template 1
	if !strings.Contains(got, "an attempt at unauthorized access.") {
		t.Errorf("expected default tactic, got %q", got)
	}

	withTactic := GenerateSummary("Root Login", "abcd", model.StrPtr("Persistence"), nil)
	if !strings.Contains(withTactic, "an attempt at Persistence.") {
		t.Errorf("expected tactic in template, got %q", withTactic)
	}
}
