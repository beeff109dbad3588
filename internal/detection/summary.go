package detection

import (
	"fmt"
	"strings"
)

// GenerateSummary produces the analyst-facing narrative attached to an
// alert. It is a pure function: identical inputs always yield identical
// output. Behavioral anomalies get a fixed template; rule matches pick
// one of three narratives by len(source) mod 3 so the text varies
// across agents without any randomness. An absent technique id renders
// as "null", which is what downstream consumers already display.
func GenerateSummary(detectionName, source string, mitreTactic, mitreTechniqueID *string) string {
	tacticStr := ""
	if mitreTactic != nil {
		technique := "null"
		if mitreTechniqueID != nil {
			technique = *mitreTechniqueID
		}
		tacticStr = fmt.Sprintf(" utilizing %s techniques (ID: %s)", *mitreTactic, technique)
	}

	if strings.Contains(detectionName, "Anomaly") {
		return fmt.Sprintf("Behavioral Anomaly: %s exhibited unusual activity%s. The system detected a deviation from historical baselines, suggesting a potential outlier event that requires manual verification.",
			source, tacticStr)
	}

	tacticOrDefault := "unauthorized access"
	if mitreTactic != nil {
		tacticOrDefault = *mitreTactic
	}

	templates := []string{
		fmt.Sprintf("Threat Intelligence analysis indicates that %s attempted %s%s. This pattern is strongly associated with known malicious activity.",
			source, detectionName, tacticStr),
		fmt.Sprintf("Security Alert: %s triggered a high-fidelity detection for %s. Cross-referencing with MITRE framework suggests an attempt at %s.",
			source, detectionName, tacticOrDefault),
		fmt.Sprintf("Automated Response: %s was intercepted on agent %s. The activity matches signature T1059 (Command and Scripting Interpreter) or similar behaviors.",
			detectionName, source),
	}
	return templates[len(source)%len(templates)]
}
