// Package scan performs static analysis of uploaded files: hashing,
// Shannon entropy for packer detection, and string heuristics for
// common execution and download patterns.
package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Scan verdicts.
const (
	VerdictSafe       = "safe"
	VerdictSuspicious = "suspicious"
	VerdictMalicious  = "malicious"
)

const (
	// entropyThreshold is where packed or encrypted payloads start.
	// Plain text sits around 4-5 bits/byte, compressed data near 8.
	entropyThreshold = 7.2

	// heuristicWindow bounds how much of the file string heuristics
	// inspect.
	heuristicWindow = 10000

	suspiciousFloor = 30
	maliciousFloor  = 75
)

// Result is the outcome of one static scan.
type Result struct {
	FileName     string    `json:"fileName"`
	SHA256       string    `json:"sha256"`
	Status       string    `json:"status"`
	ThreatLevel  int       `json:"threatLevel"`
	Entropy      string    `json:"entropy"`
	Findings     []string  `json:"findings"`
	Timestamp    time.Time `json:"timestamp"`
	AnalysisTime string    `json:"analysisTime"`
}

type indicator struct {
	pattern *regexp.Regexp
	label   string
}

var indicators = []indicator{
	{regexp.MustCompile(`(?i)powershell`), "PowerShell execution string detected"},
	{regexp.MustCompile(`(?i)base64`), "Base64 encoding indicator found"},
	{regexp.MustCompile(`(?i)cmd\.exe /c`), "Shell command execution pattern"},
	{regexp.MustCompile(`(?i)Net\.WebClient`), "Network download heuristic detected"},
	{regexp.MustCompile(`(?i)sh -c`), "Unix shell execution pattern"},
	{regexp.MustCompile(`(?i)eval\(`), "Dynamic code execution (eval) found"},
	{regexp.MustCompile(`(?i)XMLHttpRequest`), "Suspicious network activity strings"},
	{regexp.MustCompile(`(?i)WScript\.Shell`), "Windows Script Host manipulation"},
}

var executableExts = map[string]bool{
	".exe": true,
	".sh":  true,
	".bat": true,
	".ps1": true,
	".vbs": true,
}

// Scan analyzes file content and returns a threat verdict. The threat
// level accumulates from entropy, extension, string heuristics, and
// filename factors, capped at 100.
func Scan(fileName string, data []byte) *Result {
	start := time.Now()

	sum := sha256.Sum256(data)
	entropy := shannonEntropy(data)
	heuristics := heuristicFindings(data)

	threatLevel := 0
	var findings []string

	if entropy > entropyThreshold {
		findings = append(findings, fmt.Sprintf("High entropy detected (%.2f): Potential packer/encryption used", entropy))
		threatLevel += 40
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if executableExts[ext] {
		findings = append(findings, fmt.Sprintf("Executable extension detected (%s)", ext))
		threatLevel += 20
	}

	if len(heuristics) > 0 {
		findings = append(findings, heuristics...)
		threatLevel += len(heuristics) * 25
	}

	lowerName := strings.ToLower(fileName)
	if strings.Contains(lowerName, "malware") || strings.Contains(lowerName, "virus") {
		findings = append(findings, "Filename matches known threat pattern")
		threatLevel += 50
	}

	if threatLevel > 100 {
		threatLevel = 100
	}

	status := VerdictSafe
	switch {
	case threatLevel >= maliciousFloor:
		status = VerdictMalicious
	case threatLevel >= suspiciousFloor:
		status = VerdictSuspicious
	default:
		if len(findings) == 0 {
			findings = append(findings, "No suspicious indicators found in static analysis")
		}
	}

	return &Result{
		FileName:     fileName,
		SHA256:       hex.EncodeToString(sum[:]),
		Status:       status,
		ThreatLevel:  threatLevel,
		Entropy:      fmt.Sprintf("%.2f", entropy),
		Findings:     findings,
		Timestamp:    time.Now().UTC(),
		AnalysisTime: fmt.Sprintf("%.1fs", time.Since(start).Seconds()),
	}
}

// shannonEntropy returns bits per byte, 0 to 8.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	entropy := 0.0
	total := float64(len(data))
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func heuristicFindings(data []byte) []string {
	window := data
	if len(window) > heuristicWindow {
		window = window[:heuristicWindow]
	}
	content := string(window)

	var findings []string
	for _, ind := range indicators {
		if ind.pattern.MatchString(content) {
			findings = append(findings, ind.label)
		}
	}
	return findings
}
