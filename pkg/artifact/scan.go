package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nais/promote/pkg/release"
)

// scanReport is the subset of a Trivy JSON report needed to reach a verdict.
type scanReport struct {
	SchemaVersion int `json:"SchemaVersion"`
	Results       []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID string `json:"VulnerabilityID"`
			Severity        string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

var blockingSeverities = map[string]bool{
	"HIGH":     true,
	"CRITICAL": true,
}

// ReadScan turns a scanner report into a verdict. No report yields an unknown
// verdict, which the security gate treats as not clean.
func ReadScan(path string) (release.Scan, error) {
	if len(path) == 0 {
		return release.Scan{Verdict: release.ScanUnknown}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return release.Scan{}, fmt.Errorf("read scan report: %w", err)
	}

	return ParseScan(data)
}

func ParseScan(data []byte) (release.Scan, error) {
	report := scanReport{}
	if err := json.Unmarshal(data, &report); err != nil {
		return release.Scan{}, fmt.Errorf("decode scan report: %w", err)
	}

	scan := release.Scan{
		Verdict: release.ScanClean,
		Scanner: "trivy",
	}
	for _, result := range report.Results {
		for _, vuln := range result.Vulnerabilities {
			if blockingSeverities[strings.ToUpper(vuln.Severity)] {
				scan.Findings++
			}
		}
	}
	if scan.Findings > 0 {
		scan.Verdict = release.ScanVulnerable
	}
	return scan, nil
}
