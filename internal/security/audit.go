package security

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/ostm/internal/appconfig"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the configuration and the file posture of the data
// directory: key material, tunnel configs, pid markers and the journal.
func RunLocalAudit(cfg appconfig.Config) (AuditReport, error) {
	var findings []Finding

	if host, _, err := net.SplitHostPort(cfg.Listen); err == nil && !isLoopback(host) {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        fmt.Sprintf("HTTP API listens on %s without authentication", cfg.Listen),
			Recommendation: "bind listen to 127.0.0.1 and put a reverse proxy in front if remote access is needed",
		})
	}
	if !cfg.Security.RedactErrors {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        "error messages are not redacted",
			Recommendation: "set security.redact_errors to true",
		})
	}

	if cfgDir, err := appconfig.ConfigDir(); err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true)
	}

	layout := cfg.Layout()
	checkPathPerm(&findings, layout.Root, 0o700, false)
	checkPathPerm(&findings, layout.EventsFile(), 0o600, true)
	for _, dir := range []string{layout.TunnelsDir(), layout.PIDDir(), layout.KeysDir()} {
		checkPathPerm(&findings, dir, 0o700, false)
	}
	checkDirFiles(&findings, layout.TunnelsDir(), ".json", 0o600)
	checkDirFiles(&findings, layout.PIDDir(), ".pid", 0o600)
	checkDirFiles(&findings, layout.KeysDir(), "_key", 0o600)

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func checkDirFiles(findings *[]Finding, dir, suffix string, max os.FileMode) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		checkPathPerm(findings, filepath.Join(dir, e.Name()), max, true)
	}
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		sev := SeverityMedium
		if strings.HasSuffix(path, "_key") {
			sev = SeverityHigh
		}
		*findings = append(*findings, Finding{
			Severity:       sev,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
