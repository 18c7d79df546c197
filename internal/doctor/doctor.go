package doctor

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/treykane/ostm/internal/appconfig"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/registry"
	"github.com/treykane/ostm/internal/security"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// ConfigSource lists and loads tunnel configs.
type ConfigSource interface {
	ListIDs() ([]string, error)
	Load(id string) (model.TunnelConfig, error)
}

// StatusSource reports tunnel and orphan state.
type StatusSource interface {
	Status(ctx context.Context, id string) (model.StatusReport, error)
}

// Deps are the collaborators inspected by Run.
type Deps struct {
	Config   appconfig.Config
	Store    ConfigSource
	Registry *registry.Registry
	Status   StatusSource
	// LookPath resolves executables; defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Run executes local diagnostics for ostm operations.
func Run(ctx context.Context, d Deps) (Report, error) {
	lookPath := d.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var issues []Issue
	for _, bin := range []string{d.Config.Launcher.Trickle, d.Config.Launcher.Autossh, "ssh"} {
		if _, err := lookPath(bin); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "binary",
				Target:         bin,
				Message:        fmt.Sprintf("%s not found on PATH", bin),
				Recommendation: "install autossh, trickle and the OpenSSH client",
			})
		}
	}

	var configs []model.TunnelConfig
	if ids, err := d.Store.ListIDs(); err == nil {
		for _, id := range ids {
			cfg, err := d.Store.Load(id)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				issues = append(issues, Issue{
					Severity:       SeverityHigh,
					Check:          "invalid-config",
					Target:         id,
					Message:        err.Error(),
					Recommendation: "fix or re-pair the tunnel config",
				})
				continue
			}
			configs = append(configs, cfg)
		}
	}
	issues = append(issues, duplicateBindIssues(configs)...)

	if recs, err := d.Registry.ListManaged(); err == nil {
		for _, rec := range recs {
			if _, ok := d.Registry.Lookup(rec.TunnelID); ok {
				continue
			}
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "stale-marker",
				Target:         rec.TunnelID,
				Message:        fmt.Sprintf("pid marker points at pid %d which is not a live launcher", rec.PID),
				Recommendation: "run `ostm tunnel stop " + rec.TunnelID + "` or start it again to refresh the marker",
			})
		}
	}

	if d.Status != nil {
		if rep, err := d.Status.Status(ctx, ""); err == nil {
			for _, row := range rep.Tunnels {
				if row.State != model.TunnelOrphaned {
					continue
				}
				issues = append(issues, Issue{
					Severity:       SeverityMedium,
					Check:          "orphaned-process",
					Target:         "pid " + strconv.Itoa(row.PID),
					Message:        "launcher process has no configured tunnel: " + row.Command,
					Recommendation: "terminate it manually if it is not expected",
				})
			}
		}
	}

	if audit, err := security.RunLocalAudit(d.Config); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// duplicateBindIssues flags local listen ports (LOCAL and DYNAMIC forwards)
// claimed by more than one tunnel; the second tunnel would fail to bind.
func duplicateBindIssues(configs []model.TunnelConfig) []Issue {
	seen := map[int][]string{}
	for _, cfg := range configs {
		for _, ch := range cfg.Channels.Sorted() {
			if ch.Type == model.ForwardRemote {
				continue
			}
			seen[ch.ListenPort] = append(seen[ch.ListenPort], cfg.ID)
		}
	}
	var issues []Issue
	for port, ids := range seen {
		if len(ids) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         strconv.Itoa(port),
			Message:        fmt.Sprintf("local port is forwarded by %s", strings.Join(ids, ", ")),
			Recommendation: "use unique local ports per tunnel to avoid startup conflicts",
		})
	}
	return issues
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
