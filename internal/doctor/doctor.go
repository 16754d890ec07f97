// Package doctor inspects stored rules and local files for problems that
// would make forwards fail to bind or expose them more widely than intended.
package doctor

import (
	"fmt"
	"os"
	"sort"

	"github.com/treykane/fwdctl/internal/appconfig"
	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/util"
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

// Run checks rules, cfg and the files they point at. Issues are ordered by
// severity, then check, then target.
func Run(rules []model.Rule, cfg appconfig.Config, storePath string) Report {
	var issues []Issue
	issues = append(issues, duplicateBindIssues(rules)...)
	issues = append(issues, privilegedPortIssues(rules)...)
	issues = append(issues, bindPolicyIssues(rules, cfg)...)

	if storePath != "" {
		checkPathPerm(&issues, "store-permissions", storePath, 0o600)
	}
	if id := cfg.IdentityPath(); id != "" {
		if _, err := os.Stat(id); os.IsNotExist(err) {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "identity-missing",
				Target:         id,
				Message:        "configured identity file does not exist",
				Recommendation: "fix ssh.identity_file in config.yaml",
			})
		} else {
			checkPathPerm(&issues, "identity-permissions", id, 0o600)
		}
	}
	if kh := cfg.KnownHostsPath(); kh != "" {
		if _, err := os.Stat(kh); os.IsNotExist(err) {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "known-hosts-missing",
				Target:         kh,
				Message:        "known_hosts file not found; `fwdctl serve` refuses unverified hosts",
				Recommendation: "connect once with ssh(1) or set ssh.known_hosts_file",
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
	return Report{Issues: issues}
}

func duplicateBindIssues(rules []model.Rule) []Issue {
	seen := map[model.BindKey][]int64{}
	for _, r := range rules {
		seen[r.Key()] = append(seen[r.Key()], r.ID)
	}
	var issues []Issue
	for key, ids := range seen {
		if len(ids) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-bind",
			Target:         key.String(),
			Message:        fmt.Sprintf("%s port %d is used by %d rules %v", key.Type, key.SourcePort, len(ids), ids),
			Recommendation: "only one of these can be live at a time; change the source port of the others",
		})
	}
	return issues
}

func privilegedPortIssues(rules []model.Rule) []Issue {
	var issues []Issue
	for _, r := range rules {
		if !util.IsPrivilegedPort(r.SourcePort) {
			continue
		}
		sev := SeverityMedium
		where := "locally"
		if r.Type == model.TypeRemote {
			sev = SeverityLow
			where = "on the server"
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "privileged-port",
			Target:         r.Key().String(),
			Message:        fmt.Sprintf("port %d needs elevated rights to bind %s", r.SourcePort, where),
			Recommendation: fmt.Sprintf("use a source port above %d", util.PrivilegedPortMax),
		})
	}
	return issues
}

func bindPolicyIssues(rules []model.Rule, cfg appconfig.Config) []Issue {
	if cfg.Forward.BindPolicy != appconfig.BindPolicyAllowPublic {
		return nil
	}
	issues := []Issue{{
		Severity:       SeverityMedium,
		Check:          "public-bind",
		Target:         "forward.bind_policy",
		Message:        "local and dynamic forwards listen on all interfaces",
		Recommendation: "set forward.bind_policy to loopback-only unless other machines need the forwards",
	}}
	for _, r := range rules {
		if r.Type != model.TypeDynamic {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "public-socks",
			Target:         r.Key().String(),
			Message:        fmt.Sprintf("SOCKS proxy on port %d is reachable from the network without authentication", r.SourcePort),
			Recommendation: "use loopback-only bind policy for dynamic forwards",
		})
	}
	return issues
}

func checkPathPerm(issues *[]Issue, check, path string, max os.FileMode) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*issues = append(*issues, Issue{
			Severity:       SeverityLow,
			Check:          check,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	if mode := st.Mode().Perm(); mode&^max != 0 {
		*issues = append(*issues, Issue{
			Severity:       SeverityHigh,
			Check:          check,
			Target:         path,
			Message:        fmt.Sprintf("file permissions are too broad (%#o)", mode),
			Recommendation: fmt.Sprintf("chmod %#o %s", max, path),
		})
	}
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
