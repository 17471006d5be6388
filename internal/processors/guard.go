package processors

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ComplianceGuard scans the pending outbound text against a substring
// block-list and checks every embedded URL against a host allow-list.
// It branches "pass"/"fail" so designers can route violations to review.
type ComplianceGuard struct {
	deps Deps
}

// NewComplianceGuard creates a ComplianceGuard processor.
func NewComplianceGuard(deps Deps) *ComplianceGuard {
	return &ComplianceGuard{deps: deps}
}

func (p *ComplianceGuard) Type() schema.NodeType {
	return schema.NodeComplianceGuard
}

func (p *ComplianceGuard) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.GuardNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}

	text := strings.Join(in.Context.PendingBodies(), "\n")
	var violations []string

	lower := strings.ToLower(text)
	for _, blocked := range cfg.Blocklist {
		if blocked == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(blocked)) {
			violations = append(violations, "blocked term: "+blocked)
		}
	}

	for _, raw := range urlRe.FindAllString(text, -1) {
		if !hostAllowed(raw, cfg.AllowedDomains) {
			violations = append(violations, "url not allow-listed: "+raw)
		}
	}

	branch := schema.BranchPass
	if len(violations) > 0 {
		branch = schema.BranchFail
	}
	return &Result{
		Output: map[string]any{
			"passed":     branch == schema.BranchPass,
			"violations": violations,
		},
		Branch: branch,
	}, nil
}

// hostAllowed checks a URL's host against the allow-list, matching exact
// hosts and subdomains. Unparsable URLs never pass.
func hostAllowed(raw string, allowed []string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range allowed {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
