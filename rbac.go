package oauth

import (
	"fmt"
	"regexp"
)

type compiledRule struct {
	pattern *regexp.Regexp
	roles   []string
}

// accessPolicy decides which roles may reach a path. A path must match a
// rule's pattern entirely; any matching rule granting one of the user's
// roles allows the request.
type accessPolicy struct {
	rules         []compiledRule
	denyUnmatched bool
}

func newAccessPolicy(rules []RBACRule, denyUnmatched bool) (*accessPolicy, error) {
	p := &accessPolicy{denyUnmatched: denyUnmatched}
	for _, rule := range rules {
		re, err := regexp.Compile(`^(?:` + rule.Pattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid RBAC pattern %q: %w", rule.Pattern, err)
		}
		p.rules = append(p.rules, compiledRule{pattern: re, roles: rule.Roles})
	}
	return p, nil
}

// allows reports whether a user holding roles may access path.
func (p *accessPolicy) allows(path string, roles []string) bool {
	matched := false
	for _, rule := range p.rules {
		if !rule.pattern.MatchString(path) {
			continue
		}
		matched = true
		for _, allowed := range rule.roles {
			for _, role := range roles {
				if role == allowed {
					return true
				}
			}
		}
	}
	if !matched {
		return !p.denyUnmatched
	}
	return false
}
