// Package safety guards MCP tool calls on instances: name filtering,
// confirmation of destructive calls, and an audit trail.
package safety

import (
	"fmt"
	"path/filepath"
)

// Filter decides which instances tools may touch. Patterns use filepath.Match
// syntax. The denylist wins over the allowlist; an empty allowlist allows
// every name that is not denied. A nil *Filter allows everything.
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter validates every pattern and returns the Filter.
func NewFilter(allowlist, denylist []string) (*Filter, error) {
	for _, list := range [][]string{allowlist, denylist} {
		for _, p := range list {
			if _, err := filepath.Match(p, ""); err != nil {
				return nil, fmt.Errorf("instance filter pattern %q: %w", p, err)
			}
		}
	}
	return &Filter{allowlist: allowlist, denylist: denylist}, nil
}

// IsAllowed reports whether tools may act on the named instance.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}
	if matchAny(f.denylist, name) {
		return false
	}
	return len(f.allowlist) == 0 || matchAny(f.allowlist, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		// patterns were validated in NewFilter
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
