package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList names model tiers whose responses are never cached, either by
// exact tier name or by regular expression. Exact rules are checked first.
//
// A nil *ExclusionList is safe to call: Excludes always returns false.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles exact tier names and regex patterns. Blank entries
// are ignored; an invalid pattern is an error so misconfiguration fails at
// startup.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e = strings.TrimSpace(e); e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: invalid exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Excludes reports whether responses for tier must bypass the cache.
func (el *ExclusionList) Excludes(tier string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[tier]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(tier) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
