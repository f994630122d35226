package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MimeLyc/lottr/internal/document"
)

// Filter selects translation candidates. An empty pattern set selects every line.
type Filter struct {
	patterns []*regexp.Regexp
	// skipBlank drops whitespace-only lines when no pattern is configured.
	skipBlank bool
}

// NewFilter compiles the patterns. Any invalid pattern fails the whole set.
func NewFilter(patterns []string, skipBlank bool) (*Filter, error) {
	f := &Filter{skipBlank: skipBlank}
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern #%d %q: %w", i+1, p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Match reports whether line is a candidate.
func (f *Filter) Match(line string) bool {
	if len(f.patterns) == 0 {
		return !f.skipBlank || strings.TrimSpace(line) != ""
	}
	for _, re := range f.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Apply sets Matched on every record and returns the number of candidates.
func (f *Filter) Apply(records []*document.LineRecord) int {
	count := 0
	for _, rec := range records {
		rec.Matched = f.Match(rec.Raw)
		if rec.Matched {
			count++
		}
	}
	return count
}
