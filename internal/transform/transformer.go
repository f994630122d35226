package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrParse is returned when a response does not yield one segment per member.
var ErrParse = errors.New("response parse error")

// Usage selects a rule's behaviour.
type Usage string

const (
	UsageReplace Usage = "replace"
	UsageCapture Usage = "capture"
)

// Rule is one output rule: Replace{Pattern, Replacement} or Capture{Pattern, Group}.
type Rule struct {
	Usage       Usage  `toml:"usage" yaml:"usage" json:"usage"`
	Pattern     string `toml:"pattern" yaml:"pattern" json:"pattern"`
	Replacement string `toml:"replacement" yaml:"replacement" json:"replacement,omitempty"`
	Group       int    `toml:"group" yaml:"group" json:"group,omitempty"`
}

// Replace builds a replace rule.
func Replace(pattern, replacement string) Rule {
	return Rule{Usage: UsageReplace, Pattern: pattern, Replacement: replacement}
}

// Capture builds a capture rule.
func Capture(pattern string, group int) Rule {
	return Rule{Usage: UsageCapture, Pattern: pattern, Group: group}
}

type compiled struct {
	usage       Usage
	re          *regexp.Regexp
	replacement string
	group       int
}

// Transformer applies output rules to raw model text.
type Transformer struct {
	rules []compiled
}

// New validates and compiles rules in order.
func New(rules []Rule) (*Transformer, error) {
	t := &Transformer{}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("output rule #%d: invalid pattern %q: %w", i+1, r.Pattern, err)
		}
		c := compiled{usage: r.Usage, re: re, replacement: r.Replacement, group: r.Group}
		switch r.Usage {
		case UsageReplace:
		case UsageCapture:
			if r.Group < 0 || r.Group > re.NumSubexp() {
				return nil, fmt.Errorf("output rule #%d: group %d out of range, pattern %q has %d", i+1, r.Group, r.Pattern, re.NumSubexp())
			}
		default:
			return nil, fmt.Errorf("output rule #%d: unknown usage %q (want replace or capture)", i+1, r.Usage)
		}
		t.rules = append(t.rules, c)
	}
	return t, nil
}

// Apply runs every rule and returns the resulting segments.
//
// Replace rewrites the text, or each segment once a Capture has run. Capture
// collects the group of every match across the current segments. Without any
// Capture rule the segments are the non-empty lines of the final text.
func (t *Transformer) Apply(raw string) []string {
	segments := []string{raw}
	captured := false

	for _, r := range t.rules {
		switch r.usage {
		case UsageReplace:
			for i, s := range segments {
				segments[i] = r.re.ReplaceAllString(s, r.replacement)
			}
		case UsageCapture:
			var next []string
			for _, s := range segments {
				for _, m := range r.re.FindAllStringSubmatch(s, -1) {
					next = append(next, m[r.group])
				}
			}
			segments = next
			captured = true
		}
	}

	if captured {
		return segments
	}

	var lines []string
	for _, line := range strings.Split(segments[0], "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Segments applies the rules and checks the segment count against want.
func (t *Transformer) Segments(raw string, want int) ([]string, error) {
	segments := t.Apply(raw)
	if err := Expect(segments, want); err != nil {
		return nil, err
	}
	return segments, nil
}

// Expect returns an ErrParse-wrapping error when len(segments) != want.
func Expect(segments []string, want int) error {
	if len(segments) != want {
		return fmt.Errorf("%w: got %d segments, want %d", ErrParse, len(segments), want)
	}
	return nil
}
