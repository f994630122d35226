package extract

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/MimeLyc/lottr/internal/document"
)

// Mode selects how the translatable text is taken from a line.
type Mode string

const (
	// ModeText translates the whole line, optionally trimmed.
	ModeText Mode = "text"
	// ModeReplace translates group 1 of the capture pattern.
	ModeReplace Mode = "replace"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeText:
		return ModeText, nil
	case ModeReplace:
		return ModeReplace, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want text or replace)", s)
	}
}

// Warning describes a candidate line that was demoted.
type Warning struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
}

// Extractor pulls the captured text out of candidate lines.
type Extractor struct {
	mode    Mode
	trim    bool
	capture *regexp.Regexp
}

// NewExtractor builds an extractor. Replace mode needs a pattern with exactly one group.
func NewExtractor(mode Mode, capturePattern string, trim bool) (*Extractor, error) {
	e := &Extractor{mode: mode, trim: trim}

	switch mode {
	case ModeText:
		return e, nil
	case ModeReplace:
		if capturePattern == "" {
			return nil, fmt.Errorf("capture pattern is required in replace mode")
		}
		re, err := regexp.Compile(capturePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid capture pattern %q: %w", capturePattern, err)
		}
		if re.NumSubexp() != 1 {
			return nil, fmt.Errorf("capture pattern %q must have exactly one group, has %d", capturePattern, re.NumSubexp())
		}
		e.capture = re
		return e, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// Mode returns the extraction mode.
func (e *Extractor) Mode() Mode {
	return e.mode
}

// Pattern returns the compiled capture pattern, nil in text mode.
func (e *Extractor) Pattern() *regexp.Regexp {
	return e.capture
}

// Apply captures text for every matched record. Records that yield nothing are
// demoted; replace-mode misses are returned as warnings.
func (e *Extractor) Apply(records []*document.LineRecord) []Warning {
	var warnings []Warning
	for _, rec := range records {
		if !rec.Matched {
			continue
		}
		if w, ok := e.line(rec); !ok {
			rec.Demote()
			if w != "" {
				warnings = append(warnings, Warning{Line: rec.Index, Reason: w})
			}
		}
	}
	return warnings
}

func (e *Extractor) line(rec *document.LineRecord) (string, bool) {
	if e.mode == ModeText {
		start, end := 0, len(rec.Raw)
		if e.trim {
			start, end = trimmedSpan(rec.Raw)
		}
		if strings.TrimSpace(rec.Raw[start:end]) == "" {
			return "", false
		}
		rec.Capture(start, end)
		return "", true
	}

	loc := e.capture.FindStringSubmatchIndex(rec.Raw)
	if loc == nil {
		return "capture pattern did not match", false
	}
	if loc[2] < 0 || loc[2] == loc[3] {
		return "capture group is empty", false
	}
	rec.Capture(loc[2], loc[3])
	rec.SetSpan(loc[0], loc[1])
	return "", true
}

func trimmedSpan(s string) (int, int) {
	start := len(s) - len(strings.TrimLeftFunc(s, unicode.IsSpace))
	end := len(strings.TrimRightFunc(s, unicode.IsSpace))
	if end < start {
		end = start
	}
	return start, end
}
