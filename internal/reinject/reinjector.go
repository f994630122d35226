package reinject

import (
	"fmt"
	"strings"

	"github.com/MimeLyc/lottr/internal/document"
)

// Placeholder is replaced with the translated text in a replace expression.
const Placeholder = "$trans"

// Escape selects how translated text is escaped before substitution.
type Escape string

const (
	EscapeNone Escape = "none"
	EscapeJSON Escape = "json"
)

// ParseEscape validates an escape name; empty means none.
func ParseEscape(s string) (Escape, error) {
	switch Escape(strings.ToLower(strings.TrimSpace(s))) {
	case "", EscapeNone:
		return EscapeNone, nil
	case EscapeJSON:
		return EscapeJSON, nil
	default:
		return "", fmt.Errorf("unknown escape %q (want none or json)", s)
	}
}

// Options configure a Reinjector.
type Options struct {
	// Expression replaces the record's span, with Placeholder standing for the
	// translation. Empty keeps the span and swaps only the captured text.
	Expression string
	Escape     Escape
	// LineWidth inserts an escaped newline every LineWidth runes when Escape is json; 0 disables it.
	LineWidth int
}

// Reinjector writes translations back into their lines.
type Reinjector struct {
	opts Options
}

// New creates a Reinjector.
func New(opts Options) (*Reinjector, error) {
	if opts.Escape == "" {
		opts.Escape = EscapeNone
	}
	if opts.Escape != EscapeNone && opts.Escape != EscapeJSON {
		return nil, fmt.Errorf("unknown escape %q", opts.Escape)
	}
	if opts.LineWidth < 0 {
		return nil, fmt.Errorf("line width must not be negative")
	}
	if opts.Expression != "" && !strings.Contains(opts.Expression, Placeholder) {
		return nil, fmt.Errorf("replace expression %q has no %s placeholder", opts.Expression, Placeholder)
	}
	return &Reinjector{opts: opts}, nil
}

// Line returns rec.Raw with its span replaced by the translation.
func (r *Reinjector) Line(rec *document.LineRecord, translation string) string {
	text := translation
	if r.opts.Escape == EscapeJSON {
		text = escapeJSON(text, r.opts.LineWidth)
	}

	var replacement string
	if r.opts.Expression == "" {
		replacement = rec.Raw[rec.SpanStart:rec.GroupStart] + text + rec.Raw[rec.GroupEnd:rec.SpanEnd]
	} else {
		replacement = strings.ReplaceAll(r.opts.Expression, Placeholder, text)
	}

	return rec.Raw[:rec.SpanStart] + replacement + rec.Raw[rec.SpanEnd:]
}

// Apply sets Translated on each member from segments, matched by position.
func (r *Reinjector) Apply(members []*document.LineRecord, segments []string) error {
	if len(members) != len(segments) {
		return fmt.Errorf("have %d segments for %d lines", len(segments), len(members))
	}
	for i, rec := range members {
		line := r.Line(rec, segments[i])
		rec.Translated = &line
	}
	return nil
}

// escapeJSON escapes s for a JSON string body without the surrounding quotes.
func escapeJSON(s string, lineWidth int) string {
	var sb strings.Builder
	sb.Grow(len(s))

	col := 0
	for _, c := range s {
		col++
		switch c {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			col = 0
			sb.WriteString(`\n`)
		case '\r':
			col = 0
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(&sb, `\u%04x`, c)
			} else {
				sb.WriteRune(c)
			}
		}
		if lineWidth > 0 && col >= lineWidth {
			col = 0
			sb.WriteString(`\n`)
		}
	}
	return sb.String()
}
