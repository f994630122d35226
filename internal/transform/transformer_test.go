package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the usual pipeline: drop lines without a "(n)" marker, then capture the text
var numberedRules = []Rule{
	Replace(`(?m)^[^(\n].*\n?`, ""),
	Capture(`\(\d+\)\s?(.+)`, 1),
}

func TestApply_NumberedResponse(t *testing.T) {
	t.Parallel()

	tr, err := New(numberedRules)
	require.NoError(t, err)

	segments, err := tr.Segments("(1) 你好\n(2) 再见", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"你好", "再见"}, segments)
}

func TestApply_StripsPreamble(t *testing.T) {
	t.Parallel()

	tr, err := New(numberedRules)
	require.NoError(t, err)

	raw := "Sure! Here are the translations:\n(1) 你好\n\n(2) 再见\nHope this helps."
	assert.Equal(t, []string{"你好", "再见"}, tr.Apply(raw))
}

func TestApply_LastCaptureWins(t *testing.T) {
	t.Parallel()

	tr, err := New([]Rule{
		Capture(`\(\d+\)\s?(.+)`, 1),
		Replace(`!`, ""),
		Capture(`^(\S+)`, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, tr.Apply("(1) a! b\n(2) c d"))
}

func TestApply_NoCaptureSplitsLines(t *testing.T) {
	t.Parallel()

	tr, err := New([]Rule{Replace(`\(\d+\)\s?`, "")})
	require.NoError(t, err)

	assert.Equal(t, []string{"你好", "再见"}, tr.Apply("(1) 你好\r\n\n(2) 再见\n"))

	empty, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, empty.Apply("x\n  \ny"))
}

func TestApply_ReplaceExpandsGroups(t *testing.T) {
	t.Parallel()

	tr, err := New([]Rule{Replace(`(\d+)-(\d+)`, "$2-$1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"2-1"}, tr.Apply("1-2"))
}

func TestSegments_CountMismatch(t *testing.T) {
	t.Parallel()

	tr, err := New(numberedRules)
	require.NoError(t, err)

	_, err = tr.Segments("(1) 你好", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rule    Rule
		wantErr string
	}{
		{name: "bad pattern", rule: Replace(`(`, ""), wantErr: "invalid pattern"},
		{name: "group too large", rule: Capture(`(a)`, 2), wantErr: "out of range"},
		{name: "negative group", rule: Capture(`(a)`, -1), wantErr: "out of range"},
		{name: "unknown usage", rule: Rule{Usage: "strip", Pattern: "a"}, wantErr: "unknown usage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]Rule{tt.rule})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := New([]Rule{Capture(`a`, 0)})
	assert.NoError(t, err)
}
