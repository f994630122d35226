package service

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MimeLyc/lottr/internal/batch"
	"github.com/MimeLyc/lottr/internal/dispatch"
	"github.com/MimeLyc/lottr/internal/extract"
)

// Exit codes of a run.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitPartial = 2
)

// BatchFailure describes one batch that ended FailedFinal.
type BatchFailure struct {
	Batch    int    `json:"batch"`
	Lines    []int  `json:"lines"`
	Attempts int    `json:"attempts"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
}

// Report summarises one run.
type Report struct {
	RunID      string    `json:"run_id"`
	File       string    `json:"file"`
	Output     string    `json:"output,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Lines         int `json:"lines"`
	Candidates    int `json:"candidates"`
	Batches       int `json:"batches"`
	Translated    int `json:"translated"`
	FailedBatches int `json:"failed_batches"`

	// FailedLines are 0-based line indices emitted unchanged because their batch failed.
	FailedLines []int `json:"failed_lines"`
	// FailedRanges are inclusive [start, end] runs of FailedLines.
	FailedRanges [][2]int       `json:"failed_ranges"`
	Failures     []BatchFailure `json:"failures,omitempty"`
	Warnings     []string       `json:"warnings"`

	PoolExhausted bool `json:"pool_exhausted,omitempty"`
	Cancelled     bool `json:"cancelled,omitempty"`
}

func newReport(runID, file string, started time.Time) *Report {
	return &Report{
		RunID:        runID,
		File:         file,
		StartedAt:    started,
		FailedLines:  []int{},
		FailedRanges: [][2]int{},
		Warnings:     []string{},
	}
}

func (r *Report) addWarnings(warnings []extract.Warning) {
	for _, w := range warnings {
		r.Warnings = append(r.Warnings, w.String())
	}
}

// addResults folds dispatch results into the report.
func (r *Report) addResults(results []dispatch.Result) {
	for _, res := range results {
		switch res.State {
		case dispatch.StateReinjected:
			r.Translated += len(res.Batch.Members)
		case dispatch.StateFailedFinal:
			typ := TypeOf(res.Err)
			r.FailedBatches++
			r.FailedLines = append(r.FailedLines, res.Batch.Lines()...)
			r.Failures = append(r.Failures, BatchFailure{
				Batch:    res.BatchID(),
				Lines:    res.Batch.Lines(),
				Attempts: res.Attempts,
				Type:     typ.String(),
				Reason:   res.Reason(),
			})
			switch typ {
			case ErrPoolExhausted:
				r.PoolExhausted = true
			case ErrCancelled:
				r.Cancelled = true
			}
		}
	}
	sort.Ints(r.FailedLines)
	r.FailedRanges = Ranges(r.FailedLines)
}

// ExitCode is ExitOK when every batch was reinjected, ExitPartial otherwise.
func (r *Report) ExitCode() int {
	if r.FailedBatches > 0 || r.PoolExhausted || r.Cancelled {
		return ExitPartial
	}
	return ExitOK
}

// Summary is a one-line description for logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("run %s: %d lines, %d candidates, %d batches, %d translated, %d failed batches (%d lines), %d warnings",
		r.RunID, r.Lines, r.Candidates, r.Batches, r.Translated, r.FailedBatches, len(r.FailedLines), len(r.Warnings))
}

// Encode writes the report as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}

// WriteFile writes the report as JSON at path.
func (r *Report) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Ranges collapses sorted indices into inclusive [start, end] runs.
func Ranges(sorted []int) [][2]int {
	ret := [][2]int{}
	for _, n := range sorted {
		if last := len(ret) - 1; last >= 0 && ret[last][1]+1 == n {
			ret[last][1] = n
			continue
		}
		ret = append(ret, [2]int{n, n})
	}
	return ret
}

// Plan is the batch layout of a run, produced without dispatching.
type Plan struct {
	File       string
	Lines      int
	Candidates int
	Warnings   []extract.Warning
	Batches    []batch.Batch
}

// Print writes a human-readable plan.
func (p *Plan) Print(w io.Writer) {
	tokens := 0
	for _, b := range p.Batches {
		tokens += b.EstimatedTokens
	}
	fmt.Fprintf(w, "=== Batch Plan: %s ===\n", p.File)
	fmt.Fprintf(w, "Lines: %d\n", p.Lines)
	fmt.Fprintf(w, "Candidates: %d\n", p.Candidates)
	fmt.Fprintf(w, "Batches: %d (~%d tokens)\n", len(p.Batches), tokens)
	for _, wrn := range p.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", wrn)
	}
	for _, b := range p.Batches {
		lines := b.Lines()
		flag := ""
		if b.Oversized {
			flag = " oversized"
		}
		fmt.Fprintf(w, "  #%d lines %s (%d items, ~%d tokens%s)\n", b.ID, formatRanges(Ranges(lines)), len(lines), b.EstimatedTokens, flag)
	}
}

func formatRanges(ranges [][2]int) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		if r[0] == r[1] {
			parts[i] = fmt.Sprint(r[0])
		} else {
			parts[i] = fmt.Sprintf("%d-%d", r[0], r[1])
		}
	}
	return strings.Join(parts, ",")
}
