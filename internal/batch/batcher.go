package batch

import (
	"errors"
	"unicode/utf8"

	"github.com/MimeLyc/lottr/internal/document"
	"github.com/MimeLyc/lottr/pkg/log"
)

// Batch is an ordered group of records sent in one request.
type Batch struct {
	ID              int
	Members         []*document.LineRecord
	EstimatedTokens int
	// Oversized marks a single member whose estimate exceeds the budget.
	Oversized bool
}

// Lines returns the member line indexes in order.
func (b Batch) Lines() []int {
	ret := make([]int, len(b.Members))
	for i, m := range b.Members {
		ret[i] = m.Index
	}
	return ret
}

// Texts returns the members' captured text in order.
func (b Batch) Texts() []string {
	ret := make([]string, len(b.Members))
	for i, m := range b.Members {
		if m.Captured != nil {
			ret[i] = *m.Captured
		}
	}
	return ret
}

// Estimator approximates token counts without a tokenizer.
//
// ASCII runs cost ceil(bytes/BytesPerToken); every other rune costs one token
// since CJK text tokenizes close to one token per character. PerItemOverhead
// covers the "(n) " marker and the trailing newline.
type Estimator struct {
	BytesPerToken   int
	PerItemOverhead int
}

// DefaultEstimator is used when a Batcher is built with a zero Estimator.
var DefaultEstimator = Estimator{BytesPerToken: 4, PerItemOverhead: 4}

// Estimate returns the token estimate for one item.
func (e Estimator) Estimate(s string) int {
	bpt := e.BytesPerToken
	if bpt <= 0 {
		bpt = DefaultEstimator.BytesPerToken
	}

	ascii, other := 0, 0
	for i := 0; i < len(s); {
		if s[i] < utf8.RuneSelf {
			ascii++
			i++
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		other++
		i += size
	}
	return (ascii+bpt-1)/bpt + other + e.PerItemOverhead
}

// Batcher packs captured text into token-bounded batches.
type Batcher struct {
	estimator Estimator
}

// New creates a Batcher with the given estimator.
func New(estimator Estimator) *Batcher {
	if estimator.BytesPerToken <= 0 {
		estimator = DefaultEstimator
	}
	return &Batcher{estimator: estimator}
}

// Make groups the candidate records into batches in document order.
func (b *Batcher) Make(records []*document.LineRecord, maxTokens int) ([]Batch, error) {
	if maxTokens <= 0 {
		return nil, errors.New("batcher: max tokens must be > 0")
	}

	var (
		batches []Batch
		current Batch
	)
	flush := func() {
		if len(current.Members) == 0 {
			return
		}
		current.ID = len(batches)
		batches = append(batches, current)
		current = Batch{}
	}

	for _, rec := range records {
		if !rec.Candidate() {
			continue
		}
		cost := b.estimator.Estimate(*rec.Captured)

		if cost > maxTokens {
			flush()
			current = Batch{
				Members:         []*document.LineRecord{rec},
				EstimatedTokens: cost,
				Oversized:       true,
			}
			log.Warn("line %d alone needs ~%d tokens, over the %d budget; sending it as its own batch", rec.Index, cost, maxTokens)
			flush()
			continue
		}

		if current.EstimatedTokens+cost > maxTokens {
			flush()
		}
		current.Members = append(current.Members, rec)
		current.EstimatedTokens += cost
	}
	flush()

	return batches, nil
}
