// Package segment stitches streaming recognizer hypotheses into one growing
// utterance.
//
// The recognizer may silently restart its working buffer mid-utterance, so
// the latest partial is not the full text. An Accumulator keeps the
// finalized clauses (segments) plus the single mutable trailing partial and
// decides, per incoming partial, whether the old partial was a completed
// clause or a same-breath self-correction.
package segment

import (
	"strings"
	"time"
	"unicode/utf8"

	"voxpaste/internal/clock"
)

// Thresholds tune boundary detection. Both values are empirical; changing
// them changes behavior and needs new fixtures.
type Thresholds struct {
	// BoundaryGap is the minimum silence since the last update for a
	// boundary candidate to archive the old partial instead of discarding it.
	BoundaryGap time.Duration

	// ShrinkRatio: a partial shorter than ShrinkRatio times the current
	// partial is a boundary candidate even with the same leading character.
	ShrinkRatio float64
}

// DefaultThresholds are 200ms and 30%.
var DefaultThresholds = Thresholds{
	BoundaryGap: 200 * time.Millisecond,
	ShrinkRatio: 0.3,
}

// Outcome describes how a partial was applied.
type Outcome int

const (
	// Continued replaced the partial with its continuation.
	Continued Outcome = iota
	// Archived moved the old partial into the confirmed segments.
	Archived
	// Discarded dropped the old partial as a self-correction.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Continued:
		return "continued"
	case Archived:
		return "archived"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Accumulator is not safe for concurrent use; it belongs to the session
// event loop.
type Accumulator struct {
	clk        clock.Clock
	th         Thresholds
	confirmed  []string
	partial    string
	lastUpdate time.Time
}

// New returns an empty accumulator. A nil clock uses the wall clock.
func New(clk clock.Clock, th Thresholds) *Accumulator {
	if clk == nil {
		clk = clock.New()
	}
	return &Accumulator{clk: clk, th: th}
}

// SetThresholds replaces the thresholds for subsequent partials.
func (a *Accumulator) SetThresholds(th Thresholds) {
	a.th = th
}

// Reset discards all state.
func (a *Accumulator) Reset() {
	a.confirmed = nil
	a.partial = ""
	a.lastUpdate = time.Time{}
}

// Partial applies a new hypothesis.
func (a *Accumulator) Partial(p string) Outcome {
	now := a.clk.Now()
	outcome := Continued

	if a.partial != "" && a.isBoundary(p) {
		if !a.lastUpdate.IsZero() && now.Sub(a.lastUpdate) >= a.th.BoundaryGap {
			a.confirmed = append(a.confirmed, a.partial)
			outcome = Archived
		} else {
			outcome = Discarded
		}
	}

	a.partial = p
	a.lastUpdate = now
	return outcome
}

func (a *Accumulator) isBoundary(p string) bool {
	oldFirst, _ := utf8.DecodeRuneInString(a.partial)
	newFirst, n := utf8.DecodeRuneInString(p)
	if n == 0 || oldFirst != newFirst {
		return true
	}
	return float64(utf8.RuneCountInString(p)) < float64(utf8.RuneCountInString(a.partial))*a.th.ShrinkRatio
}

// Final applies a finalized result. A non-empty result becomes a segment;
// the partial is cleared either way.
func (a *Accumulator) Final(f string) {
	if f != "" {
		a.confirmed = append(a.confirmed, f)
	}
	a.partial = ""
	a.lastUpdate = a.clk.Now()
}

// FullText joins the confirmed segments and the trailing partial with spaces.
func (a *Accumulator) FullText() string {
	text := strings.Join(a.confirmed, " ")
	if a.partial == "" {
		return text
	}
	if text == "" {
		return a.partial
	}
	return text + " " + a.partial
}

// Empty reports whether FullText has no non-space content.
func (a *Accumulator) Empty() bool {
	return strings.TrimSpace(a.FullText()) == ""
}

// Confirmed returns a copy of the finalized segments.
func (a *Accumulator) Confirmed() []string {
	return append([]string(nil), a.confirmed...)
}

// Current returns the trailing partial.
func (a *Accumulator) Current() string {
	return a.partial
}
