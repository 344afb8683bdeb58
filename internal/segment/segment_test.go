package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"voxpaste/internal/clock"
)

func newTest() (*Accumulator, *clock.Manual) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clk, DefaultThresholds), clk
}

func TestContinuationHasNoBoundary(t *testing.T) {
	a, clk := newTest()

	for _, p := range []string{"H", "He", "Hello", "Hello wor", "Hello world"} {
		assert.Equal(t, Continued, a.Partial(p))
		clk.Advance(500 * time.Millisecond)
	}

	assert.Empty(t, a.Confirmed())
	assert.Equal(t, "Hello world", a.FullText())
}

func TestBoundaryAfterGapArchives(t *testing.T) {
	a, clk := newTest()

	a.Partial("ABCDE")
	clk.Advance(250 * time.Millisecond)
	assert.Equal(t, Archived, a.Partial("XYZ"))

	assert.Equal(t, []string{"ABCDE"}, a.Confirmed())
	assert.Equal(t, "XYZ", a.Current())
	assert.Equal(t, "ABCDE XYZ", a.FullText())
}

func TestShrinkWithinGapDiscards(t *testing.T) {
	a, clk := newTest()

	a.Partial("ABCDEFGHIJ")
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, Discarded, a.Partial("AB"))

	assert.Empty(t, a.Confirmed())
	assert.Equal(t, "AB", a.Current())
}

func TestShrinkFromFiveCharacters(t *testing.T) {
	a, clk := newTest()

	// 2 is not below 0.3*5 so "AB" continues "ABCDE".
	a.Partial("ABCDE")
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, Continued, a.Partial("AB"))
	assert.Empty(t, a.Confirmed())
	assert.Equal(t, "AB", a.Current())
}

func TestDifferentLeadWithinGapDiscards(t *testing.T) {
	a, clk := newTest()

	a.Partial("ABCDE")
	clk.Advance(199 * time.Millisecond)
	assert.Equal(t, Discarded, a.Partial("XYZ"))
	assert.Empty(t, a.Confirmed())
	assert.Equal(t, "XYZ", a.FullText())
}

func TestGapExactlyAtThresholdArchives(t *testing.T) {
	a, clk := newTest()

	a.Partial("ABCDE")
	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, Archived, a.Partial("XYZ"))
}

func TestSameLeadShrinkAfterGapArchives(t *testing.T) {
	a, clk := newTest()

	a.Partial("the quick brown fox")
	clk.Advance(300 * time.Millisecond)
	assert.Equal(t, Archived, a.Partial("th"))
	assert.Equal(t, "the quick brown fox th", a.FullText())
}

func TestFinal(t *testing.T) {
	a, clk := newTest()

	a.Partial("hello")
	a.Final("hello there")
	assert.Equal(t, []string{"hello there"}, a.Confirmed())
	assert.Equal(t, "", a.Current())

	clk.Advance(time.Second)
	a.Partial("again")
	assert.Equal(t, "hello there again", a.FullText())

	a.Final("")
	assert.Equal(t, "hello there", a.FullText())
}

func TestEmptyFinalOnEmptySession(t *testing.T) {
	a, _ := newTest()
	a.Final("")
	assert.True(t, a.Empty())
	assert.Equal(t, "", a.FullText())
}

func TestMultibyteLeadingCharacter(t *testing.T) {
	a, clk := newTest()

	a.Partial("今日は")
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, Continued, a.Partial("今日はいい天気"))

	clk.Advance(300 * time.Millisecond)
	assert.Equal(t, Archived, a.Partial("明日"))
	assert.Equal(t, "今日はいい天気 明日", a.FullText())
}

func TestReset(t *testing.T) {
	a, clk := newTest()
	a.Partial("one")
	clk.Advance(time.Second)
	a.Partial("two")
	a.Reset()

	assert.True(t, a.Empty())
	assert.Empty(t, a.Confirmed())

	// The first partial after a reset never archives.
	clk.Advance(time.Second)
	assert.Equal(t, Continued, a.Partial("three"))
}

func TestCustomThresholds(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	a := New(clk, Thresholds{BoundaryGap: time.Second, ShrinkRatio: 0.5})

	a.Partial("ABCDEF")
	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, Discarded, a.Partial("AB"))

	clk.Advance(time.Second)
	a.Partial("ABCDEFGH")
	clk.Advance(time.Second)
	assert.Equal(t, Archived, a.Partial("ABC"))
}
