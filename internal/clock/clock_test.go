package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualAdvanceFiresDueTimersInOrder(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))

	var order []string
	clk.AfterFunc(300*time.Millisecond, func() { order = append(order, "late") })
	clk.AfterFunc(100*time.Millisecond, func() { order = append(order, "early") })

	clk.Advance(99 * time.Millisecond)
	assert.Empty(t, order)

	clk.Advance(time.Second)
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Equal(t, 0, clk.Pending())
}

func TestManualStopPreventsCallback(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))

	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })
	require.Equal(t, 1, clk.Pending())

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop must report already stopped")

	clk.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestManualStopAfterFireReportsFalse(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))

	timer := clk.AfterFunc(time.Millisecond, func() {})
	clk.Advance(time.Millisecond)
	assert.False(t, timer.Stop())
}

func TestSleepInterruptedByDone(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	done := make(chan struct{})
	close(done)

	assert.False(t, Sleep(clk, time.Hour, done))
	assert.Equal(t, 0, clk.Pending(), "interrupted sleep must stop its timer")
}

func TestSleepRealClockElapses(t *testing.T) {
	assert.True(t, Sleep(New(), time.Millisecond, nil))
}
