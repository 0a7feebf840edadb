// SPDX-License-Identifier: MIT

package encoder

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an injectable, manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testMonitor(clk *fakeClock) *healthMonitor {
	return newHealthMonitor(healthLimits{
		maxConsecutive: 5,
		hangTimeout:    10 * time.Second,
		maxRecoveries:  3,
	}, zerolog.Nop(), clk.now)
}

func TestHealthConsecutiveErrorCeiling(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)
	errBoom := errors.New("boom")

	for i := 0; i < 4; i++ {
		require.Equal(t, StateError, m.recordError("receive", errBoom))
	}
	assert.False(t, m.failed())

	require.Equal(t, StateFailed, m.recordError("receive", errBoom))
	assert.True(t, m.failed())

	// FAILED is sticky: success does not revive the session.
	m.recordSuccess()
	assert.True(t, m.failed())
	assert.False(t, m.check(false))
}

func TestHealthSuccessResetsConsecutiveErrors(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)
	errBoom := errors.New("boom")

	for i := 0; i < 4; i++ {
		m.recordError("receive", errBoom)
	}
	m.recordSuccess()
	require.Equal(t, StateNormal, m.currentState())

	d := m.snapshot()
	assert.Equal(t, 0, d.ConsecutiveErrors)
	assert.Equal(t, 4, d.TotalErrors)

	// The counter starts over: 4 more errors stay below the ceiling.
	for i := 0; i < 4; i++ {
		require.Equal(t, StateError, m.recordError("receive", errBoom))
	}
	assert.False(t, m.failed())
}

func TestHealthHangDetection(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)

	m.markPacket()
	clk.advance(9 * time.Second)
	require.True(t, m.check(false))
	assert.Equal(t, StateNormal, m.currentState())

	clk.advance(2 * time.Second)
	require.True(t, m.check(false))
	assert.Equal(t, StateRecovering, m.currentState())
	assert.Equal(t, 1, m.snapshot().RecoveryAttempts)

	// A successful receive after recovery restores NORMAL.
	m.markPacket()
	m.recordSuccess()
	assert.Equal(t, StateNormal, m.currentState())
}

func TestHealthHangRequiresPriorPacket(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)

	// No packet was ever received: quiet time alone is not a hang.
	clk.advance(time.Hour)
	require.True(t, m.check(false))
	assert.Equal(t, StateNormal, m.currentState())
}

func TestHealthHangSuppressedWhileFlushing(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)

	m.markPacket()
	clk.advance(time.Hour)
	require.True(t, m.check(true))
	assert.Equal(t, StateNormal, m.currentState())
}

func TestHealthRecoveryExhaustion(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)

	for attempt := 1; attempt <= 3; attempt++ {
		m.markPacket()
		clk.advance(11 * time.Second)
		require.True(t, m.check(false), "attempt %d should still be recoverable", attempt)
		require.Equal(t, StateRecovering, m.currentState())
	}

	m.markPacket()
	clk.advance(11 * time.Second)
	require.False(t, m.check(false))
	assert.Equal(t, StateFailed, m.currentState())
	assert.Equal(t, 3, m.snapshot().RecoveryAttempts)
}

func TestHealthRecoveryResetsCounters(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)
	errBoom := errors.New("boom")

	m.markPacket()
	m.recordError("receive", errBoom)
	m.recordError("receive", errBoom)

	clk.advance(11 * time.Second)
	require.True(t, m.check(false))

	d := m.snapshot()
	assert.Equal(t, 0, d.ConsecutiveErrors)
	assert.Equal(t, 2, d.TotalErrors) // totals survive recovery
	assert.Empty(t, d.LastError)
	// The hang window is re-armed: an immediate re-check is not a hang.
	require.True(t, m.check(false))
	assert.Equal(t, 1, m.snapshot().RecoveryAttempts)
}

func TestHealthSnapshot(t *testing.T) {
	clk := newFakeClock()
	m := testMonitor(clk)

	m.markFrame()
	clk.advance(time.Second)
	m.markPacket()
	clk.advance(2 * time.Second)
	m.recordError("send", errors.New("bus reset"))

	d := m.snapshot()
	assert.Equal(t, StateError, d.State)
	assert.Equal(t, 1, d.ConsecutiveErrors)
	assert.Equal(t, "send", d.LastOperation)
	assert.Contains(t, d.LastError, "bus reset")
	assert.Equal(t, 3*time.Second, d.Uptime)
	assert.Equal(t, 2*time.Second, d.SinceLastPacket)
	assert.Equal(t, 3*time.Second, d.SinceLastFrame)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "normal", StateNormal.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "hung", StateHung.String())
	assert.Equal(t, "recovering", StateRecovering.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
