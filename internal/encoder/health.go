// SPDX-License-Identifier: MIT

package encoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quartzvideo/hwbridge/internal/metrics"
)

// State is the health state of an encoder session.
type State int

const (
	StateNormal State = iota
	StateError        // errors seen, still trying
	StateHung         // no packets for too long
	StateRecovering   // bounded recovery attempt in progress
	StateFailed       // terminal, session must be recreated
)

// String returns the metric/log label for the state.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateError:
		return "error"
	case StateHung:
		return "hung"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Diagnostics is a point-in-time snapshot of session health, always
// available for inspection at failure time.
type Diagnostics struct {
	State             State
	ConsecutiveErrors int
	TotalErrors       int
	RecoveryAttempts  int
	LastOperation     string
	LastError         string
	Uptime            time.Duration
	SinceLastPacket   time.Duration // 0 if no packet was ever received
	SinceLastFrame    time.Duration // 0 if no frame was ever submitted
}

type healthLimits struct {
	maxConsecutive int
	hangTimeout    time.Duration
	maxRecoveries  int
}

// healthMonitor tracks error counters and timestamps and drives the
// NORMAL/ERROR/HUNG/RECOVERING/FAILED state machine. It is mutated from both
// the caller thread and the receiver goroutine; every field is guarded by mu.
type healthMonitor struct {
	log    zerolog.Logger
	now    func() time.Time
	limits healthLimits

	mu          sync.Mutex
	state       State
	consecutive int
	total       int
	recoveries  int
	started     time.Time
	lastPacket  time.Time
	lastFrame   time.Time
	lastErrTime time.Time
	lastOp      string
	lastMsg     string
}

func newHealthMonitor(limits healthLimits, log zerolog.Logger, now func() time.Time) *healthMonitor {
	if now == nil {
		now = time.Now
	}
	m := &healthMonitor{log: log, now: now, limits: limits, state: StateNormal, started: now()}
	setStateMetric(StateNormal)
	return m
}

// recordError notes a failed operation. Reaching the consecutive-error
// ceiling moves the session to FAILED, which is terminal.
func (m *healthMonitor) recordError(op string, err error) State {
	metrics.EncoderErrors.WithLabelValues(op).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive++
	m.total++
	m.lastErrTime = m.now()
	m.lastOp = op
	m.lastMsg = err.Error()

	if m.state == StateFailed {
		return StateFailed
	}
	if m.consecutive >= m.limits.maxConsecutive {
		m.setState(StateFailed)
		m.log.Error().
			Str("event", "encoder.failed").
			Str("operation", op).
			Err(err).
			Int("consecutive_errors", m.consecutive).
			Int("total_errors", m.total).
			Int("recovery_attempts", m.recoveries).
			Dur("uptime", m.now().Sub(m.started)).
			Msg("session failed after consecutive errors")
		return StateFailed
	}
	m.setState(StateError)
	m.log.Warn().
		Str("event", "encoder.error").
		Str("operation", op).
		Err(err).
		Int("consecutive_errors", m.consecutive).
		Int("ceiling", m.limits.maxConsecutive).
		Int("total_errors", m.total).
		Msg("encoder operation failed")
	return StateError
}

// recordSuccess resets the consecutive-error counter and restores NORMAL
// from transient states. FAILED is sticky: no success revives the session.
func (m *healthMonitor) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return
	}
	if m.consecutive > 0 {
		m.log.Info().
			Str("event", "encoder.recovered").
			Int("consecutive_errors", m.consecutive).
			Msg("recovered after consecutive errors")
		m.consecutive = 0
	}
	if m.state != StateNormal {
		m.setState(StateNormal)
	}
}

// markFrame notes a frame submission for hang diagnostics.
func (m *healthMonitor) markFrame() {
	m.mu.Lock()
	m.lastFrame = m.now()
	m.mu.Unlock()
}

// markPacket notes a received packet for hang detection.
func (m *healthMonitor) markPacket() {
	m.mu.Lock()
	m.lastPacket = m.now()
	m.mu.Unlock()
}

// check runs hang detection. It returns false when the session is FAILED and
// must not be used further. Hang detection requires a previously received
// packet and is suppressed while flushing, since packet gaps are legitimate
// then. A detected hang consumes one bounded recovery attempt; recovery only
// resets counters and timers, it does not touch the hardware session.
func (m *healthMonitor) check(flushing bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return false
	}
	if flushing || m.lastPacket.IsZero() {
		return true
	}
	quiet := m.now().Sub(m.lastPacket)
	if quiet < m.limits.hangTimeout {
		return true
	}

	m.setState(StateHung)
	m.log.Warn().
		Str("event", "encoder.hung").
		Dur("since_last_packet", quiet).
		Dur("hang_timeout", m.limits.hangTimeout).
		Msg("no packets received, session appears hung")

	if m.recoveries >= m.limits.maxRecoveries {
		m.setState(StateFailed)
		m.log.Error().
			Str("event", "encoder.recovery_exhausted").
			Int("recovery_attempts", m.recoveries).
			Msg("recovery attempts exhausted, session failed")
		return false
	}

	m.recoveries++
	m.setState(StateRecovering)
	metrics.RecoveryAttempts.Inc()
	m.log.Info().
		Str("event", "encoder.recovering").
		Int("attempt", m.recoveries).
		Int("ceiling", m.limits.maxRecoveries).
		Msg("attempting recovery")

	m.consecutive = 0
	m.lastErrTime = time.Time{}
	m.lastMsg = ""
	m.lastPacket = time.Time{} // fresh hang window
	// Stays RECOVERING until the next successful receive restores NORMAL.
	return true
}

func (m *healthMonitor) failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateFailed
}

func (m *healthMonitor) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *healthMonitor) snapshot() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	d := Diagnostics{
		State:             m.state,
		ConsecutiveErrors: m.consecutive,
		TotalErrors:       m.total,
		RecoveryAttempts:  m.recoveries,
		LastOperation:     m.lastOp,
		Uptime:            now.Sub(m.started),
	}
	if m.lastMsg != "" {
		d.LastError = fmt.Sprintf("%s: %s", m.lastOp, m.lastMsg)
	}
	if !m.lastPacket.IsZero() {
		d.SinceLastPacket = now.Sub(m.lastPacket)
	}
	if !m.lastFrame.IsZero() {
		d.SinceLastFrame = now.Sub(m.lastFrame)
	}
	return d
}

// setState updates the state and the one-hot state gauge. Caller holds mu.
func (m *healthMonitor) setState(s State) {
	m.state = s
	setStateMetric(s)
}

func setStateMetric(active State) {
	for s := StateNormal; s <= StateFailed; s++ {
		v := 0.0
		if s == active {
			v = 1.0
		}
		metrics.HealthState.WithLabelValues(s.String()).Set(v)
	}
}
