// SPDX-License-Identifier: MIT

// Package encoder bridges a synchronous, pull-based encode interface to an
// asynchronous hardware codec session. The caller thread submits frames and
// drains packets through Encode; a background receiver goroutine owns the
// blocking hardware receive call and feeds the packet queue. A health monitor
// decides when the session is no longer usable.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quartzvideo/hwbridge/internal/driver"
	"github.com/quartzvideo/hwbridge/internal/metrics"
)

// Tunables are the internal limits of a session. Zero values take defaults;
// tests shrink the timeouts.
type Tunables struct {
	MaxConsecutiveErrors int           // default 5
	HangTimeout          time.Duration // default 10s
	MaxRecoveryAttempts  int           // default 3
	FlushTimeout         time.Duration // default 3s
	FlushPollInterval    time.Duration // default 10ms
	HeaderTimeout        time.Duration // default 5s
	HeaderPollInterval   time.Duration // default 100ms
	QueueWarnDepth       int           // default 10
	ReceivePollInterval  time.Duration // default 2ms
	StagingCapacity      int           // default 1 (pass-through)
	HealthCheckStride    int           // default: every 10 frames
}

func (t Tunables) withDefaults() Tunables {
	if t.MaxConsecutiveErrors <= 0 {
		t.MaxConsecutiveErrors = 5
	}
	if t.HangTimeout <= 0 {
		t.HangTimeout = 10 * time.Second
	}
	if t.MaxRecoveryAttempts <= 0 {
		t.MaxRecoveryAttempts = 3
	}
	if t.FlushTimeout <= 0 {
		t.FlushTimeout = 3 * time.Second
	}
	if t.FlushPollInterval <= 0 {
		t.FlushPollInterval = 10 * time.Millisecond
	}
	if t.HeaderTimeout <= 0 {
		t.HeaderTimeout = 5 * time.Second
	}
	if t.HeaderPollInterval <= 0 {
		t.HeaderPollInterval = 100 * time.Millisecond
	}
	if t.QueueWarnDepth <= 0 {
		t.QueueWarnDepth = 10
	}
	if t.ReceivePollInterval <= 0 {
		t.ReceivePollInterval = 2 * time.Millisecond
	}
	if t.StagingCapacity <= 0 {
		t.StagingCapacity = 1
	}
	if t.HealthCheckStride <= 0 {
		t.HealthCheckStride = 10
	}
	return t
}

// Config assembles everything a session is created with.
type Config struct {
	Geometry Geometry
	Settings Settings
	Logger   zerolog.Logger
	Tunables Tunables
	Clock    func() time.Time // test hook, defaults to time.Now
}

// Session is one caller-visible encoder instance bound to one hardware
// session. Encode must only be called from a single caller thread; Close may
// be called once from the same thread and is idempotent.
type Session struct {
	id       string
	log      zerolog.Logger
	geo      Geometry
	settings Settings
	tun      Tunables

	hw      driver.Session
	ioMu    sync.Mutex // serializes all hardware send/receive/copy calls
	queue   *packetQueue
	staging *stagingBuffer
	health  *healthMonitor

	stop       atomic.Bool
	flushing   atomic.Bool
	encoderEOF atomic.Bool
	recvDone   chan struct{}

	headersMu  sync.Mutex
	headers    []byte
	gotHeaders atomic.Bool

	firstPacket atomic.Bool // first packet arrived (receiver only writes)

	frameCount     uint64 // caller thread only
	firstFrameSent bool   // caller thread only

	closed    atomic.Bool
	closeOnce sync.Once
}

// New validates the configuration, initialises and opens the hardware
// session, and starts the background receiver. Any hard failure releases all
// partially acquired resources and returns an error.
func New(drv *driver.Driver, cfg Config) (*Session, error) {
	if drv == nil || drv.OpenSession == nil {
		return nil, driver.ErrUnavailable
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("geometry: %w", err)
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	tun := cfg.Tunables.withDefaults()
	id := uuid.NewString()
	log := cfg.Logger.With().Str("session_id", id).Logger()

	device := pickDevice(drv, cfg.Settings.Device, log)
	gop := cfg.Settings.KeyframeInterval(cfg.Geometry)

	// Unwind list: each acquired resource registers its release; on any hard
	// failure everything acquired so far is released in reverse order.
	var unwind []func()
	fail := func(err error) (*Session, error) {
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i]()
		}
		return nil, err
	}

	hw, err := drv.OpenSession(driver.SessionConfig{
		Device:        device,
		CodecFormat:   int(cfg.Settings.Codec),
		Width:         cfg.Geometry.Width,
		Height:        cfg.Geometry.Height,
		BitrateBPS:    int64(cfg.Settings.BitrateKbps) * 1000,
		TimebaseNum:   cfg.Geometry.FPSDen,
		TimebaseDen:   cfg.Geometry.FPSNum,
		GOPSize:       gop,
		AttachHeaders: cfg.Settings.RepeatHeaders,
	})
	if err != nil {
		return fail(fmt.Errorf("session init: %w", err))
	}
	unwind = append(unwind, func() { _ = hw.Close() })

	if err := applyParameters(hw, cfg.Settings, gop, log); err != nil {
		return fail(fmt.Errorf("session parameters: %w", err))
	}

	if err := hw.Open(); err != nil {
		return fail(fmt.Errorf("session open: %w", err))
	}

	s := &Session{
		id:       id,
		log:      log,
		geo:      cfg.Geometry,
		settings: cfg.Settings,
		tun:      tun,
		hw:       hw,
		queue:    newPacketQueue(tun.QueueWarnDepth, cfg.Settings.Codec.String(), log),
		staging:  newStagingBuffer(tun.StagingCapacity),
		health: newHealthMonitor(healthLimits{
			maxConsecutive: tun.MaxConsecutiveErrors,
			hangTimeout:    tun.HangTimeout,
			maxRecoveries:  tun.MaxRecoveryAttempts,
		}, log, cfg.Clock),
		recvDone: make(chan struct{}),
	}

	// Some devices pre-generate stream headers; others only emit them with
	// the first encoded packet. Both paths are supported.
	if hdr := hw.Headers(); len(hdr) > 0 {
		s.setHeaders(hdr)
		log.Info().
			Str("event", "encoder.headers_at_init").
			Int("size", len(hdr)).
			Msg("stream headers generated during init")
	} else {
		log.Info().
			Str("event", "encoder.headers_deferred").
			Msg("stream headers will be extracted from the first packet")
	}

	go s.receiveLoop()

	log.Info().
		Str("event", "encoder.created").
		Str("codec", cfg.Settings.Codec.String()).
		Int("width", cfg.Geometry.Width).
		Int("height", cfg.Geometry.Height).
		Int("bitrate_kbps", cfg.Settings.BitrateKbps).
		Int("gop_frames", gop).
		Str("device", device).
		Msg("encoder session created")
	return s, nil
}

// pickDevice resolves the device name: explicit setting first, then the
// optional discovery capabilities, otherwise the driver default (empty).
func pickDevice(drv *driver.Driver, configured string, log zerolog.Logger) string {
	if configured != "" {
		log.Info().Str("event", "encoder.device_configured").Str("device", configured).Msg("using configured device")
		return configured
	}
	if drv.ResourceInit == nil || drv.ListDevices == nil {
		log.Debug().Str("event", "encoder.discovery_unavailable").Msg("discovery capabilities absent, using driver default device")
		return ""
	}
	if err := drv.ResourceInit(time.Second); err != nil {
		log.Warn().Err(err).Str("event", "encoder.discovery_failed").Msg("device discovery init failed, using driver default device")
		return ""
	}
	names, err := drv.ListDevices(16)
	if err != nil || len(names) == 0 {
		log.Warn().Err(err).Str("event", "encoder.discovery_empty").Msg("no devices discovered, using driver default device")
		return ""
	}
	log.Info().Str("event", "encoder.device_discovered").Str("device", names[0]).Int("count", len(names)).Msg("auto-discovered device")
	return names[0]
}

// applyParameters pushes the named parameters to the device. A rejected
// parameter name is logged and skipped, since not every device supports
// every parameter; any other error is fatal.
func applyParameters(hw driver.Session, st Settings, gop int, log zerolog.Logger) error {
	params := [][2]string{
		{"intraPeriod", fmt.Sprintf("%d", gop)},
	}
	if st.RateControl == RateControlCBR {
		params = append(params, [2]string{"cbr", "1"})
	} else {
		params = append(params, [2]string{"cbr", "0"})
	}
	if id, ok := st.profileID(); ok {
		params = append(params, [2]string{"profile", id})
	}
	for _, p := range params {
		if err := hw.SetParameter(p[0], p[1]); err != nil {
			if errors.Is(err, driver.ErrParamUnsupported) {
				log.Warn().
					Str("event", "encoder.param_rejected").
					Str("param", p[0]).
					Str("value", p[1]).
					Msg("device rejected parameter, continuing")
				continue
			}
			return fmt.Errorf("set %s=%s: %w", p[0], p[1], err)
		}
	}
	return nil
}

// Encode submits an optional raw frame and retrieves at most one encoded
// packet. A nil frame means "no new data, just poll"; the first nil frame
// with nothing staged triggers the end-of-stream handshake. A queued packet
// is always drained before anything is sent, and never in the same call as a
// send, so packets from earlier frames cannot pile up behind new submissions.
func (s *Session) Encode(frame *RawFrame) (*Packet, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s.health.failed() {
		return nil, ErrSessionFailed
	}

	pkt, havePkt := s.queue.popHead()

	if frame != nil {
		if s.flushing.Load() {
			s.log.Warn().Str("event", "encoder.frame_after_flush").Msg("frame submitted after flush, dropped")
		} else {
			s.health.markFrame()
			s.frameCount++
			if s.frameCount%uint64(s.tun.HealthCheckStride) == 0 {
				if !s.health.check(s.flushing.Load()) {
					return nil, ErrSessionFailed
				}
			}
			s.staging.push(frame)
		}
	}

	if havePkt {
		s.health.recordSuccess()
		metrics.PacketsProduced.WithLabelValues(s.settings.Codec.String()).Inc()
		metrics.PacketBytes.WithLabelValues(s.settings.Codec.String()).Add(float64(len(pkt.Data)))
		return pkt, nil
	}

	if !s.staging.empty() && s.staging.full() {
		for _, f := range s.staging.takeAll() {
			if err := s.sendFrame(f, false); err != nil {
				s.health.recordError("send", err)
				return nil, fmt.Errorf("send frame: %w", err)
			}
			s.health.recordSuccess()
		}
		return nil, nil
	}

	if frame == nil && s.staging.empty() && !s.flushing.Load() {
		s.flush()
		// The handshake wait may have let the receiver drain more packets.
		if pkt, ok := s.queue.popHead(); ok {
			metrics.PacketsProduced.WithLabelValues(s.settings.Codec.String()).Inc()
			metrics.PacketBytes.WithLabelValues(s.settings.Codec.String()).Add(float64(len(pkt.Data)))
			return pkt, nil
		}
	}
	return nil, nil
}

// sendFrame hands one frame (or the end-of-stream sentinel) to the hardware.
// The input slot is released on every exit path.
func (s *Session) sendFrame(f *RawFrame, eos bool) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	slot, err := s.hw.AcquireInput()
	if err != nil {
		return fmt.Errorf("acquire input slot: %w", err)
	}
	defer slot.Release()

	if eos {
		// Sentinel: zero-filled planes, end-of-stream marker.
		slot.MarkEndOfStream()
	} else {
		slot.SetPlanes(f.Planes, f.Strides)
		slot.SetPTS(f.PTS)
		if !s.firstFrameSent {
			slot.ForceKeyframe(true)
		}
	}

	if err := s.hw.Send(slot); err != nil {
		return err
	}
	if !eos {
		s.firstFrameSent = true
		metrics.FramesSubmitted.WithLabelValues(s.settings.Codec.String()).Inc()
	}
	return nil
}

// flush performs the end-of-stream handshake: submit the sentinel through
// the normal send path, mark flushing, then wait (bounded) for the hardware
// acknowledgment. A timeout is logged, never fatal; an unresponsive device
// must not block teardown.
func (s *Session) flush() {
	if s.flushing.Swap(true) {
		return
	}
	s.log.Info().Str("event", "encoder.flush").Msg("submitting end-of-stream sentinel")
	if err := s.sendFrame(nil, true); err != nil {
		s.health.recordError("send_eos", err)
	}

	deadline := time.Now().Add(s.tun.FlushTimeout)
	for !s.encoderEOF.Load() {
		if time.Now().After(deadline) {
			s.log.Warn().
				Str("event", "encoder.flush_timeout").
				Dur("timeout", s.tun.FlushTimeout).
				Msg("hardware did not acknowledge end of stream, proceeding with teardown")
			return
		}
		time.Sleep(s.tun.FlushPollInterval)
	}
	s.log.Info().Str("event", "encoder.flush_done").Msg("hardware acknowledged end of stream")
}

// Close tears the session down: end-of-stream handshake if it never ran,
// stop and join the receiver, drain the queue, close the hardware session.
// Idempotent and safe on a partially used session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if !s.flushing.Load() {
			s.flush()
		}
		s.stop.Store(true)
		<-s.recvDone

		if n := s.queue.drain(); n > 0 {
			s.log.Info().Str("event", "encoder.queue_discarded").Int("packets", n).Msg("discarded unconsumed packets at teardown")
		}
		if err := s.hw.Close(); err != nil {
			s.log.Warn().Err(err).Str("event", "encoder.close_error").Msg("hardware session close failed")
		}
		s.log.Info().Str("event", "encoder.closed").Msg("encoder session closed")
	})
	return nil
}

// Update always rejects new settings: the hardware freezes parameters at
// open time, so the host must destroy and recreate the session.
func (s *Session) Update(Settings) error {
	s.log.Info().Str("event", "encoder.update_rejected").Msg("settings changed, session must be recreated")
	return ErrReconfigureUnsupported
}

// StreamHeaders returns the codec stream headers (SPS/PPS, plus VPS for
// HEVC). Headers may arrive asynchronously with the first encoded packet, so
// this waits up to the header timeout before reporting them unavailable.
func (s *Session) StreamHeaders() ([]byte, error) {
	if !s.gotHeaders.Load() {
		s.log.Info().Str("event", "encoder.headers_wait").Msg("headers not yet available, waiting for first packet")
		deadline := time.Now().Add(s.tun.HeaderTimeout)
		for !s.gotHeaders.Load() {
			if s.closed.Load() || time.Now().After(deadline) {
				s.log.Error().Str("event", "encoder.headers_timeout").Msg("timed out waiting for stream headers")
				return nil, ErrHeadersUnavailable
			}
			time.Sleep(s.tun.HeaderPollInterval)
		}
	}
	s.headersMu.Lock()
	defer s.headersMu.Unlock()
	out := make([]byte, len(s.headers))
	copy(out, s.headers)
	return out, nil
}

// Diagnostics returns the current health snapshot.
func (s *Session) Diagnostics() Diagnostics {
	return s.health.snapshot()
}

// ID returns the session's correlation id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) setHeaders(hdr []byte) {
	s.headersMu.Lock()
	s.headers = make([]byte, len(hdr))
	copy(s.headers, hdr)
	s.headersMu.Unlock()
	s.gotHeaders.Store(true)
}

func (s *Session) headersCopy() []byte {
	if !s.gotHeaders.Load() {
		return nil
	}
	s.headersMu.Lock()
	defer s.headersMu.Unlock()
	out := make([]byte, len(s.headers))
	copy(out, s.headers)
	return out
}

// prefixHeaders prepends cached headers unless the packet already starts
// with them (devices with AttachHeaders do this themselves).
func prefixHeaders(hdr, data []byte) []byte {
	if len(hdr) == 0 || bytes.HasPrefix(data, hdr) {
		return data
	}
	out := make([]byte, 0, len(hdr)+len(data))
	out = append(out, hdr...)
	return append(out, data...)
}
