// SPDX-License-Identifier: MIT

package encoder

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quartzvideo/hwbridge/internal/driver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testGeometry() Geometry {
	return Geometry{Width: 1280, Height: 720, FPSNum: 30, FPSDen: 1}
}

func testTunables() Tunables {
	return Tunables{
		FlushTimeout:        500 * time.Millisecond,
		FlushPollInterval:   time.Millisecond,
		HeaderTimeout:       time.Second,
		HeaderPollInterval:  5 * time.Millisecond,
		ReceivePollInterval: time.Millisecond,
	}
}

func newTestSession(t *testing.T, fcfg driver.FakeConfig, mutate func(*Config)) (*Session, *driver.FakeSession) {
	t.Helper()
	fake := driver.NewFake(fcfg)
	cfg := Config{
		Geometry: testGeometry(),
		Settings: DefaultSettings(),
		Logger:   zerolog.Nop(),
		Tunables: testTunables(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess, err := New(fake.Driver(), cfg)
	require.NoError(t, err)
	hw := fake.Sessions()[0]
	return sess, hw
}

func testFrame(pts int64) *RawFrame {
	g := testGeometry()
	luma := make([]byte, g.Width*g.Height)
	chroma := make([]byte, g.Width/2*g.Height/2)
	return &RawFrame{
		Planes:  [][]byte{luma, chroma, chroma},
		Strides: []int{g.Width, g.Width / 2, g.Width / 2},
		PTS:     pts,
	}
}

// drainAll polls Encode(nil) until the end-of-stream handshake has completed
// and the queue is empty, collecting every packet produced on the way.
func drainAll(t *testing.T, s *Session) []*Packet {
	t.Helper()
	var out []*Packet
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pkt, err := s.Encode(nil)
		require.NoError(t, err)
		if pkt != nil {
			out = append(out, pkt)
			continue
		}
		if s.flushing.Load() && s.encoderEOF.Load() && s.queue.len() == 0 {
			return out
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("drain did not complete before deadline")
	return nil
}

func TestNewValidatesInput(t *testing.T) {
	_, err := New(nil, Config{Geometry: testGeometry(), Settings: DefaultSettings()})
	require.ErrorIs(t, err, driver.ErrUnavailable)

	fake := driver.NewFake(driver.FakeConfig{})

	_, err = New(fake.Driver(), Config{
		Geometry: Geometry{Width: 0, Height: 720, FPSNum: 30, FPSDen: 1},
		Settings: DefaultSettings(),
		Logger:   zerolog.Nop(),
	})
	require.ErrorContains(t, err, "geometry")

	bad := DefaultSettings()
	bad.BitrateKbps = 1
	_, err = New(fake.Driver(), Config{Geometry: testGeometry(), Settings: bad, Logger: zerolog.Nop()})
	require.ErrorContains(t, err, "settings")
}

func TestNewConfiguresHardware(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, nil)
	defer func() { require.NoError(t, sess.Close()) }()

	require.True(t, hw.Opened())
	assert.NotEmpty(t, sess.ID())

	hwCfg := hw.Config()
	assert.Equal(t, "fake0", hwCfg.Device) // auto-discovered
	assert.Equal(t, 1280, hwCfg.Width)
	assert.Equal(t, int64(6_000_000), hwCfg.BitrateBPS)
	assert.Equal(t, 60, hwCfg.GOPSize) // 2 s at 30 fps
	assert.True(t, hwCfg.AttachHeaders)

	params := hw.Parameters()
	assert.Equal(t, "60", params["intraPeriod"])
	assert.Equal(t, "1", params["cbr"])
	assert.Equal(t, "100", params["profile"]) // high
}

func TestNewHonorsConfiguredDevice(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, func(cfg *Config) {
		cfg.Settings.Device = "/dev/nvme3"
	})
	defer func() { require.NoError(t, sess.Close()) }()
	assert.Equal(t, "/dev/nvme3", hw.Config().Device)
}

func TestEncodePipeline(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{KeyframeInterval: 60}, nil)

	const frames = 10
	var packets []*Packet
	for i := 0; i < frames; i++ {
		pkt, err := sess.Encode(testFrame(int64(i)))
		require.NoError(t, err)
		if pkt != nil {
			packets = append(packets, pkt)
		}
		time.Sleep(2 * time.Millisecond)
	}
	packets = append(packets, drainAll(t, sess)...)

	// One packet per submitted frame, no duplication, no loss.
	require.Len(t, packets, frames)
	assert.Equal(t, frames, hw.SentFrames())
	assert.True(t, hw.Flushed())

	// Timestamps follow the latest submitted frame, never backwards.
	assert.True(t, isNonDecreasing(packets))

	// The first packet carries the parameter sets and the forced IDR.
	assert.True(t, packets[0].Keyframe)
	assert.Equal(t, PriorityHighest, packets[0].Priority)

	require.NoError(t, sess.Close())
	assert.Equal(t, 1, hw.CloseCount())
}

func isNonDecreasing(packets []*Packet) bool {
	for i := 1; i < len(packets); i++ {
		if packets[i].PTS < packets[i-1].PTS {
			return false
		}
	}
	return true
}

func TestEncodeDrainsBeforeSending(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, nil)
	defer func() { require.NoError(t, sess.Close()) }()

	// First frame: nothing queued, so it is submitted immediately.
	pkt, err := sess.Encode(testFrame(100))
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Equal(t, 1, hw.SentFrames())

	require.Eventually(t, func() bool { return sess.queue.len() == 1 }, 2*time.Second, time.Millisecond)

	// Second frame arrives with a packet pending: the packet is returned and
	// the frame only staged, never sent in the same call.
	pkt, err = sess.Encode(testFrame(200))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, int64(100), pkt.PTS)
	assert.Equal(t, 1, hw.SentFrames())

	// The staged frame goes out on the next call that returns no packet.
	pkt, err = sess.Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Equal(t, 2, hw.SentFrames())

	require.Eventually(t, func() bool { return sess.queue.len() == 1 }, 2*time.Second, time.Millisecond)
	pkt, err = sess.Encode(nil)
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, int64(200), pkt.PTS)
}

func TestStreamHeadersFromFirstPacket(t *testing.T) {
	sess, _ := newTestSession(t, driver.FakeConfig{}, nil)
	defer func() { require.NoError(t, sess.Close()) }()

	_, err := sess.Encode(testFrame(0))
	require.NoError(t, err)

	hdr, err := sess.StreamHeaders()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hdr), 5)
	assert.Equal(t, []byte{0, 0, 0, 1}, hdr[:4])
	assert.Equal(t, byte(0x67), hdr[4]) // SPS
}

func TestStreamHeadersAtInit(t *testing.T) {
	sess, _ := newTestSession(t, driver.FakeConfig{HeadersAtInit: true}, nil)
	defer func() { require.NoError(t, sess.Close()) }()

	hdr, err := sess.StreamHeaders()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hdr), 5)
	assert.Equal(t, byte(0x67), hdr[4])
}

func TestStreamHeadersTimeout(t *testing.T) {
	sess, _ := newTestSession(t, driver.FakeConfig{}, func(cfg *Config) {
		cfg.Tunables.HeaderTimeout = 30 * time.Millisecond
	})
	defer func() { require.NoError(t, sess.Close()) }()

	_, err := sess.StreamHeaders()
	require.ErrorIs(t, err, ErrHeadersUnavailable)
}

func TestRepeatHeadersOnKeyframes(t *testing.T) {
	sess, _ := newTestSession(t, driver.FakeConfig{KeyframeInterval: 1}, nil)

	for i := 0; i < 3; i++ {
		_, err := sess.Encode(testFrame(int64(i)))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	packets := drainAll(t, sess)
	require.NoError(t, sess.Close())
	require.Len(t, packets, 3)

	for i, pkt := range packets {
		require.True(t, pkt.Keyframe, "packet %d should be a keyframe", i)
		require.GreaterOrEqual(t, len(pkt.Data), 5)
		// Every keyframe starts with the parameter sets, repeated from the
		// cached headers for all but the first.
		assert.Equal(t, byte(0x67), pkt.Data[4], "packet %d should lead with SPS", i)
	}
}

func TestSessionFailsAfterReceiveErrors(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, func(cfg *Config) {
		cfg.Tunables.MaxConsecutiveErrors = 1
		cfg.Tunables.FlushTimeout = 50 * time.Millisecond
	})

	hw.FailNextReceive(errors.New("device reset"))

	require.Eventually(t, func() bool {
		_, err := sess.Encode(testFrame(0))
		return errors.Is(err, ErrSessionFailed)
	}, 2*time.Second, 5*time.Millisecond)

	d := sess.Diagnostics()
	assert.Equal(t, StateFailed, d.State)
	assert.Equal(t, "receive", d.LastOperation)
	assert.Contains(t, d.LastError, "device reset")

	// A failed session still tears down cleanly.
	require.NoError(t, sess.Close())
	assert.Equal(t, 1, hw.CloseCount())
}

func TestReceiverStopsAfterCopyFailures(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, func(cfg *Config) {
		cfg.Tunables.MaxConsecutiveErrors = 2
		cfg.Tunables.FlushTimeout = 50 * time.Millisecond
	})

	hw.FailCopy(errors.New("dma fault"))

	_, err := sess.Encode(testFrame(0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sess.Diagnostics().State == StateFailed
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "copy_packet", sess.Diagnostics().LastOperation)

	// FAILED is terminal for the worker too: the loop exits instead of
	// hammering the device with further receive calls.
	select {
	case <-sess.recvDone:
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop still running after the session failed")
	}
	calls := hw.ReceiveCalls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, hw.ReceiveCalls())

	require.NoError(t, sess.Close())
}

func TestFlushTimeoutIsNonFatal(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, func(cfg *Config) {
		cfg.Tunables.FlushTimeout = 50 * time.Millisecond
	})

	// The device never acknowledges end of stream within the window.
	hw.HoldReceives(1 << 20)

	start := time.Now()
	pkt, err := sess.Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, hw.Flushed())
	assert.False(t, sess.encoderEOF.Load())

	require.NoError(t, sess.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, nil)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, 1, hw.CloseCount())

	_, err := sess.Encode(testFrame(0))
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.Encode(nil)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestUpdateIsRejected(t *testing.T) {
	sess, _ := newTestSession(t, driver.FakeConfig{}, nil)
	defer func() { require.NoError(t, sess.Close()) }()

	st := DefaultSettings()
	st.BitrateKbps = 8000
	require.ErrorIs(t, sess.Update(st), ErrReconfigureUnsupported)
}

func TestFrameAfterFlushIsDropped(t *testing.T) {
	sess, hw := newTestSession(t, driver.FakeConfig{}, nil)

	_, err := sess.Encode(nil) // triggers the end-of-stream handshake
	require.NoError(t, err)
	require.True(t, sess.flushing.Load())

	_, err = sess.Encode(testFrame(1))
	require.NoError(t, err)
	assert.Equal(t, 0, hw.SentFrames())

	require.NoError(t, sess.Close())
}
