// SPDX-License-Identifier: MIT

package driver

import (
	"fmt"
	"sync"
	"time"
)

// FakeConfig tunes the synthetic driver.
type FakeConfig struct {
	HeadersAtInit    bool          // expose stream headers before the first packet
	KeyframeInterval int           // IDR every N frames; 0 = first frame only
	ReceiveDelay     time.Duration // simulated blocking interval per receive call
	PayloadSize      int           // filler bytes per slice (default 64)
}

// Fake is a software stand-in for the hardware codec. It produces valid
// Annex-B bitstreams (one packet per submitted frame) so the bridge core,
// including keyframe classification, can be exercised without a device.
type Fake struct {
	cfg FakeConfig

	mu       sync.Mutex
	sessions []*FakeSession
}

// NewFake creates a synthetic driver with full (including optional
// discovery) capabilities.
func NewFake(cfg FakeConfig) *Fake {
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = 64
	}
	if cfg.ReceiveDelay <= 0 {
		cfg.ReceiveDelay = 500 * time.Microsecond
	}
	return &Fake{cfg: cfg}
}

// Driver returns the capability handle backed by this fake.
func (f *Fake) Driver() *Driver {
	return &Driver{
		OpenSession: f.openSession,
		ResourceInit: func(time.Duration) error {
			return nil
		},
		ListDevices: func(max int) ([]string, error) {
			if max < 1 {
				return nil, nil
			}
			return []string{"fake0"}, nil
		},
	}
}

// Sessions returns every session opened so far, in creation order.
func (f *Fake) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeSession, len(f.sessions))
	copy(out, f.sessions)
	return out
}

func (f *Fake) openSession(cfg SessionConfig) (Session, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("fake driver: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	s := &FakeSession{cfg: cfg, fake: f.cfg, params: map[string]string{}}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

type fakePacket struct {
	data []byte
	pts  int64
}

// FakeSession implements Session in software. Exported mutators let tests
// inject failures on the send and receive paths.
type FakeSession struct {
	cfg  SessionConfig
	fake FakeConfig

	mu          sync.Mutex
	params      map[string]string
	pending     []fakePacket
	current     *fakePacket
	frames      int
	flushed     bool
	latestDTS   int64
	firstPTS    int64
	firstSent   bool
	opened      bool
	closeCount  int
	openErr      error
	sendErr      error
	receiveErr   error
	copyErr      error // sticky, unlike the one-shot injections
	receiveHold  int   // receive calls answered "no data" before packets flow
	receiveCalls int
}

var fakeParams = map[string]bool{
	"cbr":          true,
	"profile":      true,
	"gopPresetIdx": true,
	"intraPeriod":  true,
}

func (s *FakeSession) SetParameter(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fakeParams[name] {
		return fmt.Errorf("%w: %s", ErrParamUnsupported, name)
	}
	s.params[name] = value
	return nil
}

func (s *FakeSession) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openErr; err != nil {
		s.openErr = nil
		return err
	}
	s.opened = true
	return nil
}

// Config returns the session configuration the driver was opened with.
func (s *FakeSession) Config() SessionConfig {
	return s.cfg
}

// Opened reports whether Open succeeded.
func (s *FakeSession) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// FailNextOpen makes the next Open call return err.
func (s *FakeSession) FailNextOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Parameters returns a copy of the accepted parameter map.
func (s *FakeSession) Parameters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

func (s *FakeSession) Headers() []byte {
	if !s.fake.HeadersAtInit {
		return nil
	}
	return s.headerNALs()
}

func (s *FakeSession) AcquireInput() (InputSlot, error) {
	return &fakeInput{}, nil
}

func (s *FakeSession) Send(slot InputSlot) error {
	in, ok := slot.(*fakeInput)
	if !ok {
		return fmt.Errorf("fake driver: foreign input slot %T", slot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendErr; err != nil {
		s.sendErr = nil
		return err
	}
	if in.eos {
		s.flushed = true
		return nil
	}
	if !s.firstSent {
		s.firstSent = true
		s.firstPTS = in.pts
	}
	idr := s.frames == 0 || in.forceIDR
	if s.fake.KeyframeInterval > 0 && s.frames%s.fake.KeyframeInterval == 0 {
		idr = true
	}
	s.pending = append(s.pending, fakePacket{data: s.packetNALs(idr, s.frames == 0), pts: in.pts})
	s.frames++
	s.latestDTS = in.pts
	return nil
}

func (s *FakeSession) Receive() (int, error) {
	time.Sleep(s.fake.ReceiveDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveCalls++
	if err := s.receiveErr; err != nil {
		s.receiveErr = nil
		return 0, err
	}
	if s.receiveHold > 0 {
		s.receiveHold--
		return 0, nil
	}
	if s.current != nil {
		// Stays current until copied out.
		return len(s.current.data), nil
	}
	if len(s.pending) == 0 {
		if s.flushed {
			return 0, ErrEndOfStream
		}
		return 0, nil
	}
	s.current = &s.pending[0]
	s.pending = s.pending[1:]
	return len(s.current.data), nil
}

func (s *FakeSession) CopyPacket(dst []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.copyErr != nil {
		return s.copyErr
	}
	if s.current == nil {
		return fmt.Errorf("fake driver: no current packet")
	}
	copy(dst, s.current.data)
	s.current = nil
	return nil
}

func (s *FakeSession) LatestDTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestDTS
}

func (s *FakeSession) FirstPTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstPTS
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// FailNextSend makes the next Send call return err.
func (s *FakeSession) FailNextSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailNextReceive makes the next Receive call return err.
func (s *FakeSession) FailNextReceive(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveErr = err
}

// FailCopy makes every CopyPacket call return err until cleared with nil.
func (s *FakeSession) FailCopy(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copyErr = err
}

// ReceiveCalls reports how many times Receive was called.
func (s *FakeSession) ReceiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveCalls
}

// HoldReceives answers the next n Receive calls with "no data".
func (s *FakeSession) HoldReceives(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveHold = n
}

// SentFrames reports how many non-sentinel frames were sent.
func (s *FakeSession) SentFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Flushed reports whether the end-of-stream sentinel was received.
func (s *FakeSession) Flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// CloseCount reports how many times Close was called.
func (s *FakeSession) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

var annexBStart = []byte{0x00, 0x00, 0x00, 0x01}

func (s *FakeSession) headerNALs() []byte {
	var out []byte
	if s.cfg.CodecFormat == 1 {
		out = appendNAL(out, []byte{0x40, 0x01}, 8) // VPS
		out = appendNAL(out, []byte{0x42, 0x01}, 12)
		out = appendNAL(out, []byte{0x44, 0x01}, 6)
		return out
	}
	out = appendNAL(out, []byte{0x67}, 12) // SPS
	out = appendNAL(out, []byte{0x68}, 4)  // PPS
	return out
}

func (s *FakeSession) packetNALs(idr, first bool) []byte {
	var out []byte
	if first {
		out = append(out, s.headerNALs()...)
	}
	size := s.fake.PayloadSize
	if s.cfg.CodecFormat == 1 {
		if idr {
			return appendNAL(out, []byte{0x26, 0x01}, size) // IDR_W_RADL
		}
		return appendNAL(out, []byte{0x02, 0x01}, size) // TRAIL_R
	}
	if idr {
		return appendNAL(out, []byte{0x65}, size)
	}
	return appendNAL(out, []byte{0x41}, size)
}

func appendNAL(dst, header []byte, payload int) []byte {
	dst = append(dst, annexBStart...)
	dst = append(dst, header...)
	for i := 0; i < payload; i++ {
		dst = append(dst, byte(i))
	}
	return dst
}

type fakeInput struct {
	pts      int64
	forceIDR bool
	eos      bool
	released bool
}

func (in *fakeInput) SetPlanes(_ [][]byte, _ []int) {}
func (in *fakeInput) SetPTS(pts int64)              { in.pts = pts }
func (in *fakeInput) ForceKeyframe(force bool)      { in.forceIDR = force }
func (in *fakeInput) MarkEndOfStream()              { in.eos = true }
func (in *fakeInput) Release()                      { in.released = true }
