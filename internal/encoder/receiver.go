// SPDX-License-Identifier: MIT

package encoder

import (
	"errors"
	"time"

	"github.com/quartzvideo/hwbridge/internal/driver"
	"github.com/quartzvideo/hwbridge/internal/metrics"
)

// receiveLoop is the background packet receiver. It owns the blocking
// hardware receive call: receive and copy-out run under the I/O lock shared
// with the send path, the queue append under the queue's own lock, strictly
// after the I/O lock is released. The loop exits when the stop flag is set,
// when the hardware acknowledges end of stream after a flush, or when the
// health monitor declares the session FAILED.
func (s *Session) receiveLoop() {
	defer close(s.recvDone)
	log := s.log.With().Str("component", "receiver").Logger()
	log.Debug().Str("event", "receiver.started").Msg("receive loop running")

	for !s.stop.Load() {
		s.ioMu.Lock()
		start := time.Now()
		n, err := s.hw.Receive()
		metrics.ReceiveDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			s.ioMu.Unlock()
			if errors.Is(err, driver.ErrEndOfStream) {
				s.encoderEOF.Store(true)
				log.Info().Str("event", "receiver.eof").Msg("hardware signaled end of stream")
				return
			}
			if s.health.recordError("receive", err) == StateFailed {
				log.Error().Str("event", "receiver.giving_up").Msg("too many receive errors, stopping")
				return
			}
			time.Sleep(s.tun.ReceivePollInterval)
			continue
		}

		if n == 0 {
			s.ioMu.Unlock()
			time.Sleep(s.tun.ReceivePollInterval)
			continue
		}

		// Packet available: copy it out of hardware-owned memory while the
		// I/O lock is still held.
		buf := make([]byte, n)
		first := !s.firstPacket.Load()
		if err := s.hw.CopyPacket(buf, first); err != nil {
			s.ioMu.Unlock()
			if s.health.recordError("copy_packet", err) == StateFailed {
				log.Error().Str("event", "receiver.giving_up").Msg("too many copy errors, stopping")
				return
			}
			continue
		}
		s.firstPacket.Store(true)
		pts := s.hw.LatestDTS()
		if pts == 0 {
			pts = s.hw.FirstPTS()
		}
		s.ioMu.Unlock()

		// The first packet always carries the parameter sets; cache them if
		// they were not pre-generated at init.
		if first && !s.gotHeaders.Load() {
			s.setHeaders(buf)
			log.Info().
				Str("event", "receiver.headers_extracted").
				Int("size", len(buf)).
				Msg("stream headers extracted from first packet")
		}

		keyframe, prio := classify(s.settings.Codec, buf)
		data := buf
		if s.settings.RepeatHeaders && keyframe && !first {
			data = prefixHeaders(s.headersCopy(), data)
		}

		s.queue.pushTail(&Packet{
			Data:     data,
			PTS:      pts,
			DTS:      pts,
			Keyframe: keyframe,
			Priority: prio,
		})
		s.health.markPacket()
		s.health.recordSuccess()
	}

	log.Debug().Str("event", "receiver.stopped").Msg("receive loop stopped")
}
