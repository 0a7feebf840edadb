// SPDX-License-Identifier: MIT

package encoder

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quartzvideo/hwbridge/internal/metrics"
)

// packetQueue is the bounded-notice FIFO between the receiver goroutine and
// the caller thread. It has its own lock, distinct from the I/O lock, so
// queue contention never blocks hardware I/O. Depth beyond warnDepth is
// logged to diagnose a stalled consumer; packets are never dropped, since
// dropping would corrupt the stream.
type packetQueue struct {
	mu        sync.Mutex
	log       zerolog.Logger
	warnDepth int
	codec     string // metric label
	items     []*Packet
}

func newPacketQueue(warnDepth int, codec string, log zerolog.Logger) *packetQueue {
	return &packetQueue{log: log, warnDepth: warnDepth, codec: codec}
}

// pushTail appends a packet. Called only by the receiver goroutine.
func (q *packetQueue) pushTail(p *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.warnDepth {
		q.log.Warn().
			Str("event", "queue.backlog").
			Int("depth", len(q.items)).
			Int("threshold", q.warnDepth).
			Msg("packet queue over threshold, caller may not be consuming")
	}
	q.items = append(q.items, p)
	metrics.QueueDepth.WithLabelValues(q.codec).Set(float64(len(q.items)))
}

// popHead removes and returns the oldest packet, if any.
func (q *packetQueue) popHead() (*Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	metrics.QueueDepth.WithLabelValues(q.codec).Set(float64(len(q.items)))
	return p, true
}

func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain empties the queue and returns how many packets were discarded.
// Called only during teardown, after the receiver has stopped.
func (q *packetQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	metrics.QueueDepth.WithLabelValues(q.codec).Set(0)
	return n
}
