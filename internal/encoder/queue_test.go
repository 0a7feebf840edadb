// SPDX-License-Identifier: MIT

package encoder

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketQueueFIFO(t *testing.T) {
	q := newPacketQueue(10, "h264", zerolog.Nop())

	_, ok := q.popHead()
	require.False(t, ok)

	for i := int64(0); i < 5; i++ {
		q.pushTail(&Packet{PTS: i})
	}
	require.Equal(t, 5, q.len())

	for i := int64(0); i < 5; i++ {
		p, ok := q.popHead()
		require.True(t, ok)
		assert.Equal(t, i, p.PTS)
	}
	_, ok = q.popHead()
	assert.False(t, ok)
}

func TestPacketQueueNeverDrops(t *testing.T) {
	// Crossing the warn threshold logs but keeps every packet.
	q := newPacketQueue(10, "h264", zerolog.Nop())
	for i := int64(0); i < 25; i++ {
		q.pushTail(&Packet{PTS: i})
	}
	require.Equal(t, 25, q.len())
	for i := int64(0); i < 25; i++ {
		p, ok := q.popHead()
		require.True(t, ok)
		require.Equal(t, i, p.PTS)
	}
}

func TestPacketQueueDrain(t *testing.T) {
	q := newPacketQueue(10, "h264", zerolog.Nop())
	for i := 0; i < 3; i++ {
		q.pushTail(&Packet{})
	}
	assert.Equal(t, 3, q.drain())
	assert.Equal(t, 0, q.len())
	assert.Equal(t, 0, q.drain())
}

func TestStagingBuffer(t *testing.T) {
	b := newStagingBuffer(0) // clamps to 1
	require.True(t, b.empty())
	require.False(t, b.full())

	f1 := &RawFrame{PTS: 1}
	f2 := &RawFrame{PTS: 2}
	b.push(f1)
	assert.True(t, b.full())
	b.push(f2)

	out := b.takeAll()
	require.Len(t, out, 2)
	assert.Same(t, f1, out[0])
	assert.Same(t, f2, out[1])
	assert.True(t, b.empty())
}
