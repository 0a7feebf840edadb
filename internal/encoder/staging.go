package encoder

// stagingBuffer holds raw frames between acceptance and hardware submission.
// Capacity is 1 in practice, making it a pass-through; the mechanism exists
// so batch submission can be added without changing the caller contract.
// It is touched only from the caller's thread and needs no lock.
type stagingBuffer struct {
	capacity int
	frames   []*RawFrame
}

func newStagingBuffer(capacity int) *stagingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &stagingBuffer{capacity: capacity}
}

func (b *stagingBuffer) push(f *RawFrame) {
	b.frames = append(b.frames, f)
}

func (b *stagingBuffer) empty() bool {
	return len(b.frames) == 0
}

func (b *stagingBuffer) full() bool {
	return len(b.frames) >= b.capacity
}

// takeAll returns the staged frames in submission order and resets the buffer.
func (b *stagingBuffer) takeAll() []*RawFrame {
	out := b.frames
	b.frames = nil
	return out
}
