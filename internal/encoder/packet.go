// SPDX-License-Identifier: MIT

package encoder

// Priority hints how important a packet is for delivery when the transport
// has to drop data. Derived from the bitstream, highest wins per packet.
type Priority int

const (
	PriorityDisposable Priority = iota // non-reference slices
	PriorityLow
	PriorityHigh    // reference slices
	PriorityHighest // parameter sets and IDR/IRAP
)

// String returns the metric/log label for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityDisposable:
		return "disposable"
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityHighest:
		return "highest"
	default:
		return "unknown"
	}
}

// Packet is one encoded access unit. The payload is exclusively owned by the
// packet until it is handed to the caller; afterwards the pipeline never
// references it again.
type Packet struct {
	Data     []byte
	PTS      int64
	DTS      int64
	Keyframe bool
	Priority Priority
}

// RawFrame is one uncompressed input picture in planar 4:2:0 layout, as
// handed over by the host framework.
type RawFrame struct {
	Planes  [][]byte
	Strides []int
	PTS     int64
}
