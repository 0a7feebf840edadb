// SPDX-License-Identifier: MIT

// Package driver defines the capability surface of the vendor codec library.
// The bridge core consumes the hardware exclusively through these types; it
// never interprets codec- or device-specific values beyond passing them on.
package driver

import (
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the vendor library could not be loaded
	// (missing shared object, unresolved symbols, or a stub build).
	ErrUnavailable = errors.New("codec driver unavailable")

	// ErrParamUnsupported is returned by SetParameter when the device rejects
	// a parameter name. Callers treat this as non-fatal.
	ErrParamUnsupported = errors.New("parameter not supported by device")

	// ErrEndOfStream is returned by Receive once the device has drained all
	// pending packets after a flush.
	ErrEndOfStream = errors.New("encoder end of stream")
)

// SessionConfig carries the immutable parameters a hardware session is
// created with. Values are validated for range only; their device-internal
// meaning is opaque to the bridge.
type SessionConfig struct {
	Device        string // device name, empty = driver default
	CodecFormat   int    // 0 = H.264, 1 = H.265
	Width         int
	Height        int
	BitrateBPS    int64
	TimebaseNum   int
	TimebaseDen   int
	GOPSize       int // keyframe interval in frames
	AttachHeaders bool
}

// Driver bundles the function table resolved from the vendor library into a
// single explicit handle. Optional capabilities are nil-able function values
// checked once by the caller; required ones are guaranteed non-nil by Load.
type Driver struct {
	// OpenSession initialises a hardware session. The caller applies named
	// parameters and then calls Session.Open. Required.
	OpenSession func(cfg SessionConfig) (Session, error)

	// ResourceInit prepares the device discovery subsystem. Optional.
	ResourceInit func(timeout time.Duration) error

	// ListDevices enumerates local devices. Optional; requires ResourceInit.
	ListDevices func(max int) ([]string, error)
}

// Session is one opaque stateful connection to the codec device. All methods
// that touch the hardware FIFO (AcquireInput, Send, Receive, CopyPacket) must
// be externally serialized by the caller.
type Session interface {
	// SetParameter sets a named device parameter. Must be called before Open.
	// ErrParamUnsupported is non-fatal; any other error is.
	SetParameter(name, value string) error

	// Open establishes communication with the device and allocates hardware
	// resources. Parameters are frozen once Open succeeds.
	Open() error

	// Headers returns pre-generated stream headers, or nil when the device
	// only emits them with the first encoded packet.
	Headers() []byte

	// AcquireInput obtains an input slot for one raw frame. The slot must be
	// released on every path after Send or on failure.
	AcquireInput() (InputSlot, error)

	// Send hands a populated input slot to the device. Non-blocking.
	Send(slot InputSlot) error

	// Receive blocks until a packet is available, no data is pending (0, nil),
	// the stream has ended (ErrEndOfStream), or an error occurs. A positive
	// return is the packet size; the packet stays current until CopyPacket.
	Receive() (int, error)

	// CopyPacket copies the current packet payload out of device-owned memory.
	CopyPacket(dst []byte, first bool) error

	// LatestDTS returns the device-tracked decode timestamp of the most
	// recently produced packet, 0 if none.
	LatestDTS() int64

	// FirstPTS returns the presentation timestamp of the first frame sent.
	FirstPTS() int64

	// Close releases the hardware session. Idempotent.
	Close() error
}

// InputSlot is a device input buffer for a single raw frame.
type InputSlot interface {
	// SetPlanes copies per-plane pixel data with the given strides. A nil
	// planes slice leaves the slot zero-filled (sentinel frames).
	SetPlanes(planes [][]byte, strides []int)

	SetPTS(pts int64)

	// ForceKeyframe requests an IDR for this frame.
	ForceKeyframe(force bool)

	// MarkEndOfStream flags this slot as the flush sentinel.
	MarkEndOfStream()

	// Release returns the slot to the device. Safe to call after Send.
	Release()
}
