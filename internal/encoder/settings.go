// SPDX-License-Identifier: MIT

package encoder

import (
	"fmt"
	"math"
)

// Codec selects the bitstream format of the hardware session.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

// String returns the settings-level name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

// ParseCodec maps a settings string to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "h264":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	default:
		return CodecH264, fmt.Errorf("unknown codec %q", s)
	}
}

// Rate control modes accepted by the settings bag.
const (
	RateControlCBR = "CBR"
	RateControlVBR = "VBR"
)

// Profiles accepted by the settings bag.
var Profiles = []string{"baseline", "main", "high"}

// Settings is the caller-supplied encoder configuration. It is immutable for
// the lifetime of a session; changes require destroy and recreate.
type Settings struct {
	Codec         Codec
	BitrateKbps   int
	KeyintSec     int    // keyframe interval in seconds
	Device        string // empty = auto-discover, then driver default
	RateControl   string // "CBR" or "VBR"
	Profile       string // "baseline", "main" or "high"
	RepeatHeaders bool   // prefix stream headers to every keyframe
}

// DefaultSettings returns the defaults applied when the host supplies none:
// H.264 at 6000 kbps, 2 s keyframe interval, CBR, high profile, headers
// repeated on keyframes.
func DefaultSettings() Settings {
	return Settings{
		Codec:         CodecH264,
		BitrateKbps:   6000,
		KeyintSec:     2,
		RateControl:   RateControlCBR,
		Profile:       "high",
		RepeatHeaders: true,
	}
}

// Validate checks settings ranges. The device-internal meaning of the values
// is not interpreted here.
func (s Settings) Validate() error {
	if s.Codec != CodecH264 && s.Codec != CodecH265 {
		return fmt.Errorf("invalid codec %d", s.Codec)
	}
	if s.BitrateKbps < 100 || s.BitrateKbps > 100000 {
		return fmt.Errorf("bitrate %d kbps out of range [100, 100000]", s.BitrateKbps)
	}
	if s.KeyintSec < 1 || s.KeyintSec > 20 {
		return fmt.Errorf("keyframe interval %d s out of range [1, 20]", s.KeyintSec)
	}
	switch s.RateControl {
	case RateControlCBR, RateControlVBR:
	default:
		return fmt.Errorf("invalid rate control mode %q", s.RateControl)
	}
	switch s.Profile {
	case "baseline", "main", "high":
	default:
		return fmt.Errorf("invalid profile %q", s.Profile)
	}
	return nil
}

// KeyframeInterval converts the keyframe interval from seconds to frames for
// the given geometry. 1920x1080 at 30 fps with keyint 2 s yields 60.
func (s Settings) KeyframeInterval(g Geometry) int {
	return int(math.Round(float64(s.KeyintSec) * g.FPS()))
}

// profileID maps a profile name to the device parameter value. Profile IDs
// are codec specific: 66/77/100 for H.264, 1 (Main) and 2 (Main 10) for HEVC.
func (s Settings) profileID() (string, bool) {
	if s.Codec == CodecH265 {
		switch s.Profile {
		case "baseline", "main":
			return "1", true
		case "high":
			return "2", true
		}
		return "", false
	}
	switch s.Profile {
	case "baseline":
		return "66", true
	case "main":
		return "77", true
	case "high":
		return "100", true
	}
	return "", false
}

// Geometry is the video geometry and framerate obtained from the host.
type Geometry struct {
	Width  int
	Height int
	FPSNum int
	FPSDen int
}

// FPS returns the frame rate as a float.
func (g Geometry) FPS() float64 {
	if g.FPSDen == 0 {
		return 0
	}
	return float64(g.FPSNum) / float64(g.FPSDen)
}

// Validate checks the geometry for hardware-acceptable ranges.
func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", g.Width, g.Height)
	}
	if g.Width%2 != 0 || g.Height%2 != 0 {
		return fmt.Errorf("dimensions %dx%d must be even for 4:2:0 input", g.Width, g.Height)
	}
	if g.FPSNum <= 0 || g.FPSDen <= 0 {
		return fmt.Errorf("invalid framerate %d/%d", g.FPSNum, g.FPSDen)
	}
	return nil
}
