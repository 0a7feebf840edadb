// SPDX-License-Identifier: MIT

package encoder

// Keyframe classification is derived from the bitstream itself. The device
// reports no reliable keyframe flag, so packets are walked NAL by NAL.

// H.264 NAL unit types.
const (
	h264NALSlice    = 1
	h264NALSliceIDR = 5
	h264NALSPS      = 7
	h264NALPPS      = 8
)

// H.265 NAL unit type boundaries.
const (
	h265NALIRAPFirst = 16 // BLA_W_LP
	h265NALIRAPLast  = 21 // CRA_NUT
	h265NALVPS       = 32
	h265NALSPS       = 33
	h265NALPPS       = 34
)

// classify inspects an Annex-B packet and derives keyframe-ness and a
// delivery priority for the given codec.
func classify(codec Codec, data []byte) (keyframe bool, prio Priority) {
	prio = PriorityDisposable
	walkNALs(data, func(nal []byte) {
		if len(nal) == 0 {
			return
		}
		if codec == CodecH265 {
			typ := (nal[0] >> 1) & 0x3F
			switch {
			case typ >= h265NALIRAPFirst && typ <= h265NALIRAPLast:
				keyframe = true
				prio = PriorityHighest
			case typ == h265NALVPS || typ == h265NALSPS || typ == h265NALPPS:
				prio = PriorityHighest
			case typ < h265NALIRAPFirst && typ%2 == 1:
				// odd sub-IRAP types are reference pictures
				if prio < PriorityHigh {
					prio = PriorityHigh
				}
			}
			return
		}
		typ := nal[0] & 0x1F
		refIdc := (nal[0] >> 5) & 0x3
		switch {
		case typ == h264NALSliceIDR:
			keyframe = true
			prio = PriorityHighest
		case typ == h264NALSPS || typ == h264NALPPS:
			prio = PriorityHighest
		case typ == h264NALSlice && refIdc > 0:
			if prio < PriorityHigh {
				prio = PriorityHigh
			}
		}
	})
	return keyframe, prio
}

// walkNALs invokes fn for each NAL unit in an Annex-B stream, with the start
// code stripped. Tolerates both 3- and 4-byte start codes.
func walkNALs(data []byte, fn func(nal []byte)) {
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && data[end-1] == 0 {
					end-- // 4-byte start code of the next unit
				}
				fn(data[start:end])
			}
			start = i + 3
			i += 3
			continue
		}
		i++
	}
	if start >= 0 && start <= len(data) {
		fn(data[start:])
	}
}
