// Package audio converts engine samples to the wire and file formats the
// service hands out.
package audio

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one PCM16 mono sample.
const BytesPerSample = 2

// PCM16 converts float samples in [-1, 1] to little-endian signed 16-bit PCM.
// Out-of-range samples are clipped.
func PCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// SamplesFromPCM16 is the inverse of PCM16, up to quantization.
func SamplesFromPCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / math.MaxInt16
	}
	return out
}

func toInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * math.MaxInt16)
}
