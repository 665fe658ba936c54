// Package audio implements the Resampler component: stateless, bidirectional
// PCM16LE sample-rate conversion between the rates the transport supports
// (8000/16000/48000 Hz).
package audio

import (
	"encoding/binary"
	"log/slog"

	"github.com/voicegateway/voicegateway/internal/metrics"
)

// Resample converts a PCM16LE byte buffer from srcRate to dstRate using
// linear interpolation. It never fails to callers: on a malformed buffer
// (odd length) it logs and returns the input unchanged, matching spec.md
// §4.1's "failures never throw; on internal error return the input
// unchanged and record a metric."
func Resample(pcm16 []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate {
		return pcm16
	}
	if len(pcm16)%2 != 0 {
		slog.Warn("resample: odd-length pcm16 buffer, passing through unchanged", "len", len(pcm16))
		metrics.ResampleErrors.Inc()
		return pcm16
	}

	samples := bytesToSamples(pcm16)
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]int16, outLen)
	for i := range outLen {
		srcIdx := float64(i) * ratio
		idx := int(srcIdx)
		frac := srcIdx - float64(idx)
		out[i] = interpolate(samples, idx, frac)
	}
	return samplesToBytes(out)
}

func interpolate(samples []int16, idx int, frac float64) int16 {
	if idx+1 >= len(samples) {
		if len(samples) == 0 {
			return 0
		}
		return samples[len(samples)-1]
	}
	a, b := float64(samples[idx]), float64(samples[idx+1])
	return int16(a*(1-frac) + b*frac)
}

func bytesToSamples(pcm16 []byte) []int16 {
	samples := make([]int16, len(pcm16)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm16[i*2:]))
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
