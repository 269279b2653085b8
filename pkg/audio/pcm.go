// Package audio provides the PCM16 primitives of the voice path: a
// phase-continuous polyphase resampler, RMS measurement for noise gating,
// click-suppressing fades, and frame chunking.
//
// All functions operate on little-endian 16-bit signed mono PCM, the only
// format the telephony plant and the realtime model exchange.
package audio

import "math"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// ChunkBytes returns the byte size of one frame of the given duration at the
// given sample rate. 20 ms at 8 kHz is 320 bytes.
func ChunkBytes(sampleRate, chunkMs int) int {
	return sampleRate * chunkMs / 1000 * BytesPerSample
}

// RateFromFrame infers the sample rate of a frame of known duration from its
// byte length. Returns 0 when the length matches none of the candidate rates.
func RateFromFrame(frameBytes, chunkMs int, candidates []int) int {
	for _, rate := range candidates {
		if frameBytes == ChunkBytes(rate, chunkMs) {
			return rate
		}
	}
	return 0
}

// RMS computes the root-mean-square amplitude of a PCM16 buffer in sample
// units (0..32768). An empty or misaligned buffer yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns a zeroed PCM16 buffer of the given byte length.
func Silence(n int) []byte {
	return make([]byte, n)
}

// FadeIn applies an in-place linear ramp from zero over the first n samples.
// Used on the first frame after a silence gap to suppress clicks.
func FadeIn(pcm []byte, n int) {
	total := len(pcm) / BytesPerSample
	if n > total {
		n = total
	}
	for i := range n {
		s := float64(sampleAt(pcm, i)) * float64(i) / float64(n)
		putSampleAt(pcm, i, clampInt16(s))
	}
}

// FadeOut applies an in-place linear ramp to zero over the last n samples.
func FadeOut(pcm []byte, n int) {
	total := len(pcm) / BytesPerSample
	if n > total {
		n = total
	}
	for i := range n {
		idx := total - n + i
		s := float64(sampleAt(pcm, idx)) * float64(n-1-i) / float64(n)
		putSampleAt(pcm, idx, clampInt16(s))
	}
}

// SplitFrames cuts pcm into frames of exactly chunkBytes. The final partial
// frame, if any, is zero-padded to a whole frame so every emitted frame is a
// whole number of samples.
func SplitFrames(pcm []byte, chunkBytes int) [][]byte {
	if chunkBytes <= 0 || len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + chunkBytes - 1) / chunkBytes
	frames := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		last := make([]byte, chunkBytes)
		copy(last, pcm[off:])
		frames = append(frames, last)
	}
	return frames
}

// sampleAt reads the i-th little-endian int16 sample.
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// putSampleAt writes the i-th little-endian int16 sample.
func putSampleAt(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// clampInt16 rounds and saturates a float sample to the int16 range.
func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(math.Round(v))
}
