package audio

import (
	"fmt"
	"math"
)

// tapsPerPhase is the FIR length each output sample is computed from. Larger
// values sharpen the anti-aliasing filter at the cost of CPU and latency.
const tapsPerPhase = 24

// Resampler converts PCM16 between two fixed sample rates with a polyphase
// FIR filter. Filter state is carried across calls, so feeding a stream
// chunk by chunk yields bit-identical output to feeding it at once. Create
// one per stream direction; not safe for concurrent use.
type Resampler struct {
	srcRate, dstRate int
	up, down         int
	identity         bool

	// taps holds the windowed-sinc prototype, one subfilter per phase, each
	// normalized to unity DC gain.
	taps []float64

	hist  []float64 // trailing input samples feeding the next chunk
	idx   int       // input position of the next output, relative to hist+chunk
	phase int       // polyphase phase in [0, up)
}

// NewResampler builds a resampler from srcRate to dstRate. Equal rates yield
// a pass-through. Rates must be positive.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	r := &Resampler{srcRate: srcRate, dstRate: dstRate}
	if srcRate == dstRate {
		r.identity = true
		return r, nil
	}
	g := gcd(srcRate, dstRate)
	r.up = dstRate / g
	r.down = srcRate / g
	r.taps = designLowpass(r.up, r.down)
	r.Reset()
	return r, nil
}

// Reset clears the filter state. The next chunk is treated as the start of a
// fresh stream.
func (r *Resampler) Reset() {
	if r.identity {
		return
	}
	r.hist = make([]float64, tapsPerPhase-1)
	r.idx = tapsPerPhase - 1
	r.phase = 0
}

// Process resamples one PCM16 chunk and returns the converted PCM16 bytes.
// The output length varies by ±1 sample between calls as the phase
// accumulator carries over; over a stream it converges to len*dst/src.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.identity {
		return pcm
	}
	n := len(pcm) / BytesPerSample
	buf := make([]float64, len(r.hist)+n)
	copy(buf, r.hist)
	for i := range n {
		buf[len(r.hist)+i] = float64(sampleAt(pcm, i))
	}

	out := make([]byte, 0, (n*r.up/r.down+2)*BytesPerSample)
	for r.idx < len(buf) {
		var acc float64
		for k := range tapsPerPhase {
			acc += r.taps[r.phase+k*r.up] * buf[r.idx-k]
		}
		s := clampInt16(acc)
		out = append(out, byte(s), byte(s>>8))

		r.phase += r.down
		r.idx += r.phase / r.up
		r.phase %= r.up
	}

	// Carry the filter tail into the next call. idx stays >= tapsPerPhase-1,
	// so the convolution window never underruns buf.
	keep := tapsPerPhase - 1
	tail := buf[len(buf)-keep:]
	r.hist = make([]float64, keep)
	copy(r.hist, tail)
	r.idx -= len(buf) - keep

	return out
}

// designLowpass returns a Hamming-windowed sinc filter of up*tapsPerPhase
// taps with cutoff at the narrower Nyquist, decomposed per phase with each
// subfilter scaled to unity DC gain so the output carries no amplitude
// ripple or DC offset.
func designLowpass(up, down int) []float64 {
	n := up * tapsPerPhase
	cutoff := 1.0 / float64(max(up, down)) // fraction of the upsampled Nyquist
	center := float64(n-1) / 2

	taps := make([]float64, n)
	for i := range n {
		x := float64(i) - center
		taps[i] = cutoff * sinc(cutoff*x) * hamming(i, n)
	}

	for p := range up {
		var sum float64
		for k := range tapsPerPhase {
			sum += taps[p+k*up]
		}
		if sum == 0 {
			continue
		}
		for k := range tapsPerPhase {
			taps[p+k*up] /= sum
		}
	}
	return taps
}

// sinc is the normalized sinc function sin(pi x)/(pi x).
func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// hamming evaluates a length-n Hamming window at index i.
func hamming(i, n int) float64 {
	return 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
