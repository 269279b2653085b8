package voice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/pkg/audio"
	"github.com/javierd009/agente-portero/pkg/audiosocket"
)

// fadeMs is the ramp applied at silence boundaries to suppress clicks.
const fadeMs = 2

// maxBehind is how far the playout clock may fall behind schedule before the
// epoch is re-anchored.
const maxBehind = 100 * time.Millisecond

// silenceExitMs is how much consecutive inserted silence ends the playing
// state.
const silenceExitMs = 800

// prebufferCeiling caps how long the loop waits for the pre-buffer to fill.
const prebufferCeiling = 300 * time.Millisecond

// playout paces model audio onto the telephony socket.
//
// The loop is an explicit two-state machine. Idle blocks until audio arrives,
// accumulates a pre-buffer, and anchors a monotonic epoch t0. Playing holds
// the invariant that frame k is written at t0 + k·chunkMs, inserting silence
// on underrun and re-anchoring t0 when the wall clock falls more than 100 ms
// behind. A run of inserted silence longer than silenceExitMs drops the loop
// back to Idle.
type playout struct {
	capacity  int
	prebuffer int
	chunkMs   int
	metrics   *observe.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	frames  [][]byte
	playing bool
	closed  bool
}

func newPlayout(capacity, prebuffer, chunkMs int, m *observe.Metrics) *playout {
	p := &playout{
		capacity:  capacity,
		prebuffer: prebuffer,
		chunkMs:   chunkMs,
		metrics:   m,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Enqueue adds one frame to the ring. Reports false when the ring is full and
// the frame was discarded.
func (p *playout) Enqueue(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.frames) >= p.capacity {
		return false
	}
	p.frames = append(p.frames, frame)
	p.cond.Signal()
	return true
}

// Len returns the number of queued frames.
func (p *playout) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Playing reports whether the loop is in the playing state.
func (p *playout) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Flush discards all queued frames and returns how many were dropped.
func (p *playout) Flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.frames)
	p.frames = nil
	return n
}

// Close wakes the loop and makes it return.
func (p *playout) Close() {
	p.mu.Lock()
	p.closed = true
	p.frames = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

// dequeue pops the oldest frame, or nil when the ring is empty.
func (p *playout) dequeue() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	f := p.frames[0]
	p.frames = p.frames[1:]
	return f
}

// remaining reports the queue depth after a dequeue, used for the fade-out
// heuristic: the last real frame before an empty queue gets the ramp.
func (p *playout) remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func (p *playout) setPlaying(v bool) {
	p.mu.Lock()
	p.playing = v
	p.mu.Unlock()
}

// waitForAudio blocks until at least one frame is queued, the ring closes, or
// ctx is cancelled. Reports whether the loop should keep running.
func (p *playout) waitForAudio(ctx context.Context) bool {
	// The cond has no ctx awareness; a watcher breaks the wait on cancel.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.frames) == 0 && !p.closed && ctx.Err() == nil {
		p.cond.Wait()
	}
	return !p.closed && ctx.Err() == nil
}

// Run drives the state machine until ctx is cancelled, the ring is closed, or
// the socket write fails. sampleRate yields the current telephony rate so
// silence frames and fades track the detected rate.
func (p *playout) Run(ctx context.Context, w io.Writer, sampleRate func() int) error {
	for {
		if !p.waitForAudio(ctx) {
			return nil
		}

		// Pre-buffer: absorb jitter before anchoring the clock, bounded by a
		// wall-clock ceiling so a slow model cannot stall the first word.
		deadline := time.Now().Add(prebufferCeiling)
		for p.Len() < p.prebuffer && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Millisecond):
			}
		}

		if err := p.play(ctx, w, sampleRate); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// play runs the playing state: one frame per tick until the silence run ends
// the burst.
func (p *playout) play(ctx context.Context, w io.Writer, sampleRate func() int) error {
	rate := sampleRate()
	chunkBytes := audio.ChunkBytes(rate, p.chunkMs)
	fadeSamples := rate * fadeMs / 1000
	maxSilence := silenceExitMs / p.chunkMs
	chunkDur := time.Duration(p.chunkMs) * time.Millisecond

	p.setPlaying(true)
	defer p.setPlaying(false)

	t0 := time.Now()
	k := 0
	silenceRun := 0
	fadeNext := true // ramp in the first frame of the burst

	for {
		target := t0.Add(time.Duration(k) * chunkDur)
		if wait := time.Until(target); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		} else if -wait > maxBehind {
			// Re-anchor rather than burst-write a backlog of late frames.
			t0 = time.Now().Add(-time.Duration(k) * chunkDur)
			p.metrics.PlayoutResyncs.Add(ctx, 1)
			slog.Debug("voice: playout resync", "behind", -wait)
		}

		frame := p.dequeue()
		if frame == nil {
			frame = audio.Silence(chunkBytes)
			silenceRun++
		} else {
			if fadeNext {
				audio.FadeIn(frame, fadeSamples)
				fadeNext = false
			}
			if p.remaining() == 0 {
				// Likely the last frame of the response.
				audio.FadeOut(frame, fadeSamples)
				fadeNext = true
			}
			silenceRun = 0
		}

		if err := audiosocket.WriteAudio(w, frame); err != nil {
			return err
		}
		p.metrics.FramesOut.Add(ctx, 1)
		k++

		if silenceRun >= maxSilence {
			return nil
		}
	}
}
