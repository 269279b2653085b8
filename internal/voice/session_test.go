package voice

import (
	"context"
	"testing"
	"time"

	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/pkg/audio"
)

func testSession(t *testing.T, ringCap int) *Session {
	t.Helper()
	inRes, err := audio.NewResampler(8000, modelRate)
	if err != nil {
		t.Fatal(err)
	}
	outRes, err := audio.NewResampler(modelRate, 8000)
	if err != nil {
		t.Fatal(err)
	}
	return &Session{
		metrics:    observe.DefaultMetrics(),
		chunkMs:    20,
		noiseGate:  200,
		sampleRate: 8000,
		inRes:      inRes,
		outRes:     outRes,
		input:      make(chan []byte, ringCap),
		out:        newPlayout(10, 1, 20, observe.DefaultMetrics()),
	}
}

func TestBargeIn_SuppressedWhileQueued(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)
	s.out.Enqueue(pcmFrame(320, 0x30))

	if s.handleBargeIn(context.Background()) {
		t.Fatal("barge-in flushed with frames still queued")
	}
	if s.out.Len() != 1 {
		t.Fatalf("queue len = %d after suppressed barge-in, want 1", s.out.Len())
	}
}

func TestBargeIn_SuppressedWhilePlaying(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)
	s.out.setPlaying(true)

	if s.handleBargeIn(context.Background()) {
		t.Fatal("barge-in flushed while playing")
	}
}

func TestBargeIn_SuppressedByRecentDelta(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)
	s.lastDelta = time.Now()

	if s.handleBargeIn(context.Background()) {
		t.Fatal("barge-in flushed within the audio grace window")
	}
}

func TestBargeIn_AppliedOnQuietLine(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)
	s.lastDelta = time.Now().Add(-2 * time.Second)

	if !s.handleBargeIn(context.Background()) {
		t.Fatal("barge-in suppressed on a quiet line")
	}
}

func TestDetectRate_SwitchesOnFirstFrame(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)

	// 640 bytes of 20 ms is 16 kHz.
	s.detectRate(make([]byte, 640))
	if s.sampleRate != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", s.sampleRate)
	}

	// Later frames must not change it back.
	s.detectRate(make([]byte, 320))
	if s.sampleRate != 16000 {
		t.Fatalf("sampleRate changed on a later frame: %d", s.sampleRate)
	}
}

func TestDetectRate_UnknownLengthKeepsConfigured(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)

	s.detectRate(make([]byte, 123))
	if s.sampleRate != 8000 {
		t.Fatalf("sampleRate = %d, want configured 8000", s.sampleRate)
	}
}

func TestIngest_NoiseGateSubstitutesSilence(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)
	ctx := context.Background()

	quiet := make([]byte, 320) // RMS 0, below the gate
	s.ingest(ctx, quiet)
	loud := make([]byte, 320)
	for i := 1; i < len(loud); i += 2 {
		loud[i] = 0x40 // samples of 0x4000, RMS well above 200
	}
	s.ingest(ctx, loud)

	first := <-s.input
	if audio.RMS(first) != 0 {
		t.Fatal("quiet frame was not silenced")
	}
	second := <-s.input
	if audio.RMS(second) == 0 {
		t.Fatal("loud frame was silenced")
	}
}

func TestIngest_RingDropsOldest(t *testing.T) {
	t.Parallel()
	s := testSession(t, 2)
	s.noiseGate = 0
	ctx := context.Background()

	for i := byte(1); i <= 3; i++ {
		s.ingest(ctx, pcmFrame(320, i))
	}

	// Frame 1 is gone; 2 and 3 survived.
	got := <-s.input
	if got[0] != 2 {
		t.Fatalf("oldest surviving frame starts with %d, want 2", got[0])
	}
	got = <-s.input
	if got[0] != 3 {
		t.Fatalf("newest frame starts with %d, want 3", got[0])
	}
}

func TestEnqueueModelAudio_SplitsToWholeFrames(t *testing.T) {
	t.Parallel()
	s := testSession(t, 4)
	ctx := context.Background()

	// 100 ms at the model rate resamples to 100 ms at 8 kHz: 5 frames.
	s.enqueueModelAudio(ctx, make([]byte, modelRate/10*2))
	if got := s.out.Len(); got < 4 || got > 6 {
		t.Fatalf("queued %d frames, want about 5", got)
	}
	for s.out.Len() > 0 {
		f := s.out.dequeue()
		if len(f) != 320 {
			t.Fatalf("queued frame of %d bytes, want 320", len(f))
		}
	}
	if s.lastDelta.IsZero() {
		t.Fatal("lastDelta not stamped")
	}
}
