package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/tools"
	"github.com/javierd009/agente-portero/pkg/audio"
	"github.com/javierd009/agente-portero/pkg/audiosocket"
	"github.com/javierd009/agente-portero/pkg/realtime"
)

// modelRate is the fixed PCM16 sample rate on the model side of the bridge.
const modelRate = 24000

// bargeInGrace suppresses barge-in while model audio is still arriving: a
// speech_started within this window of the last audio delta is treated as the
// VAD hearing its own echo.
const bargeInGrace = 500 * time.Millisecond

// inputRingMs bounds the caller-side frame ring. On overflow the oldest frame
// is dropped so the freshest audio reaches the model.
const inputRingMs = 500

// keepaliveInterval is how long the input streamer waits for caller audio
// before synthesizing a silence frame toward the model.
const keepaliveInterval = 30 * time.Second

// telephonyRates are the sample rates the first-frame detector recognises.
var telephonyRates = []int{8000, 16000, 24000}

// Session bridges one telephony call to one model session.
type Session struct {
	id      uuid.UUID
	conn    net.Conn
	model   *realtime.Session
	runtime *tools.Runtime
	metrics *observe.Metrics

	tenantID  string
	guardExt  string
	chunkMs   int
	noiseGate int

	// mu guards the rate-dependent state below. The telephony reader swaps it
	// once, on the first audio frame; the streamer and event loop read it.
	mu           sync.Mutex
	sampleRate   int
	inRes        *audio.Resampler // telephony -> model
	outRes       *audio.Resampler // model -> telephony
	rateDetected bool
	lastDelta    time.Time

	input chan []byte
	out   *playout

	noiseHits int
}

// newSession builds the per-call state. The model socket is already dialed
// and configured by the caller.
func newSession(id uuid.UUID, conn net.Conn, model *realtime.Session, rt *tools.Runtime, cfg *config.Config, m *observe.Metrics) (*Session, error) {
	rate := cfg.Telephony.SampleRate
	inRes, err := audio.NewResampler(rate, modelRate)
	if err != nil {
		return nil, err
	}
	outRes, err := audio.NewResampler(modelRate, rate)
	if err != nil {
		return nil, err
	}

	ringFrames := inputRingMs / cfg.Telephony.ChunkMs
	s := &Session{
		id:         id,
		conn:       conn,
		model:      model,
		runtime:    rt,
		metrics:    m,
		tenantID:   cfg.Tenant.ID,
		guardExt:   cfg.Tenant.GuardExtension,
		chunkMs:    cfg.Telephony.ChunkMs,
		noiseGate:  cfg.Telephony.NoiseGate(),
		sampleRate: rate,
		inRes:      inRes,
		outRes:     outRes,
		input:      make(chan []byte, ringFrames),
		out:        newPlayout(cfg.Telephony.QueueFrames, cfg.Telephony.PrebufferFrames, cfg.Telephony.ChunkMs, m),
	}
	return s, nil
}

// run drives the call until any of the three workers stops. The model event
// loop ending ends the call; there is no mid-call reconnect.
func (s *Session) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// The telephony reader blocks in a raw socket read; closing the sockets
	// is the only way to unblock it when a sibling stops first.
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
		s.model.Close()
	})
	defer stop()

	g.Go(func() error { return s.readTelephony(ctx) })
	g.Go(func() error { return s.streamInput(ctx) })
	g.Go(func() error { return s.eventLoop(ctx) })
	g.Go(func() error {
		defer s.out.Close()
		return s.out.Run(ctx, s.conn, s.currentRate)
	})

	err := g.Wait()

	// Draining: both sockets down, queues released, nothing left running.
	s.out.Close()
	s.model.Close()
	audiosocket.WriteHangup(s.conn)
	s.conn.Close()

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Session) currentRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// ── telephony → model ───────────────────────────────────────────────────────

// readTelephony consumes the framed stream from the PBX. Returning (for any
// reason) cancels the sibling workers through the errgroup.
func (s *Session) readTelephony(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := audiosocket.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return io.EOF
			}
			return fmt.Errorf("voice: telephony read: %w", err)
		}

		switch msg.Kind {
		case audiosocket.KindHangup:
			slog.Info("voice: caller hung up", "call", s.id)
			return io.EOF

		case audiosocket.KindError:
			slog.Warn("voice: telephony error frame",
				"call", s.id, "code", msg.ErrorCode())
			return fmt.Errorf("voice: telephony error 0x%02x", msg.ErrorCode())

		case audiosocket.KindAudio:
			s.ingest(ctx, msg.Payload)
		}
	}
}

// ingest runs rate detection, the noise gate, and the drop-oldest ring for
// one caller frame.
func (s *Session) ingest(ctx context.Context, frame []byte) {
	s.detectRate(frame)

	if s.noiseGate > 0 && audio.RMS(frame) < float64(s.noiseGate) {
		frame = audio.Silence(len(frame))
		s.metrics.NoiseGated.Add(ctx, 1)
		s.noiseHits++
		switch s.noiseHits {
		case 1, 100, 500:
			slog.Debug("voice: noise gate active", "call", s.id, "hits", s.noiseHits)
		}
	}

	s.metrics.FramesIn.Add(ctx, 1)
	select {
	case s.input <- frame:
	default:
		// Ring full: drop the oldest so the freshest audio survives.
		select {
		case <-s.input:
			s.metrics.FramesDropped.Add(ctx, 1)
		default:
		}
		select {
		case s.input <- frame:
		default:
		}
	}
}

// detectRate trusts the first audio frame: its sample count at the fixed
// chunk duration reveals the plant's actual rate. Later frames never change
// it.
func (s *Session) detectRate(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rateDetected {
		return
	}
	s.rateDetected = true

	rate := audio.RateFromFrame(len(frame), s.chunkMs, telephonyRates)
	if rate == 0 || rate == s.sampleRate {
		return
	}
	inRes, err := audio.NewResampler(rate, modelRate)
	if err != nil {
		return
	}
	outRes, err := audio.NewResampler(modelRate, rate)
	if err != nil {
		return
	}
	slog.Info("voice: telephony rate detected",
		"call", s.id, "rate", rate, "configured", s.sampleRate)
	s.sampleRate = rate
	s.inRes = inRes
	s.outRes = outRes
}

// streamInput forwards ring frames to the model, resampled to the model rate.
// When the caller goes quiet for keepaliveInterval it synthesizes silence so
// the model socket stays warm; it never closes on silence.
func (s *Session) streamInput(ctx context.Context) error {
	timer := time.NewTimer(keepaliveInterval)
	defer timer.Stop()

	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame = <-s.input:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			s.mu.Lock()
			frame = audio.Silence(audio.ChunkBytes(s.sampleRate, s.chunkMs))
			s.mu.Unlock()
			slog.Debug("voice: keepalive silence", "call", s.id)
		}
		timer.Reset(keepaliveInterval)

		s.mu.Lock()
		pcm := s.inRes.Process(frame)
		s.mu.Unlock()
		if len(pcm) == 0 {
			continue
		}
		if err := s.model.AppendAudio(pcm); err != nil {
			return err
		}
	}
}

// ── model → telephony ───────────────────────────────────────────────────────

// eventLoop consumes the model's event stream. Tool calls execute inline so
// their conversation items land in the order the model asked for them.
func (s *Session) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.model.Events():
			if !ok {
				if err := s.model.Err(); err != nil {
					return fmt.Errorf("voice: model socket: %w", err)
				}
				return io.EOF
			}
			if err := s.handleEvent(ctx, evt); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, evt realtime.Event) error {
	switch evt.Type {
	case realtime.EventSessionCreated:
		slog.Info("voice: model session live", "call", s.id)

	case realtime.EventAudioDelta:
		s.enqueueModelAudio(ctx, evt.Audio)

	case realtime.EventSpeechStarted:
		s.handleBargeIn(ctx)

	case realtime.EventAgentTranscript:
		slog.Info("voice: agent said", "call", s.id, "text", evt.Transcript)

	case realtime.EventCallerTranscript:
		slog.Info("voice: caller said", "call", s.id, "text", evt.Transcript)

	case realtime.EventToolCall:
		out := s.runtime.Execute(ctx, tools.Caller{
			TenantID:       s.tenantID,
			ChannelID:      s.id.String(),
			GuardExtension: s.guardExt,
		}, tools.Call{Name: evt.ToolName, Args: evt.ToolArgs, ID: evt.CallID})
		if err := s.model.SendToolOutput(evt.CallID, out); err != nil {
			return err
		}
		return s.model.CreateResponse()

	case realtime.EventError:
		slog.Warn("voice: model error event",
			"call", s.id, "code", evt.ErrCode, "message", evt.ErrMessage)
	}
	return nil
}

// enqueueModelAudio resamples one audio delta to the telephony rate, splits
// it into whole frames, and queues them for playout.
func (s *Session) enqueueModelAudio(ctx context.Context, pcm []byte) {
	s.mu.Lock()
	converted := s.outRes.Process(pcm)
	chunkBytes := audio.ChunkBytes(s.sampleRate, s.chunkMs)
	s.lastDelta = time.Now()
	s.mu.Unlock()

	for _, frame := range audio.SplitFrames(converted, chunkBytes) {
		if !s.out.Enqueue(frame) {
			s.metrics.FramesDropped.Add(ctx, 1)
		}
	}
}

// handleBargeIn applies the interruption policy and reports whether the
// queue was flushed. A speech_started while audio is still playing, still
// queued, or freshly arriving is the VAD reacting to the agent's own voice on
// the line; only a genuinely quiet line gets its queue flushed.
func (s *Session) handleBargeIn(ctx context.Context) bool {
	if s.out.Playing() || s.out.Len() > 0 {
		s.metrics.RecordBargeIn(ctx, false)
		return false
	}
	s.mu.Lock()
	recent := !s.lastDelta.IsZero() && time.Since(s.lastDelta) < bargeInGrace
	s.mu.Unlock()
	if recent {
		s.metrics.RecordBargeIn(ctx, false)
		return false
	}

	dropped := s.out.Flush()
	s.metrics.RecordBargeIn(ctx, true)
	slog.Debug("voice: barge-in flush", "call", s.id, "dropped", dropped)
	return true
}
