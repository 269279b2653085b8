// Package voice is the telephony side of the concierge: a TCP stream server
// that bridges each intercom call to a realtime speech model session and
// hosts the tool loop the model acts through.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/tools"
	"github.com/javierd009/agente-portero/pkg/audiosocket"
	"github.com/javierd009/agente-portero/pkg/realtime"
)

// dialTimeout bounds the model websocket handshake at call start.
const dialTimeout = 10 * time.Second

// Server accepts telephony stream connections and runs one [Session] per
// call.
type Server struct {
	cfg     *config.Config
	client  *realtime.Client
	runtime *tools.Runtime
	metrics *observe.Metrics

	mu       sync.Mutex
	addr     string
	sessions map[uuid.UUID]*Session
}

// NewServer wires a telephony server. Metrics falls back to the process-wide
// default when nil.
func NewServer(cfg *config.Config, client *realtime.Client, rt *tools.Runtime, m *observe.Metrics) *Server {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Server{
		cfg:      cfg,
		client:   client,
		runtime:  rt,
		metrics:  m,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Addr returns the bound listener address, empty before [Server.Run] has
// started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ActiveCalls returns the number of live sessions.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run listens for calls until ctx is cancelled. Per-call failures never stop
// the listener.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Telephony.ListenAddr)
	if err != nil {
		return fmt.Errorf("voice: listen %s: %w", s.cfg.Telephony.ListenAddr, err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	slog.Info("voice: telephony listener up", "addr", s.cfg.Telephony.ListenAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("voice: accept: %w", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			// Frames are 20 ms apart; Nagle would batch them into bursts.
			tc.SetNoDelay(true)
		}
		go s.handle(ctx, conn)
	}
}

// handle runs one call from accept to drain.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// The first message on the wire must carry the call id.
	msg, err := audiosocket.ReadMessage(conn)
	if err != nil {
		slog.Warn("voice: connection died before call id", "err", err)
		return
	}
	id, err := msg.CallID()
	if err != nil {
		slog.Warn("voice: rejected connection", "err", err)
		return
	}

	log := slog.With("call", id)
	log.Info("voice: call started", "remote", conn.RemoteAddr())

	s.metrics.ActiveCalls.Add(ctx, 1)
	defer s.metrics.ActiveCalls.Add(ctx, -1)

	outcome := "completed"
	defer func() {
		s.metrics.Calls.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("outcome", outcome)))
	}()

	sess, err := s.startSession(ctx, id, conn)
	if err != nil {
		outcome = "setup_failed"
		log.Error("voice: session setup failed", "err", err)
		return
	}

	s.register(id, sess)
	defer s.unregister(id)

	if err := sess.run(ctx); err != nil {
		outcome = "failed"
		log.Error("voice: call ended with error", "err", err)
		return
	}
	log.Info("voice: call ended")
}

// startSession dials and configures the model, then builds the bridge state.
func (s *Server) startSession(ctx context.Context, id uuid.UUID, conn net.Conn) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	model, err := s.client.Dial(dialCtx)
	if err != nil {
		return nil, err
	}

	err = model.UpdateSession(realtime.SessionConfig{
		Instructions:          systemPrompt(s.cfg.Tenant.Name, s.cfg.Tenant.GuardExtension),
		Voice:                 s.cfg.Realtime.Voice,
		Tools:                 s.runtime.Catalog(),
		VADThreshold:          s.cfg.Realtime.VAD.Threshold,
		VADPrefixPaddingMs:    s.cfg.Realtime.VAD.PrefixPaddingMs,
		VADSilenceDurationMs:  s.cfg.Realtime.VAD.SilenceDurationMs,
		TranscriptionModel:    s.cfg.Transcription.Model,
		TranscriptionLanguage: s.cfg.Transcription.Language,
	})
	if err != nil {
		model.Close()
		return nil, err
	}

	sess, err := newSession(id, conn, model, s.runtime, s.cfg, s.metrics)
	if err != nil {
		model.Close()
		return nil, err
	}
	return sess, nil
}

func (s *Server) register(id uuid.UUID, sess *Session) {
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
}

func (s *Server) unregister(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
