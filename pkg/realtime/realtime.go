// Package realtime is a thin framing layer over the realtime speech model's
// WebSocket protocol.
//
// A [Session] exchanges JSON events with the model: outbound events are
// serialized through one mutex so their wire order matches call order, and
// inbound events arrive decoded on a single channel, in the order the model
// produced them. Audio crosses the boundary as raw PCM16 bytes; the base64
// coding of the wire format stays inside this package.
//
// The package carries no retry policy. When the socket dies the event channel
// closes and [Session.Err] reports why; the caller owns the call lifecycle.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// EventType names the decoded server events a [Session] surfaces.
type EventType string

const (
	// EventSessionCreated confirms the model session is live.
	EventSessionCreated EventType = "session.created"

	// EventAudioDelta carries one chunk of synthesized PCM16 audio.
	EventAudioDelta EventType = "response.audio.delta"

	// EventAudioDone marks the end of the audio of one response.
	EventAudioDone EventType = "response.audio.done"

	// EventResponseDone marks the end of one full model response.
	EventResponseDone EventType = "response.done"

	// EventSpeechStarted reports the server VAD detected caller speech.
	EventSpeechStarted EventType = "input_audio_buffer.speech_started"

	// EventAgentTranscript carries the transcript of what the agent said.
	EventAgentTranscript EventType = "response.audio_transcript.done"

	// EventCallerTranscript carries the transcript of what the caller said.
	EventCallerTranscript EventType = "conversation.item.input_audio_transcription.completed"

	// EventToolCall carries a completed function-call request.
	EventToolCall EventType = "response.function_call_arguments.done"

	// EventError carries a server-reported error. Not necessarily fatal.
	EventError EventType = "error"
)

// Event is one decoded server event. Fields beyond Type are populated
// depending on the event kind.
type Event struct {
	Type EventType

	// Audio is the decoded PCM16 payload of an [EventAudioDelta].
	Audio []byte

	// Transcript is the text of an agent or caller transcript event.
	Transcript string

	// ToolName, ToolArgs and CallID describe an [EventToolCall]. ToolArgs is
	// the raw JSON argument string as the model produced it.
	ToolName string
	ToolArgs string
	CallID   string

	// ErrMessage and ErrCode describe an [EventError].
	ErrMessage string
	ErrCode    string
}

// Tool describes one function the model may call.
type Tool struct {
	Name        string
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the session-update payload sent after dialing.
type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        []Tool

	// VADThreshold, VADPrefixPaddingMs and VADSilenceDurationMs tune the
	// server-side turn detection.
	VADThreshold          float64
	VADPrefixPaddingMs    int
	VADSilenceDurationMs  int
	TranscriptionModel    string
	TranscriptionLanguage string
}

// Client dials realtime sessions against one endpoint.
type Client struct {
	url    string
	apiKey string
	model  string
}

// NewClient returns a client for the given websocket endpoint. The model is
// appended as a query parameter on dial.
func NewClient(url, apiKey, model string) *Client {
	return &Client{url: url, apiKey: apiKey, model: model}
}

// Dial opens a model session. The returned session is not yet configured;
// callers send [Session.UpdateSession] first.
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.url, c.model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    sessCtx,
		cancel: cancel,
	}
	// Audio frames are small and frequent; batching them would add latency.
	conn.SetReadLimit(1 << 22)
	go s.readLoop()
	return s, nil
}

// Session is one live model connection. Safe for concurrent use: writes are
// serialized, reads happen on the session's own goroutine.
type Session struct {
	conn *websocket.Conn

	// writeMu serializes outbound events so their wire order matches the
	// order of method calls.
	writeMu sync.Mutex

	events chan Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events returns the inbound event stream. The channel closes when the
// connection dies or the session is closed; [Session.Err] then reports the
// cause, nil for an orderly close.
func (s *Session) Events() <-chan Event { return s.events }

// Err returns the error that terminated the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// ── outbound events ─────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
	Tools                   []wireTool          `json:"tools,omitempty"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
}

type transcriptionParam struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// UpdateSession sends the session.update event carrying instructions, voice,
// audio formats, turn detection and the tool catalog.
func (s *Session) UpdateSession(cfg SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParam{
			Model:    cfg.TranscriptionModel,
			Language: cfg.TranscriptionLanguage,
		}
	}
	params.TurnDetection = &turnDetection{
		Type:              "server_vad",
		Threshold:         cfg.VADThreshold,
		PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
		SilenceDurationMs: cfg.VADSilenceDurationMs,
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]wireTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = wireTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		params.ToolChoice = "auto"
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// AppendAudio streams one PCM16 chunk into the model's input buffer.
func (s *Session) AppendAudio(pcm []byte) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendToolOutput injects a function-call result into the conversation.
func (s *Session) SendToolOutput(callID, output string) error {
	return s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// CreateResponse asks the model to produce its next response.
func (s *Session) CreateResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// writeJSON marshals v and writes it as one text message under the write lock.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("realtime: session closed")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// ── inbound events ──────────────────────────────────────────────────────────

// serverEvent mirrors the union of wire fields across the event types the
// bridge consumes.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Error      *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// readLoop decodes inbound frames into [Event] values until the connection
// dies. It owns the events channel and closes it on exit.
func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		out, ok := decode(&evt)
		if !ok {
			continue
		}
		select {
		case s.events <- out:
		case <-s.ctx.Done():
			return
		}
	}
}

// decode maps a wire event onto the exported Event shape. Unknown types are
// dropped.
func decode(evt *serverEvent) (Event, bool) {
	switch EventType(evt.Type) {
	case EventAudioDelta:
		if evt.Delta == "" {
			return Event{}, false
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return Event{}, false
		}
		return Event{Type: EventAudioDelta, Audio: audio}, true

	case EventAgentTranscript:
		return Event{Type: EventAgentTranscript, Transcript: evt.Transcript}, true

	case EventCallerTranscript:
		return Event{Type: EventCallerTranscript, Transcript: evt.Transcript}, true

	case EventToolCall:
		return Event{
			Type:     EventToolCall,
			ToolName: evt.Name,
			ToolArgs: evt.Arguments,
			CallID:   evt.CallID,
		}, true

	case EventSessionCreated, EventAudioDone, EventResponseDone, EventSpeechStarted:
		return Event{Type: EventType(evt.Type)}, true

	case EventError:
		e := Event{Type: EventError, ErrMessage: "unknown error"}
		if evt.Error != nil {
			e.ErrMessage = evt.Error.Message
			e.ErrCode = evt.Error.Code
		}
		return e, true
	}
	return Event{}, false
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
