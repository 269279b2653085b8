package voice_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/tools"
	"github.com/javierd009/agente-portero/internal/voice"
	"github.com/javierd009/agente-portero/pkg/audiosocket"
	"github.com/javierd009/agente-portero/pkg/realtime"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startModelServer stands in for the realtime API; the handler gets the
// accepted websocket.
func startModelServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readWireEvent(conn *websocket.Conn) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func writeWireEvent(conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	conn.Write(ctx, websocket.MessageText, data)
}

func testConfig(addr, modelURL string) *config.Config {
	noGate := 0
	return &config.Config{
		Telephony: config.TelephonyConfig{
			ListenAddr:      addr,
			SampleRate:      8000,
			ChunkMs:         20,
			NoiseGateRMS:    &noGate,
			PrebufferFrames: 2,
			QueueFrames:     100,
		},
		Realtime: config.RealtimeConfig{
			APIKey: "test-key",
			Model:  "test-model",
			URL:    modelURL,
			Voice:  "shimmer",
			VAD: config.VADConfig{
				Threshold:         0.6,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 800,
			},
		},
		Tenant: config.TenantConfig{
			ID:             "condominio-vista-hermosa",
			Name:           "Vista Hermosa",
			GuardExtension: "1002",
		},
		Transcription: config.TranscriptionConfig{Model: "whisper-1", Language: "es"},
	}
}

// startBridge runs a Server against the given model endpoint and returns its
// bound telephony address.
func startBridge(t *testing.T, modelURL string) string {
	t.Helper()
	cfg := testConfig("127.0.0.1:0", modelURL)
	srv := voice.NewServer(cfg,
		realtime.NewClient(modelURL, cfg.Realtime.APIKey, cfg.Realtime.Model),
		tools.New(tools.Config{}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("telephony listener never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv.Addr()
}

// dialCall opens a telephony connection and sends the call id.
func dialCall(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		t.Fatalf("dial telephony: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	id := uuid.New()
	if err := audiosocket.WriteMessage(conn, audiosocket.Message{
		Kind:    audiosocket.KindID,
		Payload: id[:],
	}); err != nil {
		t.Fatalf("write call id: %v", err)
	}
	return conn
}

func loudFrame(n int) []byte {
	f := make([]byte, n)
	for i := 0; i < n; i += 2 {
		f[i+1] = 0x10 // constant positive samples, RMS ~4096
	}
	return f
}

func TestBridge_CallerAudioReachesModel(t *testing.T) {
	t.Parallel()

	sawUpdate := make(chan map[string]any, 1)
	sawAppend := make(chan string, 1)
	model := startModelServer(t, func(conn *websocket.Conn) {
		msg, err := readWireEvent(conn)
		if err != nil {
			return
		}
		sawUpdate <- msg
		writeWireEvent(conn, map[string]any{"type": "session.created"})

		msg, err = readWireEvent(conn)
		if err != nil {
			return
		}
		if audio, ok := msg["audio"].(string); ok {
			sawAppend <- audio
		}
		// Hold the socket until the bridge drops it.
		readWireEvent(conn)
	})

	addr := startBridge(t, wsURL(model))
	conn := dialCall(t, addr)

	if err := audiosocket.WriteAudio(conn, loudFrame(320)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	select {
	case msg := <-sawUpdate:
		if msg["type"] != "session.update" {
			t.Fatalf("first model event = %v, want session.update", msg["type"])
		}
		session := msg["session"].(map[string]any)
		instructions, _ := session["instructions"].(string)
		if !strings.Contains(instructions, "Vista Hermosa") {
			t.Error("instructions do not name the tenant")
		}
		if !strings.Contains(instructions, "1002") {
			t.Error("instructions do not name the guard extension")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("model never received session.update")
	}

	select {
	case b64 := <-sawAppend:
		pcm, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			t.Fatalf("append audio is not base64: %v", err)
		}
		// 20 ms upsampled 8k -> 24k is about 480 samples.
		if len(pcm) < 400*2 || len(pcm) > 560*2 {
			t.Errorf("model received %d bytes for one 20 ms frame", len(pcm))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("model never received caller audio")
	}
}

func TestBridge_ModelAudioPlaysAsWholeFrames(t *testing.T) {
	t.Parallel()

	model := startModelServer(t, func(conn *websocket.Conn) {
		if _, err := readWireEvent(conn); err != nil { // session.update
			return
		}
		writeWireEvent(conn, map[string]any{"type": "session.created"})

		// 200 ms of model-rate audio: resamples to 10 telephony frames.
		pcm := loudFrame(24000 / 5 * 2)
		writeWireEvent(conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeWireEvent(conn, map[string]any{"type": "response.audio.done"})

		// Keep consuming appends until the call tears down.
		for {
			if _, err := readWireEvent(conn); err != nil {
				return
			}
		}
	})

	addr := startBridge(t, wsURL(model))
	conn := dialCall(t, addr)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	audioFrames := 0
	for audioFrames < 5 {
		msg, err := audiosocket.ReadMessage(conn)
		if err != nil {
			t.Fatalf("read telephony frame after %d audio frames: %v", audioFrames, err)
		}
		if msg.Kind != audiosocket.KindAudio {
			continue
		}
		if len(msg.Payload) != 320 {
			t.Fatalf("audio frame of %d bytes, want exactly 320", len(msg.Payload))
		}
		audioFrames++
	}
}

func TestBridge_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()

	followups := make(chan map[string]any, 8)
	model := startModelServer(t, func(conn *websocket.Conn) {
		if _, err := readWireEvent(conn); err != nil {
			return
		}
		writeWireEvent(conn, map[string]any{"type": "session.created"})
		writeWireEvent(conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "no_such_tool",
			"arguments": "{}",
			"call_id":   "call-7",
		})
		for {
			msg, err := readWireEvent(conn)
			if err != nil {
				return
			}
			if msg["type"] == "input_audio_buffer.append" {
				continue
			}
			followups <- msg
		}
	})

	addr := startBridge(t, wsURL(model))
	dialCall(t, addr)

	var first, second map[string]any
	select {
	case first = <-followups:
	case <-time.After(5 * time.Second):
		t.Fatal("model never received the tool output")
	}
	if first["type"] != "conversation.item.create" {
		t.Fatalf("first follow-up = %v, want conversation.item.create", first["type"])
	}
	item := first["item"].(map[string]any)
	if item["call_id"] != "call-7" {
		t.Errorf("call_id = %v", item["call_id"])
	}
	output, _ := item["output"].(string)
	if !strings.Contains(output, "error") {
		t.Errorf("unknown tool output = %q, want an error payload", output)
	}

	select {
	case second = <-followups:
	case <-time.After(5 * time.Second):
		t.Fatal("model never received response.create")
	}
	if second["type"] != "response.create" {
		t.Fatalf("second follow-up = %v, want response.create", second["type"])
	}
}

func TestBridge_HangupEndsTheCall(t *testing.T) {
	t.Parallel()

	modelGone := make(chan struct{})
	model := startModelServer(t, func(conn *websocket.Conn) {
		defer close(modelGone)
		if _, err := readWireEvent(conn); err != nil {
			return
		}
		writeWireEvent(conn, map[string]any{"type": "session.created"})
		for {
			if _, err := readWireEvent(conn); err != nil {
				return
			}
		}
	})

	addr := startBridge(t, wsURL(model))
	conn := dialCall(t, addr)

	if err := audiosocket.WriteHangup(conn); err != nil {
		t.Fatalf("write hangup: %v", err)
	}

	select {
	case <-modelGone:
	case <-time.After(5 * time.Second):
		t.Fatal("model socket not closed after caller hangup")
	}
}
