package audiosocket_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/javierd009/agente-portero/pkg/audiosocket"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := audiosocket.WriteAudio(&buf, pcm); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	msg, err := audiosocket.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Kind != audiosocket.KindAudio {
		t.Errorf("kind = 0x%02x, want 0x10", msg.Kind)
	}
	if !bytes.Equal(msg.Payload, pcm) {
		t.Error("payload does not match written audio")
	}
}

func TestReadMessage_Framing(t *testing.T) {
	t.Parallel()
	// Two messages back to back: a hangup then a 2-byte audio frame.
	wire := []byte{0x00, 0x00, 0x00, 0x10, 0x00, 0x02, 0xAB, 0xCD}
	r := bytes.NewReader(wire)

	first, err := audiosocket.ReadMessage(r)
	if err != nil {
		t.Fatalf("first ReadMessage: %v", err)
	}
	if first.Kind != audiosocket.KindHangup || len(first.Payload) != 0 {
		t.Errorf("first message = kind 0x%02x len %d, want hangup with empty payload", first.Kind, len(first.Payload))
	}

	second, err := audiosocket.ReadMessage(r)
	if err != nil {
		t.Fatalf("second ReadMessage: %v", err)
	}
	if second.Kind != audiosocket.KindAudio || !bytes.Equal(second.Payload, []byte{0xAB, 0xCD}) {
		t.Errorf("second message = kind 0x%02x payload %x", second.Kind, second.Payload)
	}

	if _, err := audiosocket.ReadMessage(r); err != io.EOF {
		t.Errorf("drained reader: err = %v, want io.EOF", err)
	}
}

func TestReadMessage_TruncatedPayload(t *testing.T) {
	t.Parallel()
	wire := []byte{0x10, 0x01, 0x40} // announces 320 bytes, carries none
	if _, err := audiosocket.ReadMessage(bytes.NewReader(wire)); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestCallID_Binary(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	msg := audiosocket.Message{Kind: audiosocket.KindID, Payload: id[:]}
	got, err := msg.CallID()
	if err != nil {
		t.Fatalf("CallID: %v", err)
	}
	if got != id {
		t.Errorf("got %s, want %s", got, id)
	}
}

func TestCallID_Text(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	msg := audiosocket.Message{Kind: audiosocket.KindID, Payload: []byte(id.String() + "\n")}
	got, err := msg.CallID()
	if err != nil {
		t.Fatalf("CallID: %v", err)
	}
	if got != id {
		t.Errorf("got %s, want %s", got, id)
	}
}

func TestCallID_Rejects(t *testing.T) {
	t.Parallel()
	audio := audiosocket.Message{Kind: audiosocket.KindAudio, Payload: make([]byte, 16)}
	if _, err := audio.CallID(); err == nil {
		t.Error("expected error for non-id message")
	}
	garbage := audiosocket.Message{Kind: audiosocket.KindID, Payload: []byte("not-a-uuid")}
	if _, err := garbage.CallID(); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()
	msg := audiosocket.Message{Kind: audiosocket.KindError, Payload: []byte{0x05}}
	if got := msg.ErrorCode(); got != 0x05 {
		t.Errorf("ErrorCode = 0x%02x, want 0x05", got)
	}
	empty := audiosocket.Message{Kind: audiosocket.KindError}
	if got := empty.ErrorCode(); got != 0 {
		t.Errorf("empty payload ErrorCode = 0x%02x, want 0", got)
	}
}

func TestWriteMessage_OversizePayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := audiosocket.WriteMessage(&buf, audiosocket.Message{
		Kind:    audiosocket.KindAudio,
		Payload: make([]byte, audiosocket.MaxPayload+1),
	})
	if err == nil {
		t.Error("expected error for oversize payload")
	}
	if buf.Len() != 0 {
		t.Errorf("oversize write leaked %d bytes onto the wire", buf.Len())
	}
}
