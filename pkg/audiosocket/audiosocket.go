// Package audiosocket implements the wire codec of the telephony stream
// protocol spoken by the PBX dialplan.
//
// Every message is framed as [kind:1][length:2 big-endian][payload:length].
// The first message of a connection must carry the call identifier, either
// as a 16-byte binary UUID or in text form. Audio payloads are raw PCM16
// mono frames of a fixed 20 ms duration.
package audiosocket

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Message kinds.
const (
	KindHangup byte = 0x00 // far end terminated the call
	KindID     byte = 0x01 // call identifier, first message on the wire
	KindError  byte = 0x02 // one-byte vendor error code in the payload
	KindAudio  byte = 0x10 // PCM16 audio frame
)

// MaxPayload is the largest payload the two-byte length field can frame.
const MaxPayload = 0xFFFF

// Message is one frame of the telephony stream.
type Message struct {
	Kind    byte
	Payload []byte
}

// ReadMessage reads exactly one framed message. The payload is freshly
// allocated; callers may retain it.
func ReadMessage(r io.Reader) (Message, error) {
	var head [3]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, err
	}
	length := int(binary.BigEndian.Uint16(head[1:3]))
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("audiosocket: short payload for kind 0x%02x: %w", head[0], err)
	}
	return Message{Kind: head[0], Payload: payload}, nil
}

// WriteMessage frames and writes a single message.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("audiosocket: payload of %d bytes exceeds frame limit", len(m.Payload))
	}
	buf := make([]byte, 3+len(m.Payload))
	buf[0] = m.Kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(m.Payload)))
	copy(buf[3:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// WriteAudio writes one PCM16 audio frame.
func WriteAudio(w io.Writer, pcm []byte) error {
	return WriteMessage(w, Message{Kind: KindAudio, Payload: pcm})
}

// WriteHangup writes the hangup marker.
func WriteHangup(w io.Writer) error {
	return WriteMessage(w, Message{Kind: KindHangup})
}

// CallID extracts the call identifier from a KindID message. Both the 16-byte
// binary form and the text form are accepted.
func (m Message) CallID() (uuid.UUID, error) {
	if m.Kind != KindID {
		return uuid.Nil, fmt.Errorf("audiosocket: message kind 0x%02x carries no call id", m.Kind)
	}
	if len(m.Payload) == 16 {
		return uuid.FromBytes(m.Payload)
	}
	id, err := uuid.Parse(strings.TrimSpace(string(m.Payload)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("audiosocket: malformed call id: %w", err)
	}
	return id, nil
}

// ErrorCode returns the vendor error code of a KindError message, or 0 when
// the payload is empty.
func (m Message) ErrorCode() byte {
	if m.Kind != KindError || len(m.Payload) == 0 {
		return 0
	}
	return m.Payload[0]
}
