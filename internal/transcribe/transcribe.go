// Package transcribe turns resident voice notes into text via the hosted
// transcription API. The fast path consumes the transcript exactly as if the
// resident had typed it.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/javierd009/agente-portero/internal/resilience"
)

// Transcriber runs audio through one transcription backend. Safe for
// concurrent use.
type Transcriber struct {
	client   oai.Client
	model    string
	language string
	breaker  *resilience.CircuitBreaker
}

// Option configures a [Transcriber].
type Option func(*[]option.RequestOption)

// WithBaseURL overrides the API base URL. Primarily used in tests to point at
// a local mock server.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// New returns a transcriber using the given credentials. Model and language
// come from config; an empty model falls back to whisper-1.
func New(apiKey, model, language string, opts ...Option) *Transcriber {
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Transcriber{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: language,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "transcription",
		}),
	}
}

// Transcribe sends one audio attachment and returns its transcript, trimmed.
// The filename extension tells the backend the container format.
func (t *Transcriber) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	var text string
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		params := oai.AudioTranscriptionNewParams{
			File:  oai.File(audio, filename, contentTypeFor(filename)),
			Model: oai.AudioModel(t.model),
		}
		if t.language != "" {
			params.Language = oai.String(t.language)
		}
		resp, err := t.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	slog.Debug("transcribe: voice note transcribed", "file", filename, "chars", len(text))
	return text, nil
}

// contentTypeFor guesses the MIME type from the attachment name. WhatsApp
// voice notes arrive as OGG/Opus.
func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".ogg"), strings.HasSuffix(filename, ".oga"):
		return "audio/ogg"
	case strings.HasSuffix(filename, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(filename, ".m4a"):
		return "audio/mp4"
	case strings.HasSuffix(filename, ".wav"):
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
