package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// WhisperTranscriber sends voice note audio to the OpenAI transcription API.
type WhisperTranscriber struct {
	client openai.Client
}

var _ Transcriber = (*WhisperTranscriber)(nil)

// NewWhisperTranscriber creates a Whisper-backed transcriber.
func NewWhisperTranscriber(apiKey string) (*WhisperTranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	return &WhisperTranscriber{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

func (t *WhisperTranscriber) Provider() string { return ProviderWhisper }

// Transcribe uploads the audio and returns the transcript text. Voice notes
// are short, so a single synchronous request with a bounded timeout suffices.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	filename := "voice-note" + extForMime(mimeType)
	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(bytes.NewReader(audio), filename, mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	slog.Debug("WhisperTranscriber.Transcribe: transcription completed", "bytes", len(audio), "chars", len(text))
	return text, nil
}

func extForMime(mimeType string) string {
	m := strings.ToLower(mimeType)
	switch {
	case strings.Contains(m, "ogg") || strings.Contains(m, "opus"):
		return ".ogg"
	case strings.Contains(m, "mp3") || strings.Contains(m, "mpeg"):
		return ".mp3"
	case strings.Contains(m, "wav"):
		return ".wav"
	case strings.Contains(m, "m4a") || strings.Contains(m, "mp4"):
		return ".m4a"
	default:
		return ".ogg"
	}
}
