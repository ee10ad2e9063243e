// Package transcribe provides speech-to-text providers for voice notes.
//
// Two providers are supported: OpenAI Whisper (default) and Google Cloud
// Speech-to-Text. Both consume the downloaded OGG/Opus voice note bytes and
// return plain transcript text.
package transcribe

import (
	"context"
	"fmt"
)

// Provider names recorded on the job for observability.
const (
	ProviderWhisper      = "openai-whisper"
	ProviderGoogleSpeech = "google-speech"
)

// Transcriber converts voice note audio into text.
type Transcriber interface {
	// Transcribe returns the transcript for the given audio bytes.
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
	// Provider returns the provider name recorded on the job.
	Provider() string
}

// New creates a Transcriber for the named provider.
func New(provider, openAIKey string) (Transcriber, error) {
	switch provider {
	case "", ProviderWhisper, "openai", "whisper":
		return NewWhisperTranscriber(openAIKey)
	case ProviderGoogleSpeech, "google":
		return NewGoogleTranscriber(context.Background())
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", provider)
	}
}
