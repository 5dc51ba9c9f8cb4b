package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/providers"
)

const (
	elevenAPIBase      = "https://api.elevenlabs.io/v1"
	defaultElevenModel = "eleven_turbo_v2_5"
)

// ElevenLabs implements Synthesizer against the ElevenLabs TTS API.
// Output is MP3.
type ElevenLabs struct {
	apiKey  string
	baseURL string
	modelID string
	client  *http.Client
}

// NewElevenLabs creates the client.
func NewElevenLabs(apiKey, modelID string) *ElevenLabs {
	if modelID == "" {
		modelID = defaultElevenModel
	}
	return &ElevenLabs{
		apiKey:  apiKey,
		baseURL: elevenAPIBase,
		modelID: modelID,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func (e *ElevenLabs) WithBaseURL(baseURL string) *ElevenLabs {
	if baseURL != "" {
		e.baseURL = strings.TrimRight(baseURL, "/")
	}
	return e
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"text":     text,
		"model_id": e.modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &providers.HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("elevenlabs: %s", string(respBody)),
			RetryAfter: providers.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	return audio, nil
}
