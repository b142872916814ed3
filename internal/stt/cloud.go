package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

const BackendCloud = "cloud-whisper"

// cloudBackend sends the canonical waveform to a Whisper-compatible
// transcription endpoint. Highest accuracy for the primary languages,
// first in the chain.
type cloudBackend struct {
	cfg    config.CloudBackendConfig
	client *openai.Client
}

func newCloudBackend(cfg config.CloudBackendConfig) *cloudBackend {
	b := &cloudBackend{cfg: cfg}
	if cfg.Enabled && cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.Endpoint != "" {
			clientCfg.BaseURL = cfg.Endpoint
		}
		b.client = openai.NewClientWithConfig(clientCfg)
	}
	return b
}

func (b *cloudBackend) ID() string { return BackendCloud }

func (b *cloudBackend) Available() bool { return b.client != nil }

func (b *cloudBackend) Recognize(ctx context.Context, w *audio.Waveform, language string) (string, error) {
	if b.client == nil {
		return "", ErrUnavailable
	}
	req := openai.AudioRequest{
		Model:    b.cfg.Model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(audio.EncodeWAV(w)),
		Language: baseLanguage(language),
		Format:   openai.AudioResponseFormatJSON,
	}
	resp, err := b.client.CreateTranscription(ctx, req)
	if err != nil {
		return "", mapCloudErr(err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// mapCloudErr folds transport, quota and server-side failures into the
// unavailable outcome so the orchestrator advances to the offline
// engines instead of hard-failing the request.
func mapCloudErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
		}
		return fmt.Errorf("transcription rejected: %s", apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, reqErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, netErr)
	}
	return err
}
