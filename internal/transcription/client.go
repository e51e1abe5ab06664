package transcription

import (
	"bytes"
	"context"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// primaryClient performs one transcription attempt against the primary
// service. Implemented by openAIClient; faked in tests.
type primaryClient interface {
	transcribeOnce(ctx context.Context, data []byte, language string) (string, error)
}

// openAIClient submits finalized chunks to an OpenAI-compatible speech
// API.
type openAIClient struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(cfg Config) *openAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{
		// The per-request timeout turns a hung call into a retryable
		// failure; there is no whole-session deadline.
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(apiCfg),
		model:  cfg.Model,
	}
}

// transcribeOnce uploads the chunk bytes as audio/wav and returns the
// transcribed text. Errors come back classified.
func (c *openAIClient) transcribeOnce(ctx context.Context, data []byte, language string) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: "chunk.wav",
		Reader:   bytes.NewReader(data),
		Language: language,
	})
	if err != nil {
		return "", classify(err)
	}

	return resp.Text, nil
}
