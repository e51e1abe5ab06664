package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// fallbackClient performs one transcription attempt against the local
// fallback engine. Implemented by whisperClient; faked in tests.
type fallbackClient interface {
	transcribe(ctx context.Context, data []byte, sampleRate int, language string) (*FallbackResult, error)
}

// FallbackResult is the richer response shape of the local engine.
// Only Text reaches the client; the rest is logged.
type FallbackResult struct {
	Text            string  `json:"text"`
	Language        string  `json:"language"`
	DurationSeconds float64 `json:"duration"`
	Confidence      float64 `json:"confidence"`
}

// whisperClient posts chunk bytes to a locally hosted whisper server.
type whisperClient struct {
	endpoint   string
	httpClient *http.Client
}

func newWhisperClient(cfg FallbackConfig) *whisperClient {
	return &whisperClient{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// transcribe uploads the chunk as multipart form data and decodes the
// engine's JSON response.
func (c *whisperClient) transcribe(ctx context.Context, data []byte, sampleRate int, language string) (*FallbackResult, error) {
	body, contentType, err := buildMultipartBody(data, sampleRate, language)
	if err != nil {
		return nil, fmt.Errorf("failed to build fallback request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fallback request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fallback engine returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result FallbackResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse fallback response: %w", err)
	}

	return &result, nil
}

// buildMultipartBody packs the chunk bytes and request parameters into
// a multipart/form-data body.
func buildMultipartBody(data []byte, sampleRate int, language string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"sample_rate":     fmt.Sprintf("%d", sampleRate),
		"response_format": "json",
	}
	if language != "" {
		fields["language"] = language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
