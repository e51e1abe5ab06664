package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	openai "github.com/sashabaranov/go-openai"

	"github.com/Briskmed/Scope/internal/audio"
	"github.com/Briskmed/Scope/internal/metrics"
)

type fakePrimary struct {
	calls   int
	results []fakeAttempt
}

type fakeAttempt struct {
	text string
	err  error
}

func (f *fakePrimary) transcribeOnce(ctx context.Context, data []byte, language string) (string, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		return "", newError(KindServer, "no scripted result for attempt %d", i+1)
	}
	return f.results[i].text, f.results[i].err
}

type fakeFallback struct {
	calls  int
	result *FallbackResult
	err    error
}

func (f *fakeFallback) transcribe(ctx context.Context, data []byte, sampleRate int, language string) (*FallbackResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestEngine(primary primaryClient, fallback fallbackClient) (*Engine, *[]time.Duration) {
	slept := &[]time.Duration{}
	e := &Engine{
		cfg:       withDefaults(Config{APIKey: "test"}),
		primary:   primary,
		fallback:  fallback,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		semaphore: make(chan struct{}, 2),
		sleep:     func(d time.Duration) { *slept = append(*slept, d) },
	}
	return e, slept
}

func validPayload(n int) []byte {
	return bytes.Repeat([]byte{0x42}, n)
}

func TestTranscribeFirstAttemptSucceeds(t *testing.T) {
	primary := &fakePrimary{results: []fakeAttempt{{text: "hello world"}}}
	engine, slept := newTestEngine(primary, &fakeFallback{})

	res, err := engine.Transcribe(context.Background(), validPayload(100), 16000, "en")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if res.Source != SourcePrimary {
		t.Errorf("Source = %q, want %q", res.Source, SourcePrimary)
	}
	if primary.calls != 1 {
		t.Errorf("primary attempts = %d, want 1", primary.calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
}

func TestTranscribeRetriesThenSucceeds(t *testing.T) {
	primary := &fakePrimary{results: []fakeAttempt{
		{err: newError(KindNetwork, "connection refused")},
		{err: newError(KindServer, "HTTP 503")},
		{text: "recovered"},
	}}
	engine, slept := newTestEngine(primary, &fakeFallback{})

	res, err := engine.Transcribe(context.Background(), validPayload(100), 16000, "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q, want %q", res.Text, "recovered")
	}
	if primary.calls != 3 {
		t.Errorf("primary attempts = %d, want 3", primary.calls)
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2 (between attempts only)", len(*slept))
	}

	stats := engine.GetStats()
	if stats.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", stats.TotalRetries)
	}
}

func TestTranscribeFallbackAfterExhaustion(t *testing.T) {
	primary := &fakePrimary{results: []fakeAttempt{
		{err: newError(KindServer, "HTTP 500")},
		{err: newError(KindServer, "HTTP 500")},
		{err: newError(KindServer, "HTTP 500")},
	}}
	fallback := &fakeFallback{result: &FallbackResult{Text: "from fallback", Language: "en", Confidence: 0.91}}
	engine, _ := newTestEngine(primary, fallback)

	res, err := engine.Transcribe(context.Background(), validPayload(100), 16000, "en")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Source != SourceFallback {
		t.Errorf("Source = %q, want %q", res.Source, SourceFallback)
	}
	if res.Text != "from fallback" {
		t.Errorf("Text = %q, want %q", res.Text, "from fallback")
	}
	if primary.calls != 3 {
		t.Errorf("primary attempts = %d, want 3", primary.calls)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback attempts = %d, want 1", fallback.calls)
	}

	stats := engine.GetStats()
	if stats.FallbackInvocations != 1 || stats.FallbackSuccesses != 1 {
		t.Errorf("fallback stats = %d/%d, want 1/1", stats.FallbackInvocations, stats.FallbackSuccesses)
	}
}

func TestTranscribeFallbackFailurePropagatesPrimaryError(t *testing.T) {
	primary := &fakePrimary{results: []fakeAttempt{
		{err: newError(KindNetwork, "timeout")},
		{err: newError(KindNetwork, "timeout")},
		{err: newError(KindNetwork, "timeout")},
	}}
	fallback := &fakeFallback{err: fmt.Errorf("whisper server unreachable")}
	engine, _ := newTestEngine(primary, fallback)

	_, err := engine.Transcribe(context.Background(), validPayload(100), 16000, "")
	if err == nil {
		t.Fatal("Transcribe() error = nil, want primary error")
	}

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if terr.Kind != KindNetwork {
		t.Errorf("Kind = %v, want KindNetwork (the primary error, not the fallback one)", terr.Kind)
	}
}

func TestTranscribeNonRetryableSkipsRetries(t *testing.T) {
	primary := &fakePrimary{results: []fakeAttempt{
		{err: newError(KindAuth, "invalid api key")},
	}}
	fallback := &fakeFallback{result: &FallbackResult{Text: "still works locally"}}
	engine, slept := newTestEngine(primary, fallback)

	res, err := engine.Transcribe(context.Background(), validPayload(100), 16000, "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary attempts = %d, want 1 (auth failures do not retry)", primary.calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
	if res.Source != SourceFallback {
		t.Errorf("Source = %q, want %q", res.Source, SourceFallback)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback attempts = %d, want 1 (auth failures are fallback eligible)", fallback.calls)
	}
}

func TestTranscribePayloadBounds(t *testing.T) {
	tests := []struct {
		name string
		size int
		kind Kind
	}{
		{"below header size", MinPayloadBytes - 1, KindPayloadTooSmall},
		{"above upload limit", MaxPayloadBytes + 1, KindPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakePrimary{}
			fallback := &fakeFallback{result: &FallbackResult{Text: "never"}}
			engine, _ := newTestEngine(primary, fallback)

			_, err := engine.Transcribe(context.Background(), validPayload(tt.size), 16000, "")
			var terr *Error
			if !errors.As(err, &terr) {
				t.Fatalf("error type = %T, want *Error", err)
			}
			if terr.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", terr.Kind, tt.kind)
			}
			if primary.calls != 0 {
				t.Errorf("primary attempts = %d, want 0 (payload bounds fail fast)", primary.calls)
			}
			if fallback.calls != 0 {
				t.Errorf("fallback attempts = %d, want 0 (payload errors never fall back)", fallback.calls)
			}
		})
	}
}

func TestTranscribeFileRemovesFileOnReadFailure(t *testing.T) {
	engine, _ := newTestEngine(&fakePrimary{}, nil)

	// A directory can never be read as a chunk file. The storage handle
	// is still released on the failure path.
	path := filepath.Join(t.TempDir(), "chunk-bad.wav")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	_, err := engine.TranscribeFile(context.Background(), path, 16000, "")
	var serr *audio.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("error type = %T, want *audio.StorageError", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("chunk path still present after a failed read")
	}
}

func TestRetriesExportRetryCounter(t *testing.T) {
	m := metrics.NewMetrics()
	primary := &fakePrimary{results: []fakeAttempt{
		{err: newError(KindServer, "HTTP 503")},
		{err: newError(KindServer, "HTTP 503")},
		{text: "recovered"},
	}}
	engine, _ := newTestEngine(primary, nil)
	engine.metrics = m

	if _, err := engine.Transcribe(context.Background(), validPayload(100), 16000, ""); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got := testutil.ToFloat64(m.TranscriptionRetries); got != 2 {
		t.Errorf("retry counter = %v, want 2", got)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	engine, _ := newTestEngine(&fakePrimary{}, nil)

	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 800 * time.Millisecond, 1200 * time.Millisecond},
		{2, 1600 * time.Millisecond, 2400 * time.Millisecond},
		{3, 3200 * time.Millisecond, 4800 * time.Millisecond},
		// Doubling saturates at the cap, jitter still applies.
		{10, 24 * time.Second, 36 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := engine.backoffDelay(tt.attempt)
			if d < tt.min || d > tt.max {
				t.Fatalf("backoffDelay(%d) = %v, want in [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{
			name:      "server error",
			err:       &openai.APIError{HTTPStatusCode: 500},
			kind:      KindServer,
			retryable: true,
		},
		{
			name:      "rate limited",
			err:       &openai.APIError{HTTPStatusCode: 429},
			kind:      KindServer,
			retryable: true,
		},
		{
			name:      "bad credentials",
			err:       &openai.APIError{HTTPStatusCode: 401},
			kind:      KindAuth,
			retryable: false,
		},
		{
			name:      "rejected payload",
			err:       &openai.APIError{HTTPStatusCode: 400},
			kind:      KindMalformed,
			retryable: false,
		},
		{
			name:      "connection failure before response",
			err:       &openai.RequestError{HTTPStatusCode: 0, Err: fmt.Errorf("connection refused")},
			kind:      KindNetwork,
			retryable: true,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			kind:      KindNetwork,
			retryable: true,
		},
		{
			name:      "unexpected error",
			err:       fmt.Errorf("garbled response"),
			kind:      KindMalformed,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classify(tt.err)
			if classified.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", classified.Kind, tt.kind)
			}
			if classified.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", classified.Retryable(), tt.retryable)
			}
		})
	}
}

func TestStatsSuccessRate(t *testing.T) {
	primary := &fakePrimary{results: []fakeAttempt{
		{text: "one"},
		{err: newError(KindAuth, "boom")},
	}}
	engine, _ := newTestEngine(primary, nil)

	if _, err := engine.Transcribe(context.Background(), validPayload(100), 16000, ""); err != nil {
		t.Fatalf("first Transcribe() error = %v", err)
	}
	if _, err := engine.Transcribe(context.Background(), validPayload(100), 16000, ""); err == nil {
		t.Fatal("second Transcribe() error = nil, want failure")
	}

	stats := engine.GetStats()
	if stats.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", stats.TotalRequests)
	}
	if stats.SuccessRequests != 1 || stats.FailedRequests != 1 {
		t.Errorf("success/failed = %d/%d, want 1/1", stats.SuccessRequests, stats.FailedRequests)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("SuccessRate = %v, want 50", stats.SuccessRate)
	}
}
