package transcription

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/Briskmed/Scope/internal/audio"
	"github.com/Briskmed/Scope/internal/metrics"
)

const (
	// MinPayloadBytes is a header with no samples. Anything smaller
	// cannot be a WAV file.
	MinPayloadBytes = audio.HeaderSize

	// MaxPayloadBytes is the upload limit of the primary service.
	MaxPayloadBytes = 25 << 20
)

// Sources of a transcript, reported to the client alongside the text.
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)

// Config holds transcription engine settings.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxConcurrent int
	Fallback      FallbackConfig
}

// FallbackConfig holds settings for the local fallback engine.
type FallbackConfig struct {
	Enabled  bool
	Endpoint string
	Timeout  time.Duration
}

// Result is a completed transcription.
type Result struct {
	Text           string
	Source         string
	ProcessingTime time.Duration
}

// Stats is a snapshot of engine counters.
type Stats struct {
	TotalRequests       int64   `json:"total_requests"`
	SuccessRequests     int64   `json:"success_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	TotalRetries        int64   `json:"total_retries"`
	FallbackInvocations int64   `json:"fallback_invocations"`
	FallbackSuccesses   int64   `json:"fallback_successes"`
	ActiveRequests      int64   `json:"active_requests"`
	AvgResponseTimeMs   float64 `json:"avg_response_time_ms"`
	SuccessRate         float64 `json:"success_rate"`
}

// Engine transcribes finalized chunks, retrying transient primary
// failures and falling back to a local engine when the primary is
// exhausted.
type Engine struct {
	cfg      Config
	primary  primaryClient
	fallback fallbackClient
	logger   *slog.Logger
	metrics  *metrics.Metrics

	semaphore chan struct{}

	// sleep is swapped out in tests so retries do not wait for real
	// backoff delays.
	sleep func(time.Duration)

	mu             sync.Mutex
	stats          Stats
	totalWaited    time.Duration
	activeRequests int64
}

// NewEngine creates an engine from config. A nil logger falls back to
// the default slog logger; a nil metrics disables counter exports.
func NewEngine(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = withDefaults(cfg)

	e := &Engine{
		cfg:       cfg,
		primary:   newOpenAIClient(cfg),
		logger:    logger,
		metrics:   m,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		sleep:     time.Sleep,
	}
	if cfg.Fallback.Enabled {
		e.fallback = newWhisperClient(cfg.Fallback)
	}
	return e
}

func withDefaults(cfg Config) Config {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.Fallback.Timeout <= 0 {
		cfg.Fallback.Timeout = 60 * time.Second
	}
	return cfg
}

// TranscribeFile reads a finalized chunk file, transcribes it, and
// removes the file. The engine owns the file from this point even when
// transcription fails.
func (e *Engine) TranscribeFile(ctx context.Context, path string, sampleRate int, language string) (*Result, error) {
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &audio.StorageError{Op: "read", Err: err}
	}
	return e.Transcribe(ctx, data, sampleRate, language)
}

// Transcribe runs the full policy over in-memory chunk bytes: payload
// validation, bounded retries against the primary with jittered
// exponential backoff, then one fallback attempt.
func (e *Engine) Transcribe(ctx context.Context, data []byte, sampleRate int, language string) (*Result, error) {
	e.countRequest()

	// Payload bounds fail fast. The fallback engine would reject the
	// same bytes, so these never reach it.
	if len(data) < MinPayloadBytes {
		err := newError(KindPayloadTooSmall, "payload is %d bytes, below the %d byte minimum", len(data), MinPayloadBytes)
		e.countFailure(0)
		return nil, err
	}
	if len(data) > MaxPayloadBytes {
		err := newError(KindPayloadTooLarge, "payload is %d bytes, above the %d byte limit", len(data), MaxPayloadBytes)
		e.countFailure(0)
		return nil, err
	}

	select {
	case e.semaphore <- struct{}{}:
	case <-ctx.Done():
		e.countFailure(0)
		return nil, wrapError(KindNetwork, ctx.Err(), "cancelled while waiting for a transcription slot")
	}
	defer func() { <-e.semaphore }()

	e.setActive(1)
	defer e.setActive(-1)

	// Processing time is wall clock from the first attempt, so it
	// includes backoff waits and the fallback attempt.
	start := time.Now()

	text, perr := e.tryPrimary(ctx, data, language)
	if perr == nil {
		e.countSuccess(time.Since(start))
		return &Result{Text: text, Source: SourcePrimary, ProcessingTime: time.Since(start)}, nil
	}
	if e.fallback != nil && perr.FallbackEligible() {
		e.countFallback()
		fb, fbErr := e.fallback.transcribe(ctx, data, sampleRate, language)
		if fbErr == nil {
			elapsed := time.Since(start)
			e.countFallbackSuccess(elapsed)
			e.logger.Info("fallback transcription succeeded",
				"language", fb.Language,
				"audio_duration_sec", fb.DurationSeconds,
				"confidence", fb.Confidence,
				"elapsed", elapsed)
			return &Result{Text: fb.Text, Source: SourceFallback, ProcessingTime: elapsed}, nil
		}
		// The fallback failing is secondary. The primary error is the
		// actionable one, so it is what propagates.
		e.logger.Warn("fallback transcription failed", "error", fbErr)
	}

	e.countFailure(time.Since(start))
	return nil, perr
}

// tryPrimary runs up to MaxRetries attempts against the primary
// service, sleeping the backoff delay between retryable failures.
func (e *Engine) tryPrimary(ctx context.Context, data []byte, language string) (string, *Error) {
	var lastErr *Error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		text, err := e.primary.transcribeOnce(ctx, data, language)
		if err == nil {
			return text, nil
		}

		lastErr = classify(err)
		e.logger.Warn("primary transcription attempt failed",
			"attempt", attempt,
			"max_retries", e.cfg.MaxRetries,
			"kind", lastErr.Kind.String(),
			"error", lastErr)

		if !lastErr.Retryable() || attempt == e.cfg.MaxRetries {
			break
		}
		e.countRetry()
		e.sleep(e.backoffDelay(attempt))
	}
	return "", lastErr
}

// backoffDelay computes the wait after a failed attempt: exponential
// doubling from the base, capped, with jitter in [0.8, 1.2] to keep
// concurrent sessions from retrying in lockstep.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	delay := e.cfg.BackoffBase * (1 << (attempt - 1))
	if delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// GetStats returns a snapshot of engine counters.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.ActiveRequests = e.activeRequests
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessRequests) / float64(s.TotalRequests) * 100
	}
	completed := s.SuccessRequests + s.FailedRequests
	if completed > 0 {
		s.AvgResponseTimeMs = float64(e.totalWaited.Milliseconds()) / float64(completed)
	}
	return s
}

// Close logs final counters. Outstanding requests are left to their
// context deadlines.
func (e *Engine) Close() {
	s := e.GetStats()
	e.logger.Info("transcription engine closed",
		"total_requests", s.TotalRequests,
		"success_requests", s.SuccessRequests,
		"failed_requests", s.FailedRequests,
		"fallback_invocations", s.FallbackInvocations)
}

func (e *Engine) countRequest() {
	e.mu.Lock()
	e.stats.TotalRequests++
	e.mu.Unlock()
}

func (e *Engine) countRetry() {
	e.mu.Lock()
	e.stats.TotalRetries++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordTranscriptionRetry()
	}
}

func (e *Engine) countFallback() {
	e.mu.Lock()
	e.stats.FallbackInvocations++
	e.mu.Unlock()
}

func (e *Engine) countSuccess(elapsed time.Duration) {
	e.mu.Lock()
	e.stats.SuccessRequests++
	e.totalWaited += elapsed
	e.mu.Unlock()
}

func (e *Engine) countFallbackSuccess(elapsed time.Duration) {
	e.mu.Lock()
	e.stats.SuccessRequests++
	e.stats.FallbackSuccesses++
	e.totalWaited += elapsed
	e.mu.Unlock()
}

func (e *Engine) countFailure(elapsed time.Duration) {
	e.mu.Lock()
	e.stats.FailedRequests++
	e.totalWaited += elapsed
	e.mu.Unlock()
}

func (e *Engine) setActive(delta int64) {
	e.mu.Lock()
	e.activeRequests += delta
	e.mu.Unlock()
}
