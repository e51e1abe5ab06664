package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Briskmed/Scope/internal/audio"
	"github.com/Briskmed/Scope/internal/metrics"
	"github.com/Briskmed/Scope/internal/protocol"
	"github.com/Briskmed/Scope/internal/transcription"
)

// ErrSessionNotFound is returned for operations addressing an unknown
// or already closed session.
var ErrSessionNotFound = errors.New("session not found")

// Transcriber turns a finalized chunk file into text. Satisfied by
// transcription.Engine.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path string, sampleRate int, language string) (*transcription.Result, error)
}

// Sink delivers server-initiated events to a session's client. The
// websocket connection implements it; writes must be safe for
// concurrent use.
type Sink interface {
	Send(v any) error
}

// Config contains configuration for the session manager
type Config struct {
	// SpoolDir is where chunk files are staged before transcription.
	SpoolDir string

	// ChunkMinDuration is the buffered audio duration that triggers a
	// flush. The first chunk of a session flushes on any audio.
	ChunkMinDuration time.Duration

	// SessionTimeout is how long a session may sit idle before the
	// reaper closes it.
	SessionTimeout time.Duration

	// CleanupInterval is how often the reaper scans for idle sessions.
	CleanupInterval time.Duration
}

// Manager owns all active sessions and drives chunk flushes through
// the transcriber.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	cfg      Config

	transcriber Transcriber
	metrics     *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}

	// In-flight flush goroutines, waited on at shutdown.
	flushWG sync.WaitGroup
}

// NewManager creates a session manager and starts its reaper.
func NewManager(logger *slog.Logger, cfg Config, transcriber Transcriber, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:    make(map[string]*Session),
		logger:      logger,
		cfg:         cfg,
		transcriber: transcriber,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Create registers a new session. An empty id gets a generated UUID.
// The sample rate is fixed for the session's lifetime.
func (m *Manager) Create(id string, sampleRate int, language string, sink Sink) (*Session, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already exists", id)
	}

	now := time.Now()
	session := &Session{
		ID:           id,
		SampleRate:   sampleRate,
		Language:     language,
		StartTime:    now,
		LastActivity: now,
		state:        StateRecording,
		buffer:       audio.NewChunkBuffer(m.cfg.SpoolDir, id, sampleRate),
		sink:         sink,
	}
	m.sessions[id] = session

	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
	}
	m.logger.Info("Created session",
		slog.String("session_id", id),
		slog.Int("sample_rate", sampleRate),
		slog.String("language", language),
	)

	return session, nil
}

// Get retrieves an active session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions for the
// monitoring API.
func (m *Manager) GetAllSessions() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.GetInfo())
	}
	return infos
}

// AddAudio routes one audio frame into a session. It returns the ack
// status: "received" when the frame was appended, "buffered" when the
// session was paused and the frame was queued.
//
// A malformed frame returns an error but keeps the session alive, and
// still counts as activity.
func (m *Manager) AddAudio(id string, frame []byte) (string, error) {
	session, exists := m.Get(id)
	if !exists {
		return "", ErrSessionNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.LastActivity = time.Now()

	if session.state == StatePaused {
		buffered := make([]byte, len(frame))
		copy(buffered, frame)
		session.pendingFrames = append(session.pendingFrames, buffered)
		session.framesBuffered++
		if m.metrics != nil {
			m.metrics.RecordFrameBuffered()
		}
		return protocol.StatusBuffered, nil
	}

	if err := m.ingestLocked(session, frame); err != nil {
		return "", err
	}
	return protocol.StatusReceived, nil
}

// ingestLocked validates and appends one frame, then triggers a flush
// when the buffer is due. Caller holds session.mu.
func (m *Manager) ingestLocked(session *Session, frame []byte) error {
	if err := audio.ValidateFrame(frame); err != nil {
		session.framesInvalid++
		if m.metrics != nil {
			m.metrics.RecordFrameInvalid()
		}
		return &protocol.ProtocolError{Msg: err.Error()}
	}

	pcm := audio.StripHeader(frame)
	if err := session.buffer.Append(pcm); err != nil {
		return err
	}

	session.framesReceived++
	if m.metrics != nil {
		m.metrics.RecordFrameReceived(len(pcm))
	}

	if session.state == StateRecording && !session.flushInFlight &&
		session.buffer.ShouldFlush(m.cfg.ChunkMinDuration) {
		m.startFlushLocked(session)
	}
	return nil
}

// startFlushLocked finalizes the current chunk and hands it to the
// transcriber on a separate goroutine. Caller holds session.mu. The
// buffer resets immediately, so audio arriving during transcription
// accumulates into the next chunk.
func (m *Manager) startFlushLocked(session *Session) {
	chunkDuration := session.buffer.Duration()
	path, dataBytes, err := session.buffer.Finalize()
	if err != nil {
		m.logger.Error("Chunk finalize failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	session.flushInFlight = true
	done := make(chan struct{})
	session.flushDone = done
	session.chunksFlushed++
	if m.metrics != nil {
		m.metrics.RecordChunkFlushed(chunkDuration.Seconds(), dataBytes)
	}

	m.logger.Info("Flushing audio chunk",
		slog.String("session_id", session.ID),
		slog.String("chunk_file", path),
		slog.Int64("data_bytes", dataBytes),
		slog.Float64("duration", chunkDuration.Seconds()),
	)

	m.flushWG.Add(1)
	go func() {
		defer m.flushWG.Done()
		m.transcribeChunk(session, path)

		session.mu.Lock()
		session.flushInFlight = false
		session.flushDone = nil
		session.mu.Unlock()
		close(done)
	}()
}

// transcribeChunk runs one chunk file through the transcriber and
// delivers the result to the session's sink.
func (m *Manager) transcribeChunk(session *Session, path string) {
	res, err := m.transcriber.TranscribeFile(m.ctx, path, session.SampleRate, session.Language)
	if err != nil {
		session.mu.Lock()
		session.transcriptsFailed++
		sink := session.sink
		session.mu.Unlock()

		if m.metrics != nil {
			m.metrics.RecordTranscriptionFailure(0)
		}
		m.logger.Error("Chunk transcription failed",
			slog.String("session_id", session.ID),
			slog.String("chunk_file", path),
			slog.String("error", err.Error()),
		)
		if sink != nil {
			if sendErr := sink.Send(protocol.NewErrorEvent("transcription failed", err.Error())); sendErr != nil {
				m.logger.Warn("Failed to deliver error event",
					slog.String("session_id", session.ID),
					slog.String("error", sendErr.Error()),
				)
			}
		}
		return
	}

	session.mu.Lock()
	session.transcriptsSent++
	sink := session.sink
	session.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordTranscription(res.Source, res.ProcessingTime.Seconds())
	}
	m.logger.Info("Chunk transcription completed",
		slog.String("session_id", session.ID),
		slog.String("source", res.Source),
		slog.Int64("processing_time_ms", res.ProcessingTime.Milliseconds()),
		slog.Int("text_length", len(res.Text)),
	)

	if sink != nil {
		if err := sink.Send(protocol.NewTranscriptEvent(res.Text, res.Source, res.ProcessingTime)); err != nil {
			m.logger.Warn("Failed to deliver transcript",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Pause suspends chunk accumulation. Frames arriving while paused are
// queued and replayed on resume. Pausing a paused session is a no-op.
func (m *Manager) Pause(id string) error {
	session, exists := m.Get(id)
	if !exists {
		return ErrSessionNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.LastActivity = time.Now()

	switch session.state {
	case StateRecording, StatePaused:
		session.state = StatePaused
	default:
		return fmt.Errorf("cannot pause session in state %s", session.state)
	}

	m.logger.Info("Session paused", slog.String("session_id", id))
	return nil
}

// Resume replays any frames queued during pause in arrival order and
// returns the session to recording. Resuming a recording session is a
// no-op.
func (m *Manager) Resume(id string) error {
	session, exists := m.Get(id)
	if !exists {
		return ErrSessionNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.LastActivity = time.Now()

	switch session.state {
	case StateRecording:
		return nil
	case StatePaused:
	default:
		return fmt.Errorf("cannot resume session in state %s", session.state)
	}

	session.state = StateRecording
	pending := session.pendingFrames
	session.pendingFrames = nil

	replayed := 0
	for _, frame := range pending {
		if err := m.ingestLocked(session, frame); err != nil {
			m.logger.Warn("Dropped queued frame on resume",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		replayed++
	}

	m.logger.Info("Session resumed",
		slog.String("session_id", id),
		slog.Int("frames_replayed", replayed),
	)
	return nil
}

// Stop finalizes and removes a session: queued frames are replayed,
// the remaining buffered audio is flushed and transcribed, and the
// session is forgotten. Stopping an unknown or already stopped session
// succeeds as a no-op. Returns the path of the final chunk file, if
// one was produced.
func (m *Manager) Stop(id string) (string, error) {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return "", nil
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	return m.finalizeSession(session, false), nil
}

// Disconnect tears a session down when its transport goes away. Same
// path as Stop, but nothing is reported back.
func (m *Manager) Disconnect(id string) {
	if _, err := m.Stop(id); err != nil {
		m.logger.Warn("Error closing session on disconnect",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// finalizeSession drains a session that has already been removed from
// the map. The remainder flush is synchronous and best effort.
func (m *Manager) finalizeSession(session *Session, reaped bool) string {
	session.mu.Lock()
	session.state = StateFinalizing

	// Frames queued during a pause still belong to the recording.
	pending := session.pendingFrames
	session.pendingFrames = nil
	for _, frame := range pending {
		if err := m.ingestLocked(session, frame); err != nil {
			m.logger.Warn("Dropped queued frame during finalize",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	session.buffer.MarkFinalizing()

	var finalPath string
	if !session.buffer.Empty() {
		chunkDuration := session.buffer.Duration()
		path, dataBytes, err := session.buffer.Finalize()
		if err != nil {
			m.logger.Error("Final chunk finalize failed",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		} else {
			finalPath = path
			session.chunksFlushed++
			if m.metrics != nil {
				m.metrics.RecordChunkFlushed(chunkDuration.Seconds(), dataBytes)
			}
		}
	}
	session.buffer.Discard()
	session.state = StateClosed
	sessionDuration := time.Since(session.StartTime)
	flushDone := session.flushDone
	session.mu.Unlock()

	// An async flush may still be inside the transcriber. Finalize
	// operations for one session never overlap, so the remainder waits
	// its turn.
	if flushDone != nil {
		<-flushDone
	}
	if finalPath != "" {
		m.transcribeChunk(session, finalPath)
	}

	if m.metrics != nil {
		m.metrics.RecordSessionClosed(sessionDuration.Seconds(), reaped)
	}
	m.logger.Info("Session closed",
		slog.String("session_id", session.ID),
		slog.Duration("duration", sessionDuration),
		slog.Bool("reaped", reaped),
	)

	return finalPath
}

// Shutdown gracefully stops the session manager: every live session is
// finalized, then the reaper and in-flight flushes are waited out.
func (m *Manager) Shutdown() {
	m.logger.Info("Stopping session manager...")

	m.mu.Lock()
	remaining := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		remaining = append(remaining, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, session := range remaining {
		m.finalizeSession(session, false)
	}

	m.cancel()
	<-m.cleanup
	m.flushWG.Wait()

	m.logger.Info("Session manager stopped",
		slog.Int("finalized_sessions", len(remaining)),
	)
}

// startCleanupRoutine runs in a separate goroutine to close idle
// sessions.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.cfg.SessionTimeout),
		slog.Duration("check_interval", m.cfg.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions finalizes sessions idle longer than the
// timeout. Buffered audio still gets its final transcription attempt.
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()

	m.mu.Lock()
	expired := make([]*Session, 0)
	for id, session := range m.sessions {
		if now.Sub(session.lastActivity()) > m.cfg.SessionTimeout {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range expired {
		m.logger.Info("Reaping idle session",
			slog.String("session_id", session.ID),
			slog.Duration("idle", now.Sub(session.lastActivity())),
		)
		m.finalizeSession(session, true)
	}
}

// SweepSpool removes orphaned chunk files left behind by an unclean
// shutdown. Called once at boot, before any session exists.
func SweepSpool(dir string, logger *slog.Logger) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "chunk-*.wav"))
	if err != nil {
		return 0, fmt.Errorf("failed to scan spool directory: %w", err)
	}

	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			logger.Warn("Failed to remove orphaned chunk file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.Info("Swept orphaned chunk files",
			slog.String("dir", dir),
			slog.Int("removed", removed),
		)
	}
	return removed, nil
}
