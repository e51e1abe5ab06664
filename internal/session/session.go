package session

import (
	"sync"
	"time"

	"github.com/Briskmed/Scope/internal/audio"
)

// State is the lifecycle phase of a session.
type State int

const (
	StateRecording State = iota
	StatePaused
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client's recording. Sample rate and language are fixed
// at creation; audio arriving with a different rate is still appended
// at the session's rate.
type Session struct {
	ID           string
	SampleRate   int
	Language     string
	StartTime    time.Time
	LastActivity time.Time

	state  State
	buffer *audio.ChunkBuffer

	// Frames received while paused, replayed in arrival order on
	// resume.
	pendingFrames [][]byte

	// At most one flush runs per session. Frames landing during a
	// flush accumulate into the next chunk. flushDone closes when the
	// in-flight flush finishes, so finalize can wait it out.
	flushInFlight bool
	flushDone     chan struct{}

	sink Sink

	// Counters for monitoring.
	framesReceived    uint64
	framesBuffered    uint64
	framesInvalid     uint64
	chunksFlushed     uint64
	transcriptsSent   uint64
	transcriptsFailed uint64

	mu sync.Mutex
}

// Info is a point-in-time snapshot of a session for the monitoring API.
type Info struct {
	ID           string        `json:"id"`
	State        string        `json:"state"`
	SampleRate   int           `json:"sample_rate"`
	Language     string        `json:"language,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	BufferedBytes    int64  `json:"buffered_bytes"`
	PendingFrames    int    `json:"pending_frames"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesBuffered   uint64 `json:"frames_buffered"`
	FramesInvalid    uint64 `json:"frames_invalid"`
	ChunksFlushed    uint64 `json:"chunks_flushed"`
	TranscriptsSent  uint64 `json:"transcripts_sent"`
	TranscriptsFail  uint64 `json:"transcripts_failed"`
}

// GetInfo returns a snapshot of the session.
func (s *Session) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:           s.ID,
		State:        s.state.String(),
		SampleRate:   s.SampleRate,
		Language:     s.Language,
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
		Duration:     time.Since(s.StartTime),

		BufferedBytes:   s.buffer.TotalBytes(),
		PendingFrames:   len(s.pendingFrames),
		FramesReceived:  s.framesReceived,
		FramesBuffered:  s.framesBuffered,
		FramesInvalid:   s.framesInvalid,
		ChunksFlushed:   s.chunksFlushed,
		TranscriptsSent: s.transcriptsSent,
		TranscriptsFail: s.transcriptsFailed,
	}
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActivity
}
