// Package session manages the lifecycle of transcription sessions:
// creation, pause and resume with frame replay, chunk flushing, stop
// and disconnect finalization, and reaping of idle sessions.
package session
