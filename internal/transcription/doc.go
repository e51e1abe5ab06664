// Package transcription turns finalized audio chunks into text.
// It submits chunks to an OpenAI-compatible speech API, retries transient
// failures with jittered exponential backoff, and falls back to a locally
// hosted whisper engine when the primary service is exhausted.
package transcription
