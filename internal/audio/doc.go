// Package audio implements WAV framing and durable chunk buffering.
// It builds and patches minimal PCM WAV headers, validates inbound
// frame signatures, and accumulates per-session PCM bytes in temp files
// until a chunk is ready for transcription.
package audio
