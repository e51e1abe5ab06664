// Package server implements the websocket endpoint that carries
// transcription sessions and the HTTP API for monitoring and
// management.
package server
