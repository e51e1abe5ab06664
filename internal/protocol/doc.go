// Package protocol defines the JSON control messages exchanged with
// clients over the websocket transport. Inbound messages are validated
// into a tagged union before reaching the session manager; outbound
// acks and transcript/error events are defined alongside.
package protocol
