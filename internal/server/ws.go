package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Briskmed/Scope/internal/protocol"
	"github.com/Briskmed/Scope/internal/session"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue length per connection
	sendQueueSize = 256
)

// wsConnection is one client's websocket. It owns at most one session,
// created by the init message and torn down when the socket closes.
type wsConnection struct {
	conn   *websocket.Conn
	server *HTTPServer
	logger *slog.Logger

	send chan []byte

	mu        sync.Mutex
	closed    bool
	sessionID string
}

// handleWebSocket upgrades the connection and starts the pumps.
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &wsConnection{
		conn:   conn,
		server: h,
		logger: h.logger.With(slog.String("remote", r.RemoteAddr)),
		send:   make(chan []byte, sendQueueSize),
	}

	if h.metrics != nil {
		h.metrics.RecordConnectionOpened()
	}
	c.logger.Info("WebSocket connection opened")

	go c.writePump()
	go c.readPump()
}

// Send implements session.Sink. It marshals the event and queues it on
// the write pump; a full queue drops the event rather than blocking the
// session manager.
func (c *wsConnection) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// close marks the connection dead and wakes the write pump.
func (c *wsConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConnection) readPump() {
	defer func() {
		c.teardown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", slog.String("error", err.Error()))
			}
			return
		}
		c.handleMessage(data)
	}
}

// teardown runs once when the socket dies: the session, if any, is
// finalized the same way an explicit stop would.
func (c *wsConnection) teardown() {
	c.close()

	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID != "" {
		c.server.sessions.Disconnect(sessionID)
	}

	if c.server.metrics != nil {
		c.server.metrics.RecordConnectionClosed()
	}
	c.logger.Info("WebSocket connection closed",
		slog.String("session_id", sessionID),
	)
}

// handleMessage validates and dispatches one inbound message.
func (c *wsConnection) handleMessage(data []byte) {
	if c.server.metrics != nil {
		c.server.metrics.RecordMessage()
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		if c.server.metrics != nil {
			c.server.metrics.RecordProtocolError()
		}
		c.Send(protocol.NewErrorEvent("invalid message", err.Error()))
		return
	}

	switch msg.Type {
	case protocol.TypeInit:
		c.handleInit(msg.Init)
	case protocol.TypeAudio:
		c.handleAudio(msg.Audio)
	case protocol.TypePause:
		c.handleControl(msg.Type)
	case protocol.TypeResume:
		c.handleControl(msg.Type)
	case protocol.TypeStop:
		c.handleStop()
	}
}

func (c *wsConnection) handleInit(payload *protocol.InitPayload) {
	c.mu.Lock()
	existing := c.sessionID
	c.mu.Unlock()

	if existing != "" {
		c.Send(protocol.InitAck{
			Type:      protocol.TypeInit,
			Success:   false,
			SessionID: existing,
			Message:   "session already initialized on this connection",
		})
		return
	}

	sampleRate := payload.SampleRate
	if sampleRate == 0 {
		sampleRate = c.server.defaultSampleRate
	}
	if !protocol.IsSupportedLanguage(payload.Language) {
		c.Send(protocol.InitAck{
			Type:    protocol.TypeInit,
			Success: false,
			Message: fmt.Sprintf("unsupported language %q", payload.Language),
		})
		return
	}

	s, err := c.server.sessions.Create(payload.SessionID, sampleRate, payload.Language, c)
	if err != nil {
		c.Send(protocol.InitAck{
			Type:    protocol.TypeInit,
			Success: false,
			Message: err.Error(),
		})
		return
	}

	c.mu.Lock()
	c.sessionID = s.ID
	c.mu.Unlock()

	c.Send(protocol.InitAck{
		Type:      protocol.TypeInit,
		Success:   true,
		SessionID: s.ID,
		Message:   "session ready",
	})
}

func (c *wsConnection) handleAudio(payload *protocol.AudioPayload) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		c.Send(protocol.NewErrorEvent("no session", "send an init message before audio"))
		return
	}

	status, err := c.server.sessions.AddAudio(sessionID, payload.Data)
	if err != nil {
		var perr *protocol.ProtocolError
		switch {
		case errors.As(err, &perr):
			if c.server.metrics != nil {
				c.server.metrics.RecordProtocolError()
			}
			c.Send(protocol.NewErrorEvent("invalid audio frame", perr.Msg))
		case errors.Is(err, session.ErrSessionNotFound):
			c.Send(protocol.NewErrorEvent("session not found", sessionID))
		default:
			c.Send(protocol.NewErrorEvent("audio frame rejected", err.Error()))
		}
		return
	}

	c.Send(protocol.AudioAck{
		Type:   protocol.TypeAudio,
		Status: status,
		Size:   len(payload.Data),
	})
}

func (c *wsConnection) handleControl(msgType string) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		c.Send(protocol.ControlAck{Type: msgType, Success: false, Error: "no session"})
		return
	}

	var err error
	switch msgType {
	case protocol.TypePause:
		err = c.server.sessions.Pause(sessionID)
	case protocol.TypeResume:
		err = c.server.sessions.Resume(sessionID)
	}

	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.Send(protocol.ControlAck{Type: msgType, Success: false, Error: "session not found"})
			return
		}
		c.Send(protocol.ControlAck{Type: msgType, Success: false, Error: err.Error()})
		return
	}

	c.Send(protocol.ControlAck{Type: msgType, Success: true, Message: "ok"})
}

// handleStop finalizes the session. Stopping twice, or stopping before
// init, still acknowledges success so client-side cleanup is never
// stuck on ordering. The ack's TempFile names the final chunk for
// client-side logging; the file itself is already consumed.
func (c *wsConnection) handleStop() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID == "" {
		c.Send(protocol.ControlAck{Type: protocol.TypeStop, Success: true, Message: "no active session"})
		return
	}

	tempFile, err := c.server.sessions.Stop(sessionID)
	if err != nil {
		c.Send(protocol.ControlAck{Type: protocol.TypeStop, Success: false, Error: err.Error()})
		return
	}

	c.Send(protocol.ControlAck{
		Type:     protocol.TypeStop,
		Success:  true,
		Message:  "recording stopped",
		TempFile: tempFile,
	})
}
