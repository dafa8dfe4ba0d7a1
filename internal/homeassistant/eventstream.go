package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventStream subscribes to Home Assistant events over the WebSocket
// API and delivers them on a channel. It reconnects with backoff when
// the connection drops, re-subscribing to the configured event types.
type EventStream struct {
	baseURL    string
	token      string
	eventTypes []string

	conn   *websocket.Conn
	connMu sync.Mutex
	msgID  int64

	events chan Event
	logger *slog.Logger
}

// Event represents a Home Assistant event received via WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData represents the data payload for state_changed events.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEventStream creates an event stream for the given event types.
// Call Run to start it.
func NewEventStream(baseURL, token string, eventTypes []string, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{
		baseURL:    baseURL,
		token:      token,
		eventTypes: eventTypes,
		events:     make(chan Event, 100),
		logger:     logger,
	}
}

// Events returns the channel on which subscribed events are delivered.
// Events are dropped, with a warning, when the channel is full.
func (s *EventStream) Events() <-chan Event {
	return s.events
}

// Run connects, subscribes, and reads events until ctx is cancelled.
// Connection failures trigger reconnection with exponential backoff
// capped at one minute.
func (s *EventStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := s.connect(ctx); err != nil {
			s.logger.Warn("event stream connect failed", "error", err, "retry_in", backoff)
		} else {
			backoff = time.Second
			s.readLoop(ctx)
			s.logger.Info("event stream disconnected", "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			s.close()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// connect dials the WebSocket endpoint, authenticates, and subscribes
// to the configured event types.
func (s *EventStream) connect(ctx context.Context) error {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	s.logger.Debug("connecting to Home Assistant WebSocket", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 16 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	// Auth handshake: server sends auth_required, we answer with the
	// long-lived token, server answers auth_ok or auth_invalid.
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": s.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
	case "auth_invalid":
		conn.Close()
		return fmt.Errorf("authentication failed")
	default:
		conn.Close()
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	for _, eventType := range s.eventTypes {
		s.msgID++
		msg := map[string]any{
			"id":         s.msgID,
			"type":       "subscribe_events",
			"event_type": eventType,
		}
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe to %s: %w", eventType, err)
		}
		// The subscription result arrives before any events; confirm it
		// here so a failed subscribe surfaces as a connect error.
		var result wsMessage
		if err := conn.ReadJSON(&result); err != nil {
			conn.Close()
			return fmt.Errorf("read subscribe result: %w", err)
		}
		if result.Type != "result" || !result.Success {
			conn.Close()
			return fmt.Errorf("subscribe to %s rejected", eventType)
		}
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.logger.Info("subscribed to Home Assistant events", "event_types", s.eventTypes)
	return nil
}

// readLoop reads messages until the connection drops or ctx is done.
func (s *EventStream) readLoop(ctx context.Context) {
	defer s.close()

	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("WebSocket closed normally")
				return
			}
			s.logger.Error("WebSocket read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case s.events <- *msg.Event:
			default:
				s.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
			}
		case "pong":
			// Keepalive, ignore.
		default:
			s.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}

func (s *EventStream) close() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
