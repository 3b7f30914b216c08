// client.go
// The read goroutine handles frames from the browser and fans messages out
// to every registered session. The write goroutine drains the session's
// outbound queue back to the browser.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relay-server/internal/envelope"
	"relay-server/internal/metrics"
)

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// SessionState is where a session is in its lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

type SessionOptions struct {
	QueueSize int
	Policy    FanoutPolicy
	Metrics   *metrics.RelayMetrics
	Logger    *slog.Logger
}

// Session represents a single WebSocket connection.
type Session struct {
	id       string
	conn     Conn
	manager  *Manager
	outbound *Outbound
	policy   FanoutPolicy
	state    atomic.Int32

	metrics *metrics.RelayMetrics
	logger  *slog.Logger
}

// NewSession assigns conn a fresh id and registers it with manager.
func NewSession(conn Conn, manager *Manager, opts SessionOptions) (*Session, error) {
	if opts.Policy == "" {
		opts.Policy = FanoutBlock
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		conn:     conn,
		manager:  manager,
		outbound: NewOutbound(opts.QueueSize),
		policy:   opts.Policy,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("session_id", id),
	}
	s.state.Store(int32(StateConnecting))

	// Queue the id before registering so it is the first frame the client sees.
	if err := s.deliverSelf(envelope.UUID(id)); err != nil {
		return nil, fmt.Errorf("queue session id: %w", err)
	}
	if err := manager.AddUser(id, s.outbound); err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	s.logger.Info("Session registered")
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// Run starts the outbound pump and the greeting, then reads frames until the
// connection ends. It returns once the pump has shut the transport.
func (s *Session) Run() error {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))

	go s.write()
	go func() {
		if err := s.greet(); err != nil {
			s.logger.Warn("Initial greeting failed", "error", err)
		}
	}()

	err := s.read()
	if err != nil {
		s.logger.Error("Session aborted", "error", err)
		s.outbound.Kick()
	}

	<-s.outbound.Done()
	s.logger.Info("Session closed", "state", s.State())
	return err
}

func (s *Session) read() error {
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				s.logger.Debug("Received close", "code", closeErr.Code)
			} else {
				// No close frame arrived. Unregister anyway so the entry does not leak.
				s.logger.Info("Connection ended without close frame", "error", err)
			}
			return s.leave()
		}

		switch messageType {
		case websocket.TextMessage:
			if !utf8.Valid(payload) {
				s.logger.Warn("Skipping text frame with invalid UTF-8", "bytes", len(payload))
				continue
			}
			if err := s.broadcast(string(payload)); err != nil {
				if errors.Is(err, ErrManagerStopped) || errors.Is(err, ErrUnexpectedReply) {
					return err
				}
				s.logger.Warn("Broadcast failed", "error", err)
			}
		case websocket.BinaryMessage:
			s.logger.Debug("Ignoring binary frame", "bytes", len(payload))
		default:
			s.logger.Debug("Ignoring frame", "type", messageType)
		}
	}
}

// broadcast records text in the history and sends it to every session,
// the sender included.
func (s *Session) broadcast(text string) error {
	if err := s.manager.AddMessage(text); err != nil {
		return err
	}
	users, err := s.manager.GetUsers()
	if err != nil {
		return err
	}
	s.metrics.MessagesTotal.Inc()
	return s.fanOut(users, envelope.Message(text))
}

// greet tells everyone the new population and replays the history to the
// new session only. The session's id was queued by NewSession.
func (s *Session) greet() error {
	users, err := s.manager.GetUsers()
	if err != nil {
		return err
	}
	messages, err := s.manager.GetMessages()
	if err != nil {
		return err
	}

	if err := s.fanOut(users, envelope.ConnectedUsers(len(users))); err != nil {
		return err
	}
	for _, message := range messages {
		if err := s.deliverSelf(envelope.Message(message)); err != nil {
			return err
		}
	}
	return nil
}

// leave shuts this session's transport, unregisters it, and announces the
// new population to everyone left.
func (s *Session) leave() error {
	s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))

	outbound, err := s.manager.GetUser(s.id)
	switch {
	case err == nil:
	case errors.Is(err, ErrUserNotFound):
		outbound = s.outbound
	default:
		s.closeTransport(s.outbound)
		return err
	}
	s.closeTransport(outbound)

	if err := s.manager.RemoveUser(s.id); err != nil {
		return err
	}
	users, err := s.manager.GetUsers()
	if err != nil {
		return err
	}
	s.logger.Info("Session left", "remaining", len(users))
	return s.fanOut(users, envelope.ConnectedUsers(len(users)))
}

func (s *Session) closeTransport(outbound *Outbound) {
	if err := outbound.CloseTransport(); err != nil && !errors.Is(err, ErrSessionGone) {
		s.logger.Warn("Failed to queue transport close", "error", err)
	}
}

func (s *Session) deliverSelf(e envelope.Envelope) error {
	if err := s.outbound.Deliver(e); err != nil {
		return fmt.Errorf("deliver %s: %w", e.Kind, err)
	}
	s.metrics.Deliveries.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

func (s *Session) write() {
	defer func() {
		s.conn.Close()
		s.setState(StateClosed)
		s.outbound.markClosed()
	}()

	for {
		select {
		case cmd := <-s.outbound.queue:
			switch c := cmd.(type) {
			case deliverCmd:
				if err := s.conn.WriteMessage(websocket.TextMessage, c.data); err != nil {
					s.logger.Warn("Write failed", "kind", c.kind, "error", err)
					return
				}
			case closeTransportCmd:
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
					s.logger.Debug("Close frame not sent", "error", err)
				}
				return
			}
		case <-s.outbound.kicked:
			s.logger.Warn("Dropping transport")
			return
		}
	}
}
