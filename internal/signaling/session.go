package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mossy-p/meeting-signaling/config"
	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/models"
)

// State of a session. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Conn is the part of *websocket.Conn a session uses. Tests supply fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Handler receives decoded frames from a session's read loop.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, msg *models.SignalMessage)
	// HandleDisconnect runs once, after the session reached Closed.
	HandleDisconnect(s *Session)
}

type SessionConfig struct {
	IdleTimeout  time.Duration
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	CloseTimeout time.Duration
	SendBuffer   int
	ReadLimit    int64
	RateLimit    float64
	RateBurst    int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:  60 * time.Second,
		PingPeriod:   54 * time.Second,
		WriteTimeout: 10 * time.Second,
		CloseTimeout: 5 * time.Second,
		SendBuffer:   256,
		ReadLimit:    32 << 10,
		RateLimit:    20,
		RateBurst:    40,
	}
}

func SessionConfigFrom(c config.SignalingConfig) SessionConfig {
	return SessionConfig{
		IdleTimeout:  c.IdleTimeout,
		PingPeriod:   c.PingPeriod,
		WriteTimeout: c.WriteTimeout,
		CloseTimeout: c.CloseTimeout,
		SendBuffer:   c.SendBuffer,
		ReadLimit:    c.ReadLimit,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
	}
}

// Session is one client connection bound to one meeting for its lifetime.
type Session struct {
	id        string
	meetingID string
	identity  auth.Identity
	conn      Conn
	cfg       SessionConfig
	limiter   *rate.Limiter
	log       zerolog.Logger

	send   chan []byte
	quit   chan struct{}
	done   chan struct{} // write loop exited
	closed chan struct{}

	mu          sync.Mutex
	state       State
	started     bool
	parked      bool
	peerID      string
	role        models.Role
	closeReason string

	closeOnce    sync.Once
	lastActivity atomic.Int64
}

func NewSession(conn Conn, meetingID string, identity auth.Identity, cfg SessionConfig) *Session {
	id := uuid.NewString()
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	s := &Session{
		id:        id,
		meetingID: meetingID,
		identity:  identity,
		conn:      conn,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, cfg.RateBurst),
		log: log.With().
			Str("module", "signaling.session").
			Str("session_id", id).
			Str("meeting_id", meetingID).
			Str("participant_id", identity.UserID).
			Logger(),
		send:   make(chan []byte, cfg.SendBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) MeetingID() string       { return s.meetingID }
func (s *Session) ParticipantID() string   { return s.identity.UserID }
func (s *Session) Identity() auth.Identity { return s.identity }

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) Role() models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) setRole(r models.Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

func (s *Session) Parked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parked
}

func (s *Session) setParked(v bool) {
	s.mu.Lock()
	s.parked = v
	s.mu.Unlock()
}

// LastActivity is the time of the last inbound frame or pong.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// open moves Connecting -> Open and assigns the peer id.
func (s *Session) open(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
	case StateOpen:
		return ErrAlreadyJoined
	default:
		return ErrSessionClosed
	}
	s.state = StateOpen
	s.parked = false
	s.peerID = peerID
	return nil
}

// TrySend queues an encoded frame without blocking.
func (s *Session) TrySend(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= StateClosing {
		return ErrSessionClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Send encodes msg and queues it.
func (s *Session) Send(msg *models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	return s.TrySend(data)
}

// Close stops the session. Frames queued before the call are flushed for at
// most CloseTimeout, then the transport is closed. Safe to call from any
// goroutine and any number of times; every call returns once the session is
// Closed.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.closeReason = reason
		started := s.started
		s.mu.Unlock()

		close(s.quit)
		if started {
			timer := time.NewTimer(s.cfg.CloseTimeout)
			select {
			case <-s.done:
			case <-timer.C:
				s.log.Warn().Msg("close timeout, dropping queued frames")
			}
			timer.Stop()
		}
		_ = s.conn.Close()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closed)

		s.log.Info().Str("reason", reason).Msg("session closed")
	})
	<-s.closed
}

// Run pumps frames until the connection ends or ctx is cancelled. It blocks
// until the read loop returns and h.HandleDisconnect has run.
func (s *Session) Run(ctx context.Context, h Handler) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close("server shutting down")
		case <-s.closed:
		}
	}()
	s.readPump(ctx, h)
}

func (s *Session) readPump(ctx context.Context, h Handler) {
	defer func() {
		s.Close("connection closed")
		h.HandleDisconnect(s)
	}()

	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !s.limiter.Allow() {
			s.log.Warn().Msg("rate limit exceeded, dropping frame")
			continue
		}

		msg, err := decodeMessage(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping frame")
			continue
		}
		h.HandleMessage(ctx, s, msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.log.Warn().Err(err).Msg("write failed")
				go s.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				go s.Close("ping failed")
				return
			}
		case <-s.quit:
			s.flush()
			return
		}
	}
}

// flush writes what is still queued, then a close frame.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.send:
			if err := s.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			s.mu.Lock()
			reason := s.closeReason
			s.mu.Unlock()
			_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func decodeMessage(data []byte) (*models.SignalMessage, error) {
	var msg models.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return &msg, nil
}
