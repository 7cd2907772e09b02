package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const waitTimeout = 2 * time.Second

var errConnClosed = errors.New("fake connection closed")

// fakeConn is an in-memory stand-in for a websocket connection.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	closeFrame []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	switch messageType {
	case websocket.TextMessage:
		c.out <- data
	case websocket.CloseMessage:
		c.mu.Lock()
		c.closeFrame = data
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// closeReason returns the reason carried by the close frame, if one was sent.
func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.closeFrame) < 2 {
		return ""
	}
	return string(c.closeFrame[2:])
}

type nopHandler struct{}

func (nopHandler) HandleMessage(context.Context, *Session, *models.SignalMessage) {}
func (nopHandler) HandleDisconnect(*Session)                                     {}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.CloseTimeout = 500 * time.Millisecond
	cfg.RateLimit = 0
	return cfg
}

func testSyncConfig() SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func newTestHub(t *testing.T, opts Options) (*Hub, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	opts.Store = st
	if opts.Session == (SessionConfig{}) {
		opts.Session = testSessionConfig()
	}
	if opts.Sync == (SyncConfig{}) {
		opts.Sync = testSyncConfig()
	}
	hub := NewHub(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		hub.Shutdown(ctx)
	})
	return hub, st
}

func createMeeting(t *testing.T, st store.Store, m models.Meeting) {
	t.Helper()
	if m.Status == "" {
		m.Status = models.MeetingInProgress
	}
	if err := st.CreateMeeting(context.Background(), &m); err != nil {
		t.Fatalf("create meeting: %v", err)
	}
}

// openMeeting is an in-progress meeting hosted by u1 with every feature on.
func openMeeting(id string) models.Meeting {
	return models.Meeting{
		ID:               id,
		Title:            "standup",
		HostID:           "u1",
		Status:           models.MeetingInProgress,
		AllowGuests:      true,
		Open:             true,
		AllowScreenShare: true,
		RecordingEnabled: true,
	}
}

func user(id, name string) auth.Identity {
	return auth.Identity{UserID: id, Name: name}
}

type client struct {
	conn *fakeConn
	done chan struct{}
}

func connect(t *testing.T, hub *Hub, meetingID string, ident auth.Identity) *client {
	t.Helper()
	c := &client{conn: newFakeConn(), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		hub.Serve(c.conn, meetingID, ident)
	}()
	return c
}

func (c *client) send(t *testing.T, msg models.SignalMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.sendRaw(t, data)
}

func (c *client) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	select {
	case c.conn.in <- data:
	case <-time.After(waitTimeout):
		t.Fatal("timed out sending frame")
	}
}

func (c *client) next(t *testing.T) models.SignalMessage {
	t.Helper()
	select {
	case data := <-c.conn.out:
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a message")
	}
	return models.SignalMessage{}
}

// expect fails unless the next message has type typ.
func (c *client) expect(t *testing.T, typ models.MessageType) models.SignalMessage {
	t.Helper()
	msg := c.next(t)
	if msg.Type != typ {
		t.Fatalf("got %s (%+v), want %s", msg.Type, msg, typ)
	}
	return msg
}

// waitFor skips messages until one of type typ arrives.
func (c *client) waitFor(t *testing.T, typ models.MessageType) models.SignalMessage {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case data := <-c.conn.out:
			var msg models.SignalMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("decode %s: %v", data, err)
			}
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (c *client) expectNone(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.conn.out:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *client) expectError(t *testing.T, code string) models.SignalMessage {
	t.Helper()
	msg := c.expect(t, models.TypeError)
	if msg.Code != code {
		t.Fatalf("error code = %q (%s), want %q", msg.Code, msg.Error, code)
	}
	return msg
}

func (c *client) join(t *testing.T) models.SignalMessage {
	t.Helper()
	c.send(t, models.SignalMessage{Type: models.TypeJoinRoom})
	return c.expect(t, models.TypeRoomJoined)
}

func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(waitTimeout):
		t.Fatal("session was not closed")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
