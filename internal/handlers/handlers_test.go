package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/meeting-signaling/config"
	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const testOrigin = "http://localhost:3000"

type testEnv struct {
	router *gin.Engine
	store  *store.Memory
	hub    *signaling.Hub
	issuer *auth.JWTAuthorizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	hub := signaling.NewHub(signaling.Options{
		Store:   st,
		Session: signaling.DefaultSessionConfig(),
		Sync:    signaling.DefaultSyncConfig(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	issuer := auth.NewJWTAuthorizer("test-secret")
	cfg := &config.Config{Environment: "test", AllowedOrigins: []string{testOrigin}}
	return &testEnv{
		router: SetupRouter(Deps{Config: cfg, Store: st, Hub: hub, Authorizer: issuer, Issuer: issuer}),
		store:  st,
		hub:    hub,
		issuer: issuer,
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.issuer.IssueToken(userID, strings.ToUpper(userID[:1])+userID[1:], time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) meeting(t *testing.T, m models.Meeting) {
	t.Helper()
	if err := e.store.CreateMeeting(context.Background(), &m); err != nil {
		t.Fatal(err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestLoginThenCreateMeeting(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "x"})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d %s", w.Code, w.Body.String())
	}
	login := decode[LoginResponse](t, w)

	w = env.do(t, http.MethodPost, "/api/meetings", login.Token, models.CreateMeetingRequest{Title: "Planning"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	m := decode[models.Meeting](t, w)
	if len(m.ID) != meetingCodeLength || m.HostID != "alice" || m.Status != models.MeetingScheduled {
		t.Errorf("created meeting = %+v", m)
	}
	if !m.AllowScreenShare {
		t.Error("screen share should default to allowed")
	}

	w = env.do(t, http.MethodGet, "/api/meetings/"+m.ID, "", nil)
	info := decode[models.MeetingInfo](t, w)
	if w.Code != http.StatusOK || info.Title != "Planning" || info.ParticipantCount != 0 {
		t.Errorf("get = %d %+v", w.Code, info)
	}
}

func TestCreateMeetingValidation(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/api/meetings", "", models.CreateMeetingRequest{Title: "x"}); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings", "garbage", models.CreateMeetingRequest{Title: "x"}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d", w.Code)
	}
	token := env.token(t, "alice")
	if w := env.do(t, http.MethodPost, "/api/meetings", token, map[string]any{"title": ""}); w.Code != http.StatusBadRequest {
		t.Errorf("missing title = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings", token, map[string]any{"title": "x", "max_participants": 1}); w.Code != http.StatusBadRequest {
		t.Errorf("max_participants 1 = %d", w.Code)
	}
}

func TestCreateMeetingIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")

	for i := range 5 {
		if w := env.do(t, http.MethodPost, "/api/meetings", token, models.CreateMeetingRequest{Title: "x"}); w.Code != http.StatusCreated {
			t.Fatalf("create %d = %d", i, w.Code)
		}
	}
	if w := env.do(t, http.MethodPost, "/api/meetings", token, models.CreateMeetingRequest{Title: "x"}); w.Code != http.StatusTooManyRequests {
		t.Errorf("sixth create = %d, want 429", w.Code)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.meeting(t, models.Meeting{ID: "MEET", HostID: "alice", Status: models.MeetingScheduled, RecordingEnabled: true})
	alice, bob := env.token(t, "alice"), env.token(t, "bob")

	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/start", bob, nil); w.Code != http.StatusForbidden {
		t.Errorf("start by non-host = %d, want 403", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings/NOPE/start", alice, nil); w.Code != http.StatusNotFound {
		t.Errorf("start missing = %d, want 404", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/meetings/MEET/start", alice, nil)
	if w.Code != http.StatusOK || decode[models.Meeting](t, w).Status != models.MeetingInProgress {
		t.Fatalf("start = %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/start", alice, nil); w.Code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/cancel", alice, nil); w.Code != http.StatusConflict {
		t.Errorf("cancel after start = %d, want 409", w.Code)
	}

	// recording needs a live room
	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/recording/start", alice, nil); w.Code != http.StatusConflict {
		t.Errorf("recording without room = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/recording/start", bob, nil); w.Code != http.StatusForbidden {
		t.Errorf("recording by participant = %d, want 403", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/meetings/MEET/end", alice, nil)
	if w.Code != http.StatusOK || decode[models.Meeting](t, w).ActualEnd == nil {
		t.Errorf("end = %d %s", w.Code, w.Body.String())
	}
}

func TestChatHistoryHidesPrivateMessages(t *testing.T) {
	env := newTestEnv(t)
	env.meeting(t, models.Meeting{ID: "MEET", HostID: "alice", Status: models.MeetingInProgress})
	ctx := context.Background()
	now := time.Now()
	for i, msg := range []models.ChatMessage{
		{ID: "01", ParticipantID: "bob", Content: "hi all"},
		{ID: "02", ParticipantID: "carol", Content: "to the host", IsPrivate: true},
		{ID: "03", ParticipantID: "bob", Content: "to the host too", IsPrivate: true},
	} {
		msg.MeetingID = "MEET"
		msg.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if err := env.store.AppendChat(ctx, &msg); err != nil {
			t.Fatal(err)
		}
	}

	type history struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	for user, want := range map[string]int{"alice": 3, "bob": 2, "dave": 1} {
		w := env.do(t, http.MethodGet, "/api/meetings/MEET/chat", env.token(t, user), nil)
		if got := len(decode[history](t, w).Messages); got != want {
			t.Errorf("%s sees %d messages, want %d", user, got, want)
		}
	}
	if w := env.do(t, http.MethodGet, "/api/meetings/MEET/chat?limit=zero", env.token(t, "alice"), nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", w.Code)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebSocketJoin(t *testing.T) {
	env := newTestEnv(t)
	env.meeting(t, models.Meeting{ID: "MEET", HostID: "alice", Status: models.MeetingInProgress, AllowGuests: true})
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	header := http.Header{"Authorization": {"Bearer " + env.token(t, "alice")}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/meetings/MEET"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(models.SignalMessage{Type: models.TypeJoinRoom}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var joined models.SignalMessage
	if err := conn.ReadJSON(&joined); err != nil {
		t.Fatal(err)
	}
	if joined.Type != models.TypeRoomJoined || joined.Role != models.RoleHost || joined.PeerID != "p1" {
		t.Fatalf("room_joined = %+v", joined)
	}

	guest, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/meetings/MEET?name=Visitor"), nil)
	if err != nil {
		t.Fatalf("guest dial: %v", err)
	}
	defer guest.Close()
	guest.WriteJSON(models.SignalMessage{Type: models.TypeJoinRoom})
	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	var guestJoined models.SignalMessage
	if err := guest.ReadJSON(&guestJoined); err != nil {
		t.Fatal(err)
	}
	if guestJoined.ParticipantName != "Visitor" || !auth.IsGuestID(guestJoined.ParticipantID) {
		t.Errorf("guest room_joined = %+v", guestJoined)
	}

	var ev models.SignalMessage
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != models.TypeParticipantJoined {
		t.Fatalf("host event = %+v, %v", ev, err)
	}

	w := env.do(t, http.MethodGet, "/api/meetings/MEET", "", nil)
	if info := decode[models.MeetingInfo](t, w); info.ParticipantCount != 2 {
		t.Errorf("participant count = %d, want 2", info.ParticipantCount)
	}
}

func TestWebSocketHandshakeRejections(t *testing.T) {
	env := newTestEnv(t)
	env.meeting(t, models.Meeting{ID: "DONE", HostID: "alice", Status: models.MeetingCompleted})
	env.meeting(t, models.Meeting{ID: "LIVE", HostID: "alice", Status: models.MeetingInProgress})
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"ended meeting", "/ws/meetings/DONE", nil, http.StatusGone},
		{"unknown meeting", "/ws/meetings/NOPE", nil, http.StatusNotFound},
		{"bad token", "/ws/meetings/LIVE?token=garbage", nil, http.StatusUnauthorized},
		{"bad scheme", "/ws/meetings/LIVE", http.Header{"Authorization": {"Basic abc"}}, http.StatusUnauthorized},
		{"foreign origin", "/ws/meetings/LIVE", http.Header{"Origin": {"http://evil.example"}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.path), tt.header)
			if err == nil {
				conn.Close()
				t.Fatal("handshake succeeded")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("status = %v, want %d", resp, tt.want)
			}
		})
	}
}

func dialAndJoin(t *testing.T, srv *httptest.Server, path, token string) models.SignalMessage {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), header)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(models.SignalMessage{Type: models.TypeJoinRoom}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply models.SignalMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestParticipantsRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	env.meeting(t, models.Meeting{ID: "MEET", HostID: "alice", Status: models.MeetingInProgress})

	if w := env.do(t, http.MethodGet, "/api/meetings/MEET/participants", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous = %d, want 401", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/meetings/MEET/participants", env.token(t, "bob"), nil); w.Code != http.StatusOK {
		t.Errorf("signed in = %d, want 200", w.Code)
	}
}

func TestInviteGatesClosedMeetings(t *testing.T) {
	env := newTestEnv(t)
	env.meeting(t, models.Meeting{ID: "MEET", HostID: "alice", Status: models.MeetingInProgress})
	env.meeting(t, models.Meeting{ID: "DONE", HostID: "alice", Status: models.MeetingCompleted})
	alice, bob := env.token(t, "alice"), env.token(t, "bob")
	body := models.InviteRequest{Participants: []models.Invitee{{UserID: "bob", Name: "Bob"}}}

	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/invite", bob, body); w.Code != http.StatusForbidden {
		t.Errorf("invite by non-host = %d, want 403", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/invite", alice, map[string]any{"participants": []any{}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty invite = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings/MEET/invite", alice, map[string]any{
		"participants": []any{map[string]any{"user_id": "bob", "role": "host"}},
	}); w.Code != http.StatusBadRequest {
		t.Errorf("invite as host = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/meetings/DONE/invite", alice, body); w.Code != http.StatusConflict {
		t.Errorf("invite to ended meeting = %d, want 409", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/meetings/MEET/invite", alice, body)
	if w.Code != http.StatusOK {
		t.Fatalf("invite = %d %s", w.Code, w.Body.String())
	}
	type invited struct {
		Participants []models.Participant `json:"participants"`
	}
	if got := decode[invited](t, w).Participants; len(got) != 1 || got[0].Status != models.ParticipantInvited || got[0].Role != models.RoleParticipant {
		t.Errorf("invited = %+v", got)
	}

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	if reply := dialAndJoin(t, srv, "/ws/meetings/MEET", bob); reply.Type != models.TypeRoomJoined {
		t.Errorf("invited user got %+v", reply)
	}
	if reply := dialAndJoin(t, srv, "/ws/meetings/MEET", env.token(t, "carol")); reply.Type != models.TypeError || reply.Code != "unauthorized" {
		t.Errorf("uninvited user got %+v", reply)
	}
}

func TestPasscodeProtectedMeetings(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice")

	w := env.do(t, http.MethodPost, "/api/meetings", alice, models.CreateMeetingRequest{Title: "Board", PasscodeProtected: true, Open: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	m := decode[models.Meeting](t, w)
	if len(m.Passcode) != passcodeLength || strings.Trim(m.Passcode, passcodeDigits) != "" {
		t.Fatalf("passcode = %q", m.Passcode)
	}

	w = env.do(t, http.MethodGet, "/api/meetings/"+m.ID, "", nil)
	if !decode[models.MeetingInfo](t, w).PasscodeRequired || strings.Contains(w.Body.String(), `"passcode"`) {
		t.Errorf("public info = %s", w.Body.String())
	}

	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	bob := http.Header{"Authorization": {"Bearer " + env.token(t, "bob")}}
	wrong := "000000"
	if m.Passcode == wrong {
		wrong = "111111"
	}
	for name, path := range map[string]string{
		"missing": "/ws/meetings/" + m.ID,
		"wrong":   "/ws/meetings/" + m.ID + "?passcode=" + wrong,
	} {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path), bob)
		if err == nil {
			conn.Close()
			t.Fatalf("%s passcode: handshake succeeded", name)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("%s passcode: status = %v, want 403", name, resp)
		}
	}

	if reply := dialAndJoin(t, srv, "/ws/meetings/"+m.ID, alice); reply.Type != models.TypeRoomJoined {
		t.Errorf("host without passcode got %+v", reply)
	}
	if reply := dialAndJoin(t, srv, "/ws/meetings/"+m.ID+"?passcode="+m.Passcode, env.token(t, "bob")); reply.Type != models.TypeRoomJoined {
		t.Errorf("participant with passcode got %+v", reply)
	}
}

func TestMeetingStats(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now().Add(-90 * time.Second)
	end := start.Add(10 * time.Minute)
	env.meeting(t, models.Meeting{ID: "LIVE", HostID: "alice", Status: models.MeetingInProgress, ActualStart: &start})
	env.meeting(t, models.Meeting{ID: "DONE", HostID: "alice", Status: models.MeetingCompleted, ActualStart: &start, ActualEnd: &end})
	env.meeting(t, models.Meeting{ID: "SOON", HostID: "alice", Status: models.MeetingScheduled})

	tests := []struct {
		id      string
		minSecs int64
		maxSecs int64
	}{
		{"LIVE", 90, 120},
		{"DONE", 600, 600},
		{"SOON", 0, 0},
	}
	for _, tt := range tests {
		w := env.do(t, http.MethodGet, "/api/meetings/"+tt.id+"/stats", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s stats = %d", tt.id, w.Code)
		}
		stats := decode[models.MeetingStats](t, w)
		if stats.DurationSeconds < tt.minSecs || stats.DurationSeconds > tt.maxSecs {
			t.Errorf("%s duration = %d, want %d..%d", tt.id, stats.DurationSeconds, tt.minSecs, tt.maxSecs)
		}
		if stats.MeetingID != tt.id || stats.ParticipantsCount != 0 || stats.IsRecording {
			t.Errorf("%s stats = %+v", tt.id, stats)
		}
	}
	if w := env.do(t, http.MethodGet, "/api/meetings/NOPE/stats", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing meeting stats = %d", w.Code)
	}
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: meeting x", signaling.ErrNotFound), http.StatusNotFound},
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: hosts only", auth.ErrUnauthorized), http.StatusForbidden},
		{fmt.Errorf("%w: %w", signaling.ErrRoomUnavailable, store.ErrStatusConflict), http.StatusConflict},
		{signaling.ErrRecordingState, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tt.err)
		if w.Code != tt.want {
			t.Errorf("writeError(%v) = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{testOrigin}
	if !OriginAllowed(allowed, "") {
		t.Error("requests without Origin should pass")
	}
	if !OriginAllowed(allowed, testOrigin) {
		t.Error("listed origin rejected")
	}
	if OriginAllowed(allowed, "http://evil.example") {
		t.Error("unlisted origin accepted")
	}
	if !OriginAllowed([]string{"*"}, "http://anything.example") {
		t.Error("wildcard should accept any origin")
	}
}
