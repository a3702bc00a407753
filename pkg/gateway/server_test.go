package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tether/pkg/eventlog"
	"github.com/harun/tether/pkg/session"
	"github.com/harun/tether/pkg/storage"
)

const testSecret = "test-secret"

type gatewayFixture struct {
	server   *Server
	log      *eventlog.Log
	registry *session.Registry
	url      string
}

func setupGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	engine, err := storage.Open(storage.Config{
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	registry := session.NewRegistry(engine, zerolog.Nop())
	log, err := eventlog.New(eventlog.Config{Engine: engine, Logger: zerolog.Nop()})
	require.NoError(t, err)

	s, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         1,
		SharedSecret: testSecret,
		EventLog:     log,
		Sessions:     registry,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	log.SetNotifier(s.Hub())

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)

	return &gatewayFixture{
		server:   s,
		log:      log,
		registry: registry,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dial(t *testing.T, f *gatewayFixture) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAuth, Secret: testSecret}))
	msg := readMsg(t, conn)
	require.Equal(t, MsgAuthOK, msg.Type)
}

func TestNewServer_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing port", Config{SharedSecret: "s"}},
		{"missing secret", Config{Port: 7617}},
		{"missing event log", Config{Port: 7617, SharedSecret: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestGateway_RejectsBadSecret(t *testing.T) {
	f := setupGateway(t)
	conn := dial(t, f)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAuth, Secret: "wrong"}))
	msg := readMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
}

func TestGateway_RequiresAuthBeforeAttach(t *testing.T) {
	f := setupGateway(t)
	conn := dial(t, f)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAttach, SessionID: "shell_x"}))
	msg := readMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "not authenticated")
}

func TestGateway_Ping(t *testing.T) {
	f := setupGateway(t)
	conn := dial(t, f)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgPing}))
	msg := readMsg(t, conn)
	assert.Equal(t, MsgPong, msg.Type)
}

func TestGateway_AttachUnknownSession(t *testing.T) {
	f := setupGateway(t)
	conn := dial(t, f)
	authenticate(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAttach, SessionID: "shell_missing"}))
	msg := readMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "session not found")
}

func TestGateway_AttachReplaysHistory(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, session.KindShell, nil, "")
	require.NoError(t, err)

	for _, s := range []string{"a", "b", "c"} {
		_, err := f.log.Append(ctx, sess.ID, eventlog.Record{
			Channel: "pty:stdout",
			Type:    "chunk",
			Payload: eventlog.StringPayload(s),
		})
		require.NoError(t, err)
	}

	conn := dial(t, f)
	authenticate(t, conn)

	lastSeen := int64(0)
	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:        MsgAttach,
		SessionID:   sess.ID,
		LastSeenSeq: &lastSeen,
	}))

	first := readMsg(t, conn)
	require.Equal(t, MsgEvent, first.Type)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, `"b"`, string(first.Payload))

	second := readMsg(t, conn)
	require.Equal(t, MsgEvent, second.Type)
	assert.Equal(t, int64(2), second.Seq)

	done := readMsg(t, conn)
	require.Equal(t, MsgAttached, done.Type)
	assert.Equal(t, 2, done.Replayed)
	require.NotNil(t, done.LatestSeq)
	assert.Equal(t, int64(2), *done.LatestSeq)
}

func TestGateway_AttachWithoutLastSeenReplaysAll(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, session.KindShell, nil, "")
	require.NoError(t, err)
	_, err = f.log.Append(ctx, sess.ID, eventlog.Record{
		Channel: "pty:stdout",
		Type:    "chunk",
		Payload: eventlog.StringPayload("hello"),
	})
	require.NoError(t, err)

	conn := dial(t, f)
	authenticate(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAttach, SessionID: sess.ID}))

	ev := readMsg(t, conn)
	require.Equal(t, MsgEvent, ev.Type)
	assert.Equal(t, int64(0), ev.Seq)

	done := readMsg(t, conn)
	assert.Equal(t, MsgAttached, done.Type)
	assert.Equal(t, 1, done.Replayed)
}

func TestGateway_LiveTailAfterAttach(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, session.KindShell, nil, "")
	require.NoError(t, err)

	conn := dial(t, f)
	authenticate(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAttach, SessionID: sess.ID}))
	done := readMsg(t, conn)
	require.Equal(t, MsgAttached, done.Type)
	assert.Equal(t, 0, done.Replayed)

	_, err = f.log.Append(ctx, sess.ID, eventlog.Record{
		Channel: "pty:stdout",
		Type:    "chunk",
		Payload: eventlog.StringPayload("live"),
	})
	require.NoError(t, err)

	ev := readMsg(t, conn)
	require.Equal(t, MsgEvent, ev.Type)
	assert.Equal(t, int64(0), ev.Seq)
	assert.Equal(t, sess.ID, ev.SessionID)
	assert.Equal(t, `"live"`, string(ev.Payload))
}

func TestGateway_DetachStopsTail(t *testing.T) {
	f := setupGateway(t)
	ctx := context.Background()

	sess, err := f.registry.Create(ctx, session.KindShell, nil, "")
	require.NoError(t, err)

	conn := dial(t, f)
	authenticate(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgAttach, SessionID: sess.ID}))
	require.Equal(t, MsgAttached, readMsg(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MsgDetach, SessionID: sess.ID}))
	require.Equal(t, MsgDetached, readMsg(t, conn).Type)

	_, err = f.log.Append(ctx, sess.ID, eventlog.Record{
		Channel: "pty:stdout",
		Type:    "chunk",
		Payload: eventlog.StringPayload("unseen"),
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg ServerMessage
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestGateway_UnknownMessageType(t *testing.T) {
	f := setupGateway(t)
	conn := dial(t, f)
	authenticate(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	msg := readMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "unknown message type")
}
