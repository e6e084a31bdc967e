package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/auth"
	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/events"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	hub      *Hub
	streamer *events.Streamer
	url      string
}

func newFixture(t *testing.T, authCfg config.AuthConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	streamer := events.NewStreamer()
	hub := NewHub(logger, auth.NewAuthService(authCfg, logger), streamer)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		<-stopped
		srv.Close()
	})

	return &fixture{hub: hub, streamer: streamer, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestEventsReachSubscribedClients(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	conn := f.dial(t)

	assert.Equal(t, MessageTypeAuthSuccess, readMessage(t, conn).Type)
	require.Eventually(t, func() bool { return f.hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Device: "scope"}))
	assert.Equal(t, MessageTypeSubscribed, readMessage(t, conn).Type)

	f.streamer.OnEvent(core.Event{Kind: core.EventTransportChanged, Device: "other", Time: time.Now()})
	f.streamer.OnEvent(core.Event{Kind: core.EventTransportChanged, Device: "scope", To: "ringbuf", Time: time.Now()})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeEvent, msg.Type)
	data := msg.Data.(map[string]any)
	assert.Equal(t, "scope", data["device"])
	assert.Equal(t, "ringbuf", data["to"])
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	a, b := f.dial(t), f.dial(t)
	readMessage(t, a)
	readMessage(t, b)
	require.Eventually(t, func() bool { return f.hub.GetClientCount() == 2 }, time.Second, 5*time.Millisecond)

	f.hub.Broadcast(NewMessage(MessageTypeSystemStatus, map[string]string{"state": "RUNNING"}))
	assert.Equal(t, MessageTypeSystemStatus, readMessage(t, a).Type)
	assert.Equal(t, MessageTypeSystemStatus, readMessage(t, b).Type)

	a.Close()
	assert.Eventually(t, func() bool { return f.hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFirstMessageMustAuthenticate(t *testing.T) {
	f := newFixture(t, config.AuthConfig{Enabled: true, JWTSecretEnv: "OACQ_WS_TEST_SECRET"})

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe"}))
	assert.Equal(t, MessageTypeAuthFailed, readMessage(t, conn).Type)

	conn = f.dial(t)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "auth", Token: "garbage"}))
	assert.Equal(t, MessageTypeAuthFailed, readMessage(t, conn).Type)
	assert.Zero(t, f.hub.GetClientCount())
}

func TestValidTokenJoinsHub(t *testing.T) {
	t.Setenv("OACQ_WS_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	f := newFixture(t, config.AuthConfig{Enabled: true, JWTSecretEnv: "OACQ_WS_TEST_SECRET", AccessTokenTTL: time.Minute})

	token, err := auth.NewJWTHandler("0123456789abcdef0123456789abcdef", time.Minute).GenerateAccessToken("otto", auth.RoleOperator)
	require.NoError(t, err)

	conn := f.dial(t)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "auth", Token: token}))
	assert.Equal(t, MessageTypeAuthSuccess, readMessage(t, conn).Type)
	assert.Eventually(t, func() bool { return f.hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)
}
