package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/app/hub"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidatesFrames(t *testing.T) {
	env, err := domain.NewEnvelope(domain.SignalOffer, "a", "b", map[string]string{"sdp": "x"})
	require.NoError(t, err)
	data, err := Encode(Frame{Type: FrameBroadcast, Topic: "voice:room", Envelope: &env})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	key, err := f.Key()
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelKey("room"), key)
	assert.Equal(t, domain.UserID("b"), f.Envelope.ToUserID)

	bad := []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"subscribe","topic":"room"}`,
		`{"type":"subscribe","topic":"voice:"}`,
		`{"type":"broadcast","topic":"voice:room"}`,
		`{"type":"presence_join","topic":"voice:room"}`,
	}
	for _, raw := range bad {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrBadFrame, raw)
	}

	_, err = Decode([]byte(`{"type":"ping"}`))
	assert.NoError(t, err)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per user")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
	assert.True(t, NewRateLimiter(0, time.Second).Allow("a"), "zero limit disables limiting")
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, user string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) write(f Frame) {
	c.t.Helper()
	data, err := Encode(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) read() Frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	f, err := Decode(data)
	require.NoError(c.t, err)
	return f
}

func newServer(t *testing.T, opts Options) (*httptest.Server, *hub.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := hub.New(nil)
	ctl := NewSignalWSController(h, opts)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(context.Background(), c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h
}

func TestRelayPresenceAndBroadcast(t *testing.T) {
	srv, h := newServer(t, Options{})
	const topic = "voice:room"

	a := dial(t, srv, "a")
	a.write(Frame{Type: FrameSubscribe, Topic: topic})
	a.write(Frame{Type: FrameAnnounce, Topic: topic})
	require.Eventually(t, func() bool { return len(h.Members("room")) == 1 }, 2*time.Second, 5*time.Millisecond)

	b := dial(t, srv, "b")
	b.write(Frame{Type: FrameSubscribe, Topic: topic})
	b.write(Frame{Type: FrameAnnounce, Topic: topic})

	join := a.read()
	assert.Equal(t, FramePresenceJoin, join.Type)
	assert.Equal(t, domain.UserID("b"), join.User)

	// a spoofed sender is overwritten by the relay
	env, err := domain.NewEnvelope(domain.SignalOffer, "mallory", "b", map[string]string{"sdp": "x"})
	require.NoError(t, err)
	a.write(Frame{Type: FrameBroadcast, Topic: topic, Envelope: &env})
	got := b.read()
	require.Equal(t, FrameBroadcast, got.Type)
	assert.Equal(t, domain.UserID("a"), got.Envelope.FromUserID)

	b.write(Frame{Type: FramePing})
	assert.Equal(t, FramePong, b.read().Type)

	require.NoError(t, b.ws.Close())
	leave := a.read()
	assert.Equal(t, FramePresenceLeave, leave.Type)
	assert.Equal(t, domain.UserID("b"), leave.User)
	assert.Equal(t, []domain.UserID{"a"}, h.Members("room"))
}

func TestRelayRejectsUnsubscribedAndLimited(t *testing.T) {
	srv, _ := newServer(t, Options{Limiter: NewRateLimiter(3, time.Minute)})
	a := dial(t, srv, "a")

	env, err := domain.NewEnvelope(domain.SignalAnswer, "a", "", map[string]string{})
	require.NoError(t, err)
	a.write(Frame{Type: FrameBroadcast, Topic: "voice:room", Envelope: &env})
	f := a.read()
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "not_subscribed", f.Error)

	a.write(Frame{Type: FrameAnnounce, Topic: "voice:room"})
	assert.Equal(t, "not_subscribed", a.read().Error)

	a.write(Frame{Type: FramePing})
	assert.Equal(t, FramePong, a.read().Type)

	a.write(Frame{Type: FramePing})
	assert.Equal(t, "rate_limited", a.read().Error)
}

func TestRelayRequiresUser(t *testing.T) {
	srv, _ := newServer(t, Options{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
