package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/intergram/backend/internal/model/chat"
	sessionsvc "github.com/zhouzirui/intergram/backend/internal/service/session"
)

type forwarded struct{ key, text string }

type fakeRelay struct {
	mu         sync.Mutex
	forwards   []forwarded
	departures []chat.Session
	registry   *sessionsvc.Registry
}

func (f *fakeRelay) ForwardInbound(_ context.Context, key, text string) error {
	if text != "" {
		f.registry.MarkSent(key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, forwarded{key, text})
	return nil
}

func (f *fakeRelay) NotifyDeparture(_ context.Context, sess chat.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.departures = append(f.departures, sess)
	return nil
}

func (f *fakeRelay) snapshot() ([]forwarded, []chat.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwarded(nil), f.forwards...), append([]chat.Session(nil), f.departures...)
}

func startServer(t *testing.T, opts Options) (*httptest.Server, *sessionsvc.Registry, *fakeRelay) {
	t.Helper()
	registry := sessionsvc.NewRegistry()
	relay := &fakeRelay{registry: registry}

	r := chi.NewRouter()
	NewWebSocketHandler(registry, relay, opts, nil).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry, relay
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestConnectRegistersAndForwardsInOrder(t *testing.T) {
	srv, registry, relay := startServer(t, Options{})
	conn := dial(t, srv, "name=Alice&sessionID=abc")

	waitFor(t, func() bool { return registry.Len() == 1 })

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
	}

	waitFor(t, func() bool {
		forwards, _ := relay.snapshot()
		return len(forwards) == 3
	})
	forwards, _ := relay.snapshot()
	assert.Equal(t, []forwarded{
		{"Alice[abc]", "one"},
		{"Alice[abc]", "two"},
		{"Alice[abc]", "three"},
	}, forwards)
}

func TestDefaultName(t *testing.T) {
	srv, registry, _ := startServer(t, Options{})
	dial(t, srv, "sessionID=xyz")

	waitFor(t, func() bool {
		_, err := registry.Lookup("Unknown[xyz]")
		return err == nil
	})
}

func TestEmptySessionIDRejected(t *testing.T) {
	srv, registry, _ := startServer(t, Options{})
	conn := dial(t, srv, "name=Alice")

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, sessionsvc.ErrEmptySessionID.Error(), closeErr.Text)
	assert.Equal(t, 0, registry.Len())
}

func TestDuplicateKeyRejected(t *testing.T) {
	srv, registry, _ := startServer(t, Options{})
	dial(t, srv, "name=Alice&sessionID=abc")
	waitFor(t, func() bool { return registry.Len() == 1 })

	second := dial(t, srv, "name=Alice&sessionID=abc")
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	_, lookupErr := registry.Lookup("Alice[abc]")
	assert.NoError(t, lookupErr, "first session stays registered")
}

func TestReplyReachesClient(t *testing.T) {
	srv, registry, _ := startServer(t, Options{})
	conn := dial(t, srv, "name=Alice&sessionID=abc")
	waitFor(t, func() bool { return registry.Len() == 1 })

	sess, err := registry.Lookup("Alice[abc]")
	require.NoError(t, err)
	require.NoError(t, sess.Conn.SendText("hello from operator"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "hello from operator", string(data))
}

func TestDisconnectWithoutMessages(t *testing.T) {
	srv, registry, relay := startServer(t, Options{})
	conn := dial(t, srv, "name=Quiet&sessionID=q")
	waitFor(t, func() bool { return registry.Len() == 1 })

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	waitFor(t, func() bool { return registry.Len() == 0 })
	waitFor(t, func() bool {
		_, departures := relay.snapshot()
		return len(departures) == 1
	})
	_, departures := relay.snapshot()
	assert.False(t, departures[0].HasSentMessage)
}

func TestDisconnectAfterMessageReportsOnce(t *testing.T) {
	srv, registry, relay := startServer(t, Options{})
	conn := dial(t, srv, "name=Chatty&sessionID=c")
	waitFor(t, func() bool { return registry.Len() == 1 })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	waitFor(t, func() bool {
		forwards, _ := relay.snapshot()
		return len(forwards) == 1
	})
	conn.Close()

	waitFor(t, func() bool { return registry.Len() == 0 })
	waitFor(t, func() bool {
		_, departures := relay.snapshot()
		return len(departures) == 1
	})
	time.Sleep(50 * time.Millisecond)

	_, departures := relay.snapshot()
	require.Len(t, departures, 1)
	assert.Equal(t, "Chatty[c]", departures[0].Key)
	assert.True(t, departures[0].HasSentMessage)
	_, err := registry.Lookup("Chatty[c]")
	assert.ErrorIs(t, err, sessionsvc.ErrSessionNotFound)
}

func TestBinaryFramesIgnored(t *testing.T) {
	srv, registry, relay := startServer(t, Options{})
	conn := dial(t, srv, "name=Alice&sessionID=abc")
	waitFor(t, func() bool { return registry.Len() == 1 })

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x1, 0x2}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("text")))

	waitFor(t, func() bool {
		forwards, _ := relay.snapshot()
		return len(forwards) == 1
	})
	forwards, _ := relay.snapshot()
	assert.Equal(t, "text", forwards[0].text)
}

func TestCheckOrigin(t *testing.T) {
	upgrader := makeUpgrader([]string{"https://shop.example.com/"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://shop.example.com")
	assert.True(t, upgrader.CheckOrigin(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, upgrader.CheckOrigin(denied))

	noOrigin := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, upgrader.CheckOrigin(noOrigin))

	assert.True(t, makeUpgrader(nil).CheckOrigin(denied))
}

func TestRateLimitPreservesOrder(t *testing.T) {
	srv, registry, relay := startServer(t, Options{RateLimit: 20, RateBurst: 1})
	conn := dial(t, srv, "name=Fast&sessionID=f")
	waitFor(t, func() bool { return registry.Len() == 1 })

	start := time.Now()
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
	}
	waitFor(t, func() bool {
		forwards, _ := relay.snapshot()
		return len(forwards) == 3
	})

	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	forwards, _ := relay.snapshot()
	assert.Equal(t, "a", forwards[0].text)
	assert.Equal(t, "b", forwards[1].text)
	assert.Equal(t, "c", forwards[2].text)
}

func TestOversizedMessageClosesSession(t *testing.T) {
	srv, registry, relay := startServer(t, Options{MaxMessageBytes: 8})
	conn := dial(t, srv, "name=Big&sessionID=b")
	waitFor(t, func() bool { return registry.Len() == 1 })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("this is far too long")))

	waitFor(t, func() bool { return registry.Len() == 0 })
	forwards, _ := relay.snapshot()
	assert.Empty(t, forwards)
}

func TestServerShutdownTearsDownSessions(t *testing.T) {
	registry := sessionsvc.NewRegistry()
	relay := &fakeRelay{registry: registry}
	h := NewWebSocketHandler(registry, relay, Options{}, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewUnstartedServer(r)
	srv.Config.BaseContext = func(net.Listener) context.Context { return baseCtx }
	srv.Start()
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "name=Alice&sessionID=a")
	waitFor(t, func() bool { return registry.Len() == 1 })
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	waitFor(t, func() bool {
		forwards, _ := relay.snapshot()
		return len(forwards) == 1
	})

	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	require.NoError(t, h.Drain(drainCtx))

	assert.Equal(t, 0, registry.Len())
	_, departures := relay.snapshot()
	require.Len(t, departures, 1)
	assert.True(t, departures[0].HasSentMessage)
}

func TestDrainWaitsForLiveSessions(t *testing.T) {
	registry := sessionsvc.NewRegistry()
	relay := &fakeRelay{registry: registry}
	h := NewWebSocketHandler(registry, relay, Options{}, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "name=Alice&sessionID=a")
	waitFor(t, func() bool { return registry.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Drain(ctx), context.DeadlineExceeded)

	// no new sessions once draining has started
	late := dial(t, srv, "name=Bob&sessionID=b")
	_, _, err := late.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 1, registry.Len())

	conn.Close()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, h.Drain(waitCtx))
	assert.Equal(t, 0, registry.Len())
}

func TestDrainWithoutSessions(t *testing.T) {
	h := NewWebSocketHandler(sessionsvc.NewRegistry(), &fakeRelay{}, Options{}, nil)
	assert.NoError(t, h.Drain(context.Background()))
}
