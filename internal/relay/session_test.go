package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeUpstream is a websocket server standing in for the third-party feed.
type fakeUpstream struct {
	srv   *httptest.Server
	dials atomic.Int64

	mu    sync.Mutex
	conns []*websocket.Conn
	subs  []subscription

	// closeFirst makes the first accepted connection drop right after
	// the subscription message, to provoke a reconnect.
	closeFirst bool
}

func newFakeUpstream(t *testing.T, closeFirst bool) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{closeFirst: closeFirst}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := u.dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub subscription
		if err := conn.ReadJSON(&sub); err != nil {
			_ = conn.Close()
			return
		}
		u.mu.Lock()
		u.subs = append(u.subs, sub)
		u.mu.Unlock()
		if u.closeFirst && n == 1 {
			_ = conn.Close()
			return
		}
		u.mu.Lock()
		u.conns = append(u.conns, conn)
		u.mu.Unlock()
		// Keep the connection open; the test side pushes messages.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func (u *fakeUpstream) send(t *testing.T, payload string) {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.conns)
	conn := u.conns[len(u.conns)-1]
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func (u *fakeUpstream) lastSubscription() (subscription, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.subs) == 0 {
		return subscription{}, false
	}
	return u.subs[len(u.subs)-1], true
}

func newTestSession(t *testing.T, endpoint string) (*Session, string) {
	t.Helper()
	session := New(Config{
		Endpoint:       endpoint,
		APIKey:         "test-key",
		BoundingBox:    []float64{-180, -90, 180, 90},
		EventTypes:     []string{"quake"},
		ReconnectDelay: 50 * time.Millisecond,
	}, nil, nil)
	t.Cleanup(session.Close)

	front := httptest.NewServer(http.HandlerFunc(session.Subscribe))
	t.Cleanup(front.Close)
	return session, "ws" + strings.TrimPrefix(front.URL, "http")
}

func dialSubscriber(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessages(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for range n {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		out = append(out, string(payload))
	}
	return out
}

func TestFanOutDeliversEveryMessageInOrder(t *testing.T) {
	upstream := newFakeUpstream(t, false)
	session, url := newTestSession(t, upstream.url())

	a := dialSubscriber(t, url)
	b := dialSubscriber(t, url)
	c := dialSubscriber(t, url)

	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return snap.Clients == 3 && snap.Connected
	}, 2*time.Second, 10*time.Millisecond)

	messages := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, m := range messages {
		upstream.send(t, m)
	}

	require.Equal(t, messages, readMessages(t, a, len(messages)))
	require.Equal(t, messages, readMessages(t, b, len(messages)))
	require.Equal(t, messages, readMessages(t, c, len(messages)))

	require.Eventually(t, func() bool {
		return session.Snapshot().Messages == uint64(len(messages))
	}, time.Second, 10*time.Millisecond)
}

func TestSubscriptionMessageCarriesFilters(t *testing.T) {
	upstream := newFakeUpstream(t, false)
	session, url := newTestSession(t, upstream.url())

	dialSubscriber(t, url)
	require.Eventually(t, func() bool { return session.Snapshot().Connected }, 2*time.Second, 10*time.Millisecond)

	sub, ok := upstream.lastSubscription()
	require.True(t, ok)
	require.Equal(t, "test-key", sub.APIKey)
	require.Equal(t, []float64{-180, -90, 180, 90}, sub.BoundingBox)
	require.Equal(t, []string{"quake"}, sub.EventTypes)
}

func TestSubscriptionWireFormat(t *testing.T) {
	payload, err := json.Marshal(subscription{
		APIKey:      "k",
		BoundingBox: []float64{163, -49, 180, -32},
		EventTypes:  []string{"quake", "volcano"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"apiKey":"k","bbox":[163,-49,180,-32],"types":["quake","volcano"]}`, string(payload))
}

func TestMidStreamDisconnectDoesNotAffectOthers(t *testing.T) {
	upstream := newFakeUpstream(t, false)
	session, url := newTestSession(t, upstream.url())

	a := dialSubscriber(t, url)
	b := dialSubscriber(t, url)

	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return snap.Clients == 2 && snap.Connected
	}, 2*time.Second, 10*time.Millisecond)

	upstream.send(t, "m1")
	upstream.send(t, "m2")
	require.Equal(t, []string{"m1", "m2"}, readMessages(t, a, 2))
	require.Equal(t, []string{"m1", "m2"}, readMessages(t, b, 2))

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return session.Snapshot().Clients == 1
	}, 2*time.Second, 10*time.Millisecond)

	upstream.send(t, "m3")
	upstream.send(t, "m4")
	require.Equal(t, []string{"m3", "m4"}, readMessages(t, a, 2))

	// The counter keeps incrementing even for messages the departed
	// subscriber never saw; delivery is best effort, not durable.
	require.Eventually(t, func() bool {
		return session.Snapshot().Messages == 4
	}, time.Second, 10*time.Millisecond)
}

func TestUpstreamLossTriggersSingleDelayedReconnect(t *testing.T) {
	upstream := newFakeUpstream(t, true)
	session, url := newTestSession(t, upstream.url())

	a := dialSubscriber(t, url)

	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return snap.Connected && upstream.dials.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The second connection stays healthy, so no further dial happens.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int64(2), upstream.dials.Load())

	upstream.send(t, "after-reconnect")
	require.Equal(t, []string{"after-reconnect"}, readMessages(t, a, 1))
}

type gatedDialer struct {
	inner   Dialer
	release chan struct{}
	dials   atomic.Int64
}

func (d *gatedDialer) Dial(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	if d.dials.Add(1) == 1 {
		<-d.release
	}
	return d.inner.Dial(url, header)
}

func TestStaleHandshakeNeverBecomesActive(t *testing.T) {
	upstream := newFakeUpstream(t, false)
	session, url := newTestSession(t, upstream.url())

	gate := &gatedDialer{inner: websocket.DefaultDialer, release: make(chan struct{})}
	session.dialer = gate

	dialSubscriber(t, url)
	require.Eventually(t, func() bool { return gate.dials.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Supersede the in-flight dial, then let its handshake finish late.
	session.Close()
	close(gate.release)

	require.Never(t, func() bool {
		return session.Snapshot().Connected
	}, 300*time.Millisecond, 20*time.Millisecond)
	require.False(t, session.Snapshot().Connected)
}

func TestDisabledSessionRejectsSubscribers(t *testing.T) {
	session := New(Config{}, nil, nil)
	t.Cleanup(session.Close)
	require.False(t, session.Enabled())

	rec := httptest.NewRecorder()
	session.Subscribe(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Connect is a no-op without credentials.
	session.Connect()
	require.Equal(t, Snapshot{Status: "ok"}, session.Snapshot())
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
}
