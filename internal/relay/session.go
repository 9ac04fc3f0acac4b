package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quakefeed/gateway/internal/metrics"
)

// State describes the upstream connection lifecycle.
type State int

const (
	// Disconnected means no upstream connection exists or is being made.
	Disconnected State = iota
	// Connecting means a dial is in flight.
	Connecting
	// Connected means the upstream handshake completed and the
	// subscription message was sent.
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DefaultReconnectDelay is the fixed pause between an upstream loss and
// the next dial. Deliberately not exponential: the upstream feed is a
// single well-known endpoint and a flat retry keeps recovery prompt.
const DefaultReconnectDelay = 5 * time.Second

// logEvery controls the periodic forwarded-message log line.
const logEvery = 1000

// Dialer abstracts the upstream websocket dial so tests can intercept it.
type Dialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config parameterizes the relay session. Endpoint and APIKey must both
// be set for the relay to be enabled.
type Config struct {
	Endpoint string
	APIKey   string
	// BoundingBox is the geographic filter [west, south, east, north]
	// sent verbatim in the subscription message.
	BoundingBox    []float64
	EventTypes     []string
	ReconnectDelay time.Duration
}

// subscription is the message sent upstream immediately after the
// handshake succeeds: credential, bounding-box filter, type filter.
type subscription struct {
	APIKey      string    `json:"apiKey"`
	BoundingBox []float64 `json:"bbox,omitempty"`
	EventTypes  []string  `json:"types,omitempty"`
}

// Snapshot is the health view of the relay.
type Snapshot struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	Messages  uint64 `json:"messages"`
	Connected bool   `json:"connected"`
}

// Session owns at most one upstream connection and fans every upstream
// message out to all current subscribers, best effort. The upstream is
// dialed lazily on the first subscriber and redialed after every loss
// with a fixed delay, forever, as long as any subscriber has ever
// joined.
//
// Every dial is tagged with a generation number; any completion or read
// event carrying a stale generation is discarded, so a superseded
// connection that finishes its handshake late can never become the
// active one.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	dialer   Dialer
	upgrader websocket.Upgrader

	mu             sync.Mutex
	state          State
	generation     uint64
	upstream       *websocket.Conn
	subscribers    map[*websocket.Conn]struct{}
	everSubscribed bool
	closed         bool
	messages       uint64
}

// New builds a relay session. The session is inert until the first
// subscriber joins.
func New(cfg Config, logger *slog.Logger, recorder *metrics.Recorder) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With(slog.String("agent", "relay")),
		recorder: recorder,
		dialer:   websocket.DefaultDialer,
		upgrader: websocket.Upgrader{
			// Subscribers are browser dashboards served from other
			// origins; the relay carries no per-client state worth
			// protecting from cross-origin connects.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[*websocket.Conn]struct{}),
	}
}

// Enabled reports whether upstream credentials are configured. A
// disabled session rejects subscribers and never dials.
func (s *Session) Enabled() bool {
	return s.cfg.Endpoint != "" && s.cfg.APIKey != ""
}

// Snapshot returns the current health counters.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:    "ok",
		Clients:   len(s.subscribers),
		Messages:  s.messages,
		Connected: s.state == Connected,
	}
}

// Subscribe upgrades the request to a websocket and registers it for
// fan-out. The first subscriber triggers the upstream dial.
func (s *Session) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !s.Enabled() {
		http.Error(w, "relay disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("subscriber upgrade failed", slog.Any("error", err))
		return
	}
	s.addSubscriber(conn)
	go s.drain(conn)
}

// Close tears the session down for process shutdown. It is the only
// deliberate path out of the reconnect loop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	upstream := s.upstream
	s.upstream = nil
	s.state = Disconnected
	subs := make([]*websocket.Conn, 0, len(s.subscribers))
	for conn := range s.subscribers {
		subs = append(subs, conn)
	}
	s.subscribers = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if upstream != nil {
		_ = upstream.Close()
	}
	for _, conn := range subs {
		_ = conn.Close()
	}
}

// Connect transitions Disconnected -> Connecting and launches the dial.
// It is a no-op while a connection is open or in flight.
func (s *Session) Connect() {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if s.closed || s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Connecting
	s.generation++
	gen := s.generation
	s.mu.Unlock()
	go s.establish(gen)
}

func (s *Session) establish(gen uint64) {
	conn, resp, err := s.dialer.Dial(s.cfg.Endpoint, nil)
	if resp != nil && resp.Body != nil && err != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.recorder.ObserveUpstreamConnect(metrics.UpstreamSuperseded)
		return
	}
	if err != nil {
		s.state = Disconnected
		s.mu.Unlock()
		s.recorder.ObserveUpstreamConnect(metrics.UpstreamFailed)
		s.logger.Warn("upstream connect failed", slog.String("endpoint", s.cfg.Endpoint), slog.Any("error", err))
		s.scheduleReconnect()
		return
	}
	s.upstream = conn
	s.state = Connected
	s.mu.Unlock()

	sub := subscription{
		APIKey:      s.cfg.APIKey,
		BoundingBox: s.cfg.BoundingBox,
		EventTypes:  s.cfg.EventTypes,
	}
	if err := conn.WriteJSON(sub); err != nil {
		s.recorder.ObserveUpstreamConnect(metrics.UpstreamFailed)
		s.logger.Warn("upstream subscription send failed", slog.Any("error", err))
		s.disconnect(conn, gen, err)
		return
	}

	s.recorder.ObserveUpstreamConnect(metrics.UpstreamConnected)
	s.logger.Info("upstream connected", slog.String("endpoint", s.cfg.Endpoint))
	go s.readLoop(conn, gen)
}

// disconnect handles upstream loss for the given generation. Stale
// generations only close their own connection and step aside.
func (s *Session) disconnect(conn *websocket.Conn, gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.state = Disconnected
	s.upstream = nil
	s.mu.Unlock()
	_ = conn.Close()

	s.logger.Warn("upstream disconnected", slog.Any("error", cause))
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	delay := s.cfg.ReconnectDelay
	s.logger.Info("upstream reconnect scheduled", slog.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		retry := s.everSubscribed && !s.closed
		s.mu.Unlock()
		if retry {
			s.Connect()
		}
	})
}

func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.disconnect(conn, gen, err)
			return
		}

		s.mu.Lock()
		if s.closed || gen != s.generation {
			s.mu.Unlock()
			return
		}
		s.messages++
		count := s.messages
		subs := make([]*websocket.Conn, 0, len(s.subscribers))
		for sub := range s.subscribers {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		s.recorder.ObserveRelayMessage()
		for _, sub := range subs {
			if err := sub.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.removeSubscriber(sub)
			}
		}
		if count%logEvery == 0 {
			s.logger.Info("relay messages forwarded", slog.Uint64("messages", count), slog.Int("clients", len(subs)))
		}
	}
}

func (s *Session) addSubscriber(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.subscribers[conn] = struct{}{}
	s.everSubscribed = true
	n := len(s.subscribers)
	s.mu.Unlock()

	s.recorder.SetRelaySubscribers(n)
	s.logger.Info("subscriber joined", slog.Int("clients", n))
	s.Connect()
}

func (s *Session) removeSubscriber(conn *websocket.Conn) {
	s.mu.Lock()
	_, present := s.subscribers[conn]
	if present {
		delete(s.subscribers, conn)
	}
	n := len(s.subscribers)
	s.mu.Unlock()

	if !present {
		return
	}
	_ = conn.Close()
	s.recorder.SetRelaySubscribers(n)
	s.logger.Info("subscriber left", slog.Int("clients", n))
}

// drain consumes and discards subscriber frames. Subscribers are
// membership-only; their first read error removes them.
func (s *Session) drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removeSubscriber(conn)
			return
		}
	}
}
