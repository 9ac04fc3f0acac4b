package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// Dialing retries with bounded backoff before the client gives up for the
// rest of the process lifetime.
const (
	dialAttempts    = 5
	dialBackoffStep = 200 * time.Millisecond
	dialBackoffCap  = 2 * time.Second
	dialPingTimeout = 2 * time.Second
)

type connState int

const (
	stateUninitialized connState = iota
	stateReady
	stateFailed
	stateDisabled
)

// Client is a process-wide handle on the remote key/value store. The
// underlying connection is established lazily on first use and memoized:
// once ready it lives for the process lifetime, and once failed no further
// attempt is made — every operation then returns its absent sentinel.
//
// No operation propagates an error. Transport failures are logged and
// swallowed because cache traffic must never block or fail the request
// path; callers only ever see "absent" or a failure boolean.
type Client struct {
	url    string
	logger *slog.Logger

	mu    sync.Mutex
	state connState
	conn  valkey.Client
}

// New builds a client for the given store URL. An empty URL yields a
// disabled client whose operations all return their absent sentinels,
// which is how the gateway degrades when no store is configured.
func New(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:    url,
		logger: logger.With(slog.String("agent", "store")),
	}
	if url == "" {
		c.state = stateDisabled
		c.logger.Info("no store url configured, response cache disabled")
	}
	return c
}

// Enabled reports whether a store URL was configured at all.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateDisabled
}

// Ready reports whether a connection is currently established. It never
// triggers a dial.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// Close releases the connection. Subsequent operations return absent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReady {
		c.conn.Close()
		c.conn = nil
	}
	if c.state != stateDisabled {
		c.state = stateFailed
	}
}

// acquire performs the lazy-init-once semantics under the mutex. A failed
// first establishment marks the client failed for good.
func (c *Client) acquire() (valkey.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateReady:
		return c.conn, true
	case stateFailed, stateDisabled:
		return nil, false
	}
	conn, err := c.connect()
	if err != nil {
		c.state = stateFailed
		c.logger.Error("store connection failed, cache disabled for process lifetime",
			slog.Any("error", err), slog.String("url", c.url))
		return nil, false
	}
	c.conn = conn
	c.state = stateReady
	c.logger.Info("store connection established", slog.String("url", c.url))
	return conn, true
}

func (c *Client) connect() (valkey.Client, error) {
	option, err := valkey.ParseURL(c.url)
	if err != nil {
		// Bare host:port is accepted as a convenience.
		option = valkey.ClientOption{InitAddress: []string{c.url}}
	}
	option.AlwaysRESP2 = true
	option.ForceSingleClient = true
	option.DisableCache = true

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := valkey.NewClient(option)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), dialPingTimeout)
			err = conn.Do(pingCtx, conn.B().Ping().Build()).Error()
			cancel()
			if err == nil {
				return conn, nil
			}
			conn.Close()
		}
		lastErr = fmt.Errorf("store: connect attempt %d: %w", attempt, err)
		if attempt < dialAttempts {
			delay := min(time.Duration(attempt)*dialBackoffStep, dialBackoffCap)
			time.Sleep(delay)
		}
	}
	return nil, lastErr
}

// Get fetches a value. Stored strings that round-trip as JSON come back as
// the parsed structure, anything else as the raw string. The second return
// is false on absence and on any transport failure alike.
func (c *Client) Get(ctx context.Context, key string) (any, bool) {
	conn, ok := c.acquire()
	if !ok {
		return nil, false
	}
	resp := conn.Do(ctx, conn.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if !errors.Is(err, valkey.Nil) {
			c.logger.Warn("store get failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	raw, err := resp.ToString()
	if err != nil {
		c.logger.Warn("store get decode failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return decodeValue(raw), true
}

// GetBytes fetches a value without the JSON-transparent decoding, for
// callers that deserialize the payload themselves.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, bool) {
	conn, ok := c.acquire()
	if !ok {
		return nil, false
	}
	resp := conn.Do(ctx, conn.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if !errors.Is(err, valkey.Nil) {
			c.logger.Warn("store get failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	payload, err := resp.AsBytes()
	if err != nil {
		c.logger.Warn("store get decode failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return payload, true
}

// Set writes a value, JSON-encoding anything that is not already a string.
// A ttl of zero or less writes without expiry. The return reports success.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	conn, ok := c.acquire()
	if !ok {
		return false
	}
	raw, err := encodeValue(value)
	if err != nil {
		c.logger.Warn("store set encode failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = conn.B().Set().Key(key).Value(raw).Px(ttl).Build()
	} else {
		cmd = conn.B().Set().Key(key).Value(raw).Build()
	}
	if err := conn.Do(ctx, cmd).Error(); err != nil {
		c.logger.Warn("store set failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// Delete removes keys and returns how many existed.
func (c *Client) Delete(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}
	conn, ok := c.acquire()
	if !ok {
		return 0
	}
	count, err := conn.Do(ctx, conn.B().Del().Key(keys...).Build()).ToInt64()
	if err != nil {
		c.logger.Warn("store delete failed", slog.Any("error", err))
		return 0
	}
	return count
}

// Keys lists keys matching the glob pattern.
func (c *Client) Keys(ctx context.Context, pattern string) []string {
	conn, ok := c.acquire()
	if !ok {
		return nil
	}
	keys, err := conn.Do(ctx, conn.B().Keys().Pattern(pattern).Build()).AsStrSlice()
	if err != nil {
		c.logger.Warn("store keys failed", slog.String("pattern", pattern), slog.Any("error", err))
		return nil
	}
	return keys
}

// MultiGet fetches several keys in one round trip. The result is aligned
// to the input order with nil holes for absent or failed positions.
func (c *Client) MultiGet(ctx context.Context, keys ...string) []any {
	out := make([]any, len(keys))
	if len(keys) == 0 {
		return out
	}
	conn, ok := c.acquire()
	if !ok {
		return out
	}
	arr, err := conn.Do(ctx, conn.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		c.logger.Warn("store mget failed", slog.Any("error", err))
		return out
	}
	for i, msg := range arr {
		if i >= len(out) {
			break
		}
		raw, err := msg.ToString()
		if err != nil {
			continue
		}
		out[i] = decodeValue(raw)
	}
	return out
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func encodeValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("store: encode value: %w", err)
		}
		return string(raw), nil
	}
}
