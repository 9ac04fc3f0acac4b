package httpcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quakefeed/gateway/internal/metrics"
	"github.com/quakefeed/gateway/internal/store"
)

// Cache persists full HTTP response envelopes in the key/value store
// under the route TTL policy. It is an optimization, never a correctness
// dependency: every failure path degrades to a miss.
type Cache struct {
	store    *store.Client
	logger   *slog.Logger
	recorder *metrics.Recorder
	policy   atomic.Pointer[Policy]
}

// New binds a response cache to its store and initial policy snapshot.
func New(st *store.Client, policy *Policy, logger *slog.Logger, recorder *metrics.Recorder) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = NewPolicy(0, nil, nil)
	}
	c := &Cache{
		store:    st,
		logger:   logger.With(slog.String("agent", "httpcache")),
		recorder: recorder,
	}
	c.policy.Store(policy)
	return c
}

// SetPolicy atomically swaps the route policy snapshot. In-flight
// requests keep the snapshot they started with.
func (c *Cache) SetPolicy(policy *Policy) {
	if policy == nil {
		return
	}
	c.policy.Store(policy)
}

// Policy returns the current policy snapshot.
func (c *Cache) Policy() *Policy {
	return c.policy.Load()
}

// Eligible reports whether the request may consult and populate the
// cache: the read method only, and never a route in the no-cache set.
func (c *Cache) Eligible(r *http.Request) bool {
	return r.Method == http.MethodGet && !c.policy.Load().Bypass(r.URL.Path)
}

// Lookup fetches the stored envelope for the request. Absent entries,
// store failures, and corrupt payloads all come back as a plain miss.
func (c *Cache) Lookup(ctx context.Context, r *http.Request) (Envelope, bool) {
	start := time.Now()
	key := Key(r.URL)
	payload, ok := c.store.GetBytes(ctx, key)
	if !ok {
		c.recorder.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return Envelope{}, false
	}
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.logger.Warn("corrupt cache entry treated as miss", slog.String("key", key), slog.Any("error", err))
		c.recorder.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return Envelope{}, false
	}
	c.recorder.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	return envelope, true
}

// Store writes a response envelope under the policy TTL for the route.
// Only successful, non-empty responses are persisted; everything else is
// skipped. The return value reports whether an entry was written.
func (c *Cache) Store(ctx context.Context, r *http.Request, status int, header http.Header, body []byte) bool {
	start := time.Now()
	if status < http.StatusOK || status >= http.StatusMultipleChoices || len(body) == 0 {
		c.recorder.ObserveCacheStore(metrics.CacheStoreSkipped, time.Since(start))
		return false
	}

	envelope := Envelope{Status: status, Header: header, Body: body}
	payload, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Warn("cache envelope encode failed", slog.Any("error", err))
		c.recorder.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		return false
	}

	key := Key(r.URL)
	ttl := c.policy.Load().TTL(r.URL.Path)
	if !c.store.Set(ctx, key, payload, ttl) {
		c.recorder.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		return false
	}
	c.logger.Debug("response cached", slog.String("key", key), slog.Duration("ttl", ttl))
	c.recorder.ObserveCacheStore(metrics.CacheStoreStored, time.Since(start))
	return true
}
