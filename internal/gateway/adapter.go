package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/quakefeed/gateway/internal/httpcache"
)

// CacheHeader marks every reply with the cache verdict for observability.
const (
	CacheHeader     = "X-Cache"
	CacheHeaderHit  = "HIT"
	CacheHeaderMiss = "MISS"
)

// Adapter sits between inbound HTTP traffic and the handler table. Per
// request it consults the response cache for eligible reads, dispatches
// the handler on a miss, and writes qualifying responses through to the
// cache before replying. Cache failures never affect the reply; handler
// failures never crash the process.
//
// Concurrent identical misses are not coalesced: each one invokes the
// handler and attempts its own cache write, last write wins. Handler
// results for an idempotent route are interchangeable within the TTL
// window, so this costs duplicate work but never correctness.
type Adapter struct {
	cache  *httpcache.Cache
	logger *slog.Logger
}

// NewAdapter builds the caching adapter over the shared response cache.
func NewAdapter(cache *httpcache.Cache, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cache:  cache,
		logger: logger.With(slog.String("agent", "adapter")),
	}
}

// Wrap turns one handler into an http.Handler that runs the full
// lookup/dispatch/populate cycle.
func (a *Adapter) Wrap(handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eligible := a.cache.Eligible(r)

		if eligible {
			if envelope, ok := a.cache.Lookup(r.Context(), r); ok {
				a.replay(w, envelope)
				return
			}
		}

		response, err := a.dispatch(r, handler)
		if err != nil {
			a.logger.Error("handler failed", slog.String("path", r.URL.Path), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("handler error: %v", err))
			return
		}

		// The body is fully materialized here, so the adapter re-frames
		// the response itself; a handler's Transfer-Encoding must not
		// leak through.
		response.Header.Del("Transfer-Encoding")

		if eligible {
			a.cache.Store(r.Context(), r, response.Status, response.Header, response.Body)
		}

		copyHeader(w.Header(), response.Header)
		w.Header().Set(CacheHeader, CacheHeaderMiss)
		w.WriteHeader(response.Status)
		_, _ = w.Write(response.Body)
	})
}

// dispatch normalizes the inbound request and invokes the handler,
// converting panics into ordinary errors.
func (a *Adapter) dispatch(r *http.Request, handler Handler) (response Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("gateway: handler panic: %v", rec)
		}
	}()

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return Response{}, fmt.Errorf("gateway: read request body: %w", err)
		}
	}

	response, err = handler(r.Context(), Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		return Response{}, err
	}
	if response.Header == nil {
		response.Header = http.Header{}
	}
	if response.Status == 0 {
		response.Status = http.StatusOK
	}
	return response, nil
}

// replay reconstructs a cached response verbatim.
func (a *Adapter) replay(w http.ResponseWriter, envelope httpcache.Envelope) {
	copyHeader(w.Header(), envelope.HTTPHeader())
	w.Header().Set(CacheHeader, CacheHeaderHit)
	w.WriteHeader(envelope.Status)
	_, _ = w.Write(envelope.Body)
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, message)
}
