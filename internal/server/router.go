package server

import (
	"encoding/json"
	"net/http"

	"github.com/quakefeed/gateway/internal/gateway"
	"github.com/quakefeed/gateway/internal/relay"
)

// Metrics is the slice of the metrics recorder the router needs.
type Metrics interface {
	Handler() http.Handler
}

// RelaySession is the slice of the relay the router needs: the
// subscriber endpoint and the health snapshot.
type RelaySession interface {
	Subscribe(http.ResponseWriter, *http.Request)
	Snapshot() relay.Snapshot
}

// NewRouter composes the gateway surface: every configured API route
// behind the caching adapter, the relay subscriber endpoint, health,
// and metrics.
func NewRouter(routes []gateway.Route, adapter *gateway.Adapter, session RelaySession, metrics Metrics) http.Handler {
	mux := http.NewServeMux()

	for _, route := range routes {
		mux.Handle("GET "+route.Path, adapter.Wrap(route.Handler))
		mux.Handle("POST "+route.Path, adapter.Wrap(route.Handler))
	}

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		session.Subscribe(w, r)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(session.Snapshot())
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return mux
}
