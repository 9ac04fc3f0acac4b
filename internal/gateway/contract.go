package gateway

import (
	"context"
	"net/http"
	"net/url"
)

// Request is the normalized shape every data-fetching handler receives.
// Handlers never see transport details or cache state.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response is the normalized shape every handler returns. The body must
// be fully materialized; the adapter does not stream.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Handler is a pure function from a normalized request to a normalized
// response. A returned error (or a panic) becomes a generic 500 at the
// transport boundary.
type Handler func(context.Context, Request) (Response, error)

// Route pairs an inbound path with the handler that serves it. Route
// tables are static: discovery from a handler directory is a caller
// concern, not the gateway's.
type Route struct {
	Path    string
	Handler Handler
}
