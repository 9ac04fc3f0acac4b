package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/quakefeed/gateway/internal/gateway"
)

// buildRoutes turns the configured route table into handler bindings.
// Each route proxies to its upstream feed URL; the caching adapter in
// front decides whether the handler runs at all.
func buildRoutes(routes map[string]string, client *http.Client) []gateway.Route {
	paths := make([]string, 0, len(routes))
	for path := range routes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := make([]gateway.Route, 0, len(paths))
	for _, path := range paths {
		out = append(out, gateway.Route{
			Path:    path,
			Handler: newFetchHandler(client, routes[path]),
		})
	}
	return out
}

// newFetchHandler returns a handler that fetches the upstream feed and
// hands back its response in full. The inbound query string is appended
// to the upstream URL untouched so feed parameters pass through.
func newFetchHandler(client *http.Client, upstream string) gateway.Handler {
	return func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
		target := upstream
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
		if err != nil {
			return gateway.Response{}, fmt.Errorf("build upstream request: %w", err)
		}
		if accept := req.Header.Get("Accept"); accept != "" {
			httpReq.Header.Set("Accept", accept)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return gateway.Response{}, fmt.Errorf("fetch %s: %w", target, err)
		}
		defer func() { _ = resp.Body.Close() }()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return gateway.Response{}, fmt.Errorf("read upstream body: %w", err)
		}

		return gateway.Response{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   payload,
		}, nil
	}
}
