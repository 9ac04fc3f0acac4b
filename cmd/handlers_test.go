package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quakefeed/gateway/internal/gateway"
)

func TestBuildRoutesIsSortedAndComplete(t *testing.T) {
	routes := buildRoutes(map[string]string{
		"/api/eia":         "https://eia.example.com/series",
		"/api/earthquakes": "https://quakes.example.com/feed",
	}, http.DefaultClient)

	require.Len(t, routes, 2)
	require.Equal(t, "/api/earthquakes", routes[0].Path)
	require.Equal(t, "/api/eia", routes[1].Path)
	require.NotNil(t, routes[0].Handler)
}

func TestFetchHandlerForwardsQueryAndReturnsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "limit=10", r.URL.RawQuery)
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"features":[]}`))
	}))
	defer upstream.Close()

	handler := newFetchHandler(upstream.Client(), upstream.URL)

	reqURL, err := url.Parse("http://gateway/api/earthquakes?limit=10")
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Accept", "application/json")

	resp, err := handler(context.Background(), gateway.Request{
		Method: http.MethodGet,
		URL:    reqURL,
		Header: header,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, []byte(`{"features":[]}`), resp.Body)
}

func TestFetchHandlerReportsUnreachableUpstream(t *testing.T) {
	handler := newFetchHandler(http.DefaultClient, "http://127.0.0.1:1")

	reqURL, err := url.Parse("http://gateway/api/earthquakes")
	require.NoError(t, err)

	_, err = handler(context.Background(), gateway.Request{Method: http.MethodGet, URL: reqURL})
	require.Error(t, err)
}
