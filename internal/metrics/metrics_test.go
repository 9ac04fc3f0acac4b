package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for k, v := range labels {
				found := false
				for _, pair := range metric.GetLabel() {
					if pair.GetName() == k && pair.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					matched = false
					break
				}
			}
			if matched {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRecorderCountsCacheOutcomes(t *testing.T) {
	recorder := NewRecorder(prometheus.NewRegistry())

	recorder.ObserveCacheLookup(CacheLookupHit, 2*time.Millisecond)
	recorder.ObserveCacheLookup(CacheLookupMiss, time.Millisecond)
	recorder.ObserveCacheLookup(CacheLookupMiss, time.Millisecond)
	recorder.ObserveCacheStore(CacheStoreStored, time.Millisecond)

	require.Equal(t, float64(1), counterValue(t, recorder, "quakefeed_cache_lookups_total", map[string]string{"outcome": "hit"}))
	require.Equal(t, float64(2), counterValue(t, recorder, "quakefeed_cache_lookups_total", map[string]string{"outcome": "miss"}))
	require.Equal(t, float64(1), counterValue(t, recorder, "quakefeed_cache_stores_total", map[string]string{"outcome": "stored"}))
}

func TestRecorderCountsRelayActivity(t *testing.T) {
	recorder := NewRecorder(nil)

	recorder.ObserveRelayMessage()
	recorder.ObserveRelayMessage()
	recorder.SetRelaySubscribers(3)
	recorder.ObserveUpstreamConnect(UpstreamConnected)
	recorder.ObserveUpstreamConnect(UpstreamFailed)

	require.Equal(t, float64(2), counterValue(t, recorder, "quakefeed_relay_messages_total", nil))
	require.Equal(t, float64(1), counterValue(t, recorder, "quakefeed_relay_upstream_connects_total", map[string]string{"outcome": "connected"}))
}

func TestRecorderHandlerServesMetrics(t *testing.T) {
	recorder := NewRecorder(nil)
	recorder.ObserveCacheLookup(CacheLookupHit, time.Millisecond)

	resp := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, resp.Code)
	require.Contains(t, resp.Body.String(), "quakefeed_cache_lookups_total")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveCacheLookup(CacheLookupHit, 0)
	recorder.ObserveCacheStore(CacheStoreError, 0)
	recorder.ObserveRelayMessage()
	recorder.SetRelaySubscribers(1)
	recorder.ObserveUpstreamConnect(UpstreamFailed)
	require.NotNil(t, recorder.Handler())
}
