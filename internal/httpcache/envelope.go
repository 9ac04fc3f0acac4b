package httpcache

import (
	"net/http"
	"net/url"
)

// KeyNamespace scopes every cache key so unrelated keys in a shared store
// are never touched by Keys-pattern maintenance.
const KeyNamespace = "apicache:"

// Key derives the cache key from the request's method-invariant identity:
// the full path plus the raw query, verbatim. No normalization happens on
// purpose — `?a=1&b=2` and `?b=2&a=1` are distinct entries, trading a few
// duplicate cache slots for deterministic key derivation.
func Key(u *url.URL) string {
	key := KeyNamespace + u.Path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// Envelope is the serialized response triple stored per cache entry. The
// wire format is JSON {s, h, b} with the body base64-encoded, so binary
// payloads pass safely through the string-oriented store.
type Envelope struct {
	Status int                 `json:"s"`
	Header map[string][]string `json:"h"`
	Body   []byte              `json:"b"`
}

// HTTPHeader reconstructs a http.Header from the stored mapping.
func (e Envelope) HTTPHeader() http.Header {
	header := make(http.Header, len(e.Header))
	for name, values := range e.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	return header
}
