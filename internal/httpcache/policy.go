package httpcache

import (
	"strings"
	"time"
)

// DefaultTTL applies when neither an exact route nor a prefix matches.
const DefaultTTL = 120 * time.Second

// Policy is the static route cache table: per-route TTLs resolved by
// exact match first and longest prefix second, plus an exact-path set of
// routes that bypass the cache entirely. A Policy is immutable once
// built; hot reload swaps the whole snapshot.
type Policy struct {
	defaultTTL time.Duration
	routes     map[string]time.Duration
	noCache    map[string]struct{}
}

// NewPolicy builds an immutable policy snapshot from seconds-based
// configuration. A non-positive default falls back to DefaultTTL.
func NewPolicy(defaultTTLSeconds int, routes map[string]int, noCache []string) *Policy {
	p := &Policy{
		defaultTTL: DefaultTTL,
		routes:     make(map[string]time.Duration, len(routes)),
		noCache:    make(map[string]struct{}, len(noCache)),
	}
	if defaultTTLSeconds > 0 {
		p.defaultTTL = time.Duration(defaultTTLSeconds) * time.Second
	}
	for route, seconds := range routes {
		p.routes[route] = time.Duration(seconds) * time.Second
	}
	for _, route := range noCache {
		p.noCache[route] = struct{}{}
	}
	return p
}

// TTL resolves the cache lifetime for a request path: exact route match
// first, then the longest matching route prefix, then the default.
func (p *Policy) TTL(path string) time.Duration {
	if ttl, ok := p.routes[path]; ok {
		return ttl
	}
	best := ""
	for route := range p.routes {
		if len(route) > len(best) && strings.HasPrefix(path, route) {
			best = route
		}
	}
	if best != "" {
		return p.routes[best]
	}
	return p.defaultTTL
}

// Bypass reports whether the path sits in the explicit no-cache set.
func (p *Policy) Bypass(path string) bool {
	_, ok := p.noCache[path]
	return ok
}
