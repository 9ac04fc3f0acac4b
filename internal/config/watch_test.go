package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchPolicyRequiresCallbackAndPath(t *testing.T) {
	_, err := WatchPolicy(context.Background(), "somewhere.yaml", nil, nil)
	require.Error(t, err)

	_, err = WatchPolicy(context.Background(), "", func(PolicyDocument) {}, nil)
	require.Error(t, err)
}

func TestWatchPolicyDeliversChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaultTtlSeconds: 10\n"), 0o600))

	var mu sync.Mutex
	var docs []PolicyDocument
	watcher, err := WatchPolicy(context.Background(), path, func(doc PolicyDocument) {
		mu.Lock()
		docs = append(docs, doc)
		mu.Unlock()
	}, func(err error) { t.Logf("watch error: %v", err) })
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("defaultTtlSeconds: 99\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, doc := range docs {
			if doc.DefaultTTLSeconds == 99 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchPolicyIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaultTtlSeconds: 10\n"), 0o600))

	var mu sync.Mutex
	calls := 0
	watcher, err := WatchPolicy(context.Background(), path, func(PolicyDocument) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.yaml"), []byte("x: 1\n"), 0o600))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, calls)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaultTtlSeconds: 10\n"), 0o600))

	watcher, err := WatchPolicy(context.Background(), path, func(PolicyDocument) {}, nil)
	require.NoError(t, err)
	watcher.Stop()
	watcher.Stop()
}
