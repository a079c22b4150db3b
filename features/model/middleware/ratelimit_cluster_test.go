package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/converge/runtime/model"
	"goa.design/pulse/rmap"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		return cur, nil
	}
	m.values[key] = value
	m.notify()
	return cur, nil
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.ch
}

// set simulates a write from another process.
func (m *fakeClusterMap) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.notify()
}

func (m *fakeClusterMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func TestClusterLimiter_SeedsSharedMap(t *testing.T) {
	m := newFakeClusterMap()
	lim := newClusterAdaptiveRateLimiter(context.Background(), m, "openai", 40000, 80000)

	v, ok := m.Get("openai")
	require.True(t, ok)
	require.Equal(t, "40000", v)
	require.Equal(t, 40000.0, lim.CurrentTPM())
}

func TestClusterLimiter_AdoptsExistingBudget(t *testing.T) {
	m := newFakeClusterMap()
	m.values["openai"] = "20000"
	lim := newClusterAdaptiveRateLimiter(context.Background(), m, "openai", 40000, 80000)
	require.Equal(t, 20000.0, lim.CurrentTPM())
}

func TestClusterLimiter_BackoffUpdatesSharedMap(t *testing.T) {
	m := newFakeClusterMap()
	const key = "model"
	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(context.Background(), m, key, 80000, 80000)
	wrapped := lim.Middleware()(&fakeBackend{err: model.ErrRateLimited})
	_, _ = wrapped.Complete(context.Background(), hello())

	require.Eventually(t, func() bool {
		v, ok := m.Get(key)
		if !ok {
			return false
		}
		cur, err := strconv.Atoi(v)
		return err == nil && cur < 80000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiter_ReconcilesExternalChanges(t *testing.T) {
	m := newFakeClusterMap()
	const key = "model"
	lim := newClusterAdaptiveRateLimiter(context.Background(), m, key, 10000, 10000)

	m.set(key, "5000")
	require.Eventually(t, func() bool { return lim.CurrentTPM() == 5000 }, time.Second, 5*time.Millisecond)

	m.set(key, "1")
	require.Eventually(t, func() bool { return lim.CurrentTPM() == 1000 }, time.Second, 5*time.Millisecond,
		"external values are clamped to the local floor")
}
