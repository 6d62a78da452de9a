package lim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// memWindow counts windows in memory with the same atomic contract as the
// Redis backend.
type memWindow struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMemWindow() *memWindow {
	return &memWindow{counts: make(map[string]int64)}
}

func (m *memWindow) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], window, nil
}

type failingWindow struct{}

func (failingWindow) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("backend down")
}

func TestCheckAllowsExactlyLimit(t *testing.T) {
	backend := newMemWindow()
	l := New(backend, time.Minute)
	defer l.Stop()

	const limit = 5
	allowed := 0
	for i := 0; i < limit+3; i++ {
		res := l.Check(context.Background(), "create", "client", limit)
		if res.Allowed {
			allowed++
		}
	}
	if allowed != limit {
		t.Fatalf("allowed %d requests, want exactly %d", allowed, limit)
	}
}

func TestCheckRemainingCountsDown(t *testing.T) {
	backend := newMemWindow()
	l := New(backend, time.Minute)
	defer l.Stop()

	const limit = 3
	for i := 0; i < limit; i++ {
		res := l.Check(context.Background(), "read", "client", limit)
		if want := limit - i - 1; res.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i, res.Remaining, want)
		}
	}
	res := l.Check(context.Background(), "read", "client", limit)
	if res.Allowed {
		t.Error("over-limit request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("denied request reports remaining %d, want 0", res.Remaining)
	}
}

func TestCheckIsolatesClientsAndEndpoints(t *testing.T) {
	backend := newMemWindow()
	l := New(backend, time.Minute)
	defer l.Stop()

	const limit = 2
	for i := 0; i < limit; i++ {
		if !l.Check(context.Background(), "create", "a", limit).Allowed {
			t.Fatal("client a exhausted early")
		}
	}
	if l.Check(context.Background(), "create", "a", limit).Allowed {
		t.Error("client a should be over its limit")
	}
	if !l.Check(context.Background(), "create", "b", limit).Allowed {
		t.Error("client b should have its own window")
	}
	if !l.Check(context.Background(), "read", "a", limit).Allowed {
		t.Error("a fresh endpoint should have its own window")
	}
}

func TestCheckFailsOpenOnBackendError(t *testing.T) {
	l := New(failingWindow{}, time.Minute)
	defer l.Stop()

	for i := 0; i < 20; i++ {
		res := l.Check(context.Background(), "create", "client", 1)
		if !res.Allowed {
			t.Fatalf("request %d denied despite backend failure", i)
		}
		if res.Remaining != 1 {
			t.Errorf("fail-open should report full remaining, got %d", res.Remaining)
		}
	}
}

func TestLocalFallbackWithoutBackend(t *testing.T) {
	l := New(nil, time.Minute)
	defer l.Stop()

	const limit = 4
	allowed := 0
	for i := 0; i < limit*3; i++ {
		if l.Check(context.Background(), "create", "client", limit).Allowed {
			allowed++
		}
	}
	// Token bucket admits the initial burst, then refills too slowly for a
	// tight loop to gain more.
	if allowed != limit {
		t.Fatalf("local fallback allowed %d, want %d", allowed, limit)
	}
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	backend := newMemWindow()
	l := New(backend, time.Minute)
	defer l.Stop()

	const limit = 10
	const attempts = 40
	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(context.Background(), "create", "client", limit).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != limit {
		t.Fatalf("allowed %d concurrent requests, want exactly %d", allowed, limit)
	}
}
