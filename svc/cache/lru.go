// Package cache holds the in-process tier of the cache-aside read path.
// It is purely an accelerator: absence here says nothing about whether a
// paste exists, and callers re-check expiry on every hit.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"stashbin/pkg/domain"
)

type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}

type item struct {
	projection *domain.Projection
	exp        time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

// Get returns nil on a miss or when the entry's TTL has lapsed.
func (l *LRU) Get(slug string) *domain.Projection {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(slug)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(slug)
		return nil
	}
	return it.projection
}

func (l *LRU) Set(slug string, pr *domain.Projection, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(slug, item{
		projection: pr,
		exp:        time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(slug)
}
