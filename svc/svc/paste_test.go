package svc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"stashbin/cfg"
	"stashbin/pkg/domain"
	"stashbin/svc/cache"
	"stashbin/svc/db"
	"stashbin/svc/ids"
)

func testService(t *testing.T) *Paste {
	t.Helper()
	dsn := fmt.Sprintf("file:svcdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqlDB, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	lru, err := cache.NewLRU(64)
	if err != nil {
		t.Fatalf("new lru: %v", err)
	}
	codec, err := ids.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	c := &cfg.Cfg{
		MaxPasteSize:   100 * 1024,
		CacheTTL:       time.Hour,
		WorkerPoolSize: 2,
	}
	p := NewPaste(sqlDB, lru, nil, codec, c)
	t.Cleanup(func() {
		p.Shutdown()
		sqlDB.Close()
	})
	return p
}

func TestCreateAndGet(t *testing.T) {
	p := testService(t)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{
		Content:   "fmt.Println(42)",
		Language:  "go",
		ExpiresIn: "1h",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Slug) < 6 {
		t.Errorf("slug too short: %q", created.Slug)
	}
	if created.ExpiresAt == nil {
		t.Error("1h paste should carry an expiry")
	}

	got, err := p.Get(ctx, created.Slug)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != created.Content || got.Language != "go" {
		t.Errorf("get returned wrong paste: %+v", got)
	}
}

func TestCreateDistinctSlugs(t *testing.T) {
	p := testService(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		created, err := p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "1h"})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[created.Slug] {
			t.Fatalf("duplicate slug %q", created.Slug)
		}
		seen[created.Slug] = true
	}
}

func TestCreateValidation(t *testing.T) {
	p := testService(t)
	ctx := context.Background()

	if _, err := p.Create(ctx, domain.CreateParams{Content: ""}); err != domain.ErrContentRequired {
		t.Errorf("empty content: got %v", err)
	}

	big := strings.Repeat("a", 100*1024+1)
	if _, err := p.Create(ctx, domain.CreateParams{Content: big}); err != domain.ErrPasteTooLarge {
		t.Errorf("oversized content: got %v", err)
	}

	if _, err := p.Create(ctx, domain.CreateParams{Content: "x", Language: "cobol"}); err != domain.ErrInvalidLanguage {
		t.Errorf("bad language: got %v", err)
	}

	if _, err := p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "3h"}); err != domain.ErrInvalidExpiry {
		t.Errorf("bad expiry: got %v", err)
	}

	if _, err := p.Create(ctx, domain.CreateParams{Content: string([]byte{0xff, 0xfe})}); err != domain.ErrInvalidRequest {
		t.Errorf("invalid utf-8: got %v", err)
	}
}

func TestCreateAnonymousNeverIsPolicyViolation(t *testing.T) {
	p := testService(t)
	_, err := p.Create(context.Background(), domain.CreateParams{
		Content:   "x",
		ExpiresIn: "never",
	})
	if err != domain.ErrAnonymousNeverExpires {
		t.Fatalf("got %v, want ErrAnonymousNeverExpires", err)
	}
}

func TestCreateOwnedNeverAllowed(t *testing.T) {
	p := testService(t)
	created, err := p.Create(context.Background(), domain.CreateParams{
		Content:   "x",
		ExpiresIn: "never",
		OwnerID:   "owner-1",
	})
	if err != nil {
		t.Fatalf("owned never-expiring paste should be allowed: %v", err)
	}
	if created.ExpiresAt != nil {
		t.Errorf("never-expiring paste carries expiry %v", created.ExpiresAt)
	}
}

func TestGetRejectsMalformedSlug(t *testing.T) {
	p := testService(t)
	for _, slug := range []string{"", "abc", "has space", "abc!def", strings.Repeat("z", 12)} {
		if _, err := p.Get(context.Background(), slug); err != domain.ErrInvalidSlug {
			t.Errorf("Get(%q): got %v, want ErrInvalidSlug", slug, err)
		}
	}
}

func TestGetUnknownSlugIsNotFound(t *testing.T) {
	p := testService(t)
	// Well-formed but never issued.
	slug, err := p.codec.Encode(999999)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(context.Background(), slug); err != domain.ErrPasteNotFound {
		t.Fatalf("got %v, want ErrPasteNotFound", err)
	}
}

func TestGetExpiredPasteIsNotFound(t *testing.T) {
	p := testService(t)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	// Age the row and the cached entry past their expiry.
	past := time.Now().UTC().Add(-time.Minute)
	_, err = p.db.DB().Exec(`UPDATE pastes SET expires_at = ? WHERE id = ?`, past, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	p.lru.Delete(created.Slug)

	if _, err := p.Get(ctx, created.Slug); err != domain.ErrPasteNotFound {
		t.Fatalf("got %v, want ErrPasteNotFound for expired paste", err)
	}
}

func TestGetExpiredCachedEntryIsNotFound(t *testing.T) {
	p := testService(t)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	// Poison the LRU with an already-expired projection; the read path must
	// re-check expiry rather than trust the hit.
	past := time.Now().UTC().Add(-time.Minute)
	pr := created.Project()
	pr.ExpiresAt = &past
	p.lru.Set(created.Slug, pr, time.Hour)
	_, err = p.db.DB().Exec(`UPDATE pastes SET expires_at = ? WHERE id = ?`, past, created.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Get(ctx, created.Slug); err != domain.ErrPasteNotFound {
		t.Fatalf("got %v, want ErrPasteNotFound for expired cached paste", err)
	}
}

func TestGetIncrementsViews(t *testing.T) {
	p := testService(t)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "1h"})
	if err != nil {
		t.Fatal(err)
	}
	const reads = 5
	for i := 0; i < reads; i++ {
		if _, err := p.Get(ctx, created.Slug); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}

	// Increments are asynchronous; poll the store until they land.
	deadline := time.Now().Add(3 * time.Second)
	for {
		row, err := p.db.GetBySlug(ctx, created.Slug)
		if err != nil {
			t.Fatalf("get by slug: %v", err)
		}
		if row.Views == reads {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("views = %d after deadline, want %d", row.Views, reads)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentGetsDuringShutdown(t *testing.T) {
	p := testService(t)
	ctx := context.Background()
	created, err := p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "1h"})
	if err != nil {
		t.Fatal(err)
	}

	// Reads racing Shutdown must never panic on the view queue; they either
	// serve the paste or report the service as down.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				p.Get(ctx, created.Slug)
			}
		}()
	}
	close(start)
	p.Shutdown()
	wg.Wait()

	if _, err := p.Get(ctx, created.Slug); err == nil {
		t.Error("get should fail once the service is down")
	}
}

func TestCreateRejectedAfterShutdown(t *testing.T) {
	dsn := fmt.Sprintf("file:svcdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqlDB, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer sqlDB.Close()
	lru, _ := cache.NewLRU(8)
	codec, _ := ids.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	p := NewPaste(sqlDB, lru, nil, codec, &cfg.Cfg{
		MaxPasteSize:   1024,
		CacheTTL:       time.Hour,
		WorkerPoolSize: 1,
	})
	p.Shutdown()
	if _, err := p.Create(context.Background(), domain.CreateParams{Content: "x", ExpiresIn: "1h"}); err == nil {
		t.Fatal("create should fail after shutdown")
	}
}
