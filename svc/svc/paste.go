// Package svc composes the store, caches, codec and limiter into the paste
// workflows. All mutation paths go through this service; nothing writes to
// the store or caches around it.
package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"stashbin/cfg"
	"stashbin/metrics"
	"stashbin/pkg/domain"
	"stashbin/svc/cache"
	"stashbin/svc/db"
	"stashbin/svc/ids"
	"stashbin/svc/util"
)

type Paste struct {
	db    *db.SQLite
	lru   *cache.LRU
	rdb   *db.Redis
	codec *ids.Codec
	cfg   *cfg.Cfg

	viewQueue    chan int64
	viewWorkerWg sync.WaitGroup
	sf           singleflight.Group
	shutdownCtx  context.Context
	shutdownFn   context.CancelFunc
	shutdown     atomic.Bool
	opWg         sync.WaitGroup
}

func NewPaste(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, codec *ids.Codec, c *cfg.Cfg) *Paste {
	if sqlDB == nil || lru == nil || codec == nil || c == nil {
		panic("paste service: nil dependency (sqlDB, lru, codec, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 20
	}
	p := &Paste{
		db:          sqlDB,
		lru:         lru,
		rdb:         rdb,
		codec:       codec,
		cfg:         c,
		viewQueue:   make(chan int64, c.WorkerPoolSize*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	p.startWorkers(c.WorkerPoolSize)
	return p
}

func (p *Paste) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.viewWorkerWg.Add(1)
		go p.viewWorker()
	}
}

// viewWorker drains the fire-and-forget view increments. A lost increment is
// logged and dropped; it never reaches a reader. The queue is never closed:
// workers leave on the shutdown context after flushing what is still queued,
// so a late enqueue can never panic.
func (p *Paste) viewWorker() {
	defer p.viewWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("view worker panicked")
		}
	}()
	for {
		select {
		case id := <-p.viewQueue:
			p.flushView(id)
		case <-p.shutdownCtx.Done():
			for {
				select {
				case id := <-p.viewQueue:
					p.flushView(id)
				default:
					return
				}
			}
		}
	}
}

func (p *Paste) flushView(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.db.IncrViews(ctx, id); err != nil {
		util.Warn().Err(err).Int64("id", id).Msg("failed to incr views")
		return
	}
	metrics.ViewsFlushed.Inc()
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	p.shutdownFn()
	done := make(chan struct{})
	go func() {
		p.viewWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("view workers didn't stop in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

// Create validates, enforces policy, allocates a slug and persists the paste.
// Validation and policy failures happen before any side effect; cache fills
// afterwards are best effort.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	if len(params.Content) > int(p.cfg.MaxPasteSize) {
		return nil, domain.ErrPasteTooLarge
	}
	if !utf8.ValidString(params.Content) {
		return nil, domain.ErrInvalidRequest
	}
	lang, err := domain.NormalizeLanguage(params.Language)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expiresAt, err := domain.ResolveExpiry(params.ExpiresIn, now)
	if err != nil {
		return nil, err
	}
	if params.OwnerID == "" && expiresAt == nil {
		return nil, domain.ErrAnonymousNeverExpires
	}

	id, err := p.db.NextID(ctx)
	if err != nil {
		util.Error().Err(err).Msg("id allocation failed")
		return nil, domain.ErrDependencyUnavailable
	}
	slug, err := p.codec.Encode(id)
	if err != nil {
		util.Error().Err(err).Int64("id", id).Msg("slug encoding failed")
		return nil, domain.ErrInternalServer
	}

	paste := &domain.Paste{
		ID:           id,
		Slug:         slug,
		Content:      params.Content,
		Language:     lang,
		OwnerID:      params.OwnerID,
		ClientIPHash: params.ClientIPHash,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		Metadata:     params.Metadata,
	}
	if err := p.db.Insert(ctx, paste); err != nil {
		if errors.Is(err, db.ErrSlugConflict) {
			// Can only mean the counter issued a duplicate. Integrity fault,
			// not retried.
			util.Error().Int64("id", id).Str("slug", slug).Msg("slug collision, counter integrity broken")
			return nil, domain.ErrInternalServer
		}
		return nil, errors.Wrap(err, "insert paste")
	}
	p.fillCaches(ctx, slug, paste.Project())
	metrics.PasteCreated.Inc()
	return paste, nil
}

// Get walks the cache-aside read path: LRU, Redis, then the store. Expiry is
// re-checked at every tier because a cache entry may outlive the paste.
func (p *Paste) Get(ctx context.Context, slug string) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	id, err := p.codec.Decode(slug)
	if err != nil {
		return nil, domain.ErrInvalidSlug
	}
	now := time.Now()

	if pr := p.lru.Get(slug); pr != nil {
		if pr.Expired(now) {
			p.invalidate(ctx, slug)
		} else {
			metrics.CacheHits.WithLabelValues("lru").Inc()
			return p.serveHit(id, slug, pr), nil
		}
	}

	if p.rdb != nil {
		pr, err := p.rdb.GetProjection(ctx, slug)
		if err != nil {
			util.Warn().Err(err).Str("slug", slug).Msg("redis read failed, falling to store")
		} else if pr != nil {
			if pr.Expired(now) {
				p.invalidate(ctx, slug)
			} else {
				metrics.CacheHits.WithLabelValues("redis").Inc()
				p.lru.Set(slug, pr, p.cacheTTL(pr.ExpiresAt))
				return p.serveHit(id, slug, pr), nil
			}
		}
	}

	metrics.CacheMisses.Inc()
	v, err, _ := p.sf.Do(slug, func() (interface{}, error) {
		return p.db.GetBySlug(ctx, slug)
	})
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	paste := v.(*domain.Paste)
	if paste.Expired(now) {
		// Functionally absent even before the sweeper removes the row.
		return nil, domain.ErrPasteNotFound
	}
	p.fillCaches(ctx, slug, paste.Project())
	p.enqueueView(paste.ID)
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

func (p *Paste) serveHit(id int64, slug string, pr *domain.Projection) *domain.Paste {
	p.enqueueView(id)
	metrics.PasteRetrieved.Inc()
	return &domain.Paste{
		ID:        id,
		Slug:      slug,
		Content:   pr.Content,
		Language:  pr.Language,
		CreatedAt: pr.CreatedAt,
		ExpiresAt: pr.ExpiresAt,
		Views:     pr.Views,
	}
}

// enqueueView hands the increment to the worker pool without blocking the
// response path. Queue saturation drops the increment.
func (p *Paste) enqueueView(id int64) {
	if p.shutdown.Load() {
		return
	}
	select {
	case p.viewQueue <- id:
	default:
		metrics.ViewQueueDropped.Inc()
		util.Warn().Int64("id", id).Msg("view queue full, dropping increment")
	}
}

// fillCaches is a best-effort side effect: its errors are logged here and
// never joined to the request's error channel.
func (p *Paste) fillCaches(ctx context.Context, slug string, pr *domain.Projection) {
	ttl := p.cacheTTL(pr.ExpiresAt)
	if ttl <= 0 {
		return
	}
	p.lru.Set(slug, pr, ttl)
	if p.rdb != nil {
		if err := p.rdb.CacheProjection(ctx, slug, pr, ttl); err != nil {
			util.Warn().Err(err).Str("slug", slug).Msg("failed to cache projection in redis")
		}
	}
}

func (p *Paste) invalidate(ctx context.Context, slug string) {
	p.lru.Delete(slug)
	if p.rdb != nil {
		if err := p.rdb.Invalidate(ctx, slug); err != nil {
			util.Warn().Err(err).Str("slug", slug).Msg("failed to invalidate redis entry")
		}
	}
}

// cacheTTL caps the configured TTL so an entry never outlives its paste.
func (p *Paste) cacheTTL(expiresAt *time.Time) time.Duration {
	ttl := p.cfg.CacheTTL
	if expiresAt != nil {
		if until := time.Until(*expiresAt); until < ttl {
			ttl = until
		}
	}
	return ttl
}

var (
	sweeperOnce    sync.Once
	sweeperRunning atomic.Bool
)

// StartSweeper launches the out-of-band expired-paste sweep. At most one
// sweeper runs per process.
func StartSweeper(ctx context.Context, sqlDB *db.SQLite, interval time.Duration) error {
	if sweeperRunning.Load() {
		return errors.New("sweeper already running")
	}
	sweeperOnce.Do(func() {
		sweeperRunning.Store(true)
		go runSweeper(ctx, sqlDB, interval)
	})
	return nil
}

func runSweeper(ctx context.Context, sqlDB *db.SQLite, interval time.Duration) {
	defer sweeperRunning.Store(false)
	sweepID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().Str("request_id", sweepID).Dur("interval", interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", sweepID).Msg("expiry sweeper shutting down")
			return
		case <-ticker.C:
			deleted, err := sqlDB.DeleteExpired(ctx)
			metrics.SweepCycles.Inc()
			if err != nil {
				util.Error().Err(err).Str("request_id", util.GetRequestID(ctx)).Msg("sweep failed")
			} else if deleted > 0 {
				metrics.SweptPastes.Add(float64(deleted))
				util.Info().Int("deleted", deleted).Str("request_id", util.GetRequestID(ctx)).Msg("sweep completed")
			}
		}
	}
}
