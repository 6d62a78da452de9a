package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbin_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_cache_misses_total",
		Help: "no. of full cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stashbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbin_rate_limit_hits_total",
			Help: "no. of rate limit rejections",
		},
		[]string{"endpoint"},
	)
	ViewsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_views_flushed_total",
		Help: "no. of view increments flushed to the store",
	})
	ViewQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_view_queue_dropped_total",
		Help: "no. of view increments dropped because the queue was full",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_sweep_cycles_total",
		Help: "no. of expired-paste sweep cycles",
	})
	SweptPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_swept_pastes_total",
		Help: "no. of expired pastes removed by the sweeper",
	})
)
