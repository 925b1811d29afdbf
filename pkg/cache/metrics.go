package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_cache_hits_total",
		Help: "Total number of response cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_cache_misses_total",
		Help: "Total number of response cache misses",
	})

	// ConditionalRequestsSent counts requests carrying If-None-Match or If-Modified-Since.
	ConditionalRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_conditional_requests_total",
		Help: "Total number of conditional requests sent",
	})

	// NotModifiedResponses counts 304 answers served from cache.
	NotModifiedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enricher_304_responses_total",
		Help: "Total number of 304 Not Modified responses",
	})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"})
)
