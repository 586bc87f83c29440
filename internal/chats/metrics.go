package chats

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wams_chat_cache_hits_total",
		Help: "Chat list reads served from a fresh cache entry.",
	})
	staleServes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wams_chat_cache_stale_serves_total",
		Help: "Chat list reads served from a stale entry under throttle or timeout.",
	})
	upstreamFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wams_chat_upstream_fetches_total",
		Help: "Upstream chat list fetch attempts.",
	})
	fetchTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wams_chat_fetch_timeouts_total",
		Help: "Upstream chat list fetches that exceeded their budget.",
	})
	rateLimitedRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wams_chat_rate_limited_total",
		Help: "Chat list reads rejected because the throttle was engaged and no cache entry existed.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, staleServes, upstreamFetches, fetchTimeouts, rateLimitedRejections)
}
