package api

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wams_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "path", "status"})
	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wams_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wams_ws_clients",
		Help: "Currently connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, wsClients)
}
