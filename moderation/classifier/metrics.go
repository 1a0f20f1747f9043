package classifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var modelAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_classifier_api_requests",
	Help: "Number of model API requests, by HTTP status code",
}, []string{"status"})

var modelAPIDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "warden_classifier_api_duration_sec",
	Help:    "Duration of model API requests",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
})

var verdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_classifier_verdicts",
	Help: "Number of classification verdicts, by media kind and category",
}, []string{"kind", "category"})
