package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_classify_jobs_enqueued_total",
})

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_classify_jobs_processed_total",
}, []string{"outcome"})
