package freeze

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var freezeAppliedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_freezes_applied_total",
}, []string{"type"})

var freezeExpiredCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_freezes_expired_total",
})
