package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var strikeCreatedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_strikes_created_total",
}, []string{"type"})

var strikeDismissedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_strikes_dismissed_total",
})

var instanceFrozenGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_instance_frozen",
})
