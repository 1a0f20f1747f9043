package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var auditEventCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_audit_events_total",
}, []string{"kind"})

var retentionSweepCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_retention_sweeps_total",
})
