package blocklist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refreshCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_blocklist_refreshes",
	Help: "Number of successful blocklist refreshes",
})

var refreshSourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_blocklist_source_errors",
	Help: "Number of failed source fetches, by source",
}, []string{"source"})

var hardDomainsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_blocklist_hard_domains",
	Help: "Current number of hard-tier dynamic blocklist domains",
})

var softDomainsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_blocklist_soft_domains",
	Help: "Current number of soft-tier dynamic blocklist domains",
})
