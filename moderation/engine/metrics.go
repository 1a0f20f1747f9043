package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var admissionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_admissions_total",
}, []string{"status"})

var classificationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_classification_outcomes_total",
}, []string{"outcome"})
