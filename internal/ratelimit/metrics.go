package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var limiterDenials = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "certminter",
		Subsystem: "ratelimit",
		Name:      "denials_total",
		Help:      "Mint attempts denied by the rate limiter",
	},
	[]string{"reason"},
)

func recordDenied(reason string) {
	limiterDenials.WithLabelValues(reason).Inc()
}
