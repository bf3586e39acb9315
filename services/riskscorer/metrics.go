package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serviceMetrics struct {
	heartbeats       *prometheus.CounterVec
	challengesIssued prometheus.Counter
	verifications    *prometheus.CounterVec
	threatScores     prometheus.Histogram
}

func newServiceMetrics(reg *prometheus.Registry) *serviceMetrics {
	factory := promauto.With(reg)
	return &serviceMetrics{
		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskscorer_heartbeats_total",
			Help: "Heartbeat reports processed, by outcome.",
		}, []string{"outcome"}),
		challengesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskscorer_challenges_issued_total",
			Help: "Facial CAPTCHA challenges issued.",
		}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskscorer_challenge_verifications_total",
			Help: "Challenge verification results, by verdict.",
		}, []string{"verdict"}),
		threatScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskscorer_threat_score",
			Help:    "Distribution of computed threat scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
	}
}
