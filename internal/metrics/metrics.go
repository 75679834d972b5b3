// Package metrics provides Prometheus instrumentation for the leaderboard
// service: anonymous session bootstrap outcomes, identity service calls and
// score submissions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EnsureTotal counts EnsureAnonUser calls, labeled by outcome:
	// "existing", "signed_in", "degraded", "disabled" or "error".
	EnsureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leaderboard_ensure_anon_user_total",
		Help: "Total number of anonymous session bootstrap calls",
	}, []string{"outcome"})

	// EnsureDuration records how long EnsureAnonUser takes to resolve.
	EnsureDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "leaderboard_ensure_anon_user_seconds",
		Help:    "Time to resolve an anonymous session",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// SignInTotal counts anonymous sign-up requests to the identity service,
	// labeled by result: "ok", "rate_limited" or the identity error code.
	SignInTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leaderboard_anonymous_signin_total",
		Help: "Total number of anonymous sign-in requests",
	}, []string{"result"})

	// AuthSubscriptions tracks the current number of auth state subscribers.
	AuthSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "leaderboard_auth_subscriptions",
		Help: "Current number of auth state subscriptions",
	})

	// ScoresTotal counts score submissions, labeled by result: "ok" or "error".
	ScoresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leaderboard_scores_total",
		Help: "Total number of leaderboard score submissions",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		EnsureTotal,
		EnsureDuration,
		SignInTotal,
		AuthSubscriptions,
		ScoresTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
