package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Ledger metrics
	PointsCredited      *prometheus.CounterVec
	CreditsDuplicated   prometheus.Counter
	Transitions         *prometheus.CounterVec
	Redemptions         *prometheus.CounterVec
	PointsRedeemed      prometheus.Counter
	SweepDuration       prometheus.Histogram
	SweepUnlocked       prometheus.Counter
	LedgerDrift         prometheus.Counter
	UsersRegistered     prometheus.Counter
	ReferralsRegistered *prometheus.CounterVec

	// Event intake metrics
	EventsProcessed *prometheus.CounterVec

	// Database metrics
	DBConnections prometheus.Gauge

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// New creates a new Metrics instance registered on the default registry
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a Metrics instance registered on reg
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 5000, 10000, 50000, 100000},
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 5000, 10000, 50000, 100000},
			},
			[]string{"method", "path"},
		),

		// Ledger metrics
		PointsCredited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_points_credited_total",
				Help: "Total points credited as locked commission",
			},
			[]string{"level"},
		),
		CreditsDuplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_credits_duplicate_total",
			Help: "Credits that matched an existing transaction and were not applied again",
		}),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transitions_total",
				Help: "Locked transaction resolutions",
			},
			[]string{"to", "outcome"}, // available|forfeited, applied|noop
		),
		Redemptions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_redemptions_total",
				Help: "Redemption attempts",
			},
			[]string{"result"}, // success, insufficient
		),
		PointsRedeemed: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_points_redeemed_total",
			Help: "Total points redeemed",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_unlock_sweep_duration_seconds",
			Help:    "Duration of unlock sweeps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		SweepUnlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_unlock_sweep_unlocked_total",
			Help: "Transactions unlocked by the sweep",
		}),
		LedgerDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_balance_drift_total",
			Help: "Balances that disagreed with the replayed transaction log",
		}),
		UsersRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "users_registered_total",
			Help: "Total number of users registered",
		}),
		ReferralsRegistered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referrals_registered_total",
				Help: "Referral registration attempts",
			},
			[]string{"result"}, // success or a rejection reason
		),

		EventsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_processed_total",
				Help: "Inbound events by type and result",
			},
			[]string{"type", "result"}, // ok, retried, dead_lettered
		),

		// Database metrics
		DBConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		}),

		// Cache metrics
		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
	}

	return m
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := c.Path() // route pattern, not the raw URL

			if req.ContentLength > 0 {
				m.HTTPRequestSize.WithLabelValues(req.Method, path).Observe(float64(req.ContentLength))
			}

			err := next(c)

			status := c.Response().Status
			duration := time.Since(start).Seconds()

			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, strconv.Itoa(status)).Observe(duration)
			m.HTTPResponseSize.WithLabelValues(req.Method, path).Observe(float64(c.Response().Size))

			return err
		}
	}
}

// RecordCredit records a credit attempt at the given level
func (m *Metrics) RecordCredit(level int, points int64, created bool) {
	if m == nil {
		return
	}
	if !created {
		m.CreditsDuplicated.Inc()
		return
	}
	m.PointsCredited.WithLabelValues(strconv.Itoa(level)).Add(float64(points))
}

// RecordTransition records the outcome of an unlock or forfeit
func (m *Metrics) RecordTransition(to string, applied bool) {
	if m == nil {
		return
	}
	outcome := "noop"
	if applied {
		outcome = "applied"
	}
	m.Transitions.WithLabelValues(to, outcome).Inc()
}

// RecordRedemption records a redemption attempt
func (m *Metrics) RecordRedemption(points int64, success bool) {
	if m == nil {
		return
	}
	if !success {
		m.Redemptions.WithLabelValues("insufficient").Inc()
		return
	}
	m.Redemptions.WithLabelValues("success").Inc()
	m.PointsRedeemed.Add(float64(points))
}

// RecordSweep records one unlock sweep
func (m *Metrics) RecordSweep(duration time.Duration, unlocked int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
	m.SweepUnlocked.Add(float64(unlocked))
}

// RecordDrift increments the balance drift counter
func (m *Metrics) RecordDrift() {
	if m == nil {
		return
	}
	m.LedgerDrift.Inc()
}

// RecordUserRegistered increments users registered counter
func (m *Metrics) RecordUserRegistered() {
	if m == nil {
		return
	}
	m.UsersRegistered.Inc()
}

// RecordReferral records a referral registration result
func (m *Metrics) RecordReferral(result string) {
	if m == nil {
		return
	}
	m.ReferralsRegistered.WithLabelValues(result).Inc()
}

// RecordEvent records an inbound event result
func (m *Metrics) RecordEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(eventType, result).Inc()
}

// RecordCacheHit increments the cache hit counter
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

// UpdateDBConnections updates active database connections gauge
func (m *Metrics) UpdateDBConnections(count float64) {
	if m == nil {
		return
	}
	m.DBConnections.Set(count)
}
