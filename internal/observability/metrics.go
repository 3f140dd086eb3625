package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metric handles live behind an atomic pointer so every call site stays a
// cheap no-op until Init wires a registry
var active atomic.Pointer[metricSet]

type metricSet struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	tileRequestsTotal         *prometheus.CounterVec
	tileResolveDurationSecs   *prometheus.HistogramVec
	candidateRejectionsTotal  *prometheus.CounterVec
	storeOpTotal              *prometheus.CounterVec
	storeOpDurationSeconds    *prometheus.HistogramVec
	storePackages             *prometheus.GaugeVec
	openTileDatabases         prometheus.Gauge
	openTileDatabaseBytes     prometheus.Gauge
	packageOpenDurationSecs   prometheus.Histogram
	revocationsTotal          *prometheus.CounterVec
	revocationErrorsTotal     *prometheus.CounterVec
}

// Init registers the service metrics with reg. Passing enabled=false (or a
// nil registerer) leaves every observation a no-op; tests re-Init with a
// fresh registry per provider.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		active.Store(nil)
		return
	}

	m := &metricSet{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		tileRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tile_requests_total",
				Help: "Tile resolutions by chart and outcome.",
			},
			[]string{"chart", "outcome"},
		),
		tileResolveDurationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tile_resolve_duration_seconds",
				Help:    "End-to-end tile resolution latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"outcome"},
		),
		candidateRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candidate_rejections_total",
				Help: "Candidate packages discarded during selection, by reason.",
			},
			[]string{"reason"},
		),
		storeOpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_op_total",
				Help: "Package store backend operations.",
			},
			[]string{"backend", "op", "ok"},
		),
		storeOpDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_op_duration_seconds",
				Help:    "Package store backend operation latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"backend", "op"},
		),
		storePackages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "store_packages",
				Help: "Installed packages by lifecycle status.",
			},
			[]string{"status"},
		),
		openTileDatabases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "open_tile_databases",
			Help: "Tile databases currently held open in memory.",
		}),
		openTileDatabaseBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "open_tile_database_bytes",
			Help: "Total bytes of tile databases held open in memory.",
		}),
		packageOpenDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "package_open_duration_seconds",
			Help:    "Time to open a package's tile database in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		revocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revocations_total",
				Help: "Applied revocation events by operation.",
			},
			[]string{"op"},
		),
		revocationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revocation_errors_total",
				Help: "Revocation consumer failures by kind.",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDurationSeconds,
		m.tileRequestsTotal,
		m.tileResolveDurationSecs,
		m.candidateRejectionsTotal,
		m.storeOpTotal,
		m.storeOpDurationSeconds,
		m.storePackages,
		m.openTileDatabases,
		m.openTileDatabaseBytes,
		m.packageOpenDurationSecs,
		m.revocationsTotal,
		m.revocationErrorsTotal,
	)

	active.Store(m)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	m := active.Load()
	if m == nil {
		return
	}
	st := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveResolve(chart, outcome string, durationSeconds float64) {
	m := active.Load()
	if m == nil {
		return
	}
	m.tileRequestsTotal.WithLabelValues(chart, outcome).Inc()
	m.tileResolveDurationSecs.WithLabelValues(outcome).Observe(durationSeconds)
}

func IncRejection(reason string) {
	m := active.Load()
	if m == nil {
		return
	}
	m.candidateRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveStoreOp(backend, op string, err error, durationSeconds float64) {
	m := active.Load()
	if m == nil {
		return
	}
	ok := "true"
	if err != nil {
		ok = "false"
	}
	m.storeOpTotal.WithLabelValues(backend, op, ok).Inc()
	m.storeOpDurationSeconds.WithLabelValues(backend, op).Observe(durationSeconds)
}

func SetPackageCount(status string, n int) {
	m := active.Load()
	if m == nil {
		return
	}
	m.storePackages.WithLabelValues(status).Set(float64(n))
}

func SetOpenHandles(n int) {
	m := active.Load()
	if m == nil {
		return
	}
	m.openTileDatabases.Set(float64(n))
}

func SetOpenHandleBytes(b int64) {
	m := active.Load()
	if m == nil {
		return
	}
	m.openTileDatabaseBytes.Set(float64(b))
}

func ObservePackageOpen(durationSeconds float64) {
	m := active.Load()
	if m == nil {
		return
	}
	m.packageOpenDurationSecs.Observe(durationSeconds)
}

func IncRevocation(op string) {
	m := active.Load()
	if m == nil {
		return
	}
	m.revocationsTotal.WithLabelValues(op).Inc()
}

func IncRevocationError(kind string) {
	m := active.Load()
	if m == nil {
		return
	}
	m.revocationErrorsTotal.WithLabelValues(kind).Inc()
}
