// Package health aggregates per-pool credential availability into the
// gateway's /health body and mirrors the same numbers as Prometheus gauges
// for /metrics, grounded on the teacher's Prometheus middleware idiom.
package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kirogateway/internal/pool"
)

// Status is the three-way health classification for a pool or the process
// as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// classify reports unhealthy when zero credentials are available, degraded
// when fewer than half are, else healthy. A pool with zero total
// credentials is unhealthy rather than vacuously healthy.
func classify(available, total int) Status {
	switch {
	case total == 0 || available == 0:
		return StatusUnhealthy
	case available*2 < total:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// PoolHealth is one pool's entry in the /health body.
type PoolHealth struct {
	ID        string `json:"id"`
	Enabled   bool   `json:"enabled"`
	Status    Status `json:"status"`
	Available int    `json:"available_credentials"`
	Total     int    `json:"total_credentials"`
}

// Report is the full /health response body.
type Report struct {
	Status Status       `json:"status"`
	Pools  []PoolHealth `json:"pools"`
}

var (
	poolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kirogateway_pool_available_credentials",
			Help: "Number of currently available (enabled, not disabled) credentials in a pool",
		},
		[]string{"pool"},
	)
	poolTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kirogateway_pool_total_credentials",
			Help: "Total number of credentials configured in a pool",
		},
		[]string{"pool"},
	)
	poolHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kirogateway_pool_healthy",
			Help: "1 if the pool is healthy, 0 otherwise",
		},
		[]string{"pool"},
	)

	registerOnce = func() func() {
		var done bool
		return func() {
			if done {
				return
			}
			done = true
			prometheus.MustRegister(poolAvailable, poolTotal, poolHealthy)
		}
	}()
)

// Reporter aggregates snapshots from a pool.Manager on demand.
type Reporter struct {
	pools *pool.Manager
}

// New constructs a Reporter. The Prometheus gauges are registered on the
// first call only (registerOnce), so calling New more than once is safe.
func New(pools *pool.Manager) *Reporter {
	registerOnce()
	return &Reporter{pools: pools}
}

// Snapshot builds the current Report and updates the Prometheus gauges to
// match.
func (r *Reporter) Snapshot() Report {
	configs := r.pools.List()
	report := Report{Status: StatusHealthy, Pools: make([]PoolHealth, 0, len(configs))}

	for _, cfg := range configs {
		rt, err := r.pools.GetPoolForAPIKey(&cfg.ID)
		var available, total int
		if err == nil {
			available = rt.Manager.AvailableCount()
			total = len(rt.Manager.List())
		}
		status := classify(available, total)
		if !cfg.Enabled {
			status = StatusUnhealthy
		}

		report.Pools = append(report.Pools, PoolHealth{
			ID: cfg.ID, Enabled: cfg.Enabled, Status: status,
			Available: available, Total: total,
		})

		poolAvailable.WithLabelValues(cfg.ID).Set(float64(available))
		poolTotal.WithLabelValues(cfg.ID).Set(float64(total))
		healthy := 0.0
		if status == StatusHealthy {
			healthy = 1.0
		}
		poolHealthy.WithLabelValues(cfg.ID).Set(healthy)

		if worse(status, report.Status) {
			report.Status = status
		}
	}
	return report
}

// worse reports whether a is a more severe status than b.
func worse(a, b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[a] > rank[b]
}

// Handler serves GET /health: 200 unless the aggregate status is
// unhealthy, in which case 503.
func (r *Reporter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := r.Snapshot()
		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

// MetricsHandler serves GET /metrics with the Prometheus text exposition
// format, refreshing the gauges from a fresh snapshot first so scrapes
// never see stale pool counts.
func (r *Reporter) MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		r.Snapshot()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
