package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics covers the short-lived HTTP traffic of the sync server: the
// status page and any other plain request. WebSocket sessions are counted
// by RelayMetrics instead.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers the HTTP metrics on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	labels := []string{"method", "path", "code"}
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Plain HTTP requests answered by the sync server.",
		}, labels),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time to answer a plain HTTP request.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, labels),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Plain HTTP requests currently being answered.",
		}),
	}

	reg.MustRegister(m.Requests, m.Duration, m.InFlight)
	return m
}

// Middleware records plain requests. Probes, scrapes and WebSocket upgrades
// pass through unrecorded.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Path()
			if !recorded(c.Request(), path) {
				return next(c)
			}

			m.InFlight.Inc()
			start := time.Now()
			err := next(c)
			m.InFlight.Dec()

			code := strconv.Itoa(statusOf(c, err))
			method := c.Request().Method
			m.Requests.WithLabelValues(method, path, code).Inc()
			m.Duration.WithLabelValues(method, path, code).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func recorded(r *http.Request, path string) bool {
	if path == "/metrics" || strings.HasPrefix(path, "/health/") {
		return false
	}
	return !websocket.IsWebSocketUpgrade(r)
}

// statusOf resolves the code the error handler will send when the handler
// failed before writing a response.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
