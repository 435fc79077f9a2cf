package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRelayMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)

	m.Connections.Set(3)
	m.Updates.Inc()
	m.Deliveries.WithLabelValues(DeliveryOK).Add(2)
	m.Deliveries.WithLabelValues(DeliveryFailed).Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Updates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(DeliveryOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(DeliveryFailed)))

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewRelayMetrics(reg) })
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewRelayMetrics(reg)
	m.Updates.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "realtime_sync_relay_updates_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/status", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/health/live", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	for _, path := range []string{"/status", "/status", "/health/live"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues(http.MethodGet, "/status", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))

	count, err := testutil.GatherAndCount(reg, "realtime_sync_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "health probes are not recorded")
}

func TestHTTPMetrics_RecordsErrorStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/busy", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server at capacity")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/busy", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(http.MethodGet, "/busy", "503")))
}

func TestHTTPMetrics_SkipsUpgrades(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusSwitchingProtocols) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	e.ServeHTTP(httptest.NewRecorder(), req)

	count, err := testutil.GatherAndCount(reg, "realtime_sync_http_requests_total")
	require.NoError(t, err)
	assert.Zero(t, count)
}
