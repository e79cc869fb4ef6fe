package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCounter_Increments(t *testing.T) {
	tp := NewProvider()
	c := tp.Counter("reconciler_fallback_clinic_total")
	c.Inc()
	c.Inc()
	tp.Inc("reconciler_fallback_clinic_total")

	if got := tp.CounterValue("reconciler_fallback_clinic_total"); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestCounter_LabelsAreSeparateSeries(t *testing.T) {
	tp := NewProvider()
	tp.Inc("messages_processed_total", "stream", "exam.image-uploaded", "outcome", "ok")
	tp.Inc("messages_processed_total", "stream", "exam.image-uploaded", "outcome", "error")
	tp.Inc("messages_processed_total", "stream", "exam.image-uploaded", "outcome", "ok")

	if got := tp.CounterValue("messages_processed_total", "stream", "exam.image-uploaded", "outcome", "ok"); got != 2 {
		t.Errorf("expected ok=2, got %d", got)
	}
	if got := tp.CounterValue("messages_processed_total", "stream", "exam.image-uploaded", "outcome", "error"); got != 1 {
		t.Errorf("expected error=1, got %d", got)
	}
}

func TestRenderLabels(t *testing.T) {
	if got := renderLabels([]string{"a", "1", "b", "2"}); got != `a="1",b="2"` {
		t.Errorf("unexpected labels: %s", got)
	}
	if got := renderLabels([]string{"dangling"}); got != "" {
		t.Errorf("expected dangling key to be dropped, got %s", got)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	tp := NewProvider()
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/api/v1/examinations/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/examinations/123", nil))

	h := tp.requestHistogram(http.MethodGet, "/api/v1/examinations/:id", "200")
	if h.Count() != 1 {
		t.Fatalf("expected one observation under the route pattern, got %d", h.Count())
	}
}

func TestMetricsMiddleware_ErrorStatus(t *testing.T) {
	tp := NewProvider()
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.PUT("/verify", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "already verified")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/verify", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 response, got %d", rec.Code)
	}
	if h := tp.requestHistogram(http.MethodPut, "/verify", "409"); h.Count() != 1 {
		t.Fatalf("expected observation labeled 409, got %d", h.Count())
	}
}

func TestMetricsMiddleware_ActiveRequests(t *testing.T) {
	tp := NewProvider()
	observed := make(chan int64, 1)

	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/slow", func(c echo.Context) error {
		observed <- tp.GaugeValue("http_server_active_requests")
		return c.NoContent(http.StatusOK)
	})
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	if v := <-observed; v != 1 {
		t.Fatalf("expected 1 active request during handling, got %d", v)
	}
	if v := tp.GaugeValue("http_server_active_requests"); v != 0 {
		t.Fatalf("expected 0 active requests afterwards, got %d", v)
	}
}

func TestPrometheusHandler_ValidFormat(t *testing.T) {
	tp := NewProvider()
	tp.Describe("reconciler_fallback_clinic_total", "Examinations assigned the fallback clinic.")
	tp.Inc("reconciler_fallback_clinic_total")
	tp.SetGauge("db_pool_idle_connections", 4)

	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	e.GET("/metrics", tp.PrometheusHandler())
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# HELP reconciler_fallback_clinic_total Examinations assigned the fallback clinic.",
		"# TYPE reconciler_fallback_clinic_total counter",
		"reconciler_fallback_clinic_total 1",
		"# TYPE db_pool_idle_connections gauge",
		"db_pool_idle_connections 4",
		`http_server_request_duration_seconds_bucket{method="GET",route="/ping",status_code="200",le="+Inf"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, body:\n%s", want, body)
		}
	}
}

func TestHistogram_Observation(t *testing.T) {
	h := newHistogram(defaultDurationBuckets)
	h.Observe(0.005)
	h.Observe(0.015)
	h.Observe(3.0)
	h.Observe(60)

	if h.Count() != 4 {
		t.Fatalf("expected count=4, got %d", h.Count())
	}
	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 || cum[8] != 3 || cum[9] != 3 {
		t.Fatalf("unexpected cumulative buckets: %v", cum)
	}
}

func TestMetrics_ConcurrentSafe(t *testing.T) {
	tp := NewProvider()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tp.Inc("messages_processed_total", "outcome", "ok")
			}
		}()
	}
	wg.Wait()
	if got := tp.CounterValue("messages_processed_total", "outcome", "ok"); got != 5000 {
		t.Fatalf("expected 5000, got %d", got)
	}
}
