package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "conversator.http.request.duration")
	if met == nil {
		t.Fatal("http.request.duration metric not found")
	}
	hd, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hd.DataPoints) == 0 {
		t.Fatal("no histogram data points recorded")
	}

	dp := hd.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("path")); !ok || v.AsString() != "/api/tasks" {
		t.Errorf("path attribute = %v", dp.Attributes)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("method")); !ok || v.AsString() != http.MethodGet {
		t.Errorf("method attribute = %v", dp.Attributes)
	}
}

func TestMiddleware_PassesBodyThrough(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("default status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}
