package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newRouter mounts h on a mux router behind [Middleware].
func newRouter(m *Metrics, path string, h http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(path, h)
	r.Use(Middleware(m))
	return r
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// httpDataPoint returns the single HTTP duration data point.
func httpDataPoint(t *testing.T, rm metricdata.ResourceMetrics) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, "pinyin.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("want one histogram data point, got %+v", met.Data)
	}
	return hist.DataPoints[0]
}

func spanNamed(t *testing.T, exp *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range exp.GetSpans() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no span named %q in %d spans", name, len(exp.GetSpans()))
	return tracetest.SpanStub{}
}

func TestMiddleware_RouteTemplate(t *testing.T) {
	exp := installTracer(t)
	m, reader := newTestMetrics(t)

	var seen string
	h := newRouter(m, "/api/segments/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})
	rec := serve(h, http.MethodPost, "/api/segments/42", nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == "" || rec.Header().Get(TraceHeader) != seen {
		t.Errorf("%s = %q, handler saw %q", TraceHeader, rec.Header().Get(TraceHeader), seen)
	}

	span := spanNamed(t, exp, "POST /api/segments/{id}")
	var route string
	var code int64
	for _, kv := range span.Attributes {
		switch kv.Key {
		case "http.route":
			route = kv.Value.AsString()
		case "http.response.status_code":
			code = kv.Value.AsInt64()
		}
	}
	if route != "/api/segments/{id}" || code != http.StatusAccepted {
		t.Errorf("span http.route = %q, status = %d", route, code)
	}

	dp := httpDataPoint(t, collect(t, reader))
	if dp.Count != 1 {
		t.Errorf("count = %d, want 1", dp.Count)
	}
	if v, ok := dp.Attributes.Value("route"); !ok || v.AsString() != "/api/segments/{id}" {
		t.Errorf("route attribute = %v", v.Emit())
	}
	if v, ok := dp.Attributes.Value("status"); !ok || v.AsInt64() != http.StatusAccepted {
		t.Errorf("status attribute = %v", v.Emit())
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	exp := installTracer(t)
	m, _ := newTestMetrics(t)

	h := newRouter(m, "/api/status", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})
	serve(h, http.MethodGet, "/api/status", nil)

	span := spanNamed(t, exp, "GET /api/status")
	if span.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", span.Status.Code)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	installTracer(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := newRouter(m, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		seen = TraceID(r.Context())
	})
	rec := serve(h, http.MethodGet, "/healthz", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if seen != traceID {
		t.Errorf("handler trace ID = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get(TraceHeader); got != traceID {
		t.Errorf("%s = %q, want %q", TraceHeader, got, traceID)
	}
}

func TestMiddleware_WithoutRouter(t *testing.T) {
	installTracer(t)
	m, reader := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	serve(h, http.MethodGet, "/plain", nil)

	dp := httpDataPoint(t, collect(t, reader))
	if v, _ := dp.Attributes.Value("route"); v.AsString() != "/plain" {
		t.Errorf("route attribute = %q, want /plain", v.AsString())
	}
}

func TestMiddleware_ExposesUnderlyingWriter(t *testing.T) {
	installTracer(t)
	m, _ := newTestMetrics(t)

	var flushErr error
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		flushErr = http.NewResponseController(w).Flush()
	}))
	rec := serve(h, http.MethodGet, "/ws", nil)

	if flushErr != nil {
		t.Errorf("Flush() through middleware: %v", flushErr)
	}
	if !rec.Flushed {
		t.Error("underlying recorder was not flushed")
	}
}
