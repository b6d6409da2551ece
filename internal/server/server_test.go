package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/timegraph/timegraph/internal/archive"
	"github.com/timegraph/timegraph/internal/cache"
	"github.com/timegraph/timegraph/internal/export"
	"github.com/timegraph/timegraph/internal/metric"
	"github.com/timegraph/timegraph/internal/queue"
	"github.com/timegraph/timegraph/internal/registry"
	"github.com/timegraph/timegraph/internal/render"
)

type stubRenderer struct {
	fail bool
}

func (r *stubRenderer) Render(_ context.Context, _ []render.Directive) ([]byte, error) {
	if r.fail {
		return nil, context.DeadlineExceeded
	}
	return []byte("PNG"), nil
}

type harness struct {
	router   *gin.Engine
	registry *registry.Registry
	cache    *cache.Cache
	store    *archive.Store
	renderer *stubRenderer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	store := archive.NewStore(filepath.Join(dir, "db"), 10, 100)
	c := cache.New(cache.NewMapTransport(), store, "timegraph")
	renderer := &stubRenderer{}

	srv := New(Options{
		Registry: reg,
		Cache:    c,
		Queues:   queue.NewSet(c, 100),
		Exports:  export.NewEngine(store),
		Builder:  render.NewBuilder(store, c),
		Renderer: renderer,
	})
	return &harness{
		router:   srv.Router(),
		registry: reg,
		cache:    c,
		store:    store,
		renderer: renderer,
	}
}

func (h *harness) putMetric(t *testing.T, m *metric.Metric) {
	t.Helper()
	if err := h.registry.Put(context.Background(), m); err != nil {
		t.Fatalf("put metric: %v", err)
	}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestServer_LatestAndSum(t *testing.T) {
	h := newHarness(t)
	h.putMetric(t, &metric.Metric{Parameter: "load", Kind: metric.KindFloat})

	m, _ := h.registry.Get(context.Background(), "load")
	err := h.cache.SetLatest(context.Background(), m,
		metric.Entity{Type: "dev", Key: "a"}, metric.FloatValue(2.5))
	if err != nil {
		t.Fatal(err)
	}

	w := h.do(http.MethodGet, "/api/metrics/load/latest?type=dev&key=a&key=b", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body)
	}
	var resp struct {
		Values []interface{} `json:"values"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Values) != 2 || resp.Values[0] != "2.5" || resp.Values[1] != nil {
		t.Errorf("values=%v", resp.Values)
	}

	w = h.do(http.MethodGet, "/api/metrics/load/sum?type=dev&key=a&key=b", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"sum":2.5`) {
		t.Errorf("sum status=%d body=%s", w.Code, w.Body)
	}
}

func TestServer_UnknownMetricIs404(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/api/metrics/nope/latest?type=dev&key=a", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404", w.Code)
	}
}

func TestServer_MissingEntitiesIs400(t *testing.T) {
	h := newHarness(t)
	h.putMetric(t, &metric.Metric{Parameter: "load", Kind: metric.KindFloat})

	w := h.do(http.MethodGet, "/api/metrics/load/latest", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status=%d, want 400", w.Code)
	}
}

func TestServer_SamplesThenFlush(t *testing.T) {
	h := newHarness(t)
	h.putMetric(t, &metric.Metric{Parameter: "load", Kind: metric.KindFloat})

	w := h.do(http.MethodPost, "/api/metrics/load/samples",
		`[{"type":"dev","key":"a","value":"4.5"}]`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("samples status=%d body=%s", w.Code, w.Body)
	}

	w = h.do(http.MethodPost, "/api/metrics/load/flush", "")
	if w.Code != http.StatusOK {
		t.Fatalf("flush status=%d body=%s", w.Code, w.Body)
	}

	w = h.do(http.MethodGet, "/api/metrics/load/latest?type=dev&key=a", "")
	if !strings.Contains(w.Body.String(), "4.5") {
		t.Errorf("latest after flush: %s", w.Body)
	}
}

func TestServer_ExportNoDataIs404(t *testing.T) {
	h := newHarness(t)
	h.putMetric(t, &metric.Metric{Parameter: "load", Kind: metric.KindFloat})

	w := h.do(http.MethodGet,
		"/api/metrics/load/export?type=dev&key=a&start=0&end=100", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404", w.Code)
	}
}

func TestServer_ExportSetAllOrNothing(t *testing.T) {
	h := newHarness(t)
	h.putMetric(t, &metric.Metric{Parameter: "present", Kind: metric.KindFloat, Archived: true})
	h.putMetric(t, &metric.Metric{Parameter: "absent", Kind: metric.KindFloat})

	// Write one archived sample so "present" has an archive.
	m, _ := h.registry.Get(context.Background(), "present")
	err := h.cache.SetLatest(context.Background(), m,
		metric.Entity{Type: "dev", Key: "a"}, metric.FloatValue(1))
	if err != nil {
		t.Fatal(err)
	}

	body := `{
		"labels": [
			{"label": "Present", "parameter": "present"},
			{"label": "Absent", "parameter": "absent"}
		],
		"entities": [{"type": "dev", "key": "a"}],
		"start": 0, "end": 100
	}`
	w := h.do(http.MethodPost, "/api/export", body)
	if w.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404 for all-or-nothing export", w.Code)
	}
}

func TestServer_GraphRendering(t *testing.T) {
	h := newHarness(t)
	h.putMetric(t, &metric.Metric{Parameter: "load", Kind: metric.KindFloat, Archived: true})

	if err := h.registry.PutGraph(context.Background(),
		&registry.Graph{Slug: "sys", Title: "System", Kind: "line", Visible: true},
		[]string{"load"}); err != nil {
		t.Fatal(err)
	}

	// No archives yet: 404, never an empty image.
	w := h.do(http.MethodGet, "/graphs/sys/dev/a.png", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 before any samples", w.Code)
	}

	m, _ := h.registry.Get(context.Background(), "load")
	err := h.cache.SetLatest(context.Background(), m,
		metric.Entity{Type: "dev", Key: "a"}, metric.FloatValue(1))
	if err != nil {
		t.Fatal(err)
	}

	w = h.do(http.MethodGet, "/graphs/sys/dev/a.png", "")
	if w.Code != http.StatusOK || w.Body.String() != "PNG" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type=%q", ct)
	}

	h.renderer.fail = true
	w = h.do(http.MethodGet, "/graphs/sys/dev/a.png", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status=%d, want 502 on renderer failure", w.Code)
	}
}

func TestServer_ReportsNotConfigured(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/api/reports/labels", "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status=%d, want 501", w.Code)
	}
}
