// Package server exposes the HTTP boundary: metric reads and writes,
// exports, graph rendering, and snapshot reports.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timegraph/timegraph/internal/cache"
	"github.com/timegraph/timegraph/internal/errors"
	"github.com/timegraph/timegraph/internal/export"
	"github.com/timegraph/timegraph/internal/logging"
	"github.com/timegraph/timegraph/internal/metric"
	"github.com/timegraph/timegraph/internal/queue"
	"github.com/timegraph/timegraph/internal/registry"
	"github.com/timegraph/timegraph/internal/render"
	"github.com/timegraph/timegraph/internal/report"
)

// Server wires the HTTP routes to the domain components. Optional
// collaborators (renderer, reports) may be nil; their routes then
// answer 501.
type Server struct {
	registry *registry.Registry
	cache    *cache.Cache
	queues   *queue.Set
	exports  *export.Engine
	builder  *render.Builder
	renderer render.Renderer
	reports  *report.Service
	snapDir  string

	log *slog.Logger
}

// Options collects the server's collaborators.
type Options struct {
	Registry *registry.Registry
	Cache    *cache.Cache
	Queues   *queue.Set
	Exports  *export.Engine
	Builder  *render.Builder
	Renderer render.Renderer
	Reports  *report.Service
	SnapDir  string
}

// New creates a server.
func New(opts Options) *Server {
	return &Server{
		registry: opts.Registry,
		cache:    opts.Cache,
		queues:   opts.Queues,
		exports:  opts.Exports,
		builder:  opts.Builder,
		renderer: opts.Renderer,
		reports:  opts.Reports,
		snapDir:  opts.SnapDir,
		log:      logging.Component("server"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/metrics/:parameter/latest", s.handleLatest)
		api.GET("/metrics/:parameter/sum", s.handleSum)
		api.POST("/metrics/:parameter/samples", s.handleSamples)
		api.POST("/metrics/:parameter/flush", s.handleFlush)
		api.GET("/metrics/:parameter/export", s.handleExport)
		api.GET("/metrics/:parameter/total", s.handleMetricTotal)
		api.POST("/export", s.handleExportSet)

		api.GET("/reports/labels", s.handleLabelStats)
		api.POST("/reports/query", s.handleQuery)
		api.POST("/reports/snapshot", s.handleSnapshot)
	}

	r.GET("/graphs/:slug/:type/:key", s.handleGraph)
	return r
}

// entitiesFromQuery reads the ?type=X&key=a&key=b entity list.
func entitiesFromQuery(c *gin.Context) ([]metric.Entity, error) {
	entityType := c.Query("type")
	keys := c.QueryArray("key")
	if entityType == "" || len(keys) == 0 {
		return nil, errors.NewInvalidInput("entities", "type and at least one key required")
	}
	out := make([]metric.Entity, len(keys))
	for i, k := range keys {
		out[i] = metric.Entity{Type: entityType, Key: k}
	}
	return out, nil
}

func (s *Server) metricFor(c *gin.Context) (*metric.Metric, bool) {
	m, err := s.registry.Get(c.Request.Context(), c.Param("parameter"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return m, true
}

func (s *Server) handleLatest(c *gin.Context) {
	m, ok := s.metricFor(c)
	if !ok {
		return
	}
	entities, err := entitiesFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	strict := c.Query("strict") == "1"

	values, err := s.cache.GetLatestMany(c.Request.Context(), m, entities, strict)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]interface{}, len(values))
	for i, v := range values {
		if v.IsNull() {
			out[i] = nil
		} else {
			out[i] = v.Encode()
		}
	}
	c.JSON(http.StatusOK, gin.H{"parameter": m.Parameter, "values": out})
}

func (s *Server) handleSum(c *gin.Context) {
	m, ok := s.metricFor(c)
	if !ok {
		return
	}
	entities, err := entitiesFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	sum, err := s.cache.Sum(c.Request.Context(), m, entities)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameter": m.Parameter, "sum": sum})
}

type sampleRequest struct {
	Type  string `json:"type" binding:"required"`
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

func (s *Server) handleSamples(c *gin.Context) {
	m, ok := s.metricFor(c)
	if !ok {
		return
	}
	var body []sampleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.NewInvalidInput("body", err.Error()))
		return
	}

	q := s.queues.For(m)
	for _, sample := range body {
		e := metric.Entity{Type: sample.Type, Key: sample.Key}
		v := metric.Decode(sample.Value, m.Kind, false)
		if err := q.Enqueue(c.Request.Context(), e, v); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": len(body), "pending": q.Len()})
}

func (s *Server) handleFlush(c *gin.Context) {
	m, ok := s.metricFor(c)
	if !ok {
		return
	}
	if err := s.queues.For(m).Flush(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}

// exportOptions reads the shared export query parameters.
func exportOptions(c *gin.Context) (export.Options, error) {
	var opts export.Options
	var err error

	opts.Start, err = strconv.ParseInt(c.DefaultQuery("start", "0"), 10, 64)
	if err != nil {
		return opts, errors.NewInvalidInput("start", c.Query("start"))
	}
	end := c.Query("end")
	if end == "" {
		opts.End = time.Now().Unix()
	} else if opts.End, err = strconv.ParseInt(end, 10, 64); err != nil {
		return opts, errors.NewInvalidInput("end", end)
	}
	if step := c.Query("step"); step != "" {
		if opts.Step, err = strconv.ParseInt(step, 10, 64); err != nil {
			return opts, errors.NewInvalidInput("step", step)
		}
	}
	if opts.Op, err = export.ParseOp(c.Query("op")); err != nil {
		return opts, err
	}
	opts.Unknown = c.Query("unknown")
	return opts, nil
}

func (s *Server) handleExport(c *gin.Context) {
	m, ok := s.metricFor(c)
	if !ok {
		return
	}
	entities, err := entitiesFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	opts, err := exportOptions(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	frame, err := s.exports.Export(c.Request.Context(), m, entities, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, frame)
}

type exportSetRequest struct {
	Labels []struct {
		Label     string `json:"label" binding:"required"`
		Parameter string `json:"parameter" binding:"required"`
	} `json:"labels" binding:"required"`
	Entities []struct {
		Type string `json:"type" binding:"required"`
		Key  string `json:"key" binding:"required"`
	} `json:"entities" binding:"required"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Step    int64  `json:"step"`
	Op      string `json:"op"`
	Unknown string `json:"unknown"`
}

func (s *Server) exportSetFromBody(c *gin.Context) (*export.Frame, error) {
	var body exportSetRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, errors.NewInvalidInput("body", err.Error())
	}

	op, err := export.ParseOp(body.Op)
	if err != nil {
		return nil, err
	}
	opts := export.Options{
		Start:   body.Start,
		End:     body.End,
		Step:    body.Step,
		Op:      op,
		Unknown: body.Unknown,
	}
	if opts.End == 0 {
		opts.End = time.Now().Unix()
	}

	labels := make([]export.Labeled, len(body.Labels))
	for i, l := range body.Labels {
		m, err := s.registry.Get(c.Request.Context(), l.Parameter)
		if err != nil {
			return nil, err
		}
		labels[i] = export.Labeled{Label: l.Label, Metric: m}
	}
	entities := make([]metric.Entity, len(body.Entities))
	for i, e := range body.Entities {
		entities[i] = metric.Entity{Type: e.Type, Key: e.Key}
	}

	return s.exports.ExportSet(c.Request.Context(), labels, entities, opts)
}

func (s *Server) handleExportSet(c *gin.Context) {
	frame, err := s.exportSetFromBody(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("summary") == "1" {
		c.JSON(http.StatusOK, gin.H{"frame": frame, "summary": export.Summarize(frame)})
		return
	}
	c.JSON(http.StatusOK, frame)
}

func (s *Server) handleGraph(c *gin.Context) {
	if s.renderer == nil || s.builder == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "rendering not configured"})
		return
	}
	key := strings.TrimSuffix(c.Param("key"), ".png")
	e := metric.Entity{Type: c.Param("type"), Key: key}

	ctx := c.Request.Context()
	g, err := s.registry.GetGraph(ctx, c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics, err := s.registry.GraphMetrics(ctx, g.Slug)
	if err != nil {
		s.fail(c, err)
		return
	}

	directives, err := s.builder.BuildGraph(ctx, g, metrics, e)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.renderPNG(c, directives)
}

func (s *Server) handleMetricTotal(c *gin.Context) {
	if s.renderer == nil || s.builder == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "rendering not configured"})
		return
	}
	m, ok := s.metricFor(c)
	if !ok {
		return
	}
	entities, err := entitiesFromQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	directives, err := s.builder.BuildMetricTotal(c.Request.Context(), m, entities)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.renderPNG(c, directives)
}

func (s *Server) renderPNG(c *gin.Context, directives []render.Directive) {
	img, err := s.renderer.Render(c.Request.Context(), directives)
	if err != nil {
		s.fail(c, errors.Wrapf(errors.ErrRendererFailed, "%v", err))
		return
	}
	c.Data(http.StatusOK, "image/png", img)
}

func (s *Server) handleLabelStats(c *gin.Context) {
	if s.reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reporting not configured"})
		return
	}
	stats, err := s.reports.LabelStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"labels": stats})
}

type queryRequest struct {
	SQL string `json:"sql" binding:"required"`
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reporting not configured"})
		return
	}
	var body queryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.NewInvalidInput("body", err.Error()))
		return
	}
	cols, rows, err := s.reports.QuerySQL(c.Request.Context(), body.SQL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"columns": cols, "rows": rows})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	if s.snapDir == "" {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reporting not configured"})
		return
	}
	frame, err := s.exportSetFromBody(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	path := filepath.Join(s.snapDir,
		"snapshot-"+strconv.FormatInt(time.Now().Unix(), 10)+".parquet")
	count, err := report.WriteSnapshot(path, frame)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": path, "rows": count})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrRendererFailed):
		status = http.StatusBadGateway
	case errors.Is(err, errors.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{Addr: listen, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
