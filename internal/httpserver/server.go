package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/errtally/internal/duckdb"
	"github.com/tinytelemetry/errtally/internal/enrich"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/pipeline"
)

// RunTrigger starts runs on demand and reports the last one.
type RunTrigger interface {
	Run(ctx context.Context) (pipeline.Summary, error)
	Last() (pipeline.Summary, bool)
}

// StatsSource reports inbox and table sizes.
type StatsSource interface {
	InboxStats(ctx context.Context) (duckdb.InboxStats, error)
	TableRowCounts(ctx context.Context) (map[string]int64, error)
}

// Deps are the collaborators behind the API. Groups is required; the
// endpoints of a nil optional dependency answer 404.
type Deps struct {
	Groups     model.GroupStore
	Runner     RunTrigger
	Stats      StatsSource
	Inbox      model.InboxWriter
	Gatherer   prometheus.Gatherer
	DigestLink string
}

// GroupView is one group table row as served by the API.
type GroupView struct {
	Position       int      `json:"position"`
	Category       string   `json:"category"`
	Pattern        string   `json:"pattern"`
	Addresses      []string `json:"addresses"`
	DiagnosticCode string   `json:"diagnostic_code"`
	ResolutionNote string   `json:"resolution_note"`
	OneDay         int      `json:"one_day"`
	SevenDay       int      `json:"seven_day"`
	ThirtyDay      int      `json:"thirty_day"`
	LastSeen       string   `json:"last_seen"`
	Status         string   `json:"status"`
}

// StatsView is the body of /api/stats.
type StatsView struct {
	Inbox     duckdb.InboxStats `json:"inbox"`
	RowCounts map[string]int64  `json:"row_counts"`
}

// Server provides an HTTP API over the group table and the run loop.
type Server struct {
	addr      string
	deps      Deps
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/groups", s.handleGroups)
	r.GET("/api/digest", s.handleDigest)
	r.GET("/api/stats", s.handleStats)
	r.POST("/api/run", s.handleRun)
	r.POST("/api/inbox", s.handleInbox)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// POST /api/run holds the connection for a whole run.
		WriteTimeout: 10 * time.Minute,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the listen address, resolved once started.
func (s *Server) Addr() string {
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.deps.Runner != nil {
		if last, ok := s.deps.Runner.Last(); ok {
			body["last_run"] = last
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) readTable(c *gin.Context) ([][]string, bool) {
	rows, err := s.deps.Groups.ReadAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read group table"})
		return nil, false
	}
	if len(rows) > 0 {
		if err := model.ValidateGroupHeader(rows[0]); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return nil, false
		}
	}
	return rows, true
}

func (s *Server) handleGroups(c *gin.Context) {
	rows, ok := s.readTable(c)
	if !ok {
		return
	}
	status := strings.TrimSpace(c.Query("status"))
	category := strings.TrimSpace(c.Query("category"))

	groups := make([]GroupView, 0, len(rows))
	for i := 1; i < len(rows); i++ {
		rec, err := model.ParseGroupRow(rows[i])
		if err != nil {
			continue
		}
		if status != "" && !strings.EqualFold(strings.TrimSpace(rec.Status), status) {
			continue
		}
		if category != "" && !strings.EqualFold(rec.Category, category) {
			continue
		}
		groups = append(groups, viewOf(i, rec))
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

func viewOf(position int, rec model.GroupRecord) GroupView {
	v := GroupView{
		Position:       position,
		Category:       rec.Category,
		Pattern:        rec.Pattern,
		Addresses:      rec.Addresses,
		DiagnosticCode: rec.DiagnosticCode,
		ResolutionNote: rec.ResolutionNote,
		OneDay:         rec.Counts.OneDay,
		SevenDay:       rec.Counts.SevenDay,
		ThirtyDay:      rec.Counts.ThirtyDay,
		Status:         rec.Status,
	}
	if v.Addresses == nil {
		v.Addresses = []string{}
	}
	if !rec.LastSeen.IsZero() {
		v.LastSeen = rec.LastSeen.UTC().Format(model.LastSeenLayout)
	}
	return v
}

func (s *Server) handleDigest(c *gin.Context) {
	rows, ok := s.readTable(c)
	if !ok {
		return
	}
	d, err := enrich.BuildDigest(rows, time.Now(), s.deps.DigestLink)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"digest": d, "text": d.Text()})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.deps.Stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stats are not available for this store"})
		return
	}
	ctx := c.Request.Context()
	inbox, err := s.deps.Stats.InboxStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read inbox stats"})
		return
	}
	counts, err := s.deps.Stats.TableRowCounts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}
	c.JSON(http.StatusOK, StatsView{Inbox: inbox, RowCounts: counts})
}

func (s *Server) handleRun(c *gin.Context) {
	if s.deps.Runner == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "runs are not enabled"})
		return
	}
	sum, err := s.deps.Runner.Run(c.Request.Context())
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "run_id": sum.RunID})
	default:
		c.JSON(http.StatusOK, sum)
	}
}

func (s *Server) handleInbox(c *gin.Context) {
	if s.deps.Inbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "inbox is not enabled"})
		return
	}
	var req struct {
		Messages []string `json:"messages" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing messages field"})
		return
	}
	entries := make([]model.RawLogEntry, 0, len(req.Messages))
	now := time.Now().UTC()
	for _, m := range req.Messages {
		if strings.TrimSpace(m) == "" {
			continue
		}
		entries = append(entries, model.RawLogEntry{Timestamp: now, Text: m})
	}
	if err := s.deps.Inbox.AppendInbox(c.Request.Context(), entries); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue messages"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(entries)})
}
