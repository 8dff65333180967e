// Package ops exposes a small operator-only introspection surface: health
// probes, queue depths, live batch ledgers and the flagged-items view.
// It carries no ingestion API; producers talk to the queue, not to HTTP.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"soundline/internal/ledger"
	"soundline/internal/queue"
	"soundline/internal/store"

	"github.com/gin-gonic/gin"
)

// BlobHealth is the sliver of the blob store the health probe needs.
type BlobHealth interface {
	CheckConnection(ctx context.Context) error
}

// Server wraps the operator HTTP server
type Server struct {
	httpServer *http.Server
	queue      *queue.Queue
	ledger     *ledger.Ledger
	store      *store.Store
	blob       BlobHealth
}

// NewServer creates the ops server. store and blob may be nil on workers
// that do not hold those connections; the related endpoints then report
// them as absent.
func NewServer(port int, q *queue.Queue, l *ledger.Ledger, st *store.Store, blob BlobHealth) *Server {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		queue:  q,
		ledger: l,
		store:  st,
		blob:   blob,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/queues", s.handleQueues)
	router.GET("/batches", s.handleBatches)
	router.GET("/failed", s.handleFailed)
	router.GET("/flagged", s.handleFlagged)
	router.GET("/stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start serves until Shutdown. Intended to run in its own goroutine next
// to the worker loop.
func (s *Server) Start() error {
	slog.Info("Starting ops server", "address", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	if _, err := s.queue.Length(ctx, queue.UnpackQueue); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	} else {
		checks["queue"] = "ok"
	}

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if s.blob != nil {
		if err := s.blob.CheckConnection(ctx); err != nil {
			checks["blob"] = err.Error()
			healthy = false
		} else {
			checks["blob"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": checks})
}

func (s *Server) handleQueues(c *gin.Context) {
	ctx := c.Request.Context()
	depths := gin.H{}
	for _, name := range []string{queue.UnpackQueue, queue.TranscribeQueue, queue.FailedQueue} {
		length, err := s.queue.Length(ctx, name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		depths[name] = length
	}
	c.JSON(http.StatusOK, depths)
}

func (s *Server) handleBatches(c *gin.Context) {
	batches, err := s.ledger.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (s *Server) handleFailed(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 20)
	entries, err := s.queue.PeekFailed(c.Request.Context(), int64(limit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed": entries})
}

func (s *Server) handleFlagged(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no database on this worker"})
		return
	}

	limit := parseLimit(c.Query("limit"), 100)
	items, err := s.store.PendingFlagged(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flagged": items})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no database on this worker"})
		return
	}

	stats, err := s.store.ProcessingStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}
