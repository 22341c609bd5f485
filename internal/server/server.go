// Package server exposes the search index and sync state over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailvault/internal/auth"
	"github.com/Martian-dev/mailvault/internal/checkpoint"
	"github.com/Martian-dev/mailvault/internal/index"
	"github.com/Martian-dev/mailvault/internal/storage"
)

// RunningSyncs reports the accounts a sync is currently working on
type RunningSyncs interface {
	GetRunningSyncs() []string
}

// Server serves the read-only API
type Server struct {
	Index       *index.Store
	Checkpoints *checkpoint.Store
	// Archive serves raw artifacts; nil disables ?raw=true
	Archive storage.Store
	// Verifier guards /api; nil leaves it open
	Verifier *auth.Verifier
	Running  RunningSyncs
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.health)

	api := r.Group("/api")
	if s.Verifier != nil {
		api.Use(s.Verifier.Middleware())
	}
	api.GET("/search", s.search)
	api.GET("/stats", s.stats)
	api.GET("/runs", s.runs)
	api.GET("/accounts", s.accounts)
	api.GET("/accounts/:account/checkpoint", s.checkpoint)
	api.GET("/messages/:account/:id", s.message)
	return r
}

// ListenAndServe runs the API on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Microsecond).String(),
		}).Debug("request")
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.Verifier != nil {
		body["jwks"] = s.Verifier.Stats()
	}
	c.JSON(http.StatusOK, body)
}

type searchParams struct {
	Q           string    `form:"q"`
	Account     string    `form:"account"`
	Sender      string    `form:"sender"`
	Subject     string    `form:"subject"`
	From        time.Time `form:"from" time_format:"2006-01-02" time_utc:"1"`
	To          time.Time `form:"to" time_format:"2006-01-02" time_utc:"1"`
	Attachments *bool     `form:"attachments"`
	Limit       int       `form:"limit" binding:"gte=0,lte=1000"`
	Offset      int       `form:"offset" binding:"gte=0"`
}

func (s *Server) search(c *gin.Context) {
	var p searchParams
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := s.Index.Search(c.Request.Context(), index.Query{
		Text:           p.Q,
		Account:        p.Account,
		Sender:         p.Sender,
		Subject:        p.Subject,
		From:           p.From,
		To:             p.To,
		HasAttachments: p.Attachments,
		Limit:          p.Limit,
		Offset:         p.Offset,
	})
	if err != nil {
		log.Errorf("search failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	if records == nil {
		records = []index.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "results": records})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.Index.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) runs(c *gin.Context) {
	runs, err := s.Checkpoints.RecentRuns(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []checkpoint.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

type accountStatus struct {
	*checkpoint.Checkpoint
	Running bool `json:"running"`
}

func (s *Server) accounts(c *gin.Context) {
	cps, err := s.Checkpoints.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	running := map[string]bool{}
	if s.Running != nil {
		for _, a := range s.Running.GetRunningSyncs() {
			running[a] = true
		}
	}
	out := make([]accountStatus, 0, len(cps))
	for _, cp := range cps {
		out = append(out, accountStatus{Checkpoint: cp, Running: running[cp.Account]})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) checkpoint(c *gin.Context) {
	account := c.Param("account")
	cp, err := s.Checkpoints.Load(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	failures, err := s.Checkpoints.Failures(c.Request.Context(), account, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if failures == nil {
		failures = []checkpoint.Failure{}
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": cp, "failures": failures})
}

// message returns the index record of one message, or with ?raw=true the
// archived artifact itself. Raw download also works for messages archived
// while indexing was off, through the checkpoint store's processed paths.
func (s *Server) message(c *gin.Context) {
	ctx := c.Request.Context()
	account, id := c.Param("account"), c.Param("id")
	raw := c.Query("raw") == "true"

	rec, err := s.Index.Get(ctx, account, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !raw {
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not indexed"})
			return
		}
		c.JSON(http.StatusOK, rec)
		return
	}
	if s.Archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "archive access is not configured"})
		return
	}

	var path string
	if rec != nil {
		path = rec.Path
	} else {
		p, ok, err := s.Checkpoints.ProcessedPath(ctx, strings.ToLower(account), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not archived"})
			return
		}
		path = p
	}

	data, err := s.Archive.Get(ctx, path)
	switch {
	case storage.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact missing from archive"})
	case err != nil:
		log.Errorf("failed to read %s: %v", path, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "archive read failed"})
	default:
		c.Data(http.StatusOK, "message/rfc822", data)
	}
}
