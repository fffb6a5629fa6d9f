// Package gateway exposes the HTTP surface: job submission and status,
// cancellation, the WebSocket delivery endpoint, and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/conduit/internal/hub"
	"github.com/yourorg/conduit/internal/metrics"
	"github.com/yourorg/conduit/internal/queue"
	"github.com/yourorg/conduit/internal/store"
	"github.com/yourorg/conduit/pkg/types"
)

// MaxUploadBytes caps a single submission payload at 10MB.
const MaxUploadBytes = 10 << 20

// allowedTypes is the accepted payload content-type whitelist.
var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"application/pdf": true,
}

// Config is the gateway's typed configuration.
type Config struct {
	Addr              string `yaml:"addr"`
	MaxActivePerOwner int    `yaml:"max_active_per_owner"`
	DefaultMaxRetries int    `yaml:"default_max_retries"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxActivePerOwner <= 0 {
		c.MaxActivePerOwner = 10
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
}

// Gateway wires the HTTP routes to the store, queue, and delivery hub.
type Gateway struct {
	cfg      Config
	store    *store.Store
	queue    *queue.Queue
	pool     *hub.Pool
	reg      *prometheus.Registry
	m        *metrics.Pipeline
	log      *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader

	srv *http.Server
}

// New builds a gateway. pool and metrics may be nil (routes degrade
// accordingly).
func New(cfg Config, st *store.Store, q *queue.Queue, pool *hub.Pool,
	reg *prometheus.Registry, m *metrics.Pipeline, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:      cfg,
		store:    st,
		queue:    q,
		pool:     pool,
		reg:      reg,
		m:        m,
		log:      logger,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router assembles the gin engine. Exposed separately from Start so tests
// can drive it with httptest.
func (g *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api/v1")
	api.POST("/jobs", g.submitJob)
	api.GET("/jobs/:id", g.getJob)
	api.POST("/jobs/:id/cancel", g.cancelJob)

	r.GET("/ws", g.serveWS)
	r.GET("/healthz", g.healthz)
	if g.reg != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(g.reg)))
	}
	return r
}

// Start serves HTTP until Shutdown is called.
func (g *Gateway) Start() error {
	g.srv = &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.log.Info("gateway listening", "addr", g.cfg.Addr)
	if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

// submitRequest is the validated submission metadata.
type submitRequest struct {
	OwnerID    string `form:"owner_id" validate:"required,min=1,max=128"`
	MaxRetries int    `form:"max_retries" validate:"omitempty,min=0,max=10"`
	Metadata   string `form:"metadata" validate:"omitempty,json"`
}

// submitJob accepts a payload, validates it, persists the job as queued,
// enqueues it for the workers, and answers 202 immediately. Processing
// happens asynchronously; the caller tracks it by job_id.
func (g *Gateway) submitJob(c *gin.Context) {
	// The cap must wrap the body before anything parses it, or an
	// oversized upload would be buffered whole.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)

	payload, contentType, err := g.readPayload(c)
	if err != nil {
		if isBodyTooLarge(err) {
			g.abortError(c, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("payload exceeds %d bytes", MaxUploadBytes))
			return
		}
		g.abortError(c, http.StatusBadRequest, err.Error())
		return
	}

	var req submitRequest
	req.OwnerID = c.PostForm("owner_id")
	if req.OwnerID == "" {
		req.OwnerID = c.GetHeader("X-Owner-ID")
	}
	req.MaxRetries = g.cfg.DefaultMaxRetries
	if v := c.PostForm("max_retries"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &req.MaxRetries); err != nil {
			g.abortError(c, http.StatusBadRequest, "max_retries must be an integer")
			return
		}
	}
	req.Metadata = c.PostForm("metadata")

	if err := g.validate.Struct(&req); err != nil {
		g.abortError(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if !allowedTypes[contentType] {
		g.abortError(c, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported payload type %q", contentType))
		return
	}

	active, err := g.store.CountActive(c.Request.Context(), req.OwnerID)
	if err != nil {
		g.abortError(c, http.StatusInternalServerError, "failed to check active jobs")
		return
	}
	if active >= g.cfg.MaxActivePerOwner {
		g.abortError(c, http.StatusTooManyRequests,
			fmt.Sprintf("owner has %d active jobs (limit %d)", active, g.cfg.MaxActivePerOwner))
		return
	}

	job := &types.Job{
		ID:         types.JobID(uuid.NewString()),
		OwnerID:    req.OwnerID,
		Status:     types.StatusQueued,
		MaxRetries: req.MaxRetries,
		Payload:    payload,
	}
	if req.Metadata != "" {
		job.Metadata = json.RawMessage(req.Metadata)
	}

	if err := g.store.Create(c.Request.Context(), job); err != nil {
		g.abortError(c, http.StatusInternalServerError, "failed to persist job")
		return
	}
	if err := g.queue.Enqueue(c.Request.Context(), job.ID, job.OwnerID); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		// The row already exists but nothing will ever claim it; mark it
		// failed so it neither counts against the owner's cap nor sits in
		// queued forever.
		g.failUnqueuedJob(c.Request.Context(), job.ID, err)
		g.abortError(c, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	if g.m != nil {
		g.m.RecordSubmitted()
	}

	g.log.Info("job accepted", "jobID", job.ID, "owner", req.OwnerID,
		"bytes", len(payload), "contentType", contentType)
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"accepted": true,
		"status":   types.StatusQueued,
	})
}

// failUnqueuedJob compensates for an enqueue failure after the job row was
// created: the job moves to failed with the cause recorded, using the
// initial attempt token since no worker has ever touched it.
func (g *Gateway) failUnqueuedJob(ctx context.Context, id types.JobID, cause error) {
	st := types.StatusFailed
	msg := fmt.Sprintf("enqueue failed: %v", cause)
	if err := g.store.Update(ctx, id, 0, store.Patch{Status: &st, LastError: &msg}); err != nil {
		g.log.Error("failed to mark unqueued job failed", "jobID", id, "error", err)
	}
}

// readPayload pulls the payload bytes from either a multipart "file" part
// or the raw request body. The caller has already capped the body.
func (g *Gateway) readPayload(c *gin.Context) ([]byte, string, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.Request.ParseMultipartForm(MaxUploadBytes); err != nil {
			return nil, "", err
		}
	}

	if file, _, err := c.Request.FormFile("file"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", err
		}
		if len(data) == 0 {
			return nil, "", errors.New("empty payload")
		}
		return data, http.DetectContentType(data), nil
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty payload")
	}
	return data, http.DetectContentType(data), nil
}

// getJob reports a job's current status, progress, and result.
func (g *Gateway) getJob(c *gin.Context) {
	id := types.JobID(c.Param("id"))
	job, err := g.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.abortError(c, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		g.abortError(c, http.StatusInternalServerError, "failed to load job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":           job.ID,
		"status":           job.Status,
		"stage_index":      job.StageIndex,
		"progress_percent": job.ProgressPercent,
		"retry_count":      job.RetryCount,
		"last_error":       job.LastError,
		"result_ref":       job.ResultRef,
		"created_at":       job.CreatedAt,
		"updated_at":       job.UpdatedAt,
	})
}

// cancelJob flags a job for cooperative cancellation. The worker observes
// the flag at the next stage boundary; work inside the current stage runs
// to its end first.
func (g *Gateway) cancelJob(c *gin.Context) {
	id := types.JobID(c.Param("id"))
	ok, err := g.store.RequestCancel(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.abortError(c, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		g.abortError(c, http.StatusInternalServerError, "failed to request cancel")
		return
	}
	if !ok {
		g.abortError(c, http.StatusConflict, "job already finished")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "cancel_requested": true})
}

// serveWS upgrades the request and hands the socket to the delivery pool,
// which owns it from then on (reads, health checks, removal).
func (g *Gateway) serveWS(c *gin.Context) {
	if g.pool == nil {
		g.abortError(c, http.StatusServiceUnavailable, "delivery hub not running")
		return
	}
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}
	conn := g.pool.Adopt(ws, c.ClientIP())
	g.log.Info("websocket client adopted", "connID", conn.ID, "remote", c.ClientIP())
}

func (g *Gateway) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (g *Gateway) abortError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

// isBodyTooLarge recognizes the MaxBytesReader trip, which the multipart
// parser may surface without wrapping.
func isBodyTooLarge(err error) bool {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "request body too large")
}
