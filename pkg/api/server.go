// Admin and status REST API for the karst validator
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/config"
	"github.com/karstchain/karst/pkg/journal"
)

// Prometheus metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karst_http_requests_total",
			Help: "Total HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "karst_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	blockSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karst_block_submissions_total",
			Help: "Total block submissions by result",
		},
		[]string{"result"}, // result: accepted, rejected_syntax, rejected_rate
	)
)

// Server is the admin/status REST server wrapped around the validation
// engine.
type Server struct {
	cfg         config.APIConfig
	log         *logger.Logger
	engine      *journal.BlockValidator
	cache       journal.BlockCache
	onValidated journal.CompletionCallback
	hub         *WSHub
	limiter     *submitLimiter
	router      *gin.Engine
	httpServer  *http.Server
}

// NewServer creates the API server. onValidated is passed through to the
// engine as the completion callback for blocks submitted over the API.
func NewServer(
	cfg config.APIConfig,
	engine *journal.BlockValidator,
	cache journal.BlockCache,
	onValidated journal.CompletionCallback,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.TrustedProxies) > 0 {
		router.SetTrustedProxies(cfg.TrustedProxies)
	}

	hub := NewWSHub(log)
	go hub.Run()

	s := &Server{
		cfg:         cfg,
		log:         log,
		engine:      engine,
		cache:       cache,
		onValidated: onValidated,
		hub:         hub,
		limiter:     newSubmitLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		router:      router,
	}
	s.registerRoutes()
	return s
}

// Hub returns the websocket hub so the daemon can broadcast validation
// events from the engine callback.
func (s *Server) Hub() *WSHub {
	return s.hub
}

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/v1")
	v1.GET("/status", s.instrument("status", s.handleStatus))
	v1.GET("/blocks/:id/validation", s.instrument("block_validation", s.handleBlockValidation))
	v1.POST("/blocks", s.instrument("submit_blocks", s.handleSubmitBlocks))
	if s.cfg.EnableEventWS {
		v1.GET("/ws", s.handleWebSocket)
	}
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(endpoint string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		handler(c)
		httpRequestDuration.WithLabelValues(endpoint, c.Request.Method).
			Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(
			endpoint, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"blocks_processing": s.engine.ProcessingCount(),
		"blocks_pending":    s.engine.PendingCount(),
	})
}

func (s *Server) handleBlockValidation(c *gin.Context) {
	id := c.Param("id")

	response := gin.H{
		"block_id":   id,
		"in_process": s.engine.InProcess(id),
		"in_pending": s.engine.InPending(id),
	}
	if block, ok := s.cache.Get(id); ok {
		response["status"] = block.Status().String()
		response["block_num"] = block.BlockNum
	}
	c.JSON(http.StatusOK, response)
}

// blockPayload is the wire form of a candidate block.
type blockPayload struct {
	HeaderSignature string           `json:"header_signature" binding:"required"`
	PreviousBlockID string           `json:"previous_block_id" binding:"required"`
	BlockNum        uint64           `json:"block_num"`
	SignerPublicKey string           `json:"signer_public_key"`
	StateRootHash   string           `json:"state_root_hash" binding:"required"`
	Batches         []*journal.Batch `json:"batches"`
}

func (s *Server) handleSubmitBlocks(c *gin.Context) {
	if !s.limiter.Allow(c.ClientIP()) {
		blockSubmissionsTotal.WithLabelValues("rejected_rate").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "submission rate exceeded"})
		return
	}

	var payloads []blockPayload
	if err := c.ShouldBindJSON(&payloads); err != nil {
		blockSubmissionsTotal.WithLabelValues("rejected_syntax").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	blocks := make([]*journal.Block, 0, len(payloads))
	for _, p := range payloads {
		block := journal.NewBlock(
			p.HeaderSignature, p.PreviousBlockID, p.BlockNum,
			p.SignerPublicKey, p.StateRootHash, p.Batches)
		s.cache.Put(block)
		blocks = append(blocks, block)
	}

	s.engine.SubmitBlocksForVerification(blocks, s.onValidated)
	blockSubmissionsTotal.WithLabelValues("accepted").Add(float64(len(blocks)))

	s.log.WithField("count", len(blocks)).Debug("Accepted blocks for verification")
	c.JSON(http.StatusAccepted, gin.H{"submitted": len(blocks)})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
