// Package api serves health probes, strategy snapshots, metrics and a websocket snapshot
// stream over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"perp-grid/internal/strategy"
)

const (
	defaultStaleAfter   = 300 * time.Second
	defaultPushInterval = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Source is the read model of the running manager.
type Source interface {
	Strategies() []strategy.Snapshot
	LastExecution() time.Time
}

type Options struct {
	// StaleAfter is how old the last completed cycle may be before /healthz fails.
	StaleAfter   time.Duration
	PushInterval time.Duration
	// Metrics serves /metrics when set.
	Metrics    http.Handler
	Mode       string
	InstanceID string
	// RequestsPerSec limits each client ip; zero disables limiting.
	RequestsPerSec float64
	Burst          int
	Now            func() time.Time
}

type Server struct {
	router    *gin.Engine
	src       Source
	opts      Options
	logger    *zap.Logger
	startedAt time.Time

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(src Source, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = defaultPushInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	s := &Server{
		router:    gin.New(),
		src:       src,
		opts:      opts,
		logger:    logger,
		startedAt: opts.Now(),
		limiters:  make(map[string]*rate.Limiter),
	}
	s.router.Use(gin.Recovery(), s.requestID(), s.requestLogger(), s.rateLimit())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/livez", s.livez)
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/strategies", s.strategies)
	s.router.GET("/ws", s.websocket)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http_listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) livez(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// healthz fails once no cycle completed within StaleAfter. Before the first cycle the
// process start time is the reference.
func (s *Server) healthz(c *gin.Context) {
	now := s.opts.Now()
	last := s.src.LastExecution()
	ref := last
	if ref.IsZero() {
		ref = s.startedAt
	}
	age := now.Sub(ref)
	healthy := age <= s.opts.StaleAfter
	body := gin.H{
		"status":         "ok",
		"mode":           s.opts.Mode,
		"instance_id":    s.opts.InstanceID,
		"age_sec":        int64(age.Seconds()),
		"stale_after":    int64(s.opts.StaleAfter.Seconds()),
		"uptime_sec":     int64(now.Sub(s.startedAt).Seconds()),
		"last_execution": nil,
	}
	if !last.IsZero() {
		body["last_execution"] = last.UTC().Format(time.RFC3339)
	}
	if !healthy {
		body["status"] = "stale"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) strategies(c *gin.Context) {
	snaps := s.src.Strategies()
	if snaps == nil {
		snaps = []strategy.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{
		"last_execution": s.src.LastExecution(),
		"strategies":     snaps,
	})
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http_request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.RequestsPerSec <= 0 {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if !s.limiter(ip).Allow() {
			s.logger.Warn("http_rate_limited", zap.String("client_ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) limiter(ip string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[ip]
	if !ok {
		if len(s.limiters) >= 1024 {
			s.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Limit(s.opts.RequestsPerSec), s.opts.Burst)
		s.limiters[ip] = l
	}
	return l
}
