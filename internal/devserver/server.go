// Package devserver is a reference chat server speaking the same HTTP and
// push protocol the client expects. It exists for local development and for
// end-to-end tests.
package devserver

import (
	"context"
	_ "embed"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/health"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/middleware"
	"chat-sync-demo/client/pkg/tracing"
	"chat-sync-demo/client/pkg/validator"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

//go:embed openapi.yaml
var apiDocument []byte

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Options configures the server
type Options struct {
	Addr             string
	MaxMessageLength int
	// RequestRate limits API requests per client IP. Zero disables limiting.
	RequestRate  float64
	RequestBurst int
	Now          func() time.Time
}

// Server wires the hub, the store and the HTTP routes
type Server struct {
	opts      Options
	engine    *gin.Engine
	hub       *Hub
	store     Store
	limiter   *middleware.RateLimiter
	validator *validator.OpenAPIValidator
	health    *health.Checker
	log       *logger.Logger
}

// New creates a server backed by store
func New(store Store, opts Options, log *logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobal()
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 2000
	}

	s := &Server{
		opts:  opts,
		hub:   NewHub(store, opts.MaxMessageLength, opts.Now, log),
		store: store,
		log:   log.WithComponent("devserver"),
	}
	s.health = health.NewChecker(log, 30*time.Second)
	s.health.RegisterCheck("store", true, s.checkStore)
	s.health.RegisterCheck("hub", true, s.checkHub)

	if opts.RequestRate > 0 {
		s.limiter = middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
			Limit: rate.Limit(opts.RequestRate),
			Burst: opts.RequestBurst,
		})
	}

	v, err := validator.NewOpenAPIValidator(apiDocument)
	if err != nil {
		s.log.LogError(err, "API document rejected, requests are not validated")
	}
	s.validator = v

	s.engine = s.routes(log)
	return s
}

func (s *Server) routes(log *logger.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(tracing.Middleware())
	engine.Use(logger.Middleware(log))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())

	engine.GET("/healthz", gin.WrapF(s.health.HTTPHandler()))

	api := engine.Group("/api")
	api.Use(requireIdentity())
	if s.limiter != nil {
		api.Use(s.limiter.Middleware())
	}
	if s.validator != nil {
		api.Use(s.validator.Middleware())
	}
	{
		api.GET("/chat/:room/history", s.history)
		api.POST("/chat/send", s.send)
		api.GET("/online_count", s.onlineCount)
	}

	engine.GET("/ws", requireIdentity(), func(c *gin.Context) {
		s.hub.ServeWs(c.Writer, c.Request, identityFrom(c))
	})
	return engine
}

// Handler exposes the routes, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the push hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and the health checker until ctx is cancelled
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	s.health.Start(ctx)
	if s.limiter != nil {
		s.limiter.StartCleanup(time.Minute)
		go func() {
			<-ctx.Done()
			s.limiter.Stop()
		}()
	}
}

// ListenAndServe serves on opts.Addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.Start(ctx)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Dev server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.LogError(err, "Dev server shutdown error")
		return err
	}
	s.log.Info("Dev server stopped")
	return nil
}

func (s *Server) history(c *gin.Context) {
	limit := queryInt(c, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	offset := max(queryInt(c, "offset", 0), 0)

	msgs, err := s.store.History(c.Param("room"), offset, limit)
	if err != nil {
		c.Error(errors.Wrap(err, errors.CodeInternal, "load history"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) send(c *gin.Context) {
	var req struct {
		RoomID  string `json:"room_id"`
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewBadRequestError(errors.CodeInvalidRequest, "invalid parameters"))
		return
	}

	msg, err := s.hub.Publish(identityFrom(c), req.RoomID, req.Message)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (s *Server) onlineCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": s.hub.OnlineCount()})
}

func (s *Server) checkStore() (health.Status, string, error) {
	if _, err := s.store.History("", 0, 1); err != nil {
		return health.StatusDown, "store unreadable", err
	}
	return health.StatusUp, "store readable", nil
}

func (s *Server) checkHub() (health.Status, string, error) {
	if !s.hub.Running() {
		return health.StatusDown, "hub stopped", nil
	}
	return health.StatusUp, strconv.Itoa(s.hub.OnlineCount()) + " users online", nil
}

// queryInt parses an integer query parameter, falling back to def when it is
// absent or malformed
func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
