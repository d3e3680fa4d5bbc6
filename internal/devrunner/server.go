package devrunner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/neurobridge-genclient/internal/platform/logger"
)

const (
	TriggerPath = "/api/workflows/trigger"
	StreamPath  = "/api/workflows/stream"
	StatusPath  = "/api/workflows/status"

	defaultStepDelay = 500 * time.Millisecond
	defaultHeartbeat = 15 * time.Second
)

type Options struct {
	// StepDelay is how long each simulated step runs unless the trigger
	// body overrides it.
	StepDelay time.Duration
	Heartbeat time.Duration

	// JWTSecret enables HS256 bearer auth on the workflow endpoints.
	JWTSecret string

	AllowOrigins []string
	ServiceName  string
	Logger       *logger.Logger
}

// Server is a local job runner exposing trigger, NDJSON stream and status
// endpoints over simulated runs.
type Server struct {
	log    *logger.Logger
	engine *gin.Engine
	runs   *runStore
	cancel context.CancelFunc
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("service", "DevRunner")
	if opts.StepDelay <= 0 {
		opts.StepDelay = defaultStepDelay
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "genclient-devrunner"
	}

	ctx, cancel := context.WithCancel(context.Background())
	runs := newRunStore(ctx, log, opts.StepDelay)
	h := &handler{runs: runs, heartbeat: opts.Heartbeat}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(attachTraceContext())
	r.Use(requestLogger(log))
	r.Use(corsMiddleware(opts.AllowOrigins))

	r.GET("/healthcheck", func(c *gin.Context) { respondOK(c, gin.H{"status": "ok"}) })

	api := r.Group("/")
	if opts.JWTSecret != "" {
		api.Use(requireToken(opts.JWTSecret))
	}
	api.POST(TriggerPath, h.trigger)
	api.GET(StreamPath, h.stream)
	api.GET(StatusPath, h.status)

	return &Server{log: log, engine: r, runs: runs, cancel: cancel}
}

func (s *Server) Handler() http.Handler { return s.engine }

// Close stops all simulated runs and waits for them to exit. Unfinished
// runs report failed.
func (s *Server) Close() {
	s.cancel()
	s.runs.wait()
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Dev runner listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
