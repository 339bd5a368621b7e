// Package service runs the operational HTTP endpoints next to a harness run.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-harness/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

// StatusFunc reports the current runner state for /healthz.
type StatusFunc func() string

// httpServer binds a listener up front so callers learn about port conflicts
// synchronously and can ask for the bound address.
type httpServer struct {
	name   string
	log    log.Logger
	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	done   chan struct{}
}

func (h *httpServer) start(ctx context.Context, addr string, handler http.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return fmt.Errorf("%s server already started", h.name)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for %s server on %s: %w", h.name, addr, err)
	}
	h.server = &http.Server{
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	h.addr = ln.Addr()
	h.done = make(chan struct{})
	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("server stopped unexpectedly", "server", h.name, "err", err)
			metrics.RecordErrorDetails("error serving "+h.name, err)
		}
	}(h.server, h.done)
	h.log.Info("server started", "server", h.name, "addr", h.addr.String())
	return nil
}

func (h *httpServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.addr == nil {
		return ""
	}
	return h.addr.String()
}

func (h *httpServer) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	srv, done := h.server, h.done
	h.server = nil
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}

// HealthzServer answers liveness probes with the runner state.
type HealthzServer struct {
	httpServer
	status atomic.Pointer[StatusFunc]
}

func NewHealthzServer(logger log.Logger) *HealthzServer {
	return &HealthzServer{httpServer: httpServer{name: "healthz", log: logger}}
}

// SetStatus installs the function queried for the state line.
func (h *HealthzServer) SetStatus(fn StatusFunc) {
	h.status.Store(&fn)
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return h.start(ctx, addr, c.Handler(hdlr))
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	body := "OK"
	if fn := h.status.Load(); fn != nil && *fn != nil {
		body = "OK " + (*fn)()
	}
	w.Write([]byte(body)) //nolint:errcheck
}

// MetricsServer exposes the prometheus registry.
type MetricsServer struct {
	httpServer
	gatherer prometheus.Gatherer
}

func NewMetricsServer(logger log.Logger, gatherer prometheus.Gatherer) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &MetricsServer{httpServer: httpServer{name: "metrics", log: logger}, gatherer: gatherer}
}

func (m *MetricsServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	return m.start(ctx, addr, hdlr)
}

type Config struct {
	Log            log.Logger
	HealthzAddr    string
	MetricsAddr    string
	MetricsEnabled bool
}

type Service struct {
	log     log.Logger
	cfg     Config
	Healthz *HealthzServer
	Metrics *MetricsServer
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.HealthzAddr == "" {
		cfg.HealthzAddr = net.JoinHostPort(HealthzHost, HealthzPort)
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = net.JoinHostPort(MetricsHost, MetricsPort)
	}
	s := &Service{
		log:     cfg.Log,
		cfg:     cfg,
		Healthz: NewHealthzServer(cfg.Log),
	}
	if cfg.MetricsEnabled {
		s.Metrics = NewMetricsServer(cfg.Log, nil)
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	s.log.Info("service starting")
	if err := s.Healthz.Start(ctx, s.cfg.HealthzAddr); err != nil {
		metrics.RecordErrorDetails("error starting healthz server", err)
		return err
	}
	if s.Metrics != nil {
		if err := s.Metrics.Start(ctx, s.cfg.MetricsAddr); err != nil {
			metrics.RecordErrorDetails("error starting metrics server", err)
			_ = s.Healthz.Shutdown(ctx)
			return err
		}
	}
	s.log.Info("service started")
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("service shutting down")
	err := s.Healthz.Shutdown(ctx)
	s.log.Info("healthz stopped")
	if s.Metrics != nil {
		err = errors.Join(err, s.Metrics.Shutdown(ctx))
		s.log.Info("metrics stopped")
	}
	s.log.Info("service stopped")
	return err
}
