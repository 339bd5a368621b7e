// Package transport is the HTTP edge agents talk to. It decodes envelopes
// posted or streamed by an agent and hands them to an Acceptor, serves the
// test page agents are launched against, and exposes the client configuration.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
)

// ProtocolVersion is the envelope protocol spoken by this harness.
const ProtocolVersion = "v1.0.0"

const (
	// SeqHeader carries the per-instance sequence number of a posted batch.
	// Retried posts with a sequence number already seen are acknowledged and
	// dropped.
	SeqHeader = "X-Harness-Seq"

	defaultDedupeSize   = 4096
	defaultMaxBodyBytes = 4 << 20
)

var (
	ErrUnknownInstance = errors.New("unknown agent instance")
	// ErrDraining is returned once the run stopped accepting envelopes.
	ErrDraining = errors.New("envelope intake closed")
)

// Acceptor receives decoded envelopes in arrival order per instance.
type Acceptor interface {
	AcceptEnvelope(instanceID string, env envelope.Envelope) error
}

// ClientConfig is served to agents at /client-config.
type ClientConfig struct {
	ProtocolVersion string   `json:"protocolVersion"`
	TestPackage     string   `json:"testPackage,omitempty"`
	TagFilter       string   `json:"tagFilter,omitempty"`
	MethodsToTest   []string `json:"methodsToTest,omitempty"`
	InstanceID      string   `json:"instanceId,omitempty"`
}

type Config struct {
	Log          log.Logger
	ListenAddr   string
	DedupeSize   int
	MaxBodyBytes int64
	ClientConfig ClientConfig
}

type Server struct {
	log          log.Logger
	addr         string
	acceptor     Acceptor
	maxBodyBytes int64
	dedupe       *lru.Cache
	upgrader     websocket.Upgrader
	handler      http.Handler

	mu        sync.RWMutex
	clientCfg ClientConfig
	listener  net.Listener
	server    *http.Server
}

func NewServer(cfg Config, acceptor Acceptor) (*Server, error) {
	if acceptor == nil {
		return nil, errors.New("transport requires an acceptor")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ClientConfig.ProtocolVersion == "" {
		cfg.ClientConfig.ProtocolVersion = ProtocolVersion
	}
	dedupe, err := lru.New(cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	s := &Server{
		log:          cfg.Log,
		addr:         cfg.ListenAddr,
		acceptor:     acceptor,
		maxBodyBytes: cfg.MaxBodyBytes,
		dedupe:       dedupe,
		clientCfg:    cfg.ClientConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// agents are served from this host or a file:// page
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/test-page", s.handleTestPage).Methods(http.MethodGet)
	r.HandleFunc("/client-config", s.handleClientConfig).Methods(http.MethodGet)
	r.HandleFunc("/agents/{instance}/envelopes", s.handlePostEnvelopes).Methods(http.MethodPost)
	r.HandleFunc("/agents/{instance}/stream", s.handleStream).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", SeqHeader},
	})
	s.handler = c.Handler(r)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetClientConfig replaces the configuration served to agents.
func (s *Server) SetClientConfig(cfg ClientConfig) {
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = ProtocolVersion
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientCfg = cfg
}

func (s *Server) ClientConfig() ClientConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCfg
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.log.Info("Transport listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Transport server failed", "err", err)
		}
	}()
	return nil
}

// Addr is the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// TestPageURL is the page an agent is launched against. query is appended
// and instanceID is added as the instance parameter. A query that does not
// parse is dropped with a warning.
func (s *Server) TestPageURL(query string, instanceID string) string {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		s.log.Warn("Ignoring invalid test page query string", "query", query, "err", err)
		values = url.Values{}
	}
	if instanceID != "" {
		values.Set("instance", instanceID)
	}
	u := url.URL{Scheme: "http", Host: s.Addr(), Path: "/test-page", RawQuery: values.Encode()}
	return u.String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("OK")) //nolint:errcheck
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.ClientConfig()
	cfg.InstanceID = r.URL.Query().Get("instance")
	writeJSON(w, http.StatusOK, cfg)
}

var testPageTmpl = template.Must(template.New("test-page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>op-harness {{.Instance}}</title>
</head>
<body>
<div id="harness" data-instance="{{.Instance}}" data-config="{{.ConfigURL}}" data-envelopes="{{.EnvelopeURL}}" data-stream="{{.StreamURL}}" data-package="{{.TestPackage}}"></div>
</body>
</html>
`))

func (s *Server) handleTestPage(w http.ResponseWriter, r *http.Request) {
	instance := r.URL.Query().Get("instance")
	cfg := s.ClientConfig()
	data := struct {
		Instance    string
		ConfigURL   string
		EnvelopeURL string
		StreamURL   string
		TestPackage string
	}{
		Instance:    instance,
		ConfigURL:   "/client-config?instance=" + url.QueryEscape(instance),
		EnvelopeURL: "/agents/" + url.PathEscape(instance) + "/envelopes",
		StreamURL:   "/agents/" + url.PathEscape(instance) + "/stream",
		TestPackage: cfg.TestPackage,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := testPageTmpl.Execute(w, data); err != nil {
		s.log.Error("Failed to render test page", "err", err)
	}
}

type ackResponse struct {
	Accepted  int    `json:"accepted"`
	Skipped   int    `json:"skipped,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handlePostEnvelopes(w http.ResponseWriter, r *http.Request) {
	instance := mux.Vars(r)["instance"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ackResponse{Error: err.Error()})
		return
	}

	var (
		key    dedupeKey
		hasSeq bool
	)
	if seqHeader := r.Header.Get(SeqHeader); seqHeader != "" {
		seq, err := strconv.ParseUint(seqHeader, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ackResponse{Error: "invalid sequence number"})
			return
		}
		key, hasSeq = dedupeKey{instance: instance, seq: seq}, true
		if s.dedupe.Contains(key) {
			s.log.Debug("Dropping duplicate envelope batch", "instance", instance, "seq", seq)
			writeJSON(w, http.StatusOK, ackResponse{Duplicate: true})
			return
		}
	}

	envs, skipped, err := s.decode(instance, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: err.Error()})
		return
	}

	accepted, err := s.accept(instance, envs)
	if err != nil {
		writeJSON(w, statusFor(err), ackResponse{Accepted: accepted, Skipped: skipped, Error: err.Error()})
		return
	}
	// Only a fully accepted batch is remembered, so a rejected one can be retried.
	if hasSeq {
		s.dedupe.Add(key, struct{}{})
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Accepted: accepted, Skipped: skipped})
}

// decode parses a body into envelopes. Malformed elements of a batch are
// logged, counted and left out. An error means nothing in the body was usable.
func (s *Server) decode(instance string, body []byte) ([]envelope.Envelope, int, error) {
	envs, err := envelope.DecodeBatch(body)
	var batchErr *envelope.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		metrics.RecordErrorDetails("transport.decode", err)
		return nil, 0, err
	}
	if batchErr == nil {
		return envs, 0, nil
	}
	for i, cause := range batchErr.Skipped {
		s.log.Warn("Dropping malformed envelope", "instance", instance, "index", i, "err", cause)
		metrics.RecordEnvelope("malformed")
		metrics.RecordErrorDetails("transport.decode", cause)
	}
	if len(envs) == 0 {
		return nil, len(batchErr.Skipped), batchErr
	}
	return envs, len(batchErr.Skipped), nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	instance := mux.Vars(r)["instance"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade agent stream", "instance", instance, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBodyBytes)
	s.log.Debug("Agent stream opened", "instance", instance)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Agent stream error", "instance", instance, "err", err)
			}
			return
		}
		envs, skipped, err := s.decode(instance, msg)
		if err != nil {
			if err := conn.WriteJSON(ackResponse{Skipped: skipped, Error: err.Error()}); err != nil {
				return
			}
			continue
		}
		accepted, err := s.accept(instance, envs)
		if err != nil {
			code := websocket.CloseGoingAway
			if errors.Is(err, ErrUnknownInstance) {
				code = websocket.ClosePolicyViolation
			}
			_ = conn.WriteJSON(ackResponse{Accepted: accepted, Skipped: skipped, Error: err.Error()})
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
			return
		}
		if err := conn.WriteJSON(ackResponse{Accepted: accepted, Skipped: skipped}); err != nil {
			return
		}
	}
}

func (s *Server) accept(instance string, envs []envelope.Envelope) (int, error) {
	for i, env := range envs {
		if err := s.acceptor.AcceptEnvelope(instance, env); err != nil {
			return i, err
		}
	}
	return len(envs), nil
}

type dedupeKey struct {
	instance string
	seq      uint64
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownInstance):
		return http.StatusNotFound
	case errors.Is(err, ErrDraining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write response", "err", err)
	}
}
