// Package management provides a lightweight HTTP API for runtime inspection
// of the running proxy.
//
// Endpoints:
//
//	GET /status   - bind address, uptime, session counts
//	GET /metrics  - Prometheus exposition
//	GET /ca       - the CA certificate PEM, for client trust-store import
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mitm-proxy/internal/certstore"
	"mitm-proxy/internal/config"
	"mitm-proxy/internal/metrics"
	"mitm-proxy/internal/proxy"
)

// Server is the management API server.
type Server struct {
	cfg     *config.Config
	proxy   *proxy.Server
	store   *certstore.Store
	metrics *metrics.Metrics
	token   string // bearer token for auth; empty = no auth
	log     *zap.Logger

	httpSrv *http.Server
}

// New creates a management server.
func New(cfg *config.Config, p *proxy.Server, store *certstore.Store, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		proxy:   p,
		store:   store,
		metrics: m,
		token:   cfg.ManagementToken,
		log:     log,
	}
	if s.token != "" {
		log.Info("bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.auth)
	r.Get("/status", s.handleStatus)
	r.Get("/ca", s.handleCA)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe serves the management API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.ManagementPort))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(sctx)
	}()
	s.log.Info("management API listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// auth checks for a valid Bearer token if one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(header[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warn("unauthorized management request",
				zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusResponse is the /status payload.
type statusResponse struct {
	Addr           string  `json:"addr"`
	UptimeSecs     float64 `json:"uptimeSecs"`
	SessionsTotal  int64   `json:"sessionsTotal"`
	SessionsActive int64   `json:"sessionsActive"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, active := s.proxy.Stats()
	resp := statusResponse{
		Addr:           s.proxy.Addr(),
		UptimeSecs:     s.proxy.Uptime().Seconds(),
		SessionsTotal:  total,
		SessionsActive: active,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("status encode failed", zap.Error(err))
	}
}

func (s *Server) handleCA(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+config.CACertName+`"`)
	if _, err := w.Write(s.store.CAPEM()); err != nil {
		s.log.Warn("ca write failed", zap.Error(err))
	}
}
