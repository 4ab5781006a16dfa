// Package proxy implements the intercepting proxy's connection pipeline.
//
// Traffic flow:
//   - plain HTTP requests: the sniffed request is forwarded verbatim (modulo
//     observer mutation) to the origin named by its Host header
//   - HTTPS CONNECT requests: the client gets "200 OK", then a server-side
//     TLS handshake against a CA-minted leaf for the target host; decrypted
//     bytes are relayed over an independent TLS session to the origin
//   - anything else: the client connection is closed
//
// Each accepted connection runs as its own Session goroutine; the two relay
// directions of a session run in parallel as well.
package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"mitm-proxy/internal/config"
	"mitm-proxy/internal/metrics"
	"mitm-proxy/internal/observer"
)

// Server accepts client connections and runs a Session per accept.
type Server struct {
	cfg   *config.Config
	store CertSource
	bus   *observer.Bus

	detector *Detector
	dialer   *Dialer
	upgrader *Upgrader
	relay    *Relay

	metrics *metrics.Metrics
	log     *zap.Logger

	started  time.Time
	boundTo  atomic.Value // string; actual listener address once bound
	total    atomic.Int64
	active   atomic.Int64
	sessions sync.WaitGroup
}

// NewServer wires the pipeline components from config.
func NewServer(cfg *config.Config, store CertSource, bus *observer.Bus, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = observer.NewBus(log, m)
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		detector: &Detector{PeekWindow: cfg.PeekWindow},
		dialer:   &Dialer{Timeout: cfg.DialTimeout()},
		upgrader: &Upgrader{Timeout: cfg.DialTimeout()},
		relay: &Relay{
			BufferSize:  cfg.BufferSize,
			ReadTimeout: cfg.ReadTimeout(),
			KeepAlive:   cfg.KeepAlive,
		},
		metrics: m,
		log:     log,
	}
}

// Addr returns the actual listener address once bound, the configured bind
// address before that.
func (s *Server) Addr() string {
	if addr, ok := s.boundTo.Load().(string); ok {
		return addr
	}
	return net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.ProxyPort))
}

// Stats returns total accepted and currently active session counts.
func (s *Server) Stats() (total, active int64) {
	return s.total.Load(), s.active.Load()
}

// Uptime returns time since the listener bound, zero before Run.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Run binds the listener and serves until ctx is cancelled. A bind failure
// is returned immediately; on shutdown the listener closes and in-flight
// sessions get the configured grace period to finish before their endpoints
// are force-closed.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.boundTo.Store(ln.Addr().String())
	s.started = time.Now()
	s.log.Info("listening", zap.String("addr", addr))

	s.bus.OnStart(s.cfg.BindAddress, uint16(s.cfg.ProxyPort))

	// Sessions outlive ctx until the grace period ends; Run's return cancels
	// sessCtx, which force-closes whatever is still open.
	sessCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // unblocks Accept; double close is harmless
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// Transient accept failure: back off and keep serving.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		sess := s.newSession(conn)
		s.total.Add(1)
		s.active.Add(1)
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.active.Add(-1)
			sess.run(sessCtx)
		}()
	}

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.log.Info("all sessions drained")
	case <-time.After(s.cfg.ShutdownGrace()):
		s.log.Warn("shutdown grace expired with sessions still closing",
			zap.Int64("active", s.active.Load()))
	}
	return nil
}
