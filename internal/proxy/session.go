package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mitm-proxy/internal/metrics"
	"mitm-proxy/internal/observer"
)

// Session drives a single accepted connection from accept to teardown:
// classify the first bytes, upgrade the client side for tunnels, dial the
// origin, relay, close. Errors never cross the session boundary; they end
// this session and nothing else.
type Session struct {
	id     string
	client *Endpoint

	mu     sync.Mutex
	origin *Endpoint

	detector *Detector
	dialer   *Dialer
	upgrader *Upgrader
	relay    *Relay
	store    CertSource

	bus     *observer.Bus
	conn    *observer.Connection
	metrics *metrics.Metrics
	log     *zap.Logger

	sessionTimeout time.Duration

	clientConnectedFired bool
	serverConnectedFired bool
}

// CertSource yields a server-side TLS config for a tunnel target host.
type CertSource interface {
	ConfigFor(host string) (*tls.Config, error)
}

func (s *Server) newSession(conn net.Conn) *Session {
	id := uuid.NewString()
	client := newEndpoint(conn, true)
	return &Session{
		id:             id,
		client:         client,
		detector:       s.detector,
		dialer:         s.dialer,
		upgrader:       s.upgrader,
		relay:          s.relay,
		store:          s.store,
		bus:            s.bus,
		conn:           &observer.Connection{ID: id, ClientAddr: client.RemoteAddr()},
		metrics:        s.metrics,
		log:            s.log.With(zap.String("session", id), zap.String("client", client.RemoteAddr())),
		sessionTimeout: s.cfg.SessionTimeout(),
	}
}

// run executes the session state machine. It always returns with both
// endpoints closed and the disconnect hooks delivered.
func (s *Session) run(ctx context.Context) {
	if s.sessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sessionTimeout)
		defer cancel()
	}
	// Cancellation shuts down both endpoints so blocked I/O unblocks now,
	// not at the next deadline tick.
	unwatch := context.AfterFunc(ctx, s.abort)
	defer unwatch()

	if s.metrics != nil {
		s.metrics.SessionsTotal.Inc()
		s.metrics.SessionsActive.Inc()
	}
	defer s.teardown()

	s.bus.ClientConnected(s.conn)
	s.clientConnectedFired = true

	res, err := s.detector.Classify(s.client.Conn())
	if err != nil {
		s.countClassification(metrics.OutcomeInvalid)
		s.log.Info("could not classify client bytes", zap.Error(err))
		return
	}
	s.conn.Host, s.conn.Port, s.conn.TLS = res.Host, res.Port, res.TLS

	carry := res.CarryOver
	if res.TLS {
		s.countClassification(metrics.OutcomeTunnel)
		tlsCfg, err := s.store.ConfigFor(res.Host)
		if err != nil {
			s.log.Error("leaf mint failed", zap.String("host", res.Host), zap.Error(err))
			return
		}
		if err := s.upgrader.Upgrade(ctx, s.client, tlsCfg, carry); err != nil {
			s.log.Info("tls upgrade failed", zap.String("host", res.Host), zap.Error(err))
			return
		}
		carry = nil
	} else {
		s.countClassification(metrics.OutcomeHTTP)
	}

	origin, err := s.dialer.Dial(ctx, res.Host, res.Port, res.TLS)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DialErrors.Inc()
		}
		s.log.Info("origin dial failed", zap.Error(err))
		return
	}
	s.setOrigin(origin)
	s.conn.ServerAddr = origin.RemoteAddr()
	s.bus.ServerConnected(s.conn)
	s.serverConnectedFired = true

	// The sniffed plain-HTTP request reaches the origin, through the
	// client-data chain, before the relay can move any origin byte back.
	if len(carry) > 0 {
		out := s.bus.ClientData(s.conn, carry)
		if len(out) > 0 {
			if _, err := origin.Conn().Write(out); err != nil {
				s.log.Info("forwarding sniffed request failed", zap.Error(err))
				return
			}
			if s.metrics != nil {
				s.metrics.BytesRelayed.WithLabelValues(metrics.DirClientToServer).Add(float64(len(out)))
			}
		}
	}

	if err := s.relay.Run(ctx, s.client, origin, s.bus, s.conn, s.metrics); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.log.Debug("relay ended", zap.Error(err))
		}
	}
}

func (s *Session) setOrigin(ep *Endpoint) {
	s.mu.Lock()
	s.origin = ep
	s.mu.Unlock()
}

// abort force-closes both endpoints; used for cancellation and deadlines.
func (s *Session) abort() {
	s.mu.Lock()
	origin := s.origin
	s.mu.Unlock()
	_ = s.client.forceClose()
	if origin != nil {
		_ = origin.forceClose()
	}
}

// teardown closes managed endpoints and delivers the disconnect hooks,
// keeping them paired exactly once with their connect counterparts.
func (s *Session) teardown() {
	_ = s.client.Close()
	s.mu.Lock()
	origin := s.origin
	s.mu.Unlock()
	if origin != nil {
		_ = origin.Close()
	}

	if s.clientConnectedFired {
		s.bus.ClientDisconnected(s.conn)
	}
	if s.serverConnectedFired {
		s.bus.ServerDisconnected(s.conn)
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
}

func (s *Session) countClassification(outcome string) {
	if s.metrics != nil {
		s.metrics.Classifications.WithLabelValues(outcome).Inc()
	}
}
