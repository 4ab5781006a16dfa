package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Dialer opens plain or TLS transports to resolved origins.
type Dialer struct {
	// Timeout bounds the TCP connect and, for TLS origins, the handshake.
	Timeout time.Duration

	// TLSConfig overrides the origin-side TLS client config. ServerName is
	// filled in per dial when empty. Nil means system trust, no pinning.
	TLSConfig *tls.Config
}

// Dial establishes a transport to host:port. All failures come back as
// *DialError; the returned endpoint is fully usable.
func (d *Dialer) Dial(ctx context.Context, host string, port uint16, useTLS bool) (*Endpoint, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	nd := &net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DialError{Host: host, Port: port, Err: err}
	}

	if useTLS {
		var cfg *tls.Config
		if d.TLSConfig != nil {
			cfg = d.TLSConfig.Clone()
		} else {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tconn := tls.Client(conn, cfg)
		hctx := ctx
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		if err := tconn.HandshakeContext(hctx); err != nil {
			conn.Close() //nolint:errcheck // best-effort close on failed handshake
			return nil, &DialError{Host: host, Port: port, Err: err}
		}
		conn = tconn
	}

	return newEndpoint(conn, true), nil
}
