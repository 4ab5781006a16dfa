package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// connectEstablished is the literal tunnel-established reply. It must reach
// the client before the handshake starts; net.Conn writes are unbuffered, so
// a successful Write is the flush.
var connectEstablished = []byte("HTTP/1.1 200 OK\r\n\r\n")

// Upgrader performs the server-side TLS handshake on the client socket after
// a CONNECT has been accepted.
type Upgrader struct {
	// Timeout bounds the handshake. Zero means no limit.
	Timeout time.Duration
}

// Upgrade sends the 200 reply and upgrades the client endpoint in place to a
// TLS transport using cfg. surplus holds bytes the client sent after the
// CONNECT head (normally none); they are replayed ahead of the handshake.
// Any failure maps to ErrInvalidProtocol.
func (u *Upgrader) Upgrade(ctx context.Context, client *Endpoint, cfg *tls.Config, surplus []byte) error {
	conn := client.Conn()
	if _, err := conn.Write(connectEstablished); err != nil {
		return fmt.Errorf("%w: write tunnel reply: %v", ErrInvalidProtocol, err)
	}

	raw := conn
	if len(surplus) > 0 {
		raw = &prefixedConn{Conn: conn, rest: surplus}
	}

	tconn := tls.Server(raw, cfg)
	hctx := ctx
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}
	if err := tconn.HandshakeContext(hctx); err != nil {
		return fmt.Errorf("%w: client handshake: %v", ErrInvalidProtocol, err)
	}

	client.setConn(tconn)
	return nil
}

// prefixedConn replays already-read bytes before the underlying transport.
type prefixedConn struct {
	net.Conn
	rest []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.rest) > 0 {
		n := copy(b, p.rest)
		p.rest = p.rest[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
