package proxy

import (
	"net"
	"sync"
)

// Endpoint is one side of a proxied connection. The managed flag declares
// whether the pipeline owns its close; teardown only closes managed
// endpoints. An upgraded endpoint (post-TLS) keeps its identity, only the
// transport is swapped.
type Endpoint struct {
	mu      sync.Mutex
	conn    net.Conn
	addr    string
	managed bool
}

func newEndpoint(conn net.Conn, managed bool) *Endpoint {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Endpoint{conn: conn, addr: addr, managed: managed}
}

// Conn returns the current transport.
func (e *Endpoint) Conn() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// setConn swaps the transport, used by the TLS upgrade.
func (e *Endpoint) setConn(conn net.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
}

// RemoteAddr returns the remote address captured at construction.
func (e *Endpoint) RemoteAddr() string { return e.addr }

// Managed reports whether the pipeline owns this endpoint's close.
func (e *Endpoint) Managed() bool { return e.managed }

// Close closes the transport if the endpoint is managed.
func (e *Endpoint) Close() error {
	if !e.managed {
		return nil
	}
	return e.forceClose()
}

// forceClose closes the transport regardless of ownership. Used for
// cancellation, where both endpoints must shut down to unblock I/O.
func (e *Endpoint) forceClose() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	return conn.Close()
}
