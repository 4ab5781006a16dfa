package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"mitm-proxy/internal/metrics"
	"mitm-proxy/internal/observer"
)

// Relay copies bytes bidirectionally between client and origin until either
// direction reaches EOF or a hard error. Each chunk passes through the
// observer chain for its direction before being written to the opposite
// endpoint. The two directions run in parallel and synchronize only through
// a shared termination flag.
type Relay struct {
	BufferSize  int
	ReadTimeout time.Duration // per-read idle timeout; non-fatal, the read retries
	KeepAlive   bool          // rerun rounds while neither side has reported EOF; the relay never outlives the first EOF
}

// Run relays until completion. A non-nil error is a hard transport failure;
// plain EOFs return nil.
func (r *Relay) Run(ctx context.Context, client, origin *Endpoint, bus *observer.Bus, conn *observer.Connection, m *metrics.Metrics) error {
	var c2sBytes, s2cBytes prometheus.Counter
	if m != nil {
		c2sBytes = m.BytesRelayed.WithLabelValues(metrics.DirClientToServer)
		s2cBytes = m.BytesRelayed.WithLabelValues(metrics.DirServerToClient)
	}

	clientEOF, originEOF := false, false
	runOnce := true
	for !clientEOF && !originEOF && (r.KeepAlive || runOnce) && ctx.Err() == nil {
		ceof, oeof, err := r.round(ctx, client, origin, bus, conn, c2sBytes, s2cBytes)
		clientEOF = clientEOF || ceof
		originEOF = originEOF || oeof
		if err != nil {
			return err
		}
		runOnce = false
	}
	return nil
}

// round runs both directions until the shared termination flag trips.
func (r *Relay) round(ctx context.Context, client, origin *Endpoint, bus *observer.Bus, conn *observer.Connection, c2sBytes, s2cBytes prometheus.Counter) (clientEOF, originEOF bool, err error) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eof, perr := r.pump(gctx, done, stop, client, origin, func(b []byte) []byte {
			return bus.ClientData(conn, b)
		}, c2sBytes)
		clientEOF = eof
		return perr
	})
	g.Go(func() error {
		eof, perr := r.pump(gctx, done, stop, origin, client, func(b []byte) []byte {
			return bus.ServerData(conn, b)
		}, s2cBytes)
		originEOF = eof
		return perr
	})
	err = g.Wait()
	return clientEOF, originEOF, err
}

// pump is one direction of the relay: read from src, transform, write to dst.
// Idle read timeouts retry; EOF trips the shared flag and exits cleanly; any
// other transport error trips the flag and propagates.
func (r *Relay) pump(ctx context.Context, done <-chan struct{}, stop func(), src, dst *Endpoint, transform func([]byte) []byte, counter prometheus.Counter) (eof bool, err error) {
	size := r.BufferSize
	if size <= 0 {
		size = 8192
	}
	buf := make([]byte, size)
	for {
		select {
		case <-done:
			return false, nil
		case <-ctx.Done():
			stop()
			return false, nil
		default:
		}

		if r.ReadTimeout > 0 {
			_ = src.Conn().SetReadDeadline(time.Now().Add(r.ReadTimeout))
		}
		n, rerr := src.Conn().Read(buf)
		if n > 0 {
			// Observers may mutate; hand them their own copy so the read
			// buffer can be reused.
			out := transform(append([]byte(nil), buf[:n]...))
			if len(out) > 0 {
				if _, werr := dst.Conn().Write(out); werr != nil {
					stop()
					return false, werr
				}
				if counter != nil {
					counter.Add(float64(len(out)))
				}
			}
		}
		if rerr != nil {
			var ne net.Error
			if errors.As(rerr, &ne) && ne.Timeout() {
				continue
			}
			stop()
			if errors.Is(rerr, io.EOF) {
				return true, nil
			}
			return false, rerr
		}
	}
}
