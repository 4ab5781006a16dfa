// Package observer defines the hook surface the proxy core calls at session
// lifecycle points, and the ordered bus that fans calls out to registered
// observers. Data hooks are transformers: the bytes they return are what the
// relay forwards.
package observer

import (
	"fmt"

	"go.uber.org/zap"

	"mitm-proxy/internal/metrics"
)

// Connection describes one proxied session as observers see it. Host, Port
// and TLS are zero until classification resolves the origin; ServerAddr stays
// empty until the origin connects.
type Connection struct {
	ID         string // session id, stable for the life of the connection
	ClientAddr string // remote address of the client endpoint

	Host string // resolved origin host
	Port uint16 // resolved origin port
	TLS  bool   // whether the session is an intercepted tunnel

	ServerAddr string // remote address of the origin endpoint, once dialed
}

func (c *Connection) String() string {
	if c.ServerAddr == "" {
		return fmt.Sprintf("%s (%s)", c.ClientAddr, c.ID)
	}
	return fmt.Sprintf("%s -> %s (%s)", c.ClientAddr, c.ServerAddr, c.ID)
}

// Observer receives session lifecycle events. Implementations must be safe
// for concurrent calls from distinct sessions; within one session the same
// data hook is never called concurrently for the same direction.
//
// Data hooks return the bytes to forward, which may be empty or longer than
// the input. An error (or panic) from any hook is logged and contained: the
// failing observer's transformation is discarded and the session continues.
type Observer interface {
	OnStart(host string, port uint16)
	OnClientConnected(c *Connection)
	OnServerConnected(c *Connection)
	OnClientData(c *Connection, data []byte) ([]byte, error)
	OnServerData(c *Connection, data []byte) ([]byte, error)
	OnClientDisconnected(c *Connection)
	OnServerDisconnected(c *Connection)
}

// Base is a no-op Observer for embedding, so implementations only declare
// the hooks they care about.
type Base struct{}

func (Base) OnStart(string, uint16) {}

func (Base) OnClientConnected(*Connection) {}

func (Base) OnServerConnected(*Connection) {}

func (Base) OnClientData(_ *Connection, data []byte) ([]byte, error) {
	return data, nil
}

func (Base) OnServerData(_ *Connection, data []byte) ([]byte, error) {
	return data, nil
}

func (Base) OnClientDisconnected(*Connection) {}
func (Base) OnServerDisconnected(*Connection) {}

// Bus invokes observers in insertion order. For data hooks each observer's
// output feeds the next observer's input. Register all observers before the
// listener starts; the slice is not guarded.
type Bus struct {
	observers []Observer
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewBus creates a Bus. log may be nil; metrics may be nil.
func NewBus(log *zap.Logger, m *metrics.Metrics, observers ...Observer) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{observers: observers, log: log, metrics: m}
}

// Register appends an observer. Not safe to call once sessions are running.
func (b *Bus) Register(o Observer) { b.observers = append(b.observers, o) }

// Len returns the number of registered observers.
func (b *Bus) Len() int { return len(b.observers) }

// OnStart runs before the listener begins accepting.
func (b *Bus) OnStart(host string, port uint16) {
	for _, o := range b.observers {
		b.lifecycle("on_start", nil, func() { o.OnStart(host, port) })
	}
}

// ClientConnected fans out the client-connected event.
func (b *Bus) ClientConnected(c *Connection) {
	for _, o := range b.observers {
		b.lifecycle("client_connected", c, func() { o.OnClientConnected(c) })
	}
}

// ServerConnected fans out the server-connected event.
func (b *Bus) ServerConnected(c *Connection) {
	for _, o := range b.observers {
		b.lifecycle("server_connected", c, func() { o.OnServerConnected(c) })
	}
}

// ClientDisconnected fans out the client-disconnected event.
func (b *Bus) ClientDisconnected(c *Connection) {
	for _, o := range b.observers {
		b.lifecycle("client_disconnected", c, func() { o.OnClientDisconnected(c) })
	}
}

// ServerDisconnected fans out the server-disconnected event.
func (b *Bus) ServerDisconnected(c *Connection) {
	for _, o := range b.observers {
		b.lifecycle("server_disconnected", c, func() { o.OnServerDisconnected(c) })
	}
}

// ClientData passes client-origin bytes through the observer chain.
func (b *Bus) ClientData(c *Connection, data []byte) []byte {
	for _, o := range b.observers {
		o := o
		data = b.transform("client_data", c, data, func(in []byte) ([]byte, error) {
			return o.OnClientData(c, in)
		})
	}
	return data
}

// ServerData passes origin-client bytes through the observer chain.
func (b *Bus) ServerData(c *Connection, data []byte) []byte {
	for _, o := range b.observers {
		o := o
		data = b.transform("server_data", c, data, func(in []byte) ([]byte, error) {
			return o.OnServerData(c, in)
		})
	}
	return data
}

// lifecycle runs one lifecycle hook, containing panics.
func (b *Bus) lifecycle(hook string, c *Connection, call func()) {
	defer b.recover(hook, c)
	call()
}

// transform runs one data hook. On error or panic the observer's output is
// discarded and the input bytes flow on unchanged.
func (b *Bus) transform(hook string, c *Connection, data []byte, call func([]byte) ([]byte, error)) (out []byte) {
	out = data
	defer b.recover(hook, c)
	transformed, err := call(data)
	if err != nil {
		b.fail(hook, c, err)
		return data
	}
	return transformed
}

func (b *Bus) recover(hook string, c *Connection) {
	if r := recover(); r != nil {
		b.fail(hook, c, fmt.Errorf("panic: %v", r))
	}
}

func (b *Bus) fail(hook string, c *Connection, err error) {
	if b.metrics != nil {
		b.metrics.ObserverFailures.Inc()
	}
	fields := []zap.Field{zap.String("hook", hook), zap.Error(err)}
	if c != nil {
		fields = append(fields, zap.String("session", c.ID))
	}
	b.log.Warn("observer failed", fields...)
}
