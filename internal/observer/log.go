package observer

import (
	"go.uber.org/zap"
)

// Log is the built-in logging observer. Lifecycle events are logged at info,
// relayed chunks at debug with their size. It never mutates data.
type Log struct {
	Base
	log *zap.Logger
}

// NewLog creates a logging observer.
func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) OnStart(host string, port uint16) {
	l.log.Info("mitm server started", zap.String("host", host), zap.Uint16("port", port))
}

func (l *Log) OnClientConnected(c *Connection) {
	l.log.Info("client connected", zap.String("session", c.ID), zap.String("client", c.ClientAddr))
}

func (l *Log) OnServerConnected(c *Connection) {
	l.log.Info("server connected",
		zap.String("session", c.ID),
		zap.String("client", c.ClientAddr),
		zap.String("server", c.ServerAddr),
		zap.Bool("tls", c.TLS))
}

func (l *Log) OnClientData(c *Connection, data []byte) ([]byte, error) {
	l.log.Debug("client data", zap.String("session", c.ID), zap.Int("bytes", len(data)))
	return data, nil
}

func (l *Log) OnServerData(c *Connection, data []byte) ([]byte, error) {
	l.log.Debug("server data", zap.String("session", c.ID), zap.Int("bytes", len(data)))
	return data, nil
}

func (l *Log) OnClientDisconnected(c *Connection) {
	l.log.Info("client disconnected", zap.String("session", c.ID))
}

func (l *Log) OnServerDisconnected(c *Connection) {
	l.log.Info("server disconnected", zap.String("session", c.ID))
}
