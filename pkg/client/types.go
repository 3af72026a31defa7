package client

import (
	"github.com/omochice/partychat/internal/config"
	"github.com/omochice/partychat/internal/connection"
	"github.com/omochice/partychat/internal/transport"
)

// Conn is one message-oriented connection to the service. Implement it to
// drive a Client over something other than a WebSocket.
type Conn = transport.Conn

// Dialer opens a Conn to url.
type Dialer = transport.Dialer

// CloseError reports the close code and reason sent by the peer.
type CloseError = transport.CloseError

// Close codes reported by Client.CloseCode.
const (
	NormalCloseCode   = transport.NormalCloseCode
	ManualCloseCode   = transport.ManualCloseCode
	AbnormalCloseCode = transport.AbnormalCloseCode
)

// Connection lifecycle states.
const (
	StateConnecting = connection.StateConnecting
	StateOpen       = connection.StateOpen
	StateClosing    = connection.StateClosing
	StateClosed     = connection.StateClosed
)

// ReconnectPolicy controls how a dropped connection is re-established.
type ReconnectPolicy = connection.ReconnectPolicy

// DefaultReconnectPolicy returns the policy used when none is given.
func DefaultReconnectPolicy() ReconnectPolicy {
	return connection.DefaultReconnectPolicy()
}

// Config is the file-backed client configuration accepted by FromConfig.
type Config = config.Config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads configuration from path over the defaults. An empty path
// falls back to the file named by PARTYCHAT_CONFIG, if any.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
