package client

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omochice/partychat/internal/config"
	"github.com/omochice/partychat/internal/connection"
	"github.com/omochice/partychat/internal/transport/ws"
	"github.com/omochice/partychat/pkg/protocol"
)

// DefaultEndpoint is the hosted watch-party service.
const DefaultEndpoint = config.DefaultEndpoint

// Option configures a Client.
type Option func(*options)

type options struct {
	endpoint   string
	dial       Dialer
	logger     *slog.Logger
	policy     *ReconnectPolicy
	keepAlive  *time.Duration
	registerer prometheus.Registerer
	permID     string
}

func defaultOptions() *options {
	return &options{
		endpoint: DefaultEndpoint,
		dial:     ws.Dial,
		logger:   slog.Default(),
		permID:   protocol.PlaceholderPermID,
	}
}

func (o *options) connectionOptions() []connection.Option {
	opts := []connection.Option{
		connection.WithLogger(o.logger.With("component", "connection")),
	}
	if o.policy != nil {
		opts = append(opts, connection.WithReconnectPolicy(*o.policy))
	}
	if o.keepAlive != nil {
		opts = append(opts, connection.WithKeepAlive(*o.keepAlive))
	}
	if o.registerer != nil {
		opts = append(opts, connection.WithMetrics(connection.NewMetrics(o.registerer)))
	}
	return opts
}

// WithEndpoint sets the service URL.
func WithEndpoint(url string) Option {
	return func(o *options) {
		if url != "" {
			o.endpoint = url
		}
	}
}

// WithDialer replaces the WebSocket dialer, typically with a fake in tests.
func WithDialer(dial Dialer) Option {
	return func(o *options) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReconnectPolicy sets the reconnection policy. A policy with zero
// MaxAttempts disables reconnection.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *options) {
		o.policy = &p
	}
}

// WithKeepAlive sets the ping interval. Zero disables keep-alive.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = &d
	}
}

// WithMetricsRegisterer registers the connection metrics with reg. A
// registerer can serve one Client only.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithIdentity replaces the placeholder permId sent on create and join.
func WithIdentity(permID string) Option {
	return func(o *options) {
		if permID != "" {
			o.permID = permID
		}
	}
}

// FromConfig translates cfg into options. Metrics are left to the caller.
func FromConfig(cfg *Config) []Option {
	return []Option{
		WithEndpoint(cfg.Endpoint),
		WithDialer(ws.NewDialer(cfg.DialTimeout)),
		WithKeepAlive(cfg.KeepAlive),
		WithReconnectPolicy(ReconnectPolicy{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Interval:    cfg.Reconnect.Interval,
			Decay:       cfg.Reconnect.Decay,
			MaxInterval: cfg.Reconnect.MaxInterval,
		}),
	}
}
