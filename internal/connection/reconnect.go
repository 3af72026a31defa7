package connection

import (
	"errors"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
)

var errTornDown = errors.New("connection torn down")

// ReconnectPolicy bounds the reconnection attempts made after the
// connection closes without a teardown.
type ReconnectPolicy struct {
	// MaxAttempts is the number of dials before reconnection is abandoned.
	// Zero disables reconnection.
	MaxAttempts int
	// Interval is the wait before the first attempt.
	Interval time.Duration
	// Decay multiplies the wait after every failed attempt.
	Decay float64
	// MaxInterval caps the wait. Zero means uncapped.
	MaxInterval time.Duration
}

// DefaultReconnectPolicy returns ten attempts starting at one second and
// doubling each time.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 10,
		Interval:    time.Second,
		Decay:       2,
	}
}

// Delay returns the wait before attempt n, counting from zero.
func (p ReconnectPolicy) Delay(n int) time.Duration {
	decay := p.Decay
	if decay < 1 {
		decay = 1
	}
	d := float64(p.Interval) * math.Pow(decay, float64(n))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// reconnect waits out the first interval, then dials until a connection is
// attached, the policy is exhausted, or the manager is torn down.
func (m *Manager) reconnect() {
	timer := time.NewTimer(m.policy.Delay(0))
	select {
	case <-timer.C:
	case <-m.ctx.Done():
		timer.Stop()
		m.finish()
		return
	}

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			m.metrics.reconnectAttempts.Inc()
			m.logger.Info("reconnecting", "url", m.url, "attempt", attempts)

			conn, err := m.dial(m.ctx, m.url)
			if err != nil {
				if m.ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
				return err
			}
			if err := m.attach(conn); err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(uint(m.policy.MaxAttempts)),
		retry.DelayType(func(uint, error, *retry.Config) time.Duration {
			return m.policy.Delay(attempts)
		}),
		retry.Context(m.ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(_ uint, err error) {
			m.logger.Warn("reconnection attempt failed", "attempt", attempts, "error", err)
		}),
	)
	if err == nil {
		return
	}
	if m.ctx.Err() == nil {
		m.logger.Error("reconnection abandoned", "url", m.url, "attempts", attempts, "error", err)
	}
	m.finish()
}
