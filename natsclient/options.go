package natsclient

import (
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/ApollusEHS-OSS/openremote/metric"
)

// ClientOption configures a Client at construction time.
type ClientOption func(*Client) error

// WithName sets the connection name reported to the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		if name == "" {
			return stderrors.New("name cannot be empty")
		}
		c.name = name
		return nil
	}
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication. Takes precedence over
// username/password when both are set.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithMaxReconnects sets how many reconnect attempts are made before
// giving up. Negative means retry forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the delay between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return stderrors.New("reconnect wait must be positive")
		}
		c.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the connect timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return stderrors.New("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout sets how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return stderrors.New("drain timeout must be positive")
		}
		c.drainTimeout = d
		return nil
	}
}

// WithCircuitBreaker tunes the publish circuit breaker: threshold is
// the consecutive failure count that opens the circuit, resetWait how
// long it stays open.
func WithCircuitBreaker(threshold int64, resetWait time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold <= 0 {
			return stderrors.New("circuit threshold must be positive")
		}
		if resetWait <= 0 {
			return stderrors.New("circuit reset wait must be positive")
		}
		c.circuitThreshold = threshold
		c.circuitResetWait = resetWait
		return nil
	}
}

// WithMetrics attaches connection metrics reporting.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return stderrors.New("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}
