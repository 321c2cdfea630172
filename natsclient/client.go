package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/metric"
)

// ConnectionStatus tracks the lifecycle of the underlying NATS connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned when an operation requires an
	// established connection and there is none.
	ErrNotConnected = stderrors.New("not connected to NATS")

	// ErrCircuitOpen is returned when repeated failures have tripped
	// the circuit breaker and operations are being rejected.
	ErrCircuitOpen = stderrors.New("circuit breaker open")
)

// Client is a managed NATS connection. All methods are safe for
// concurrent use.
type Client struct {
	url  string
	name string

	username string
	password string
	token    string

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	circuitThreshold int64
	circuitResetWait time.Duration

	status      atomic.Int32
	failures    atomic.Int64
	circuitOpen atomic.Bool

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream

	metrics *metric.Metrics
	logger  *slog.Logger
}

// NewClient builds a client for the given server URL. The client does
// not connect until Connect is called.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(
			stderrors.New("url is required"),
			"natsclient", "NewClient", "validating configuration")
	}

	c := &Client{
		url:              url,
		name:             "openremote",
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		circuitThreshold: 5,
		circuitResetWait: time.Minute,
		logger:           slog.Default().With("component", "natsclient"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err,
				"natsclient", "NewClient", "applying option")
		}
	}
	c.setStatus(StatusDisconnected)
	return c, nil
}

// Connect establishes the connection and initializes JetStream. It
// blocks until the first connection succeeds or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	c.setStatus(StatusConnecting)

	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			if err != nil {
				c.logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setStatus(StatusConnected)
			c.failures.Store(0)
			c.circuitOpen.Store(false)
			if c.metrics != nil {
				c.metrics.RecordNATSReconnect()
			}
			c.logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusClosed)
			c.logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	switch {
	case c.token != "":
		opts = append(opts, nats.Token(c.token))
	case c.username != "":
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(),
			"natsclient", "Connect", "waiting for connection")
	case r := <-done:
		if r.err != nil {
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err,
				"natsclient", "Connect", fmt.Sprintf("connecting to %s", c.url))
		}
		c.conn = r.conn
	}

	js, err := jetstream.New(c.conn)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		c.setStatus(StatusDisconnected)
		return errors.Wrap(err, "natsclient", "Connect", "initializing JetStream")
	}
	c.js = js

	c.setStatus(StatusConnected)
	c.logger.Info("connected to NATS", "url", c.conn.ConnectedUrl())
	return nil
}

// Close drains the connection, allowing in-flight messages to complete.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn = nil
	c.js = nil
	c.setStatus(StatusClosed)
	if err != nil {
		return errors.Wrap(err, "natsclient", "Close", "draining connection")
	}
	return nil
}

// Publish sends data on subject, rejecting immediately when the circuit
// breaker is open.
func (c *Client) Publish(subject string, data []byte) error {
	if c.circuitOpen.Load() {
		return errors.WrapTransient(ErrCircuitOpen,
			"natsclient", "Publish", fmt.Sprintf("publishing to %s", subject))
	}
	conn := c.current()
	if conn == nil {
		return errors.WrapTransient(ErrNotConnected,
			"natsclient", "Publish", fmt.Sprintf("publishing to %s", subject))
	}
	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err,
			"natsclient", "Publish", fmt.Sprintf("publishing to %s", subject))
	}
	c.failures.Store(0)
	return nil
}

// Subscribe registers handler for subject.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn := c.current()
	if conn == nil {
		return nil, errors.WrapTransient(ErrNotConnected,
			"natsclient", "Subscribe", fmt.Sprintf("subscribing to %s", subject))
	}
	sub, err := conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.Wrap(err,
			"natsclient", "Subscribe", fmt.Sprintf("subscribing to %s", subject))
	}
	return sub, nil
}

// QueueSubscribe registers handler for subject within a queue group so
// multiple instances share the message load.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn := c.current()
	if conn == nil {
		return nil, errors.WrapTransient(ErrNotConnected,
			"natsclient", "QueueSubscribe", fmt.Sprintf("subscribing to %s", subject))
	}
	sub, err := conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, errors.Wrap(err,
			"natsclient", "QueueSubscribe", fmt.Sprintf("subscribing to %s", subject))
	}
	return sub, nil
}

// KeyValue returns the named JetStream key-value bucket, creating it if
// it does not exist.
func (c *Client) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.WrapTransient(ErrNotConnected,
			"natsclient", "KeyValue", fmt.Sprintf("opening bucket %s", bucket))
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 5,
	})
	if err != nil {
		return nil, errors.Wrap(err,
			"natsclient", "KeyValue", fmt.Sprintf("opening bucket %s", bucket))
	}
	return kv, nil
}

// JetStream exposes the JetStream context, or nil before Connect.
func (c *Client) JetStream() jetstream.JetStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.js
}

// Status reports the current connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsHealthy reports whether the connection is up and the circuit
// breaker is closed.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected && !c.circuitOpen.Load()
}

// RTT measures the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn := c.current()
	if conn == nil {
		return 0, errors.WrapTransient(ErrNotConnected,
			"natsclient", "RTT", "measuring round trip")
	}
	rtt, err := conn.RTT()
	if err != nil {
		return 0, errors.WrapTransient(err,
			"natsclient", "RTT", "measuring round trip")
	}
	if c.metrics != nil {
		c.metrics.RecordNATSRTT(rtt)
	}
	return rtt, nil
}

func (c *Client) current() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return nil
	}
	return c.conn
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(s == StatusConnected)
	}
}

func (c *Client) recordFailure() {
	n := c.failures.Add(1)
	if n < c.circuitThreshold {
		return
	}
	if c.circuitOpen.CompareAndSwap(false, true) {
		c.logger.Warn("circuit breaker opened",
			"failures", n,
			"reset_wait", c.circuitResetWait)
		time.AfterFunc(c.circuitResetWait, func() {
			c.circuitOpen.Store(false)
			c.failures.Store(0)
			c.logger.Info("circuit breaker reset")
		})
	}
}
