package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrConnection marks broker connect, subscribe and reconnect failures.
var ErrConnection = errors.New("connection error")

// ErrNotConnected is returned by Publish while the connection is not running.
var ErrNotConnected = errors.New("not connected")

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	keepAlive             = 30 * time.Second
	disconnectQuiesce     = 250
)

// subscribeFailure is the SUBACK return code for a rejected filter.
const subscribeFailure = 0x80

// Event is one inbound publish as seen by the router.
type Event struct {
	Topic   string
	Payload []byte
}

// BackoffPolicy bounds the reconnect loop.
type BackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries is the number of reconnect attempts after the first one fails.
	MaxRetries int
}

// Options configures a Conn.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Filters        []string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Backoff        BackoffPolicy
}

// ClientFactory builds a paho client from options. Tests replace it.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

type Option func(*Conn)

// WithClientFactory overrides how clients are constructed.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Conn) { c.newClient = f }
}

// Conn owns the broker session. A fresh paho client is built for every
// connection attempt; paho's own auto-reconnect stays off and Run performs
// reconnection with exponential backoff instead.
type Conn struct {
	opts      Options
	logger    *slog.Logger
	newClient ClientFactory

	events chan Event
	lost   chan error
	done   chan struct{}

	state     atomic.Int32
	closeOnce sync.Once

	mu     sync.Mutex
	client mqtt.Client
}

func New(opts Options, logger *slog.Logger, options ...Option) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}

	c := &Conn{
		opts:      opts,
		logger:    logger,
		newClient: mqtt.NewClient,
		events:    make(chan Event),
		lost:      make(chan error, 1),
		done:      make(chan struct{}),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Events delivers inbound messages. The channel is unbuffered, so a slow
// consumer holds back the client's message callback.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("mqtt state changed", "from", prev.String(), "to", s.String())
	}
}

// Connect makes a single attempt to connect and subscribe.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		c.setState(Disconnected)
		return err
	}
	return nil
}

func (c *Conn) connect(ctx context.Context) error {
	c.setState(Connecting)

	// A loss still queued here belongs to a client this attempt replaces.
	select {
	case <-c.lost:
	default:
	}

	// The client is current before Connect so a loss reported while the
	// handshake completes reaches Run.
	client := c.newClient(c.clientOptions())
	c.setClient(client)

	if err := wait(ctx, client.Connect(), c.opts.ConnectTimeout); err != nil {
		c.setClient(nil)
		// paho may still finish the handshake after our timer fires.
		client.Disconnect(0)
		return fmt.Errorf("%w: connect %s: %w", ErrConnection, c.opts.BrokerURL, err)
	}
	c.setState(Connected)

	if err := c.subscribe(ctx, client); err != nil {
		c.setClient(nil)
		client.Disconnect(disconnectQuiesce)
		return err
	}

	c.setState(Running)
	c.logger.Info("mqtt connected", "broker", c.opts.BrokerURL, "filters", c.opts.Filters)
	return nil
}

func (c *Conn) subscribe(ctx context.Context, client mqtt.Client) error {
	if len(c.opts.Filters) == 0 {
		return nil
	}
	c.setState(Subscribing)

	filters := make(map[string]byte, len(c.opts.Filters))
	for _, f := range c.opts.Filters {
		filters[f] = c.opts.QoS
	}

	token := client.SubscribeMultiple(filters, c.onMessage)
	if err := wait(ctx, token, c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: subscribe: %w", ErrConnection, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for filter, code := range st.Result() {
			if code == subscribeFailure {
				return fmt.Errorf("%w: subscribe %s: rejected by broker", ErrConnection, filter)
			}
		}
	}
	return nil
}

func (c *Conn) clientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(c.opts.ConnectTimeout)
	o.SetConnectionLostHandler(c.onConnectionLost)
	return o
}

func (c *Conn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	select {
	case c.events <- Event{Topic: msg.Topic(), Payload: msg.Payload()}:
	case <-c.done:
	}
}

func (c *Conn) onConnectionLost(client mqtt.Client, err error) {
	if client != c.currentClient() {
		return
	}
	c.setState(Disconnected)
	select {
	case c.lost <- err:
	default:
	}
}

// Run supervises the connection until ctx is done. After a connection loss
// it reconnects with exponential backoff and resubscribes. It returns an
// ErrConnection once the retry budget is spent.
func (c *Conn) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case err := <-c.lost:
			c.logger.Warn("mqtt connection lost", "broker", c.opts.BrokerURL, "error", err)
			if err := c.reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (c *Conn) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	if c.opts.Backoff.InitialInterval > 0 {
		b.InitialInterval = c.opts.Backoff.InitialInterval
	}
	if c.opts.Backoff.MaxInterval > 0 {
		b.MaxInterval = c.opts.Backoff.MaxInterval
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.Backoff.MaxRetries)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		return c.connect(ctx)
	}
	notify := func(err error, next time.Duration) {
		c.setState(Disconnected)
		c.logger.Warn("mqtt reconnect failed", "attempt", attempts, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		c.setState(Disconnected)
		if errors.Is(err, ErrConnection) {
			return fmt.Errorf("reconnect gave up after %d attempts: %w", attempts, err)
		}
		return fmt.Errorf("%w: reconnect gave up after %d attempts: %w", ErrConnection, attempts, err)
	}

	c.logger.Info("mqtt reconnected", "attempts", attempts)
	return nil
}

// Publish sends payload and waits for the client's local acknowledgment.
func (c *Conn) Publish(topic string, payload []byte) error {
	client := c.currentClient()
	if client == nil || c.State() != Running {
		return ErrNotConnected
	}

	token := client.Publish(topic, c.opts.QoS, false, payload)
	if !token.WaitTimeout(c.opts.PublishTimeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, c.opts.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects and stops delivering events. It is safe to call twice.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if client := c.currentClient(); client != nil {
			c.setClient(nil)
			client.Disconnect(disconnectQuiesce)
		}
		c.setState(Disconnected)
	})
}

func (c *Conn) currentClient() mqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *Conn) setClient(client mqtt.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
