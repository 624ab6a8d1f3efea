package indi

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rickbassham/logging"
)

// Dialer allows the client to connect to an INDI server. Tests substitute a
// mock that hands back an in-memory net.Conn.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// NetworkDialer is the Dialer used in production: the real net package.
type NetworkDialer struct{}

// Dial connects to address on the named network.
func (NetworkDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}

// Client is a single INDI connection. spec.md's purepyindi ancestor shipped
// two engines — a blocking/threaded one and a cooperative/async one — that
// differed only in whether a lost connection was redialed automatically.
// This client folds both into one implementation parameterized by
// ReconnectAutomatically; the goroutine/channel/context plumbing is
// identical either way.
type Client struct {
	log                    logging.Logger
	dialer                 Dialer
	network, address       string
	reconnectAutomatically bool

	store *Store

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	conn    net.Conn
	writeCh chan []byte
}

// NewClient builds a Client against network/address (e.g. "tcp",
// "localhost:7624"). The client does not dial until Start is called.
func NewClient(log logging.Logger, dialer Dialer, network, address string, reconnectAutomatically bool) *Client {
	return &Client{
		log:                    log,
		dialer:                 dialer,
		network:                network,
		address:                address,
		reconnectAutomatically: reconnectAutomatically,
		store:                  NewStore(log),
		status:                 StatusStarting,
	}
}

// Store returns the client's property tree.
func (c *Client) Store() *Store {
	return c.store
}

// Status returns the client's current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Start begins connecting in the background. Calling Start on an
// already-started client is a no-op.
func (c *Client) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	// Stop calls c.cancel, which also waits for run to return.
	c.cancel = func() {
		cancel()
		<-done
	}
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Stop disconnects and prevents further reconnection, blocking until every
// background goroutine has exited. SynchronizationTimeout bounds the
// goroutines' read-loop granularity, so Stop returns promptly even mid-read.
// Calling Stop on an already-stopped client is a no-op.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.setStatus(StatusStopped)
}

func (c *Client) run(ctx context.Context) {
	for {
		err := c.connectAndServe(ctx)

		if ctx.Err() != nil {
			return
		}
		if !c.reconnectAutomatically {
			c.setStatus(StatusStopped)
			return
		}

		c.log.WithError(err).Warn("indi: connection lost, reconnecting")
		c.setStatus(StatusReconnecting)

		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectionDelay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, err := c.dialer.Dial(c.network, c.address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer conn.Close()

	writeCh := make(chan []byte, 64)

	c.mu.Lock()
	c.conn = conn
	c.writeCh = writeCh
	c.mu.Unlock()
	c.setStatus(StatusConnected)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.writeCh = nil
		c.mu.Unlock()
	}()

	parser := NewParser(c.log, 256)
	defer parser.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(3)
	go c.inboundLoop(ctx, conn, parser, &wg, errCh)
	go c.drainLoop(ctx, parser, &wg)
	go c.outboundLoop(ctx, conn, writeCh, &wg, errCh)

	if err := c.GetProperties("", ""); err != nil {
		c.log.WithError(err).Warn("indi: could not send initial getProperties")
	}

	var result error
	select {
	case <-ctx.Done():
	case result = <-errCh:
	}

	_ = conn.Close()
	wg.Wait()

	return result
}

// inboundLoop reads raw bytes off the socket and feeds them to the parser.
// The read deadline is re-armed every SynchronizationTimeout so a Stop
// mid-read still returns within that bound, matching spec.md's concurrency
// contract even though ctx cancellation alone can't interrupt a blocking Read.
func (c *Client) inboundLoop(ctx context.Context, conn net.Conn, parser *Parser, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()

	buf := make([]byte, ChunkMaxReadSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(SynchronizationTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			reportErr(errCh, fmt.Errorf("%w: %v", ErrConnection, err))
			return
		}
	}
}

// drainLoop applies every Update the parser produces to the store.
func (c *Client) drainLoop(ctx context.Context, parser *Parser, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-parser.Out():
			if !ok {
				return
			}
			c.store.Apply(u)
		}
	}
}

// outboundLoop writes queued bytes to the socket in the order they were
// enqueued, per spec.md's in-order-writes guarantee.
func (c *Client) outboundLoop(ctx context.Context, conn net.Conn, writeCh <-chan []byte, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-writeCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(SynchronizationTimeout))
			if _, err := conn.Write(body); err != nil {
				reportErr(errCh, fmt.Errorf("%w: %v", ErrConnection, err))
				return
			}
		}
	}
}

func reportErr(errCh chan<- error, err error) {
	select {
	case errCh <- err:
	default:
	}
}

func (c *Client) enqueue(body []byte) error {
	c.mu.Lock()
	ch := c.writeCh
	c.mu.Unlock()
	if ch == nil {
		return ErrConnection
	}
	select {
	case ch <- body:
		return nil
	case <-time.After(SynchronizationTimeout):
		return ErrTimeout
	}
}

// GetProperties asks the server to (re-)send property definitions, optionally
// filtered by device and/or property name. property without device is
// rejected, mirroring the wire format's own constraint.
func (c *Client) GetProperties(device, property string) error {
	if property != "" && device == "" {
		return ErrPropertyWithoutDevice
	}
	body, err := marshalGetProperties(device, property)
	if err != nil {
		return err
	}
	return c.enqueue(body)
}

// setElement validates and transmits a value change, applying the
// documented optimistic echo to the store via Assign before the bytes ever
// reach the socket.
func (c *Client) setElement(device, property, element string, v Value) error {
	u, err := c.store.Assign(device, property, element, v)
	if err != nil {
		return err
	}
	body, err := marshalNewProperty(u)
	if err != nil {
		return err
	}
	return c.enqueue(body)
}

// SetNumberValue changes a number element's value.
func (c *Client) SetNumberValue(device, property, element string, value float64) error {
	return c.setElement(device, property, element, NumberValue(value))
}

// SetTextValue changes a text element's value.
func (c *Client) SetTextValue(device, property, element, value string) error {
	return c.setElement(device, property, element, TextValue(value))
}

// SetSwitchValue changes a switch element's value. It is usually only
// necessary to set the element(s) you want turned On; the device's own
// rule (OneOfMany/AtMostOne/AnyOfMany) governs the rest of the vector.
func (c *Client) SetSwitchValue(device, property, element string, value SwitchState) error {
	return c.setElement(device, property, element, NewSwitchValue(value))
}
