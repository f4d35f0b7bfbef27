package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deltahub/internal/entity"
	"deltahub/internal/syncer"
)

type ClientConfig struct {
	Network, Address, AuthToken string
	DialTimeout                 time.Duration
	RequestTimeout              time.Duration
	TLSConfig                   *tls.Config
	Logger                      *logrus.Logger
}

// Client speaks the peer protocol over one persistent connection and
// satisfies the remote peer contract of the sync layer. Deliveries are
// dispatched to per-entity handlers on the read goroutine; handlers must
// only enqueue.
type Client struct {
	cfg  ClientConfig
	log  *logrus.Entry
	conn net.Conn
	done chan struct{}

	wmu sync.Mutex // serializes frame writes

	mu       sync.Mutex
	pending  map[string]chan *PeerResponse
	handlers map[entity.ID]func(delta []byte)
	closed   bool
}

var _ syncer.RemotePeer = (*Client)(nil)

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(dialer, cfg.Network, cfg.Address, cfg.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, cfg.Network, cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", cfg.Address, err)
	}
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "socket-client"),
		conn:     conn,
		done:     make(chan struct{}),
		pending:  make(map[string]chan *PeerResponse),
		handlers: make(map[entity.ID]func(delta []byte)),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.done)
	r := bufio.NewReader(c.conn)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Warn("connection lost")
			}
			return
		}
		frame, err := UnmarshalServerFrame(payload)
		if err != nil {
			c.log.WithError(err).Warn("dropped undecodable frame")
			continue
		}
		switch {
		case frame.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[frame.Response.RequestId]
			if ok {
				delete(c.pending, frame.Response.RequestId)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame.Response
			}
		case frame.Delivery != nil:
			c.dispatchDelivery(frame.Delivery)
		}
	}
}

func (c *Client) dispatchDelivery(d *Delivery) {
	id, err := entity.ParseID(d.EntityId)
	if err != nil {
		c.log.WithField("entity", d.EntityId).Warn("delivery for unparseable entity id")
		return
	}
	c.mu.Lock()
	fn := c.handlers[id]
	c.mu.Unlock()
	if fn != nil {
		fn(d.Delta)
	}
}

func (c *Client) roundTrip(ctx context.Context, req *PeerRequest) (*PeerResponse, error) {
	req.RequestId = uuid.NewString()
	req.AuthToken = c.cfg.AuthToken

	ch := make(chan *PeerResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("socket: client closed")
	}
	c.pending[req.RequestId] = ch
	c.mu.Unlock()
	abandon := func() {
		c.mu.Lock()
		delete(c.pending, req.RequestId)
		c.mu.Unlock()
	}

	payload, err := MarshalMessage(req)
	if err != nil {
		abandon()
		return nil, err
	}
	c.wmu.Lock()
	err = WriteFrame(c.conn, payload)
	c.wmu.Unlock()
	if err != nil {
		abandon()
		return nil, fmt.Errorf("socket: write: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("socket: request %s timed out", req.RequestId)
	case <-c.done:
		abandon()
		return nil, fmt.Errorf("socket: connection closed")
	}
}

// Subscribe registers onUpdate for the entity before the request goes out
// so the initial response and any concurrent fanout are never missed.
func (c *Client) Subscribe(ctx context.Context, id entity.ID, localVersion []byte, onUpdate func(delta []byte)) (func(), error) {
	c.mu.Lock()
	if _, ok := c.handlers[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("socket: already subscribed to %s", id)
	}
	c.handlers[id] = onUpdate
	c.mu.Unlock()

	res, err := c.roundTrip(ctx, &PeerRequest{
		Operation: int32(OperationSubscribe),
		Subscribe: &SubscribeRequest{EntityId: id.String(), Version: localVersion},
	})
	if err == nil && res.ErrorCode != int32(ErrorCodeOK) {
		err = fmt.Errorf("socket: subscribe %s: %s", id, res.ErrorMessage)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
			unsubCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			defer cancel()
			if _, err := c.roundTrip(unsubCtx, &PeerRequest{
				Operation:   int32(OperationUnsubscribe),
				Unsubscribe: &UnsubscribeRequest{EntityId: id.String()},
			}); err != nil {
				c.log.WithField("entity", id.String()).WithError(err).Debug("unsubscribe request failed")
			}
		})
	}
	return unsubscribe, nil
}

func (c *Client) SendUpdate(ctx context.Context, id entity.ID, delta []byte) error {
	res, err := c.roundTrip(ctx, &PeerRequest{
		Operation: int32(OperationUpdate),
		Update:    &UpdateRequest{EntityId: id.String(), Delta: delta},
	})
	if err != nil {
		return err
	}
	if res.ErrorCode != int32(ErrorCodeOK) {
		return fmt.Errorf("socket: update %s: code=%d %s", id, res.ErrorCode, res.ErrorMessage)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	res, err := c.roundTrip(ctx, &PeerRequest{Operation: int32(OperationPing), Ping: &PingRequest{}})
	if err != nil {
		return time.Time{}, err
	}
	if res.ErrorCode != int32(ErrorCodeOK) || res.Pong == nil {
		return time.Time{}, fmt.Errorf("socket: ping: code=%d %s", res.ErrorCode, res.ErrorMessage)
	}
	return time.Unix(0, res.Pong.UnixTimeNs), nil
}
