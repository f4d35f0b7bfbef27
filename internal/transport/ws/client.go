package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"deltahub/internal/entity"
	"deltahub/internal/syncer"
	"deltahub/internal/transport/socket"
)

type ClientConfig struct {
	URL              string
	AuthToken        string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Logger           *logrus.Logger
}

// Client mirrors the TCP client over a websocket. One connection, one
// logical peer.
type Client struct {
	cfg  ClientConfig
	log  *logrus.Entry
	conn *websocket.Conn
	done chan struct{}

	wmu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan *socket.PeerResponse
	handlers map[entity.ID]func(delta []byte)
	closed   bool
}

var _ syncer.RemotePeer = (*Client)(nil)

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", cfg.URL, err)
	}
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "ws-client"),
		conn:     conn,
		done:     make(chan struct{}),
		pending:  make(map[string]chan *socket.PeerResponse),
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
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Warn("connection lost")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		frame, err := socket.UnmarshalServerFrame(payload)
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
			id, err := entity.ParseID(frame.Delivery.EntityId)
			if err != nil {
				continue
			}
			c.mu.Lock()
			fn := c.handlers[id]
			c.mu.Unlock()
			if fn != nil {
				fn(frame.Delivery.Delta)
			}
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req *socket.PeerRequest) (*socket.PeerResponse, error) {
	req.RequestId = uuid.NewString()
	req.AuthToken = c.cfg.AuthToken

	ch := make(chan *socket.PeerResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("ws: client closed")
	}
	c.pending[req.RequestId] = ch
	c.mu.Unlock()
	abandon := func() {
		c.mu.Lock()
		delete(c.pending, req.RequestId)
		c.mu.Unlock()
	}

	payload, err := socket.MarshalMessage(req)
	if err != nil {
		abandon()
		return nil, err
	}
	c.wmu.Lock()
	err = c.conn.WriteMessage(websocket.BinaryMessage, payload)
	c.wmu.Unlock()
	if err != nil {
		abandon()
		return nil, fmt.Errorf("ws: write: %w", err)
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
		return nil, fmt.Errorf("ws: request timed out")
	case <-c.done:
		abandon()
		return nil, fmt.Errorf("ws: connection closed")
	}
}

func (c *Client) Subscribe(ctx context.Context, id entity.ID, localVersion []byte, onUpdate func(delta []byte)) (func(), error) {
	c.mu.Lock()
	if _, ok := c.handlers[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("ws: already subscribed to %s", id)
	}
	c.handlers[id] = onUpdate
	c.mu.Unlock()

	res, err := c.roundTrip(ctx, &socket.PeerRequest{
		Operation: int32(socket.OperationSubscribe),
		Subscribe: &socket.SubscribeRequest{EntityId: id.String(), Version: localVersion},
	})
	if err == nil && res.ErrorCode != int32(socket.ErrorCodeOK) {
		err = fmt.Errorf("ws: subscribe %s: %s", id, res.ErrorMessage)
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
			if _, err := c.roundTrip(unsubCtx, &socket.PeerRequest{
				Operation:   int32(socket.OperationUnsubscribe),
				Unsubscribe: &socket.UnsubscribeRequest{EntityId: id.String()},
			}); err != nil {
				c.log.WithField("entity", id.String()).WithError(err).Debug("unsubscribe request failed")
			}
		})
	}
	return unsubscribe, nil
}

func (c *Client) SendUpdate(ctx context.Context, id entity.ID, delta []byte) error {
	res, err := c.roundTrip(ctx, &socket.PeerRequest{
		Operation: int32(socket.OperationUpdate),
		Update:    &socket.UpdateRequest{EntityId: id.String(), Delta: delta},
	})
	if err != nil {
		return err
	}
	if res.ErrorCode != int32(socket.ErrorCodeOK) {
		return fmt.Errorf("ws: update %s: code=%d %s", id, res.ErrorCode, res.ErrorMessage)
	}
	return nil
}
