// Package ws bridges the peer protocol onto websockets for clients that
// cannot hold a raw TCP socket. Each websocket binary message carries one
// protocol message; framing comes from the websocket layer itself.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"deltahub/internal/entity"
	"deltahub/internal/hub"
	"deltahub/internal/transport/socket"
)

const (
	writeTimeout   = 5 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	writerQueueLen = 256
)

type ServerConfig struct {
	AuthToken string
	Logger    *logrus.Logger
}

// Server is an http.Handler that upgrades requests and serves the peer
// protocol. Subscriptions live as long as their websocket.
type Server struct {
	cfg      ServerConfig
	hub      *hub.Hub
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, h *hub.Hub) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Server{
		cfg: cfg,
		hub: h,
		log: cfg.Logger.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

type wsSub struct {
	token  string
	cancel func()
}

type wsConn struct {
	c       *websocket.Conn
	writerQ chan []byte

	mu     sync.Mutex
	subs   map[entity.ID]wsSub
	closed bool
}

var (
	errConnClosed = errors.New("connection closed")
	errWriterFull = errors.New("writer queue full")
)

// send queues a frame for the writer without blocking. Hub fanouts can
// race teardown, so the closed flag and the channel close are serialized
// on conn.mu; send never touches a closed channel.
func (conn *wsConn) send(frame *socket.ServerFrame) error {
	payload, err := socket.MarshalMessage(frame)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return errConnClosed
	}
	select {
	case conn.writerQ <- payload:
		return nil
	default:
		return errWriterFull
	}
}

func (conn *wsConn) originToken(id entity.ID) string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.subs[id].token
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("upgrade failed")
		return
	}
	conn := &wsConn{
		c:       c,
		writerQ: make(chan []byte, writerQueueLen),
		subs:    make(map[entity.ID]wsSub),
	}
	go s.writeLoop(conn)
	s.readLoop(r.Context(), conn)
}

func (s *Server) writeLoop(conn *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-conn.writerQ:
			if !ok {
				return
			}
			_ = conn.c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.c.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn) {
	defer func() {
		conn.mu.Lock()
		subs := conn.subs
		conn.subs = nil
		conn.closed = true
		conn.mu.Unlock()
		for _, sub := range subs {
			sub.cancel()
		}
		close(conn.writerQ)
		_ = conn.c.Close()
	}()

	_ = conn.c.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.c.SetPongHandler(func(string) error {
		return conn.c.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.c.SetReadLimit(socket.MaxFrameSize)

	for {
		kind, payload, err := conn.c.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		req, err := socket.UnmarshalRequest(payload)
		if err != nil {
			s.respond(conn, &socket.PeerResponse{ErrorCode: int32(socket.ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		s.respond(conn, s.handleRequest(ctx, conn, req))
	}
}

func (s *Server) handleRequest(ctx context.Context, conn *wsConn, req *socket.PeerRequest) *socket.PeerResponse {
	if err := socket.ValidateRequest(req); err != nil {
		return errorResponse(req, socket.ErrorCodeBadRequest, err.Error())
	}
	if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
		return errorResponse(req, socket.ErrorCodeUnauthenticated, "invalid auth token")
	}

	res := &socket.PeerResponse{RequestId: req.RequestId, ErrorCode: int32(socket.ErrorCodeOK)}
	switch socket.Operation(req.Operation) {
	case socket.OperationPing:
		res.Pong = &socket.PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
		return res
	case socket.OperationSubscribe:
		id, err := entity.ParseID(req.Subscribe.EntityId)
		if err != nil {
			return errorResponse(req, socket.ErrorCodeBadRequest, err.Error())
		}
		return s.handleSubscribe(ctx, conn, req, id, res)
	case socket.OperationUnsubscribe:
		id, err := entity.ParseID(req.Unsubscribe.EntityId)
		if err != nil {
			return errorResponse(req, socket.ErrorCodeBadRequest, err.Error())
		}
		conn.mu.Lock()
		sub, ok := conn.subs[id]
		if ok {
			delete(conn.subs, id)
		}
		conn.mu.Unlock()
		if ok {
			sub.cancel()
		}
		return res
	case socket.OperationUpdate:
		id, err := entity.ParseID(req.Update.EntityId)
		if err != nil {
			return errorResponse(req, socket.ErrorCodeBadRequest, err.Error())
		}
		if err := s.hub.SendUpdate(ctx, id, req.Update.Delta, conn.originToken(id)); err != nil {
			if errors.Is(err, hub.ErrRejectedDelta) {
				return errorResponse(req, socket.ErrorCodeBadRequest, err.Error())
			}
			return errorResponse(req, socket.ErrorCodeInternal, err.Error())
		}
		return res
	default:
		return errorResponse(req, socket.ErrorCodeBadRequest, "unknown operation")
	}
}

func (s *Server) handleSubscribe(ctx context.Context, conn *wsConn, req *socket.PeerRequest, id entity.ID, res *socket.PeerResponse) *socket.PeerResponse {
	conn.mu.Lock()
	if conn.subs == nil {
		conn.mu.Unlock()
		return errorResponse(req, socket.ErrorCodeInternal, "connection closing")
	}
	if _, ok := conn.subs[id]; ok {
		conn.mu.Unlock()
		return res
	}
	conn.mu.Unlock()

	idStr := id.String()
	onUpdate := func(delta []byte) {
		s.deliver(conn, &socket.ServerFrame{Delivery: &socket.Delivery{EntityId: idStr, Delta: delta}})
	}
	token, cancel, err := s.hub.Subscribe(ctx, id, req.Subscribe.Version, onUpdate)
	if err != nil {
		return errorResponse(req, socket.ErrorCodeInternal, err.Error())
	}

	conn.mu.Lock()
	if conn.subs == nil {
		conn.mu.Unlock()
		cancel()
		return errorResponse(req, socket.ErrorCodeInternal, "connection closing")
	}
	conn.subs[id] = wsSub{token: token, cancel: cancel}
	conn.mu.Unlock()
	return res
}

// respond drops a response under backpressure; the client's own request
// timeout covers the loss.
func (s *Server) respond(conn *wsConn, res *socket.PeerResponse) {
	if err := conn.send(&socket.ServerFrame{Response: res}); errors.Is(err, errWriterFull) {
		s.log.Warn("writer queue full, response dropped")
	}
}

// deliver pushes a fanout frame. A delivery cannot be dropped: every delta
// carries the full vector clock, so a later delivery would advance the
// client's version past the lost one and the catch-up diff on resubscribe
// could never resend it. Overflow kills the connection instead; the client
// reconnects and resubscribes from scratch.
func (s *Server) deliver(conn *wsConn, frame *socket.ServerFrame) {
	if err := conn.send(frame); errors.Is(err, errWriterFull) {
		s.log.Warn("writer queue full, dropping connection")
		_ = conn.c.Close()
	}
}

func errorResponse(req *socket.PeerRequest, code socket.ErrorCode, msg string) *socket.PeerResponse {
	return &socket.PeerResponse{RequestId: req.RequestId, ErrorCode: int32(code), ErrorMessage: msg}
}
