package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"deltahub/internal/entity"
	"deltahub/internal/hashroute"
	"deltahub/internal/hub"
)

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
	Logger                                      *logrus.Logger
}

// Server exposes a Hub over framed TCP or unix sockets. Requests for the
// same entity run on the same partition worker; a connection's
// subscriptions are torn down when it disconnects.
type Server struct {
	cfg     Config
	hub     *hub.Hub
	log     *logrus.Entry
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *PeerRequest
	id      entity.ID
	conn    *connection
	release func()
}

type subscription struct {
	token  string
	cancel func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *ServerFrame
	inflight chan struct{}

	mu     sync.Mutex
	subs   map[entity.ID]subscription
	closed bool
}

var (
	errConnClosed = errors.New("connection closed")
	errWriterFull = errors.New("writer queue full")
)

// send queues a frame for the writer without blocking. Hub fanouts can
// race connection teardown, so the closed flag and the channel close are
// serialized on conn.mu; send never touches a closed channel.
func (conn *connection) send(frame *ServerFrame) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return errConnClosed
	}
	select {
	case conn.writerQ <- frame:
		return nil
	default:
		return errWriterFull
	}
}

func (conn *connection) closeWriter() {
	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()
	close(conn.writerQ)
}

func NewServer(cfg Config, h *hub.Hub) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	s := &Server{
		cfg:     cfg,
		hub:     h,
		log:     cfg.Logger.WithField("component", "socket"),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, hashroute.PartitionCount),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, q := range s.partQ {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *ServerFrame, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		subs:     make(map[entity.ID]subscription),
	}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer conn.closeWriter()
		defer raw.Close()
		defer s.dropSubscriptions(conn)
		s.readLoop(ctx, conn)
	}()
}

func (s *Server) dropSubscriptions(conn *connection) {
	conn.mu.Lock()
	subs := conn.subs
	conn.subs = nil
	conn.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for frame := range conn.writerQ {
		payload, err := MarshalMessage(frame)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.respond(conn, &PeerResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.respond(conn, errorResponse(req, ErrorCodeBadRequest, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.respond(conn, errorResponse(req, ErrorCodeUnauthenticated, "invalid auth token"))
			continue
		}
		id, err := requestEntity(req)
		if err != nil {
			s.respond(conn, errorResponse(req, ErrorCodeBadRequest, err.Error()))
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.respond(conn, errorResponse(req, ErrorCodeOverloaded, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.respond(conn, errorResponse(req, ErrorCodeOverloaded, "server queue overloaded"))
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, id: id, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[hashroute.PartitionForEntity(id)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.respond(conn, errorResponse(req, ErrorCodeOverloaded, "partition queue overloaded"))
		}
	}
}

// requestEntity parses the entity id the request addresses. Ping carries
// none and lands on a fixed partition.
func requestEntity(req *PeerRequest) (entity.ID, error) {
	switch Operation(req.Operation) {
	case OperationSubscribe:
		return entity.ParseID(req.Subscribe.EntityId)
	case OperationUnsubscribe:
		return entity.ParseID(req.Unsubscribe.EntityId)
	case OperationUpdate:
		return entity.ParseID(req.Update.EntityId)
	default:
		return entity.ID{}, nil
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for qr := range q {
		res := s.handleRequest(qr.ctx, qr.conn, qr.req, qr.id)
		qr.release()
		s.respond(qr.conn, res)
	}
}

// respond never blocks a partition worker on a slow consumer. A response
// lost to backpressure is recovered by the client's own request timeout.
func (s *Server) respond(conn *connection, res *PeerResponse) {
	if err := conn.send(&ServerFrame{Response: res}); errors.Is(err, errWriterFull) {
		s.log.WithField("remote", conn.c.RemoteAddr().String()).Warn("writer queue full, response dropped")
	}
}

// deliver pushes a fanout frame. Unlike a response, a delivery cannot be
// dropped: every delta carries the full vector clock, so a later delivery
// would advance the client's version past the lost one and the catch-up
// diff on resubscribe could never resend it. Overflow kills the connection
// instead; the client reconnects and resubscribes from scratch.
func (s *Server) deliver(conn *connection, frame *ServerFrame) {
	if err := conn.send(frame); errors.Is(err, errWriterFull) {
		s.log.WithField("remote", conn.c.RemoteAddr().String()).Warn("writer queue full, dropping connection")
		_ = conn.c.Close()
	}
}

func (s *Server) handleRequest(ctx context.Context, conn *connection, req *PeerRequest, id entity.ID) *PeerResponse {
	res := &PeerResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationSubscribe:
		return s.handleSubscribe(ctx, conn, req, id, res)
	case OperationUnsubscribe:
		conn.mu.Lock()
		sub, ok := conn.subs[id]
		if ok {
			delete(conn.subs, id)
		}
		conn.mu.Unlock()
		if ok {
			sub.cancel()
		}
	case OperationUpdate:
		return s.handleUpdate(ctx, conn, req, id, res)
	default:
		return errorResponse(req, ErrorCodeBadRequest, "unknown operation")
	}
	return res
}

func (s *Server) handleSubscribe(ctx context.Context, conn *connection, req *PeerRequest, id entity.ID, res *PeerResponse) *PeerResponse {
	conn.mu.Lock()
	if conn.subs == nil {
		conn.mu.Unlock()
		return errorResponse(req, ErrorCodeInternal, "connection closing")
	}
	if _, ok := conn.subs[id]; ok {
		conn.mu.Unlock()
		return res
	}
	conn.mu.Unlock()

	idStr := id.String()
	onUpdate := func(delta []byte) {
		s.deliver(conn, &ServerFrame{Delivery: &Delivery{EntityId: idStr, Delta: delta}})
	}
	token, cancel, err := s.hub.Subscribe(ctx, id, req.Subscribe.Version, onUpdate)
	if err != nil {
		return errorResponse(req, ErrorCodeInternal, err.Error())
	}

	conn.mu.Lock()
	if conn.subs == nil {
		conn.mu.Unlock()
		cancel()
		return errorResponse(req, ErrorCodeInternal, "connection closing")
	}
	conn.subs[id] = subscription{token: token, cancel: cancel}
	conn.mu.Unlock()
	return res
}

func (s *Server) handleUpdate(ctx context.Context, conn *connection, req *PeerRequest, id entity.ID, res *PeerResponse) *PeerResponse {
	conn.mu.Lock()
	origin := conn.subs[id].token
	conn.mu.Unlock()

	if err := s.hub.SendUpdate(ctx, id, req.Update.Delta, origin); err != nil {
		if errors.Is(err, hub.ErrRejectedDelta) {
			return errorResponse(req, ErrorCodeBadRequest, err.Error())
		}
		return errorResponse(req, ErrorCodeInternal, err.Error())
	}
	return res
}

func errorResponse(req *PeerRequest, code ErrorCode, msg string) *PeerResponse {
	return &PeerResponse{RequestId: req.RequestId, ErrorCode: int32(code), ErrorMessage: msg}
}
