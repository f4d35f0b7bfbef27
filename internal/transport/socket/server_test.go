package socket

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"deltahub/internal/engine"
	"deltahub/internal/entity"
	"deltahub/internal/hub"
	"deltahub/internal/storage"
)

func newPipeConnection(t *testing.T, queueLen int) (*connection, net.Conn) {
	t.Helper()
	srvEnd, clientEnd := net.Pipe()
	t.Cleanup(func() { _ = srvEnd.Close(); _ = clientEnd.Close() })
	return &connection{
		c:        srvEnd,
		writerQ:  make(chan *ServerFrame, queueLen),
		inflight: make(chan struct{}, 1),
		subs:     make(map[entity.ID]subscription),
	}, clientEnd
}

func subscribeConnection(t *testing.T, s *Server, conn *connection, id entity.ID) {
	t.Helper()
	req := &PeerRequest{
		Operation: int32(OperationSubscribe),
		Subscribe: &SubscribeRequest{EntityId: id.String()},
	}
	res := s.handleSubscribe(context.Background(), conn, req, id, &PeerResponse{})
	if ErrorCode(res.ErrorCode) != ErrorCodeOK {
		t.Fatalf("subscribe failed: %s", res.ErrorMessage)
	}
}

func actorDelta(t *testing.T, actor, key, value string) []byte {
	t.Helper()
	doc := engine.NewMapDocument(actor)
	defer doc.Release()
	if err := doc.Set(key, []byte(value)); err != nil {
		t.Fatal(err)
	}
	snap, err := doc.ExportSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestFanoutAfterDisconnectDoesNotPanic(t *testing.T) {
	eng := engine.NewMapEngine()
	mgr := storage.NewManager(storage.NewMemoryBackend(), eng, storage.ManagerConfig{})
	h := hub.New(mgr, eng, hub.Config{})
	s := NewServer(Config{}, h)

	conn, _ := newPipeConnection(t, 4)
	id := entity.NewID()
	subscribeConnection(t, s, conn, id)

	// Tear the writer down while the hub subscription is still standing,
	// as happens when a fanout snapshots its targets just before the
	// disconnecting connection cancels them.
	conn.closeWriter()

	if err := h.SendUpdate(context.Background(), id, actorDelta(t, "alice", "k", "v"), ""); err != nil {
		t.Fatal(err)
	}
}

func TestSendOnClosedConnectionReportsClosed(t *testing.T) {
	conn, _ := newPipeConnection(t, 1)
	conn.closeWriter()
	if err := conn.send(&ServerFrame{Response: &PeerResponse{}}); !errors.Is(err, errConnClosed) {
		t.Fatalf("send after close = %v, want errConnClosed", err)
	}
}

func TestDeliveryOverflowDropsConnection(t *testing.T) {
	eng := engine.NewMapEngine()
	mgr := storage.NewManager(storage.NewMemoryBackend(), eng, storage.ManagerConfig{})
	h := hub.New(mgr, eng, hub.Config{})
	s := NewServer(Config{}, h)

	// Queue of one and no write loop draining it: the second delivery
	// overflows.
	conn, clientEnd := newPipeConnection(t, 1)
	id := entity.NewID()
	subscribeConnection(t, s, conn, id)

	ctx := context.Background()
	if err := h.SendUpdate(ctx, id, actorDelta(t, "alice", "a", "1"), ""); err != nil {
		t.Fatal(err)
	}
	if err := h.SendUpdate(ctx, id, actorDelta(t, "bob", "b", "2"), ""); err != nil {
		t.Fatal(err)
	}

	// A dropped delivery must kill the connection so the client
	// resubscribes before merging any later delta.
	_ = clientEnd.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := clientEnd.Read(buf)
	if err == nil {
		t.Fatal("connection still open after a dropped delivery")
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("connection not closed after a dropped delivery")
	}
}
