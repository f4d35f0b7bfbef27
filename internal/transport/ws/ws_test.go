package ws

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deltahub/internal/engine"
	"deltahub/internal/entity"
	"deltahub/internal/hub"
	"deltahub/internal/storage"
	"deltahub/internal/transport/socket"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	eng := engine.NewMapEngine()
	mgr := storage.NewManager(storage.NewMemoryBackend(), eng, storage.ManagerConfig{})
	h := hub.New(mgr, eng, hub.Config{})
	srv := httptest.NewServer(NewServer(ServerConfig{AuthToken: "secret"}, h))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url, token string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ClientConfig{URL: url, AuthToken: token, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testDelta(t *testing.T, key, value string) []byte {
	t.Helper()
	doc := engine.NewMapDocument("writer")
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

func TestFanoutBetweenWebsocketClients(t *testing.T) {
	url := startTestServer(t)
	ctx := context.Background()
	id := entity.NewID()

	a := dialTest(t, url, "secret")
	b := dialTest(t, url, "secret")

	aGot := make(chan []byte, 4)
	unsubA, err := a.Subscribe(ctx, id, nil, func(d []byte) { aGot <- d })
	if err != nil {
		t.Fatal(err)
	}
	defer unsubA()
	bGot := make(chan []byte, 4)
	unsubB, err := b.Subscribe(ctx, id, nil, func(d []byte) { bGot <- d })
	if err != nil {
		t.Fatal(err)
	}
	defer unsubB()

	delta := testDelta(t, "first", "John")
	if err := a.SendUpdate(ctx, id, delta); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-bGot:
		if !bytes.Equal(d, delta) {
			t.Fatal("fanout altered delta bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery to second subscriber")
	}
	select {
	case <-aGot:
		t.Fatal("update echoed to its sender")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebsocketAuth(t *testing.T) {
	url := startTestServer(t)
	c := dialTest(t, url, "wrong")
	if _, err := c.Subscribe(context.Background(), entity.NewID(), nil, func([]byte) {}); err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestSendAfterConnectionCloseDoesNotPanic(t *testing.T) {
	conn := &wsConn{writerQ: make(chan []byte, 1)}
	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()
	close(conn.writerQ)

	err := conn.send(&socket.ServerFrame{Response: &socket.PeerResponse{}})
	if !errors.Is(err, errConnClosed) {
		t.Fatalf("send after close = %v, want errConnClosed", err)
	}
}

func TestSendReportsWriterOverflow(t *testing.T) {
	conn := &wsConn{writerQ: make(chan []byte)}
	err := conn.send(&socket.ServerFrame{Response: &socket.PeerResponse{}})
	if !errors.Is(err, errWriterFull) {
		t.Fatalf("send on full queue = %v, want errWriterFull", err)
	}
}
