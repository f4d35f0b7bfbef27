package hub

import (
	"context"
	"sync"

	"deltahub/internal/entity"
)

// Loopback adapts an in-process Hub to the remote peer contract used by
// sync sessions, so a hub and its local clients can share one process
// without a socket in between. Each Loopback is one logical peer: updates
// it sends are not echoed back to its own subscriptions.
type Loopback struct {
	hub *Hub

	mu     sync.Mutex
	tokens map[entity.ID]string
}

func (h *Hub) Loopback() *Loopback {
	return &Loopback{hub: h, tokens: make(map[entity.ID]string)}
}

func (l *Loopback) Subscribe(ctx context.Context, id entity.ID, localVersion []byte, onUpdate func(delta []byte)) (func(), error) {
	token, unsub, err := l.hub.Subscribe(ctx, id, localVersion, onUpdate)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.tokens[id] = token
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		if l.tokens[id] == token {
			delete(l.tokens, id)
		}
		l.mu.Unlock()
		unsub()
	}, nil
}

func (l *Loopback) SendUpdate(ctx context.Context, id entity.ID, delta []byte) error {
	l.mu.Lock()
	origin := l.tokens[id]
	l.mu.Unlock()
	return l.hub.SendUpdate(ctx, id, delta, origin)
}
