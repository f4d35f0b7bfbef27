// Package hub implements the rendezvous peer: it accepts subscriptions for
// arbitrary entities, merges inbound deltas into storage, and fans every
// accepted delta out to the other subscribers of the same entity.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deltahub/internal/engine"
	"deltahub/internal/entity"
	"deltahub/internal/storage"
)

// UpdateSink receives every delta the hub persists, after fanout. Used for
// optional broker feeds; errors are logged and never affect delivery.
type UpdateSink interface {
	PublishUpdate(ctx context.Context, id entity.ID, delta []byte) error
}

// ErrRejectedDelta marks an inbound delta the engine refused to merge.
// The sender is at fault; hub state is unchanged.
var ErrRejectedDelta = errors.New("rejected delta")

type Config struct {
	Logger *logrus.Logger
	Sinks  []UpdateSink
}

// Hub is the storage-backed broker. Each inbound update runs one
// load→merge→compare→save→fanout unit, serialized per entity; pipelines
// for different entities are fully independent.
type Hub struct {
	storage *storage.Manager
	engine  engine.Engine
	log     *logrus.Entry
	sinks   []UpdateSink

	mu    sync.Mutex
	subs  map[entity.ID]map[string]func(delta []byte)
	locks map[entity.ID]*entityLock
}

// entityLock is one entity's pipeline mutex plus the number of holders and
// waiters keeping its map entry alive. refs is guarded by Hub.mu.
type entityLock struct {
	mu   sync.Mutex
	refs int
}

func New(st *storage.Manager, eng engine.Engine, cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Hub{
		storage: st,
		engine:  eng,
		log:     cfg.Logger.WithField("component", "hub"),
		sinks:   cfg.Sinks,
		subs:    make(map[entity.ID]map[string]func(delta []byte)),
		locks:   make(map[entity.ID]*entityLock),
	}
}

// Subscribe registers onUpdate as a standing subscriber and asynchronously
// delivers one initial response: the delta the caller is missing relative
// to callerVersion, or a full snapshot when no version was supplied.
// Nothing is delivered when the entity is not yet stored; the first pushed
// update creates it. The returned token identifies this subscriber for
// SendUpdate origin exclusion; the unsubscribe function is idempotent.
func (h *Hub) Subscribe(ctx context.Context, id entity.ID, callerVersion []byte, onUpdate func(delta []byte)) (token string, unsubscribe func(), err error) {
	if onUpdate == nil {
		return "", nil, fmt.Errorf("hub: nil update handler for %s", id)
	}
	token = uuid.NewString()

	h.mu.Lock()
	handlers, ok := h.subs[id]
	if !ok {
		handlers = make(map[string]func(delta []byte))
		h.subs[id] = handlers
	}
	handlers[token] = onUpdate
	h.mu.Unlock()

	go h.deliverInitial(ctx, id, callerVersion, onUpdate)

	var once sync.Once
	unsubscribe = func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if handlers, ok := h.subs[id]; ok {
				delete(handlers, token)
				if len(handlers) == 0 {
					delete(h.subs, id)
				}
			}
		})
	}
	return token, unsubscribe, nil
}

func (h *Hub) deliverInitial(ctx context.Context, id entity.ID, callerVersion []byte, onUpdate func(delta []byte)) {
	lock := h.lockEntity(id)
	defer h.unlockEntity(id, lock)

	ent := entity.New(id, h.engine.NewDocument("hub"))
	defer ent.Release()

	found, err := h.storage.Load(ctx, ent)
	if err != nil {
		h.log.WithField("entity", id.String()).WithError(err).Error("initial load failed")
		return
	}
	if !found {
		return
	}

	doc := ent.Doc()
	var payload []byte
	if len(callerVersion) > 0 {
		payload, err = doc.ExportDelta(callerVersion)
	} else {
		payload, err = doc.ExportSnapshot()
	}
	if err != nil {
		h.log.WithField("entity", id.String()).WithError(err).Error("initial export failed")
		return
	}
	onUpdate(payload)
}

// SendUpdate merges the delta into the stored entity. Only when the merge
// strictly advances the version is the new state persisted and the same
// delta bytes fanned out to every current subscriber other than origin.
// Duplicate and no-new-info deltas are no-ops. Errors are contained to
// this one update.
func (h *Hub) SendUpdate(ctx context.Context, id entity.ID, delta []byte, origin string) error {
	lock := h.lockEntity(id)
	defer h.unlockEntity(id, lock)

	ent := entity.New(id, h.engine.NewDocument("hub"))
	defer ent.Release()

	if _, err := h.storage.Load(ctx, ent); err != nil {
		h.log.WithField("entity", id.String()).WithError(err).Error("update load failed")
		return fmt.Errorf("hub: load %s: %w", id, err)
	}

	doc := ent.Doc()
	before := doc.Version()
	if err := doc.Merge(delta); err != nil {
		h.log.WithField("entity", id.String()).WithError(err).Warn("rejected malformed delta")
		return fmt.Errorf("%w: merge into %s: %v", ErrRejectedDelta, id, err)
	}
	rel, err := h.engine.CompareVersions(before, doc.Version())
	if err != nil {
		return fmt.Errorf("hub: compare versions for %s: %w", id, err)
	}
	if rel != engine.Before {
		return nil
	}

	if err := h.storage.Save(ctx, ent); err != nil {
		h.log.WithField("entity", id.String()).WithError(err).Error("update save failed")
		return fmt.Errorf("hub: save %s: %w", id, err)
	}

	// Handlers only enqueue; they must not call back into the hub for the
	// same entity synchronously.
	for _, fn := range h.fanoutTargets(id, origin) {
		fn(delta)
	}
	for _, sink := range h.sinks {
		if err := sink.PublishUpdate(ctx, id, delta); err != nil {
			h.log.WithField("entity", id.String()).WithError(err).Warn("update sink publish failed")
		}
	}
	return nil
}

// SubscriberCount reports the current number of standing subscribers.
func (h *Hub) SubscriberCount(id entity.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

func (h *Hub) fanoutTargets(id entity.ID, origin string) []func(delta []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handlers := h.subs[id]
	out := make([]func(delta []byte), 0, len(handlers))
	for token, fn := range handlers {
		if token == origin {
			continue
		}
		out = append(out, fn)
	}
	return out
}

// lockEntity serializes pipelines per entity. Entries are reference
// counted and pruned once the last holder releases them, so a long-lived
// hub does not keep a lock for every entity it has ever touched.
func (h *Hub) lockEntity(id entity.ID) *entityLock {
	h.mu.Lock()
	lock, ok := h.locks[id]
	if !ok {
		lock = &entityLock{}
		h.locks[id] = lock
	}
	lock.refs++
	h.mu.Unlock()
	lock.mu.Lock()
	return lock
}

func (h *Hub) unlockEntity(id entity.ID, lock *entityLock) {
	lock.mu.Unlock()
	h.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(h.locks, id)
	}
	h.mu.Unlock()
}
