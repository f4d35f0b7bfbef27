// Package peer implements the local peer: the handle owner that ties a
// document to its storages and sync sessions. Handles are reference
// counted; the last Close tears the document down one scheduler turn
// later, after a final commit.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deltahub/internal/engine"
	"deltahub/internal/entity"
	"deltahub/internal/runq"
	"deltahub/internal/storage"
	"deltahub/internal/syncer"
)

const saveTimeout = 30 * time.Second

// Storage pairs a chunk manager with its write permission. Read-only
// storages participate in loads but never in saves or deletes.
type Storage struct {
	Manager  *storage.Manager
	ReadOnly bool
}

type Config struct {
	Engine   engine.Engine
	Actor    string
	Storages []Storage
	Remotes  []syncer.RemotePeer

	// CreateTimeout bounds how long Open waits for remote state before
	// treating an unknown entity as a fresh creation.
	CreateTimeout time.Duration
	SavePolicy    SavePolicy
	Logger        *logrus.Logger
}

type Peer struct {
	cfg     Config
	log     *logrus.Entry
	syncers []*syncer.Syncer
	q       *runq.Queue

	mu     sync.Mutex
	states map[entity.ID]*docState
	closed bool
}

type docState struct {
	refs         int
	ent          *entity.Entity
	throttle     SaveThrottle
	cancelChange func()
	initDone     chan struct{}
	initErr      error
	saveMu       sync.Mutex
}

func New(cfg Config) (*Peer, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("peer: engine is required")
	}
	if cfg.Actor == "" {
		cfg.Actor = uuid.NewString()
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = time.Second
	}
	if cfg.SavePolicy == nil {
		cfg.SavePolicy = DebouncePolicy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	p := &Peer{
		cfg:    cfg,
		log:    cfg.Logger.WithField("component", "peer"),
		q:      runq.New(),
		states: make(map[entity.ID]*docState),
	}
	for _, remote := range cfg.Remotes {
		p.syncers = append(p.syncers, syncer.New(remote, cfg.Engine, syncer.Config{Logger: cfg.Logger}))
	}
	return p, nil
}

// Create opens a handle on a brand new entity id.
func (p *Peer) Create(ctx context.Context) (*Handle, error) {
	return p.Open(ctx, entity.NewID())
}

// Open returns a handle on the entity, loading it from every configured
// storage and starting sync sessions on every remote. When the entity is
// unknown locally, Open waits for the first remote delivery or for
// CreateTimeout, whichever comes first, then proceeds. Handles on the
// same id share one document.
func (p *Peer) Open(ctx context.Context, id entity.ID) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("peer: closed")
	}
	if st, ok := p.states[id]; ok {
		st.refs++
		p.mu.Unlock()
		select {
		case <-st.initDone:
		case <-ctx.Done():
			p.release(id)
			return nil, ctx.Err()
		}
		if st.initErr != nil {
			p.release(id)
			return nil, st.initErr
		}
		return &Handle{peer: p, st: st, id: id}, nil
	}
	st := &docState{refs: 1, initDone: make(chan struct{})}
	p.states[id] = st
	p.mu.Unlock()

	err := p.initState(ctx, id, st)
	st.initErr = err
	close(st.initDone)
	if err != nil {
		p.mu.Lock()
		if p.states[id] == st {
			delete(p.states, id)
		}
		p.mu.Unlock()
		return nil, err
	}
	return &Handle{peer: p, st: st, id: id}, nil
}

func (p *Peer) initState(ctx context.Context, id entity.ID, st *docState) error {
	ent := entity.New(id, p.cfg.Engine.NewDocument(p.cfg.Actor))
	st.ent = ent

	found := false
	for _, s := range p.cfg.Storages {
		ok, err := s.Manager.Load(ctx, ent)
		if err != nil {
			ent.Release()
			return fmt.Errorf("peer: load %s: %w", id, err)
		}
		found = found || ok
	}

	st.throttle = p.cfg.SavePolicy.NewThrottle(func() { p.saveNow(st) })
	st.cancelChange = ent.Doc().OnChange(func(engine.ChangeOrigin) {
		st.throttle.Trigger()
	})

	for _, s := range p.syncers {
		if err := s.Sync(ctx, ent); err != nil {
			p.log.WithField("entity", id.String()).WithError(err).Warn("sync session failed to start")
		}
	}

	if !found && len(p.syncers) > 0 {
		if err := p.awaitFirstDelivery(ctx, id); err != nil {
			p.teardownState(st)
			return err
		}
	}
	return nil
}

// awaitFirstDelivery races the creation timeout against the first sync
// session becoming active. Timing out is not an error: the caller is
// creating the entity.
func (p *Peer) awaitFirstDelivery(ctx context.Context, id entity.ID) error {
	ready := make(chan struct{})
	var once sync.Once
	for _, s := range p.syncers {
		go func(s *syncer.Syncer) {
			<-s.Ready(id)
			once.Do(func() { close(ready) })
		}(s)
	}
	timer := time.NewTimer(p.cfg.CreateTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Peer) saveNow(st *docState) {
	st.saveMu.Lock()
	defer st.saveMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	for _, s := range p.cfg.Storages {
		if s.ReadOnly {
			continue
		}
		if err := s.Manager.Save(ctx, st.ent); err != nil {
			p.log.WithField("entity", st.ent.ID().String()).WithError(err).Error("save failed")
		}
	}
}

func (p *Peer) release(id entity.ID) {
	p.mu.Lock()
	st, ok := p.states[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.refs--
	if st.refs > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	// Deferred one turn so an immediate reopen reuses the live document.
	p.q.Defer(func() { p.teardownIfIdle(id) })
}

func (p *Peer) teardownIfIdle(id entity.ID) {
	p.mu.Lock()
	st, ok := p.states[id]
	if !ok || st.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.states, id)
	p.mu.Unlock()
	p.teardownState(st)
}

func (p *Peer) teardownState(st *docState) {
	if st.cancelChange != nil {
		st.cancelChange()
	}
	if st.throttle != nil {
		st.throttle.Stop()
	}
	p.saveNow(st)
	for _, s := range p.syncers {
		s.Unsync(st.ent.ID())
	}
	st.ent.Release()
}

// Delete removes the entity from every writable storage. Remote copies
// are not touched; other peers keep whatever they have.
func (p *Peer) Delete(ctx context.Context, id entity.ID) error {
	p.mu.Lock()
	st, ok := p.states[id]
	if ok {
		delete(p.states, id)
	}
	p.mu.Unlock()
	if ok {
		if st.cancelChange != nil {
			st.cancelChange()
		}
		if st.throttle != nil {
			st.throttle.Stop()
		}
		for _, s := range p.syncers {
			s.Unsync(id)
		}
		st.ent.Release()
	}
	var firstErr error
	for _, s := range p.cfg.Storages {
		if s.ReadOnly {
			continue
		}
		if err := s.Manager.Delete(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close tears down every open document after a final commit.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	states := p.states
	p.states = make(map[entity.ID]*docState)
	p.mu.Unlock()
	for _, st := range states {
		p.teardownState(st)
	}
	p.q.Close()
}

// Handle is one reference to an open document. Closing the last handle
// schedules teardown; the document stays usable until then.
type Handle struct {
	peer *Peer
	st   *docState
	id   entity.ID

	mu     sync.Mutex
	closed bool
}

func (h *Handle) ID() entity.ID { return h.id }

// Doc returns the shared document. Nil once the underlying entity has
// been released.
func (h *Handle) Doc() engine.Document { return h.st.ent.Doc() }

func (h *Handle) Entity() *entity.Entity { return h.st.ent }

func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.peer.release(h.id)
}
