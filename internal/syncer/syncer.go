// Package syncer drives one sync session per entity against a remote peer:
// it pushes local mutation deltas upstream and merges remote deltas into
// the entity's document.
package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"deltahub/internal/engine"
	"deltahub/internal/entity"
	"deltahub/internal/runq"
)

// RemotePeer is the upstream interface a session talks to. Subscribe must
// deliver one initial update and then every subsequent relevant update via
// onUpdate; the returned unsubscribe must be idempotent. Implementations
// may call onUpdate from any goroutine.
type RemotePeer interface {
	Subscribe(ctx context.Context, id entity.ID, localVersion []byte, onUpdate func(delta []byte)) (unsubscribe func(), err error)
	SendUpdate(ctx context.Context, id entity.ID, delta []byte) error
}

type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateStopped
)

type Config struct {
	Logger *logrus.Logger
}

type Syncer struct {
	remote RemotePeer
	engine engine.Engine
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[entity.ID]*session
}

type session struct {
	ctx context.Context
	ent *entity.Entity
	q   *runq.Queue

	state        State
	cancelChange func()
	unsubscribe  func()

	// baseVersion is the local version reported at subscribe time;
	// pushedVersion is the latest version known to have been forwarded
	// upstream. Both only change on the session queue.
	baseVersion   []byte
	pushedVersion []byte

	gotFirst bool
	ready    chan struct{}
}

func New(remote RemotePeer, eng engine.Engine, cfg Config) *Syncer {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Syncer{
		remote:   remote,
		engine:   eng,
		log:      cfg.Logger.WithField("component", "syncer"),
		sessions: make(map[entity.ID]*session),
	}
}

// Sync starts a session for the entity. Calling it again for an entity
// that is already syncing is a no-op.
func (s *Syncer) Sync(ctx context.Context, ent *entity.Entity) error {
	id := ent.ID()
	doc := ent.Doc()
	if doc == nil {
		return fmt.Errorf("syncer: sync released entity %s", id)
	}

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil
	}
	sess := &session{
		ctx:   ctx,
		ent:   ent,
		q:     runq.New(),
		state: StateSubscribing,
		ready: make(chan struct{}),
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.baseVersion = doc.Version()
	sess.pushedVersion = sess.baseVersion

	// Local mutations are forwarded on the session queue, never inline
	// from the engine's change callback.
	sess.cancelChange = doc.OnChange(func(origin engine.ChangeOrigin) {
		if origin != engine.OriginLocal {
			return
		}
		sess.q.Defer(func() { s.forwardLocal(id, sess) })
	})

	unsubscribe, err := s.remote.Subscribe(ctx, id, sess.baseVersion, func(delta []byte) {
		sess.q.Defer(func() { s.handleUpdate(id, sess, delta) })
	})
	if err != nil {
		s.teardown(id, sess)
		return fmt.Errorf("syncer: subscribe %s: %w", id, err)
	}
	sess.unsubscribe = unsubscribe
	return nil
}

// Unsync stops the session and removes all state for the id. Unknown ids
// are a no-op.
func (s *Syncer) Unsync(id entity.ID) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.teardown(id, sess)
}

// Ready returns a channel closed on the session's first received delta.
// For unknown ids the channel is already closed.
func (s *Syncer) Ready(id entity.ID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.ready
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// SessionState reports the state of the entity's session, StateIdle when
// none exists.
func (s *Syncer) SessionState(id entity.ID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return StateIdle
	}
	return sess.state
}

func (s *Syncer) teardown(id entity.ID, sess *session) {
	s.mu.Lock()
	if current, ok := s.sessions[id]; ok && current == sess {
		delete(s.sessions, id)
	}
	sess.state = StateStopped
	s.mu.Unlock()
	if sess.cancelChange != nil {
		sess.cancelChange()
	}
	if sess.unsubscribe != nil {
		sess.unsubscribe()
	}
	sess.q.Close()
}

func (s *Syncer) forwardLocal(id entity.ID, sess *session) {
	doc := sess.ent.Doc()
	if doc == nil {
		return
	}
	current := doc.Version()
	rel, err := s.engine.CompareVersions(current, sess.pushedVersion)
	if err != nil {
		s.log.WithField("entity", id.String()).WithError(err).Warn("compare versions failed")
		return
	}
	if rel == engine.Equal {
		return
	}
	delta, err := doc.ExportDelta(sess.pushedVersion)
	if err != nil {
		s.log.WithField("entity", id.String()).WithError(err).Warn("export delta failed")
		return
	}
	if err := s.remote.SendUpdate(sess.ctx, id, delta); err != nil {
		// The next local change retries from the same pushed version.
		s.log.WithField("entity", id.String()).WithError(err).Warn("send update failed")
		return
	}
	sess.pushedVersion = current
}

func (s *Syncer) handleUpdate(id entity.ID, sess *session, delta []byte) {
	doc := sess.ent.Doc()
	if doc == nil {
		return
	}
	deltaVersion, err := s.engine.DeltaVersion(delta)
	if err != nil {
		// A malformed delta is dropped; the session keeps waiting for the
		// next valid one.
		s.log.WithField("entity", id.String()).WithError(err).Warn("rejected inbound delta")
		return
	}
	preMerge := doc.Version()
	if err := doc.Merge(delta); err != nil {
		s.log.WithField("entity", id.String()).WithError(err).Warn("rejected inbound delta")
		return
	}

	first := !sess.gotFirst
	if first {
		sess.gotFirst = true
		s.mu.Lock()
		if sess.state == StateSubscribing {
			sess.state = StateActive
		}
		s.mu.Unlock()
		close(sess.ready)
	}

	// The remote knows what it sent us plus what we have pushed. Never
	// credit it with the full document version: a local mutation whose
	// forward task is still queued would then be skipped and lost.
	if merged, err := s.engine.MergeVersions(sess.pushedVersion, deltaVersion); err == nil {
		sess.pushedVersion = merged
	}

	if first {
		// If local state raced ahead of the version sent at subscribe
		// time, the initial diff understates what the remote is missing;
		// answer with a delta from the subscribe-time version.
		rel, err := s.engine.CompareVersions(preMerge, sess.baseVersion)
		if err != nil || rel == engine.Equal {
			return
		}
		// Capture before exporting so the recorded version is a lower
		// bound of what the catch-up delta actually carries.
		sent := doc.Version()
		catchUp, err := doc.ExportDelta(sess.baseVersion)
		if err != nil {
			s.log.WithField("entity", id.String()).WithError(err).Warn("export catch-up delta failed")
			return
		}
		if err := s.remote.SendUpdate(sess.ctx, id, catchUp); err != nil {
			s.log.WithField("entity", id.String()).WithError(err).Warn("send catch-up delta failed")
			return
		}
		sess.pushedVersion = sent
	}
}
