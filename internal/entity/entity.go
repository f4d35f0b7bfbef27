package entity

import (
	"sync"

	"deltahub/internal/engine"
)

// Entity pairs an ID with the single Document it owns. The document must
// not be used after Release; ownership is single-writer and never shared
// between two Entity values.
type Entity struct {
	id ID

	mu       sync.Mutex
	doc      engine.Document
	released bool
}

func New(id ID, doc engine.Document) *Entity {
	return &Entity{id: id, doc: doc}
}

func (e *Entity) ID() ID { return e.id }

// Doc returns the owned document, or nil after Release.
func (e *Entity) Doc() engine.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil
	}
	return e.doc
}

// Release frees the document. Safe to call more than once.
func (e *Entity) Release() {
	e.mu.Lock()
	doc := e.doc
	e.doc = nil
	released := e.released
	e.released = true
	e.mu.Unlock()
	if !released && doc != nil {
		doc.Release()
	}
}
