package storage

import "context"

// Key is an ordered string sequence. The manager always issues keys shaped
// [namespace, entityID, kind, hash]; backends may flatten them however
// their medium requires, as long as prefix scans respect the ordering.
type Key []string

// KeySeparator joins key parts in flattened form. No part produced by the
// manager ever contains it.
const KeySeparator = "/"

func (k Key) Encode() string {
	out := ""
	for i, part := range k {
		if i > 0 {
			out += KeySeparator
		}
		out += part
	}
	return out
}

type Entry struct {
	Key   Key
	Value []byte
}

// Backend is the minimal durable KV contract consumed by the Manager.
// Load reports absence via ok=false rather than an error.
type Backend interface {
	Load(ctx context.Context, key Key) (value []byte, ok bool, err error)
	Save(ctx context.Context, key Key, value []byte) error
	Remove(ctx context.Context, key Key) error
	LoadRange(ctx context.Context, prefix Key) ([]Entry, error)
	RemoveRange(ctx context.Context, prefix Key) error
}
