package engine

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// clock is a version vector: actor -> highest sequence number observed.
type clock map[string]uint64

type clockEntry struct {
	Actor string `msgpack:"a"`
	Seq   uint64 `msgpack:"s"`
}

func (c clock) clone() clock {
	out := make(clock, len(c))
	for a, s := range c {
		out[a] = s
	}
	return out
}

func (c clock) merge(other clock) {
	for a, s := range other {
		if s > c[a] {
			c[a] = s
		}
	}
}

// descends reports whether c has seen everything other has.
func (c clock) descends(other clock) bool {
	for a, s := range other {
		if c[a] < s {
			return false
		}
	}
	return true
}

func (c clock) relation(other clock) Relation {
	cd := c.descends(other)
	od := other.descends(c)
	switch {
	case cd && od:
		return Equal
	case od:
		return Before
	case cd:
		return After
	default:
		return Concurrent
	}
}

// encode serializes the clock as a sorted entry list so equal clocks
// always produce identical bytes.
func (c clock) encode() []byte {
	entries := make([]clockEntry, 0, len(c))
	for a, s := range c {
		entries = append(entries, clockEntry{Actor: a, Seq: s})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Actor < entries[j].Actor })
	b, err := msgpack.Marshal(entries)
	if err != nil {
		// msgpack cannot fail on this shape
		panic(err)
	}
	return b
}

func decodeClock(b []byte) (clock, error) {
	if len(b) == 0 {
		return clock{}, nil
	}
	var entries []clockEntry
	if err := msgpack.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("engine: decode version: %w", err)
	}
	c := make(clock, len(entries))
	for _, e := range entries {
		if e.Seq > c[e.Actor] {
			c[e.Actor] = e.Seq
		}
	}
	return c, nil
}
