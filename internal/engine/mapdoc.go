package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrReleased     = errors.New("engine: document released")
	ErrKindMismatch = errors.New("engine: component kind mismatch")
)

// ComponentKind tags the closed set of container variants a document key
// can hold. Adding a container kind means adding a case here and to every
// switch below, not growing an if chain.
type ComponentKind uint8

const (
	KindRegister ComponentKind = 1 + iota
	KindCounter
)

type registerCell struct {
	Value   []byte
	Lamport uint64
	Writer  string
	Seq     uint64
}

type counterCell struct {
	Total int64
	Seq   uint64
}

type component struct {
	kind   ComponentKind
	reg    registerCell
	counts map[string]counterCell
}

// MapEngine is the built-in document engine: a keyed component map with
// last-writer-wins registers and per-actor counters, versioned by a vector
// clock. Deltas are dotted state fragments, so merge is commutative,
// associative and idempotent.
type MapEngine struct{}

func NewMapEngine() MapEngine { return MapEngine{} }

func (MapEngine) NewDocument(actor string) Document {
	return NewMapDocument(actor)
}

func (MapEngine) CompareVersions(a, b []byte) (Relation, error) {
	ca, err := decodeClock(a)
	if err != nil {
		return Equal, err
	}
	cb, err := decodeClock(b)
	if err != nil {
		return Equal, err
	}
	return ca.relation(cb), nil
}

func (MapEngine) MergeVersions(a, b []byte) ([]byte, error) {
	ca, err := decodeClock(a)
	if err != nil {
		return nil, err
	}
	cb, err := decodeClock(b)
	if err != nil {
		return nil, err
	}
	ca.merge(cb)
	return ca.encode(), nil
}

func (MapEngine) DeltaVersion(delta []byte) ([]byte, error) {
	var patch wirePatch
	if err := msgpack.Unmarshal(delta, &patch); err != nil {
		return nil, fmt.Errorf("engine: decode delta: %w", err)
	}
	c := make(clock, len(patch.Clock))
	for _, e := range patch.Clock {
		if e.Seq > c[e.Actor] {
			c[e.Actor] = e.Seq
		}
	}
	return c.encode(), nil
}

// MapDocument implements Document. All mutation and export paths are
// serialized on one mutex; change handlers run outside it.
type MapDocument struct {
	mu       sync.Mutex
	actor    string
	clock    clock
	lamport  uint64
	comps    map[string]*component
	subs     map[int]func(ChangeOrigin)
	nextSub  int
	released bool
}

func NewMapDocument(actor string) *MapDocument {
	return &MapDocument{
		actor: actor,
		clock: clock{},
		comps: make(map[string]*component),
		subs:  make(map[int]func(ChangeOrigin)),
	}
}

// Set writes a last-writer-wins register.
func (d *MapDocument) Set(key string, value []byte) error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return ErrReleased
	}
	c, ok := d.comps[key]
	if ok && c.kind != KindRegister {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q is not a register", ErrKindMismatch, key)
	}
	if !ok {
		c = &component{kind: KindRegister}
		d.comps[key] = c
	}
	seq := d.clock[d.actor] + 1
	d.clock[d.actor] = seq
	d.lamport++
	c.reg = registerCell{Value: append([]byte(nil), value...), Lamport: d.lamport, Writer: d.actor, Seq: seq}
	handlers := d.handlers()
	d.mu.Unlock()
	notify(handlers, OriginLocal)
	return nil
}

// Add applies a signed increment to a counter.
func (d *MapDocument) Add(key string, n int64) error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return ErrReleased
	}
	c, ok := d.comps[key]
	if ok && c.kind != KindCounter {
		d.mu.Unlock()
		return fmt.Errorf("%w: %q is not a counter", ErrKindMismatch, key)
	}
	if !ok {
		c = &component{kind: KindCounter, counts: make(map[string]counterCell)}
		d.comps[key] = c
	}
	seq := d.clock[d.actor] + 1
	d.clock[d.actor] = seq
	cell := c.counts[d.actor]
	c.counts[d.actor] = counterCell{Total: cell.Total + n, Seq: seq}
	handlers := d.handlers()
	d.mu.Unlock()
	notify(handlers, OriginLocal)
	return nil
}

func (d *MapDocument) GetRegister(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.comps[key]
	if !ok || c.kind != KindRegister {
		return nil, false
	}
	return append([]byte(nil), c.reg.Value...), true
}

func (d *MapDocument) GetCounter(key string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.comps[key]
	if !ok || c.kind != KindCounter {
		return 0
	}
	var total int64
	for _, cell := range c.counts {
		total += cell.Total
	}
	return total
}

type wireCount struct {
	Actor string `msgpack:"a"`
	Total int64  `msgpack:"t"`
	Seq   uint64 `msgpack:"s"`
}

type wireComponent struct {
	Key     string      `msgpack:"k"`
	Kind    uint8       `msgpack:"d"`
	Value   []byte      `msgpack:"v"`
	Lamport uint64      `msgpack:"l"`
	Writer  string      `msgpack:"w"`
	Seq     uint64      `msgpack:"s"`
	Counts  []wireCount `msgpack:"c"`
}

type wirePatch struct {
	Clock      []clockEntry    `msgpack:"v"`
	Components []wireComponent `msgpack:"c"`
}

func (d *MapDocument) ExportSnapshot() ([]byte, error) {
	return d.ExportDelta(nil)
}

// ExportDelta returns every component cell the holder of `from` has not
// seen, plus the document's full clock. Entries are sorted so equal states
// export equal bytes.
func (d *MapDocument) ExportDelta(from []byte) ([]byte, error) {
	fromClock, err := decodeClock(from)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}

	patch := wirePatch{}
	for a, s := range d.clock {
		patch.Clock = append(patch.Clock, clockEntry{Actor: a, Seq: s})
	}
	sort.Slice(patch.Clock, func(i, j int) bool { return patch.Clock[i].Actor < patch.Clock[j].Actor })

	for key, c := range d.comps {
		wc := wireComponent{Key: key, Kind: uint8(c.kind)}
		include := false
		switch c.kind {
		case KindRegister:
			if c.reg.Seq > fromClock[c.reg.Writer] {
				wc.Value = c.reg.Value
				wc.Lamport = c.reg.Lamport
				wc.Writer = c.reg.Writer
				wc.Seq = c.reg.Seq
				include = true
			}
		case KindCounter:
			for a, cell := range c.counts {
				if cell.Seq > fromClock[a] {
					wc.Counts = append(wc.Counts, wireCount{Actor: a, Total: cell.Total, Seq: cell.Seq})
				}
			}
			if len(wc.Counts) > 0 {
				sort.Slice(wc.Counts, func(i, j int) bool { return wc.Counts[i].Actor < wc.Counts[j].Actor })
				include = true
			}
		}
		if include {
			patch.Components = append(patch.Components, wc)
		}
	}
	sort.Slice(patch.Components, func(i, j int) bool { return patch.Components[i].Key < patch.Components[j].Key })

	return msgpack.Marshal(patch)
}

func (d *MapDocument) Merge(delta []byte) error {
	var patch wirePatch
	if err := msgpack.Unmarshal(delta, &patch); err != nil {
		return fmt.Errorf("engine: decode delta: %w", err)
	}

	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return ErrReleased
	}

	changed := false
	for _, wc := range patch.Components {
		if d.applyComponent(wc) {
			changed = true
		}
	}
	for _, e := range patch.Clock {
		if e.Seq > d.clock[e.Actor] {
			d.clock[e.Actor] = e.Seq
			changed = true
		}
	}
	var handlers []func(ChangeOrigin)
	if changed {
		handlers = d.handlers()
	}
	d.mu.Unlock()
	notify(handlers, OriginRemote)
	return nil
}

func (d *MapDocument) applyComponent(wc wireComponent) bool {
	c, ok := d.comps[wc.Key]
	if ok && c.kind != ComponentKind(wc.Kind) {
		// Concurrent creation under different kinds: the smaller kind tag
		// wins on every replica, so the conflict resolves the same way
		// regardless of merge order.
		if ComponentKind(wc.Kind) >= c.kind {
			return false
		}
		ok = false
	}
	if !ok {
		c = &component{kind: ComponentKind(wc.Kind)}
		if c.kind == KindCounter {
			c.counts = make(map[string]counterCell)
		}
		d.comps[wc.Key] = c
	}

	changed := false
	switch c.kind {
	case KindRegister:
		incoming := registerCell{Value: append([]byte(nil), wc.Value...), Lamport: wc.Lamport, Writer: wc.Writer, Seq: wc.Seq}
		if registerWins(incoming, c.reg) {
			c.reg = incoming
			changed = true
		}
		if incoming.Lamport > d.lamport {
			d.lamport = incoming.Lamport
		}
	case KindCounter:
		for _, in := range wc.Counts {
			cur := c.counts[in.Actor]
			if in.Seq > cur.Seq {
				c.counts[in.Actor] = counterCell{Total: in.Total, Seq: in.Seq}
				changed = true
			}
		}
	}
	return changed
}

func registerWins(in, cur registerCell) bool {
	if cur.Writer == "" && cur.Seq == 0 {
		return true
	}
	if in.Lamport != cur.Lamport {
		return in.Lamport > cur.Lamport
	}
	if in.Writer != cur.Writer {
		return in.Writer > cur.Writer
	}
	return in.Seq > cur.Seq
}

func (d *MapDocument) Version() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.encode()
}

func (d *MapDocument) OnChange(fn func(ChangeOrigin)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *MapDocument) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.subs = make(map[int]func(ChangeOrigin))
}

func (d *MapDocument) handlers() []func(ChangeOrigin) {
	out := make([]func(ChangeOrigin), 0, len(d.subs))
	for _, fn := range d.subs {
		out = append(out, fn)
	}
	return out
}

func notify(handlers []func(ChangeOrigin), origin ChangeOrigin) {
	for _, fn := range handlers {
		fn(origin)
	}
}
