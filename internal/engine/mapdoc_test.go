package engine

import (
	"bytes"
	"testing"
)

func mustSnapshot(t *testing.T, d Document) []byte {
	t.Helper()
	b, err := d.ExportSnapshot()
	if err != nil {
		t.Fatalf("export snapshot: %v", err)
	}
	return b
}

func mustMerge(t *testing.T, d Document, delta []byte) {
	t.Helper()
	if err := d.Merge(delta); err != nil {
		t.Fatalf("merge: %v", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	d := NewMapDocument("alice")
	if err := d.Set("name", []byte("John")); err != nil {
		t.Fatal(err)
	}
	got, ok := d.GetRegister("name")
	if !ok {
		t.Fatal("register missing after Set")
	}
	if string(got) != "John" {
		t.Fatalf("got %q, want John", got)
	}
}

func TestCounterSumsAcrossActors(t *testing.T) {
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")
	if err := a.Add("hits", 3); err != nil {
		t.Fatal(err)
	}
	if err := b.Add("hits", -1); err != nil {
		t.Fatal(err)
	}
	mustMerge(t, a, mustSnapshot(t, b))
	if got := a.GetCounter("hits"); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	a := NewMapDocument("alice")
	if err := a.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := a.Add("n", 5); err != nil {
		t.Fatal(err)
	}
	snap := mustSnapshot(t, a)

	b := NewMapDocument("bob")
	mustMerge(t, b, snap)
	once := mustSnapshot(t, b)
	mustMerge(t, b, snap)
	mustMerge(t, b, snap)
	twice := mustSnapshot(t, b)

	if !bytes.Equal(once, twice) {
		t.Fatal("repeated merge of the same delta changed the document")
	}
	if got := b.GetCounter("n"); got != 5 {
		t.Fatalf("counter inflated to %d by duplicate merges", got)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")
	if err := a.Set("title", []byte("draft")); err != nil {
		t.Fatal(err)
	}
	if err := a.Add("edits", 2); err != nil {
		t.Fatal(err)
	}
	if err := b.Set("owner", []byte("bob")); err != nil {
		t.Fatal(err)
	}
	if err := b.Add("edits", 7); err != nil {
		t.Fatal(err)
	}
	da := mustSnapshot(t, a)
	db := mustSnapshot(t, b)

	x := NewMapDocument("x")
	mustMerge(t, x, da)
	mustMerge(t, x, db)
	y := NewMapDocument("y")
	mustMerge(t, y, db)
	mustMerge(t, y, da)

	if !bytes.Equal(mustSnapshot(t, x), mustSnapshot(t, y)) {
		t.Fatal("merge order changed the converged state")
	}
}

func TestConcurrentRegisterWritesConvergeDeterministically(t *testing.T) {
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")
	if err := a.Set("color", []byte("red")); err != nil {
		t.Fatal(err)
	}
	if err := b.Set("color", []byte("blue")); err != nil {
		t.Fatal(err)
	}
	da := mustSnapshot(t, a)
	db := mustSnapshot(t, b)
	mustMerge(t, a, db)
	mustMerge(t, b, da)

	va, _ := a.GetRegister("color")
	vb, _ := b.GetRegister("color")
	if !bytes.Equal(va, vb) {
		t.Fatalf("replicas disagree: %q vs %q", va, vb)
	}
	// Equal lamport values fall back to the writer name; "bob" > "alice".
	if string(va) != "blue" {
		t.Fatalf("winner = %q, want blue", va)
	}
}

func TestLaterWriteWinsAfterObservation(t *testing.T) {
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")
	if err := a.Set("color", []byte("red")); err != nil {
		t.Fatal(err)
	}
	mustMerge(t, b, mustSnapshot(t, a))
	if err := b.Set("color", []byte("green")); err != nil {
		t.Fatal(err)
	}
	mustMerge(t, a, mustSnapshot(t, b))
	got, _ := a.GetRegister("color")
	if string(got) != "green" {
		t.Fatalf("got %q, want the causally later write", got)
	}
}

func TestKindConflictResolvesTheSameOnEveryReplica(t *testing.T) {
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")
	if err := a.Set("field", []byte("text")); err != nil {
		t.Fatal(err)
	}
	if err := b.Add("field", 4); err != nil {
		t.Fatal(err)
	}
	da := mustSnapshot(t, a)
	db := mustSnapshot(t, b)
	mustMerge(t, a, db)
	mustMerge(t, b, da)

	// The register kind has the smaller tag and wins on both sides.
	va, okA := a.GetRegister("field")
	vb, okB := b.GetRegister("field")
	if !okA || !okB {
		t.Fatal("register did not survive the kind conflict on both replicas")
	}
	if !bytes.Equal(va, vb) {
		t.Fatalf("replicas disagree: %q vs %q", va, vb)
	}
}

func TestKindMismatchOnLocalWrite(t *testing.T) {
	d := NewMapDocument("alice")
	if err := d.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := d.Add("k", 1); err == nil {
		t.Fatal("expected kind mismatch error")
	}
}

func TestExportDeltaOmitsSeenState(t *testing.T) {
	a := NewMapDocument("alice")
	if err := a.Set("one", []byte("1")); err != nil {
		t.Fatal(err)
	}
	b := NewMapDocument("bob")
	mustMerge(t, b, mustSnapshot(t, a))
	seen := b.Version()

	if err := a.Set("two", []byte("2")); err != nil {
		t.Fatal(err)
	}
	delta, err := a.ExportDelta(seen)
	if err != nil {
		t.Fatal(err)
	}
	full := mustSnapshot(t, a)
	if len(delta) >= len(full) {
		t.Fatalf("delta (%d bytes) should be smaller than the snapshot (%d bytes)", len(delta), len(full))
	}
	mustMerge(t, b, delta)
	if !bytes.Equal(mustSnapshot(t, b), full) {
		t.Fatal("delta did not bring the receiver up to date")
	}
}

func TestEqualStatesExportEqualBytes(t *testing.T) {
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")
	if err := a.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := a.Add("n", 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Add("m", 2); err != nil {
		t.Fatal(err)
	}
	mustMerge(t, a, mustSnapshot(t, b))
	mustMerge(t, b, mustSnapshot(t, a))
	if !bytes.Equal(mustSnapshot(t, a), mustSnapshot(t, b)) {
		t.Fatal("converged replicas exported different snapshot bytes")
	}
}

func TestCompareVersions(t *testing.T) {
	eng := NewMapEngine()
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")

	rel, err := eng.CompareVersions(a.Version(), b.Version())
	if err != nil {
		t.Fatal(err)
	}
	if rel != Equal {
		t.Fatalf("empty vs empty = %v, want equal", rel)
	}

	if err := a.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	rel, err = eng.CompareVersions(b.Version(), a.Version())
	if err != nil {
		t.Fatal(err)
	}
	if rel != Before {
		t.Fatalf("empty vs advanced = %v, want before", rel)
	}
	rel, err = eng.CompareVersions(a.Version(), b.Version())
	if err != nil {
		t.Fatal(err)
	}
	if rel != After {
		t.Fatalf("advanced vs empty = %v, want after", rel)
	}

	if err := b.Set("k", []byte("w")); err != nil {
		t.Fatal(err)
	}
	rel, err = eng.CompareVersions(a.Version(), b.Version())
	if err != nil {
		t.Fatal(err)
	}
	if rel != Concurrent {
		t.Fatalf("independent writes = %v, want concurrent", rel)
	}

	mustMerge(t, a, mustSnapshot(t, b))
	rel, err = eng.CompareVersions(a.Version(), b.Version())
	if err != nil {
		t.Fatal(err)
	}
	if rel != After {
		t.Fatalf("merged vs source = %v, want after", rel)
	}

	if _, err := eng.CompareVersions([]byte("garbage"), a.Version()); err == nil {
		t.Fatal("expected decode error for malformed version bytes")
	}
}

func TestMergeVersionsIsLeastUpperBound(t *testing.T) {
	eng := NewMapEngine()
	a := NewMapDocument("alice")
	b := NewMapDocument("bob")
	if err := a.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := b.Set("k", []byte("w")); err != nil {
		t.Fatal(err)
	}
	merged, err := eng.MergeVersions(a.Version(), b.Version())
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range [][]byte{a.Version(), b.Version()} {
		rel, err := eng.CompareVersions(merged, v)
		if err != nil {
			t.Fatal(err)
		}
		if rel != After {
			t.Fatalf("merged version is %v relative to an input, want after", rel)
		}
	}

	// Merging with itself is the identity.
	self, err := eng.MergeVersions(a.Version(), a.Version())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(self, a.Version()) {
		t.Fatal("self merge changed the version bytes")
	}
}

func TestDeltaVersionMatchesExporter(t *testing.T) {
	eng := NewMapEngine()
	d := NewMapDocument("alice")
	if err := d.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := d.Add("n", 2); err != nil {
		t.Fatal(err)
	}
	snap := mustSnapshot(t, d)
	ver, err := eng.DeltaVersion(snap)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ver, d.Version()) {
		t.Fatal("snapshot does not carry the exporter's version")
	}
	if _, err := eng.DeltaVersion([]byte{0xc1}); err == nil {
		t.Fatal("expected decode error for malformed delta")
	}
}

func TestMalformedDeltaIsRejected(t *testing.T) {
	d := NewMapDocument("alice")
	if err := d.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	before := mustSnapshot(t, d)
	if err := d.Merge([]byte{0xc1, 0xff, 0x00}); err == nil {
		t.Fatal("expected decode error")
	}
	if !bytes.Equal(before, mustSnapshot(t, d)) {
		t.Fatal("failed merge mutated the document")
	}
}

func TestOnChangeOrigins(t *testing.T) {
	d := NewMapDocument("alice")
	var origins []ChangeOrigin
	cancel := d.OnChange(func(o ChangeOrigin) { origins = append(origins, o) })

	if err := d.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	other := NewMapDocument("bob")
	if err := other.Set("j", []byte("w")); err != nil {
		t.Fatal(err)
	}
	mustMerge(t, d, mustSnapshot(t, other))

	if len(origins) != 2 || origins[0] != OriginLocal || origins[1] != OriginRemote {
		t.Fatalf("origins = %v, want [local remote]", origins)
	}

	// A merge that changes nothing must not fire handlers.
	mustMerge(t, d, mustSnapshot(t, other))
	if len(origins) != 2 {
		t.Fatalf("no-op merge fired a change handler, origins = %v", origins)
	}

	cancel()
	if err := d.Set("k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if len(origins) != 2 {
		t.Fatal("cancelled handler still fired")
	}
}

func TestReleasedDocumentRefusesWork(t *testing.T) {
	d := NewMapDocument("alice")
	if err := d.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	d.Release()
	if err := d.Set("k", []byte("w")); err != ErrReleased {
		t.Fatalf("Set after release = %v, want ErrReleased", err)
	}
	if err := d.Add("n", 1); err != ErrReleased {
		t.Fatalf("Add after release = %v, want ErrReleased", err)
	}
	if _, err := d.ExportSnapshot(); err != ErrReleased {
		t.Fatalf("ExportSnapshot after release = %v, want ErrReleased", err)
	}
	if err := d.Merge([]byte{0x80}); err != ErrReleased {
		t.Fatalf("Merge after release = %v, want ErrReleased", err)
	}
}
