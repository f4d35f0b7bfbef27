package peer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebounceCoalescesBursts(t *testing.T) {
	var saves atomic.Int32
	th := DebouncePolicy{Delay: 30 * time.Millisecond}.NewThrottle(func() { saves.Add(1) })
	defer th.Stop()

	for i := 0; i < 5; i++ {
		th.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := saves.Load(); n != 1 {
		t.Fatalf("burst of triggers produced %d saves, want 1", n)
	}
}

func TestDebounceFlushRunsPendingSave(t *testing.T) {
	var saves atomic.Int32
	th := DebouncePolicy{Delay: time.Minute}.NewThrottle(func() { saves.Add(1) })
	defer th.Stop()

	th.Trigger()
	th.Flush()
	if n := saves.Load(); n != 1 {
		t.Fatalf("flush ran %d saves, want 1", n)
	}
	th.Flush()
	if n := saves.Load(); n != 1 {
		t.Fatalf("flush without pending work ran a save")
	}
}

func TestDebounceStopDiscardsPending(t *testing.T) {
	var saves atomic.Int32
	th := DebouncePolicy{Delay: 10 * time.Millisecond}.NewThrottle(func() { saves.Add(1) })

	th.Trigger()
	th.Stop()
	time.Sleep(50 * time.Millisecond)
	if n := saves.Load(); n != 0 {
		t.Fatalf("stopped throttle still saved %d times", n)
	}
}
