package circbuf

import (
	"sync"
	"testing"

	"hyperwarp/src/defs"
)

func TestPushSnapshotOrder(t *testing.T) {
	r := New(4)
	for i := uint64(0); i < 3; i++ {
		r.Push(Event_t{Action: "register", VAddr: i, Err: defs.OK})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Len = %d, want 3", len(snap))
	}
	for i, ev := range snap {
		if ev.VAddr != uint64(i) {
			t.Errorf("snap[%d].VAddr = %d, want %d", i, ev.VAddr, i)
		}
	}
}

func TestPushEvictsOldest(t *testing.T) {
	r := New(2)
	r.Push(Event_t{VAddr: 1})
	r.Push(Event_t{VAddr: 2})
	r.Push(Event_t{VAddr: 3})
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Len = %d, want 2", len(snap))
	}
	if snap[0].VAddr != 2 || snap[1].VAddr != 3 {
		t.Errorf("snap = %+v, want [2, 3]", snap)
	}
}

func TestConcurrentPush(t *testing.T) {
	r := New(16)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Push(Event_t{VAddr: uint64(i)})
		}(i)
	}
	wg.Wait()
	if r.Len() != 16 {
		t.Errorf("Len() = %d, want 16", r.Len())
	}
}

func TestNewPanicsOnBadCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(0) should panic")
		}
	}()
	New(0)
}
