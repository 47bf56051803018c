package registry

import (
	"sort"
	"sync"
	"testing"
)

type fakeHandle struct{ name string }

func (f *fakeHandle) WriteMessage([]byte) error { return nil }

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	h := &fakeHandle{name: "a"}

	if _, ok := r.Lookup(1); ok {
		t.Fatal("expected empty registry")
	}

	r.Register(1, h)
	got, ok := r.Lookup(1)
	if !ok || got != h {
		t.Fatalf("Lookup(1) = %v, %v; want registered handle", got, ok)
	}

	r.Unregister(1)
	if _, ok := r.Lookup(1); ok {
		t.Error("expected user absent after Unregister")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	r.Register(1, &fakeHandle{})

	r.Unregister(1)
	r.Unregister(1)
	r.Unregister(42) // never registered

	if _, ok := r.Lookup(1); ok {
		t.Error("expected user absent")
	}
	if r.Count() != 0 {
		t.Errorf("expected count 0, got %d", r.Count())
	}
}

func TestRegisterSupersedes(t *testing.T) {
	r := New()
	old := &fakeHandle{name: "old"}
	newer := &fakeHandle{name: "new"}

	r.Register(1, old)
	r.Register(1, newer)

	got, _ := r.Lookup(1)
	if got != newer {
		t.Fatalf("expected newest handle to win, got %v", got)
	}
	if r.Count() != 1 {
		t.Errorf("expected one session per user, got %d", r.Count())
	}
}

func TestReleaseOnlyCurrentHandle(t *testing.T) {
	r := New()
	old := &fakeHandle{name: "old"}
	newer := &fakeHandle{name: "new"}

	r.Register(1, old)
	r.Register(1, newer)

	if r.Release(1, old) {
		t.Error("Release() of superseded handle must not remove the successor")
	}
	if got, _ := r.Lookup(1); got != newer {
		t.Fatalf("expected successor still registered, got %v", got)
	}

	if !r.Release(1, newer) {
		t.Error("Release() of current handle should succeed")
	}
	if r.Release(1, newer) {
		t.Error("second Release() should report false")
	}
}

func TestAllActiveSnapshot(t *testing.T) {
	r := New()
	r.Register(3, &fakeHandle{})
	r.Register(1, &fakeHandle{})
	r.Register(2, &fakeHandle{})

	ids := r.AllActive()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("unexpected snapshot: %v", ids)
	}

	// Mutating after the snapshot must not affect it.
	r.Unregister(2)
	if len(ids) != 3 {
		t.Errorf("snapshot changed length: %v", ids)
	}
}

func TestIndependentInstances(t *testing.T) {
	a, b := New(), New()
	a.Register(1, &fakeHandle{})

	if _, ok := b.Lookup(1); ok {
		t.Error("registries must not share state")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	goroutines := 50
	perGoroutine := 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int64) {
			defer wg.Done()
			h := &fakeHandle{}
			for i := 0; i < perGoroutine; i++ {
				r.Register(id, h)
				if got, ok := r.Lookup(id); !ok || got != h {
					t.Errorf("read-after-write failed for user %d", id)
					return
				}
				for range r.AllActive() {
				}
				r.Unregister(id)
			}
		}(int64(g))
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}
