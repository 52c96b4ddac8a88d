package periodic

import (
	"errors"
	"testing"

	"fpsched/internal/kernel"
)

func TestRegistryAllocateFindFree(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(3)

	var slots []int
	for i := 0; i < 3; i++ {
		slot, ok := reg.Allocate()
		if !ok {
			t.Fatalf("allocate %d failed", i)
		}
		reg.at(slot).handle = kernel.Handle(10 + i)
		slots = append(slots, slot)
	}
	if _, ok := reg.Allocate(); ok {
		t.Fatalf("allocate on full registry succeeded")
	}
	if reg.Len() != 3 || reg.Cap() != 3 {
		t.Fatalf("len/cap = %d/%d", reg.Len(), reg.Cap())
	}

	for i, want := range slots {
		got, ok := reg.Find(kernel.Handle(10 + i))
		if !ok || got != want {
			t.Fatalf("Find(%d) = %d,%v; want %d", 10+i, got, ok, want)
		}
	}
	if _, ok := reg.Find(0); ok {
		t.Fatalf("Find(0) must fail")
	}
	if _, ok := reg.Find(99); ok {
		t.Fatalf("Find(99) must fail")
	}

	if err := reg.Free(slots[1]); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := reg.Free(slots[1]); !errors.Is(err, ErrSlotNotInUse) {
		t.Fatalf("double free err = %v, want ErrSlotNotInUse", err)
	}
	if err := reg.Free(-1); !errors.Is(err, ErrSlotNotInUse) {
		t.Fatalf("free(-1) err = %v", err)
	}
	if _, ok := reg.Find(11); ok {
		t.Fatalf("freed handle still found")
	}

	slot, ok := reg.Allocate()
	if !ok || slot != slots[1] {
		t.Fatalf("reallocate = %d,%v; want freed slot %d", slot, ok, slots[1])
	}
}

func TestRegistryLookupRejectsStaleIDs(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(1)

	slot, _ := reg.Allocate()
	old := reg.at(slot).id(slot)
	if got, ok := reg.Lookup(old); !ok || got != slot {
		t.Fatalf("Lookup(live) = %d,%v", got, ok)
	}
	_ = reg.Free(slot)
	if _, ok := reg.Lookup(old); ok {
		t.Fatalf("Lookup(freed) succeeded")
	}

	slot, _ = reg.Allocate()
	fresh := reg.at(slot).id(slot)
	if fresh == old {
		t.Fatalf("reused slot kept id %s", old)
	}
	if _, ok := reg.Lookup(old); ok {
		t.Fatalf("stale id resolved to reused slot")
	}
	if _, ok := reg.Lookup(TaskID(0)); ok {
		t.Fatalf("zero id resolved")
	}
}

func TestRegistryResetKeepsGenerations(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(2)
	slot, _ := reg.Allocate()
	id := reg.at(slot).id(slot)

	reg.Reset()
	if reg.Len() != 0 {
		t.Fatalf("len after reset = %d", reg.Len())
	}
	if _, ok := reg.Lookup(id); ok {
		t.Fatalf("id survived reset")
	}
	slot, _ = reg.Allocate()
	if reg.at(slot).id(slot) == id {
		t.Fatalf("id reissued after reset")
	}
}
