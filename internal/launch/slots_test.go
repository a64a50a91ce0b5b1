package launch

import "testing"

func TestSlotForIsSticky(t *testing.T) {
	a := NewSlotAllocator(3)

	first, err := a.SlotFor("alice")
	if err != nil {
		t.Fatalf("SlotFor returned error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := a.SlotFor("alice")
		if err != nil {
			t.Fatalf("SlotFor returned error: %v", err)
		}
		if again != first {
			t.Fatalf("Slot changed for same account: %d then %d", first, again)
		}
	}
}

func TestSlotForRoundRobin(t *testing.T) {
	a := NewSlotAllocator(3)

	accounts := []string{"alice", "bob", "carol"}
	want := []int{1, 2, 3}
	for i, acct := range accounts {
		got, err := a.SlotFor(acct)
		if err != nil {
			t.Fatalf("SlotFor(%s) returned error: %v", acct, err)
		}
		if got != want[i] {
			t.Errorf("SlotFor(%s) = %d, want %d", acct, got, want[i])
		}
	}
}

func TestSlotForWrapsAtTotal(t *testing.T) {
	a := NewSlotAllocator(2)

	a.SlotFor("alice")
	a.SlotFor("bob")
	got, err := a.SlotFor("carol")
	if err != nil {
		t.Fatalf("SlotFor(carol) returned error: %v", err)
	}
	if got != 1 {
		t.Errorf("SlotFor(carol) = %d, want wrap to 1", got)
	}
}

func TestSlotForNoInstances(t *testing.T) {
	a := NewSlotAllocator(0)
	if _, err := a.SlotFor("alice"); err == nil {
		t.Error("Expected error with zero instances")
	}
}

func TestSetTotalRejectsShrinkBelowAssigned(t *testing.T) {
	a := NewSlotAllocator(3)
	a.SlotFor("alice")
	a.SlotFor("bob")
	a.SlotFor("carol") // highest assigned slot is now 3

	if err := a.SetTotal(2); err == nil {
		t.Error("Expected SetTotal(2) to be rejected with slot 3 assigned")
	}
	if err := a.SetTotal(4); err != nil {
		t.Errorf("SetTotal(4) returned error: %v", err)
	}
	if a.Total() != 4 {
		t.Errorf("Total = %d, want 4", a.Total())
	}
}

func TestReleaseAllowsReassignment(t *testing.T) {
	a := NewSlotAllocator(2)
	a.SlotFor("alice")
	a.Release("alice")
	if _, ok := a.Assignments()["alice"]; ok {
		t.Error("Expected alice's slot to be released")
	}
}
