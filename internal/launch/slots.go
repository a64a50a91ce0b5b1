package launch

import (
	"fmt"
	"sync"
)

// SlotAllocator hands out instance indices to accounts round-robin and
// keeps the mapping sticky for the account's lifetime in memory. The
// total instance count may grow freely; shrinking it below the highest
// already-assigned slot is rejected instead of silently assigning the
// same slot to two accounts.
type SlotAllocator struct {
	mu           sync.Mutex
	total        int
	byAccount    map[string]int
	lastAssigned int
}

// NewSlotAllocator creates an allocator for the given instance count.
func NewSlotAllocator(totalInstances int) *SlotAllocator {
	return &SlotAllocator{
		total:     totalInstances,
		byAccount: make(map[string]int),
	}
}

// SetTotal updates the last-known total instance count. A decrease below
// the highest slot already assigned is rejected.
func (a *SlotAllocator) SetTotal(totalInstances int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if totalInstances < a.lastAssigned {
		return fmt.Errorf("instance count %d is below the highest assigned slot %d; remove stale accounts or re-prepare instances",
			totalInstances, a.lastAssigned)
	}
	a.total = totalInstances
	return nil
}

// Total returns the last-known total instance count.
func (a *SlotAllocator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// SlotFor returns the sticky instance index for an account, assigning the
// next round-robin slot to accounts seen for the first time.
func (a *SlotAllocator) SlotFor(account string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot, ok := a.byAccount[account]; ok {
		return slot, nil
	}
	if a.total < 1 {
		return 0, fmt.Errorf("no instances available to assign")
	}

	slot := a.lastAssigned%a.total + 1
	a.byAccount[account] = slot
	if slot > a.lastAssigned {
		a.lastAssigned = slot
	}
	return slot, nil
}

// Release forgets an account's slot so it can be reassigned.
func (a *SlotAllocator) Release(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byAccount, account)
}

// Assignments returns a copy of the current account to slot mapping.
func (a *SlotAllocator) Assignments() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.byAccount))
	for k, v := range a.byAccount {
		out[k] = v
	}
	return out
}
