package guestowner

import (
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/sev-guest-owner/interfaces"
	"github.com/ruteri/sev-guest-owner/launch"
)

// Status is the last observed launch state of a VM.
type Status struct {
	VMID    interfaces.VMID `json:"vm_id"`
	State   launch.State    `json:"state"`
	Updated time.Time       `json:"updated"`
	// Error describes the failure that ended the last session, if any.
	Error string `json:"error,omitempty"`
}

// Tracker records the launch state of every VM handled by this process.
// A VM without a record is Uninitialized; since sessions may have been
// started by another process, any state may follow it.
type Tracker struct {
	mu     sync.RWMutex
	states map[interfaces.VMID]Status
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[interfaces.VMID]Status),
		now:    time.Now,
	}
}

// Get returns the status of vmID.
func (t *Tracker) Get(vmID interfaces.VMID) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.states[vmID]; ok {
		return st
	}
	return Status{VMID: vmID, State: launch.Uninitialized}
}

// Advance moves vmID to next. The move is recorded even when the state
// machine does not allow it, so the record always reflects the platform;
// the returned error reports the unexpected transition.
func (t *Tracker) Advance(vmID interfaces.VMID, next launch.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, known := t.states[vmID]
	t.states[vmID] = Status{VMID: vmID, State: next, Updated: t.now()}

	if known && !allowed(current.State, next) {
		return fmt.Errorf("unexpected launch transition for vm %s: %s -> %s", vmID, current.State, next)
	}
	return nil
}

func allowed(current, next launch.State) bool {
	switch {
	case current == launch.Uninitialized, current == next, current.CanTransition(next):
		return true
	case current == launch.MeasureVerified && next == launch.MeasurePending:
		// measured again before injecting
		return true
	}
	return false
}

// Fail records the error that ended the current session without moving
// the state.
func (t *Tracker) Fail(vmID interfaces.VMID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[vmID]
	if !ok {
		st = Status{VMID: vmID, State: launch.Uninitialized}
	}
	st.Error = err.Error()
	st.Updated = t.now()
	t.states[vmID] = st
}

// Forget drops the record of vmID.
func (t *Tracker) Forget(vmID interfaces.VMID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, vmID)
}

// All returns a snapshot of every record.
func (t *Tracker) All() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st)
	}
	return out
}
