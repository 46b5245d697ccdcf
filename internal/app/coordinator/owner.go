package coordinator

import (
	"sync"

	"github.com/guardtalk/guardtalk/internal/domain"
)

// Owner is the single source of truth for "which group, if any, holds an
// active session on this device". The coordinator acquires it before
// starting a session and the background watcher consults it before
// auto-joining, so the two never race into parallel sessions.
type Owner struct {
	mu    sync.Mutex
	group domain.GroupID
	held  bool
}

func NewOwner() *Owner { return &Owner{} }

// TryAcquire claims the record for group. Re-acquiring for the same
// group succeeds; a different group while held does not.
func (o *Owner) TryAcquire(group domain.GroupID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.held && o.group != group {
		return false
	}
	o.group = group
	o.held = true
	return true
}

// Release frees the record if it is held for group.
func (o *Owner) Release(group domain.GroupID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.held && o.group == group {
		o.held = false
		o.group = ""
	}
}

// Held reports the currently owning group, if any.
func (o *Owner) Held() (domain.GroupID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.group, o.held
}
