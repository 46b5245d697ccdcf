package coordinator

import (
	"github.com/guardtalk/guardtalk/internal/app/presence"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// event is the closed union consumed by the Run loop. Every external
// stimulus, store change, transport callback, UI intent or timer, enters
// through this one channel, so the loop goroutine is the only mutator
// of session state.
type event interface{ isEvent() }

type evSelectGroup struct{ group domain.GroupID }

type evDeselect struct{}

type evTapToSpeak struct{ reply chan error }

type evStop struct{ done chan struct{} }

type evJoinAsListener struct {
	group   domain.GroupID
	speaker domain.GuardID
}

// evPresence carries the group it was observed for, so snapshots from a
// tracker torn down during a group switch cannot pollute the new group.
type evPresence struct {
	group domain.GroupID
	snap  presence.Snapshot
}

type evTransportConnected struct{ peer domain.GuardID }

type evTransportError struct{ err error }

// evClaimResult reports the speaker_id write outcome.
type evClaimResult struct {
	gen uint64
	err error
}

// evClaimTimer fires when the confirmation window elapses.
type evClaimTimer struct{ gen uint64 }

// evSessionStarted reports a transport StartPublisher/StartSubscriber
// outcome.
type evSessionStarted struct {
	gen uint64
	err error
}

// evRetryTimer fires a scheduled reconnect attempt.
type evRetryTimer struct{ gen uint64 }

// evJoinKick re-evaluates a join that was suppressed by the debounce.
type evJoinKick struct{ gen uint64 }

type evLicense struct{ status domain.LicenseStatus }

func (evSelectGroup) isEvent()        {}
func (evDeselect) isEvent()           {}
func (evTapToSpeak) isEvent()         {}
func (evStop) isEvent()               {}
func (evJoinAsListener) isEvent()     {}
func (evPresence) isEvent()           {}
func (evTransportConnected) isEvent() {}
func (evTransportError) isEvent()     {}
func (evClaimResult) isEvent()        {}
func (evClaimTimer) isEvent()         {}
func (evSessionStarted) isEvent()     {}
func (evRetryTimer) isEvent()         {}
func (evJoinKick) isEvent()           {}
func (evLicense) isEvent()            {}
