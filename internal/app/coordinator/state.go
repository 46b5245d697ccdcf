package coordinator

import (
	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateClaimingSpeaker
	StateSpeaking
	StateJoiningListener
	StateListening
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaimingSpeaker:
		return "claiming_speaker"
	case StateSpeaking:
		return "speaking"
	case StateJoiningListener:
		return "joining_listener"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Role derives the session role implied by the state.
func (s State) Role() string {
	switch s {
	case StateClaimingSpeaker, StateSpeaking:
		return core.RoleSpeaker
	case StateJoiningListener, StateListening:
		return core.RoleListener
	}
	return ""
}

// Snapshot is the one observable the presentation layer gets. It is a
// value copy; mutating it has no effect on the coordinator.
type Snapshot struct {
	State                  State
	Group                  domain.GroupID
	CurrentSpeaker         domain.GuardID
	ActiveListeners        []domain.GuardID
	IsConnectionInProgress bool
	IsReconnecting         bool
	ConnectionError        string
	ErrorKind              core.ErrorKind
	License                domain.LicenseStatus
}

func (s Snapshot) Role() string { return s.State.Role() }
