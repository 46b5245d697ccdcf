package core

import "context"

// TokenProvider mints an opaque transport credential. Called once per
// session establishment.
type TokenProvider interface {
	Token(ctx context.Context, roomName, participantName, role string) (string, error)
}

const (
	RoleSpeaker  = "speaker"
	RoleListener = "listener"
)
