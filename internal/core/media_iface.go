package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/guardtalk/guardtalk/internal/domain"
)

// PeerState mirrors the peer connection lifecycle we care about.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// MediaConnection is one negotiated transport session. Owned exclusively
// by the transport session manager that created it.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close must stop local media and release the peer object. Idempotent.
	Close()
	IsClosed() bool
	// PublishAudio attaches the local microphone track. Speaker side only.
	PublishAudio() error
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer to a connection that sent an offer.
	ApplyAnswer(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for peer lifecycle transitions.
	OnStateChange(func(PeerState))
}

// MediaParams identifies the session a new connection belongs to.
type MediaParams struct {
	Group domain.GroupID
	Self  domain.GuardID
	Peer  domain.GuardID
	Token string
}

type MediaFactory interface {
	NewConnection(p MediaParams) (MediaConnection, error)
}
