// Package transport negotiates peer media sessions over the signaling
// directory: the speaker fans out one connection per listener, a
// listener pulls one connection from the current speaker.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

const (
	maxPeerAttempts = 3
	backoffStep     = 2 * time.Second
	cleanupTimeout  = 5 * time.Second
)

// Events are the manager's only way of talking back to the coordinator.
// Both callbacks may fire from store or pion delivery contexts.
type Events struct {
	// OnConnected fires when a peer session reaches a usable media path.
	OnConnected func(peer domain.GuardID)
	// OnError fires after a peer exhausts its reconnect budget.
	OnError func(err error)
}

type Manager struct {
	store  core.Store
	media  core.MediaFactory
	tokens core.TokenProvider
	self   domain.GuardID
	events Events

	mu   sync.Mutex
	sess *session
}

func NewManager(store core.Store, media core.MediaFactory, tokens core.TokenProvider, self domain.GuardID, events Events) *Manager {
	return &Manager{store: store, media: media, tokens: tokens, self: self, events: events}
}

// StartPublisher opens the speaking session for group. It verifies the
// microphone and mints a token before touching the directory; both
// failures abort the attempt without leaving state behind.
func (m *Manager) StartPublisher(ctx context.Context, group domain.GroupID) error {
	tok, err := m.tokens.Token(ctx, string(group), string(m.self), core.RoleSpeaker)
	if err != nil {
		return err
	}
	if err := m.probeMicrophone(group); err != nil {
		return err
	}

	s := m.swapSession(ctx, rolePublisher, group, tok)
	if err := s.startPublisher(); err != nil {
		s.stop()
		return err
	}
	return nil
}

// StartSubscriber opens the listening session for group, pulling from
// speaker.
func (m *Manager) StartSubscriber(ctx context.Context, group domain.GroupID, speaker domain.GuardID) error {
	tok, err := m.tokens.Token(ctx, string(group), string(m.self), core.RoleListener)
	if err != nil {
		return err
	}

	s := m.swapSession(ctx, roleSubscriber, group, tok)
	if err := s.startSubscriber(speaker); err != nil {
		s.stop()
		return err
	}
	return nil
}

// Stop tears the active session down. Safe to call repeatedly and from
// any state.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (m *Manager) swapSession(ctx context.Context, r role, group domain.GroupID, tok string) *session {
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		m:      m,
		role:   r,
		group:  group,
		token:  tok,
		ctx:    sctx,
		cancel: cancel,
		peers:  make(map[domain.GuardID]*peer),
	}
	m.mu.Lock()
	old := m.sess
	m.sess = s
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}
	return s
}

// probeMicrophone fails fast with PermissionDenied before any listener
// connection exists.
func (m *Manager) probeMicrophone(group domain.GroupID) error {
	conn, err := m.media.NewConnection(core.MediaParams{Group: group, Self: m.self, Peer: m.self})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.PublishAudio(); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("microphone probe failed")
		return err
	}
	return nil
}
