package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

type role int

const (
	rolePublisher role = iota
	roleSubscriber
)

// session is one active negotiation scope. All peer-map mutations are
// serialized under mu; store and pion callbacks check stopped before
// touching anything, so teardown can race safely with late events.
type session struct {
	m      *Manager
	role   role
	group  domain.GroupID
	token  string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	peers   map[domain.GuardID]*peer
	subs    []core.Subscription
}

func (s *session) addSub(sub core.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		sub.Close()
		return
	}
	s.subs = append(s.subs, sub)
}

// stop is idempotent. It must release every subscription this session
// created; a leaked subscription keeps firing callbacks into a dead
// session, which is a correctness bug, not a leak nit.
func (s *session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	peers := s.peers
	s.peers = make(map[domain.GuardID]*peer)
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	for _, p := range peers {
		p.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	s.removeOwnEntries(ctx)
	log.Info().Str("module", "transport").Str("group", string(s.group)).Msg("session stopped")
}

// removeOwnEntries clears negotiation artifacts this side wrote. The
// speaker slot and app-level presence belong to the coordinator.
func (s *session) removeOwnEntries(ctx context.Context) {
	st := s.m.store
	if s.role == rolePublisher {
		for _, p := range []string{
			core.OffersPath(s.group),
			core.AnswersPath(s.group),
			core.CandidatesPath(s.group),
		} {
			if err := st.Remove(ctx, p); err != nil {
				log.Warn().Err(err).Str("module", "transport").Str("path", p).Msg("cleanup remove failed")
			}
		}
		return
	}
	for _, p := range []string{
		core.CallListenerPath(s.group, s.m.self),
		core.AnswerPath(s.group, s.m.self),
	} {
		if err := st.Remove(ctx, p); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("path", p).Msg("cleanup remove failed")
		}
	}
}

func (s *session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// subscribeCandidates watches the shared per-call candidate log. Entries
// from self are skipped; the rest are routed to the peer session of the
// originating identity.
func (s *session) subscribeCandidates() error {
	sub, err := s.m.store.Subscribe(s.ctx, core.CandidatesPath(s.group), func(ev core.Event) {
		if ev.Value == nil {
			return
		}
		var ic domain.IceCandidate
		if err := json.Unmarshal(ev.Value, &ic); err != nil {
			log.Error().Err(err).Str("module", "transport").Msg("bad candidate entry")
			return
		}
		if ic.From == s.m.self {
			return
		}
		s.mu.Lock()
		p := s.peers[ic.From]
		s.mu.Unlock()
		if p == nil {
			return
		}
		mid := ic.SDPMid
		line := ic.SDPMLineIndex
		p.applyCandidate(webrtc.ICECandidateInit{
			Candidate:     ic.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &line,
		})
	})
	if err != nil {
		return err
	}
	s.addSub(sub)
	return nil
}

// pushCandidate appends a locally gathered candidate to the shared log.
func (s *session) pushCandidate(ci webrtc.ICECandidateInit) {
	ic := domain.IceCandidate{Candidate: ci.Candidate, From: s.m.self}
	if ci.SDPMid != nil {
		ic.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		ic.SDPMLineIndex = *ci.SDPMLineIndex
	}
	b, err := json.Marshal(ic)
	if err != nil {
		return
	}
	if _, err := s.m.store.Push(s.ctx, core.CandidatesPath(s.group), b); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("candidate push failed")
	}
}

// onPeerState drives the per-peer reconnect budget: attempts at 2s, 4s,
// 6s, then the session reports TransportNegotiationFailed and stops
// retrying that peer.
func (s *session) onPeerState(p *peer, st core.PeerState) {
	switch st {
	case core.PeerConnected:
		p.mu.Lock()
		p.attempts = 0
		p.mu.Unlock()
		if s.m.events.OnConnected != nil {
			s.m.events.OnConnected(p.id)
		}
	case core.PeerDisconnected, core.PeerFailed:
		if s.isStopped() {
			return
		}
		p.mu.Lock()
		if p.retrying {
			p.mu.Unlock()
			return
		}
		if p.attempts >= maxPeerAttempts {
			p.mu.Unlock()
			log.Error().
				Str("module", "transport").
				Str("peer", string(p.id)).
				Msg("peer reconnect budget exhausted")
			if s.m.events.OnError != nil {
				s.m.events.OnError(core.NewError(core.TransportNegotiationFailed,
					"peer session failed after retries", nil))
			}
			return
		}
		p.attempts++
		p.retrying = true
		attempt := p.attempts
		p.mu.Unlock()

		delay := time.Duration(attempt) * backoffStep
		log.Warn().
			Str("module", "transport").
			Str("peer", string(p.id)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("peer down, scheduling reconnect")
		time.AfterFunc(delay, func() {
			if s.isStopped() {
				return
			}
			s.rebuildPeer(p)
		})
	default:
	}
}

func (s *session) rebuildPeer(p *peer) {
	s.mu.Lock()
	if s.peers[p.id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p.id)
	s.mu.Unlock()
	attempts := p.attemptCount()
	p.close()

	var err error
	if s.role == rolePublisher {
		err = s.connectListener(p.id, attempts)
	} else {
		err = s.connectSpeaker(p.id, attempts)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "transport").Str("peer", string(p.id)).Msg("peer rebuild failed")
		if s.m.events.OnError != nil {
			s.m.events.OnError(core.NewError(core.TransportNegotiationFailed, "peer rebuild failed", err))
		}
	}
}
