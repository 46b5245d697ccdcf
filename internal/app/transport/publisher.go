package transport

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// startPublisher watches the call's listener subtree and opens one
// publishing connection per listener; removal of a presence entry closes
// the matching connection.
func (s *session) startPublisher() error {
	if err := s.subscribeCandidates(); err != nil {
		return err
	}

	sub, err := s.m.store.Subscribe(s.ctx, core.CallListenersPath(s.group), func(ev core.Event) {
		id := lastSegment(ev.Path)
		if id == "" || domain.GuardID(id) == s.m.self {
			return
		}
		listener := domain.GuardID(id)
		if ev.Value == nil {
			s.dropListener(listener)
			return
		}
		s.mu.Lock()
		_, exists := s.peers[listener]
		stopped := s.stopped
		s.mu.Unlock()
		if exists || stopped {
			return
		}
		if err := s.connectListener(listener, 0); err != nil {
			log.Error().Err(err).
				Str("module", "transport").
				Str("listener", string(listener)).
				Msg("listener connection failed")
		}
	})
	if err != nil {
		return err
	}
	s.addSub(sub)
	return nil
}

// connectListener builds the peer, writes the offer under the listener's
// key and watches the matching answer slot.
func (s *session) connectListener(listener domain.GuardID, attempts int) error {
	conn, err := s.m.media.NewConnection(core.MediaParams{
		Group: s.group,
		Self:  s.m.self,
		Peer:  listener,
		Token: s.token,
	})
	if err != nil {
		return err
	}

	p := &peer{id: listener, conn: conn, attempts: attempts}

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) { s.pushCandidate(ci) })
	conn.OnStateChange(func(st core.PeerState) { s.onPeerState(p, st) })

	if err := conn.Start(s.ctx); err != nil {
		conn.Close()
		return err
	}
	if err := conn.PublishAudio(); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.peers[listener] = p
	s.mu.Unlock()

	// A stale answer from a previous negotiation must not be replayed
	// into the fresh connection by the subscribe snapshot.
	if err := s.m.store.Remove(s.ctx, core.AnswerPath(s.group, listener)); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("stale answer remove failed")
	}

	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		s.dropListener(listener)
		return err
	}
	b, err := json.Marshal(domain.Offer{SDP: offer.SDP, Type: "offer", From: s.m.self})
	if err != nil {
		s.dropListener(listener)
		return err
	}
	if err := s.m.store.Set(s.ctx, core.OfferPath(s.group, listener), b); err != nil {
		s.dropListener(listener)
		return err
	}

	answerSub, err := s.m.store.Subscribe(s.ctx, core.AnswerPath(s.group, listener), func(ev core.Event) {
		if ev.Value == nil {
			return
		}
		var ans domain.Answer
		if err := json.Unmarshal(ev.Value, &ans); err != nil {
			log.Error().Err(err).Str("module", "transport").Msg("bad answer entry")
			return
		}
		if ans.From != listener {
			return
		}
		p.mu.Lock()
		if p.answered {
			p.mu.Unlock()
			return
		}
		p.answered = true
		p.mu.Unlock()
		if err := conn.ApplyAnswer(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  ans.SDP,
		}); err != nil {
			log.Error().Err(err).Str("module", "transport").Str("listener", string(listener)).Msg("apply answer failed")
			return
		}
		p.remoteApplied()
		log.Info().Str("module", "transport").Str("listener", string(listener)).Msg("answer applied")
	})
	if err != nil {
		s.dropListener(listener)
		return err
	}
	p.addSub(answerSub)

	log.Info().Str("module", "transport").Str("listener", string(listener)).Msg("offer sent")
	return nil
}

func (s *session) dropListener(listener domain.GuardID) {
	s.mu.Lock()
	p := s.peers[listener]
	delete(s.peers, listener)
	s.mu.Unlock()
	if p != nil {
		p.close()
		log.Info().Str("module", "transport").Str("listener", string(listener)).Msg("listener dropped")
	}
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return path[idx+1:]
}
