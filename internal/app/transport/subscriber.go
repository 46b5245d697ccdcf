package transport

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// startSubscriber announces this device under the call's listener
// subtree and waits for the speaker's offer.
func (s *session) startSubscriber(speaker domain.GuardID) error {
	// A stale offer from a dead speaker connection must not be replayed
	// into the fresh peer by the subscribe snapshot. The live speaker
	// re-offers once it sees the presence entry written below.
	if err := s.m.store.Remove(s.ctx, core.OfferPath(s.group, s.m.self)); err != nil {
		log.Warn().Err(err).Str("module", "transport").Msg("stale offer remove failed")
	}

	if err := s.subscribeCandidates(); err != nil {
		return err
	}
	if err := s.connectSpeaker(speaker, 0); err != nil {
		return err
	}

	// The presence entry goes in last: the speaker reacts to it by
	// sending the offer, and remove-on-disconnect covers a crash from
	// here on.
	path := core.CallListenerPath(s.group, s.m.self)
	if err := s.m.store.Set(s.ctx, path, []byte("true")); err != nil {
		return err
	}
	if err := s.m.store.RegisterRemoveOnDisconnect(s.ctx, path); err != nil {
		return err
	}
	return nil
}

func (s *session) connectSpeaker(speaker domain.GuardID, attempts int) error {
	conn, err := s.m.media.NewConnection(core.MediaParams{
		Group: s.group,
		Self:  s.m.self,
		Peer:  speaker,
		Token: s.token,
	})
	if err != nil {
		return err
	}

	p := &peer{id: speaker, conn: conn, attempts: attempts}

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) { s.pushCandidate(ci) })
	conn.OnStateChange(func(st core.PeerState) { s.onPeerState(p, st) })

	if err := conn.Start(s.ctx); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.peers[speaker] = p
	s.mu.Unlock()

	offerSub, err := s.m.store.Subscribe(s.ctx, core.OfferPath(s.group, s.m.self), func(ev core.Event) {
		if ev.Value == nil {
			return
		}
		var off domain.Offer
		if err := json.Unmarshal(ev.Value, &off); err != nil {
			log.Error().Err(err).Str("module", "transport").Msg("bad offer entry")
			return
		}
		// An offer entry is superseded by overwrite: every new SDP gets
		// applied, only at-least-once replays of the same one are dropped.
		p.mu.Lock()
		if off.SDP == p.offerSDP {
			p.mu.Unlock()
			return
		}
		p.offerSDP = off.SDP
		p.mu.Unlock()

		answer, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  off.SDP,
		})
		if err != nil {
			log.Error().Err(err).Str("module", "transport").Msg("apply offer failed")
			return
		}
		p.remoteApplied()

		b, err := json.Marshal(domain.Answer{SDP: answer.SDP, Type: "answer", From: s.m.self})
		if err != nil {
			return
		}
		if err := s.m.store.Set(s.ctx, core.AnswerPath(s.group, s.m.self), b); err != nil {
			log.Error().Err(err).Str("module", "transport").Msg("answer write failed")
			return
		}
		log.Info().Str("module", "transport").Str("speaker", string(off.From)).Msg("answer sent")
	})
	if err != nil {
		s.mu.Lock()
		delete(s.peers, speaker)
		s.mu.Unlock()
		conn.Close()
		return err
	}
	p.addSub(offerSub)
	return nil
}
