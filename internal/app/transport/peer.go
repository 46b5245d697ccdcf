package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// peer is one negotiated connection, owned exclusively by its session.
// Candidates arriving before the remote description are parked and
// flushed once it lands.
type peer struct {
	id   domain.GuardID
	conn core.MediaConnection

	mu        sync.Mutex
	attempts  int
	retrying  bool
	hasRemote bool
	answered  bool   // publisher side: the one answer this conn accepts
	offerSDP  string // subscriber side: last offer applied, replays skipped
	pending   []webrtc.ICECandidateInit
	subs      []core.Subscription
}

func (p *peer) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *peer) addSub(sub core.Subscription) {
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
}

func (p *peer) applyCandidate(ci webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.hasRemote {
		p.pending = append(p.pending, ci)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if err := p.conn.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "transport").Str("peer", string(p.id)).Msg("add candidate failed")
	}
}

// remoteApplied flushes candidates parked before the remote description.
func (p *peer) remoteApplied() {
	p.mu.Lock()
	p.hasRemote = true
	parked := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ci := range parked {
		if err := p.conn.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "transport").Str("peer", string(p.id)).Msg("parked candidate failed")
		}
	}
}

func (p *peer) close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	p.conn.Close()
}
