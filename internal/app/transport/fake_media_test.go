package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// fakeConn is a scriptable MediaConnection: negotiation calls record
// their inputs and the test drives state transitions by hand.
type fakeConn struct {
	params core.MediaParams
	mic    bool

	mu         sync.Mutex
	closed     bool
	published  bool
	remote     string
	candidates []webrtc.ICECandidateInit
	onICE      func(webrtc.ICECandidateInit)
	onState    func(core.PeerState)
}

func (c *fakeConn) Start(context.Context) error { return nil }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) PublishAudio() error {
	if !c.mic {
		return core.NewError(core.PermissionDenied, "microphone unavailable", nil)
	}
	c.mu.Lock()
	c.published = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "offer:" + string(c.params.Self),
	}, nil
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(sd webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.remote = sd.SDP
	c.mu.Unlock()
	return &webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "answer:" + string(c.params.Self),
	}, nil
}

func (c *fakeConn) ApplyAnswer(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remote = sd.SDP
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, ci)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnStateChange(fn func(core.PeerState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) fireICE(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *fakeConn) fireState(st core.PeerState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *fakeConn) remoteSDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

type fakeFactory struct {
	mic bool

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewConnection(p core.MediaParams) (core.MediaConnection, error) {
	c := &fakeConn{params: p, mic: f.mic}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// connTo returns the latest non-probe connection towards peer.
func (f *fakeFactory) connTo(peer domain.GuardID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		c := f.conns[i]
		if c.params.Peer == peer && c.params.Peer != c.params.Self {
			return c
		}
	}
	return nil
}

type fakeTokens struct {
	mu    sync.Mutex
	err   error
	roles []string
}

func (f *fakeTokens) Token(_ context.Context, _, _, role string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.roles = append(f.roles, role)
	return "tok-" + role, nil
}
