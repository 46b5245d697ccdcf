package coordinator

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/guardtalk/guardtalk/internal/core"
)

// fakeConn negotiates instantly: applying a remote description reports
// the peer as connected, so scenario tests exercise full coordinator
// transitions without real media.
type fakeConn struct {
	params core.MediaParams
	mic    bool
	auto   bool

	mu      sync.Mutex
	closed  bool
	onState func(core.PeerState)
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
	return nil
}

func (c *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + string(c.params.Self)}, nil
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.connected()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + string(c.params.Self)}, nil
}

func (c *fakeConn) ApplyAnswer(webrtc.SessionDescription) error {
	c.connected()
	return nil
}

func (c *fakeConn) connected() {
	if !c.auto {
		return
	}
	c.mu.Lock()
	fn := c.onState
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		go fn(core.PeerConnected)
	}
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (c *fakeConn) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (c *fakeConn) OnStateChange(fn func(core.PeerState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

type fakeFactory struct {
	mic  bool
	auto bool
}

func (f *fakeFactory) NewConnection(p core.MediaParams) (core.MediaConnection, error) {
	return &fakeConn{params: p, mic: f.mic, auto: f.auto}, nil
}

type fakeTokens struct {
	mu  sync.Mutex
	err error
}

func (f *fakeTokens) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTokens) Token(_ context.Context, _, _, role string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "tok-" + role, nil
}
