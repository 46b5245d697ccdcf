// Package rtc wraps pion PeerConnections behind core.MediaConnection.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
)

type Connection struct {
	pc     *webrtc.PeerConnection
	params core.MediaParams
	mic    bool
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	onICE   func(webrtc.ICECandidateInit)
	onState func(core.PeerState)
}

func newConnection(cfg webrtc.Configuration, params core.MediaParams, mic bool) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, params: params, mic: mic}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().
			Str("module", "rtc").
			Str("peer", string(c.params.Peer)).
			Str("ice_state", s.String()).
			Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.params.Peer)).
			Str("peer_connection_state", s.String()).
			Msg("Peer state")
		st := mapState(s)
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(st)
		}
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	// Inbound audio is drained to keep SRTP state moving; rendering is
	// the media engine's business, not ours.
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.params.Peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		go func() {
			buf := make([]byte, 1500)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	return nil
}

func mapState(s webrtc.PeerConnectionState) core.PeerState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.PeerNew
	case webrtc.PeerConnectionStateConnecting:
		return core.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.PeerFailed
	default:
		return core.PeerClosed
	}
}

// PublishAudio attaches the local audio track. The sample source is the
// media engine's; negotiation only needs the m-line and the sender.
func (c *Connection) PublishAudio() error {
	if !c.mic {
		return core.NewError(core.PermissionDenied, "microphone unavailable", nil)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio_"+string(c.params.Self),
		"stream_"+string(c.params.Self),
	)
	if err != nil {
		return core.NewError(core.PermissionDenied, "failed to open local audio", err)
	}
	if _, err := c.pc.AddTrack(track); err != nil {
		return core.NewError(core.PermissionDenied, "failed to attach local audio", err)
	}
	return nil
}

func (c *Connection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(core.PeerState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.params.Peer)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(c.params.Peer)).Msg("closed")
	}
}

var _ core.MediaConnection = (*Connection)(nil)
