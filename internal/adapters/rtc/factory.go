package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/guardtalk/guardtalk/internal/core"
)

type Factory struct {
	cfg webrtc.Configuration
	// micAvailable reflects the OS-level microphone permission resolved
	// at startup; publishing without it fails with PermissionDenied.
	micAvailable bool
}

// NewFactory builds connections against the given ICE servers, falling
// back to public STUN when none are configured.
func NewFactory(iceServers []string, micAvailable bool) *Factory {
	if len(iceServers) == 0 {
		iceServers = DefaultConfigURLs()
	}
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return &Factory{
		cfg:          webrtc.Configuration{ICEServers: servers},
		micAvailable: micAvailable,
	}
}

func DefaultConfigURLs() []string {
	return []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}
}

func (f *Factory) NewConnection(p core.MediaParams) (core.MediaConnection, error) {
	return newConnection(f.cfg, p, f.micAvailable)
}

var _ core.MediaFactory = (*Factory)(nil)
