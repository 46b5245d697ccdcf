package rtc

import "testing"

func TestFactoryICEServerFallback(t *testing.T) {
	f := NewFactory(nil, true)
	if len(f.cfg.ICEServers) != len(DefaultConfigURLs()) {
		t.Fatalf("expected STUN fallback, got %d servers", len(f.cfg.ICEServers))
	}

	f = NewFactory([]string{"stun:stun.example.org:3478"}, true)
	if len(f.cfg.ICEServers) != 1 || f.cfg.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("configured servers not carried: %+v", f.cfg.ICEServers)
	}
}
