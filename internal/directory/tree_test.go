package directory

import (
	"fmt"
	"testing"
	"time"

	"github.com/guardtalk/guardtalk/internal/core"
)

func collectEvents(t *testing.T, tree *Tree, prefix string) (<-chan core.Event, func()) {
	t.Helper()
	ch := make(chan core.Event, 64)
	id := tree.Subscribe(prefix, func(ev core.Event) { ch <- ev })
	return ch, func() { tree.Unsubscribe(id) }
}

func waitEvent(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return core.Event{}
	}
}

func TestTreeSetGetRemove(t *testing.T) {
	tree := NewTree()

	if _, ok := tree.Get("calls/g1/speaker_id"); ok {
		t.Fatal("expected absent entry")
	}

	tree.Set("calls/g1/speaker_id", []byte(`"a"`))
	v, ok := tree.Get("calls/g1/speaker_id")
	if !ok || string(v) != `"a"` {
		t.Fatalf("got %q ok=%v, want %q", v, ok, `"a"`)
	}

	tree.Remove("calls/g1/speaker_id")
	if _, ok := tree.Get("calls/g1/speaker_id"); ok {
		t.Fatal("expected entry removed")
	}
}

func TestTreeSubtreeRemoveNotifiesPerLeaf(t *testing.T) {
	tree := NewTree()
	tree.Set("calls/g1/offers/a", []byte("1"))
	tree.Set("calls/g1/offers/b", []byte("2"))
	tree.Set("calls/g2/offers/c", []byte("3"))

	ch, stop := collectEvents(t, tree, "calls/g1")
	defer stop()

	// drain the snapshot
	waitEvent(t, ch)
	waitEvent(t, ch)

	tree.Remove("calls/g1")

	removed := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, ch)
		if ev.Value != nil {
			t.Fatalf("expected removal event, got value %q at %s", ev.Value, ev.Path)
		}
		removed[ev.Path] = true
	}
	if !removed["calls/g1/offers/a"] || !removed["calls/g1/offers/b"] {
		t.Fatalf("missing removal events: %v", removed)
	}

	if _, ok := tree.Get("calls/g2/offers/c"); !ok {
		t.Fatal("sibling subtree must survive")
	}
}

func TestTreePushKeysSortInAppendOrder(t *testing.T) {
	tree := NewTree()

	var keys []string
	for i := 0; i < 5; i++ {
		keys = append(keys, tree.Push("calls/g1/candidates", []byte(fmt.Sprintf("c%d", i))))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("push keys out of order: %q >= %q", keys[i-1], keys[i])
		}
	}
}

func TestTreeSubscribeSnapshotThenUpdates(t *testing.T) {
	tree := NewTree()
	tree.Set("listeners/g1/a", []byte("true"))

	ch, stop := collectEvents(t, tree, "listeners/g1")
	defer stop()

	ev := waitEvent(t, ch)
	if ev.Path != "listeners/g1/a" || string(ev.Value) != "true" {
		t.Fatalf("unexpected snapshot event %+v", ev)
	}

	tree.Set("listeners/g1/b", []byte("true"))
	ev = waitEvent(t, ch)
	if ev.Path != "listeners/g1/b" {
		t.Fatalf("unexpected update event %+v", ev)
	}

	tree.Remove("listeners/g1/a")
	ev = waitEvent(t, ch)
	if ev.Path != "listeners/g1/a" || ev.Value != nil {
		t.Fatalf("expected removal of a, got %+v", ev)
	}
}

func TestTreeUnsubscribeStopsDelivery(t *testing.T) {
	tree := NewTree()
	ch := make(chan core.Event, 8)
	id := tree.Subscribe("calls/g1", func(ev core.Event) { ch <- ev })
	tree.Unsubscribe(id)

	tree.Set("calls/g1/speaker_id", []byte(`"a"`))
	select {
	case ev := <-ch:
		t.Fatalf("event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// Disconnect-without-cleanup is the crash-recovery path: registered
// entries must vanish without any further client action.
func TestSessionRemoveOnDisconnect(t *testing.T) {
	tree := NewTree()
	sess := tree.NewSession()

	tree.Set("calls/g1/speaker_id", []byte(`"a"`))
	sess.RegisterRemoveOnDisconnect("calls/g1/speaker_id")

	sess.Disconnect()
	if _, ok := tree.Get("calls/g1/speaker_id"); ok {
		t.Fatal("registered entry must be removed on disconnect")
	}

	// Idempotent: a second Disconnect must not remove anything new.
	tree.Set("calls/g1/speaker_id", []byte(`"b"`))
	sess.Disconnect()
	if _, ok := tree.Get("calls/g1/speaker_id"); !ok {
		t.Fatal("second disconnect must be a no-op")
	}
}

func TestSessionCancelRemoveOnDisconnect(t *testing.T) {
	tree := NewTree()
	sess := tree.NewSession()

	tree.Set("listeners/g1/a", []byte("true"))
	sess.RegisterRemoveOnDisconnect("listeners/g1/a")
	sess.CancelRemoveOnDisconnect("listeners/g1/a")

	// Key handed over to another owner meanwhile.
	tree.Set("listeners/g1/a", []byte("still-here"))
	sess.Disconnect()
	if v, ok := tree.Get("listeners/g1/a"); !ok || string(v) != "still-here" {
		t.Fatal("cancelled registration must not fire on disconnect")
	}
}

func TestClaimLimiter(t *testing.T) {
	rl := NewClaimLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("sid-1") {
			t.Fatalf("claim %d should be allowed", i)
		}
	}
	if rl.Allow("sid-1") {
		t.Fatal("claim past the limit should be rejected")
	}
	if !rl.Allow("sid-2") {
		t.Fatal("limit is per client, other clients unaffected")
	}
}
