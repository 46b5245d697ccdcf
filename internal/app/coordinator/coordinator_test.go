package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/guardtalk/guardtalk/internal/adapters/store"
	"github.com/guardtalk/guardtalk/internal/app/presence"
	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/directory"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// device is one simulated app instance: its own store connection and
// coordinator over a tree shared with the other devices in the test.
type device struct {
	self   domain.GuardID
	store  *store.MemStore
	tokens *fakeTokens
	owner  *Owner
	coord  *Coordinator
}

func newDevice(t *testing.T, tree *directory.Tree, self domain.GuardID) *device {
	t.Helper()
	st := store.NewMemStore(tree)
	tokens := &fakeTokens{}
	owner := NewOwner()
	c := New(st, &fakeFactory{mic: true, auto: true}, tokens, self, owner, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return &device{self: self, store: st, tokens: tokens, owner: owner, coord: c}
}

func waitState(t *testing.T, c *Coordinator, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := c.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, state=%s", what, s.State)
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitTree(t *testing.T, tree *directory.Tree, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTapToSpeakLifecycle(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}

	waitTree(t, tree, "speaker claim", func() bool {
		v, _ := tree.Get(core.SpeakerPath("g1"))
		return string(v) == `"a"`
	})
	waitState(t, a.coord, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })

	s := a.coord.Snapshot()
	if s.Role() != core.RoleSpeaker {
		t.Fatalf("role = %q, want speaker", s.Role())
	}
	if s.IsConnectionInProgress {
		t.Fatal("IsConnectionInProgress stuck true in Speaking")
	}

	// Second tap releases the slot.
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap off: %v", err)
	}
	waitState(t, a.coord, "idle", func(s Snapshot) bool { return s.State == StateIdle })
	waitTree(t, tree, "speaker slot empty", func() bool {
		_, ok := tree.Get(core.SpeakerPath("g1"))
		return !ok
	})
}

// Scenario from the arbitration design: A speaks, B selects the group,
// observes A, joins as listener; A taps off, B's presence entry goes and
// B returns to Idle.
func TestSpeakerListenerScenario(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")
	b := newDevice(t, tree, "b")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}
	waitState(t, a.coord, "a speaking", func(s Snapshot) bool { return s.State == StateSpeaking })

	b.coord.SelectGroup("g1")
	waitState(t, b.coord, "b listening", func(s Snapshot) bool { return s.State == StateListening })
	waitTree(t, tree, "b presence entry", func() bool {
		_, ok := tree.Get(core.PresenceEntryPath("g1", "b"))
		return ok
	})
	waitState(t, a.coord, "a sees listener b", func(s Snapshot) bool {
		return len(s.ActiveListeners) == 1 && s.ActiveListeners[0] == "b"
	})

	// Contention while A holds the slot is a rejection, not an error.
	err := b.coord.TapToSpeak(context.Background())
	if core.KindOf(err) != core.AnotherSpeakerActive {
		t.Fatalf("kind = %q, want another_speaker_active", core.KindOf(err))
	}
	waitState(t, b.coord, "b still listening", func(s Snapshot) bool { return s.State == StateListening })

	// A taps off; B must follow the speaker_id removal down to Idle.
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap off: %v", err)
	}
	waitState(t, b.coord, "b idle", func(s Snapshot) bool { return s.State == StateIdle })
	waitTree(t, tree, "b presence entry removed", func() bool {
		_, ok := tree.Get(core.PresenceEntryPath("g1", "b"))
		return !ok
	})
}

// Scenario from the arbitration design: two claims race, the store
// applies B's write last, A self-demotes without ever publishing and
// leaves B's entry alone.
func TestClaimOverwrittenSelfDemotes(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}
	waitTree(t, tree, "a's claim", func() bool {
		v, _ := tree.Get(core.SpeakerPath("g1"))
		return string(v) == `"a"`
	})

	// B's competing write lands inside A's confirmation window.
	tree.Set(core.SpeakerPath("g1"), []byte(`"b"`))

	waitState(t, a.coord, "a yields to b", func(s Snapshot) bool {
		return s.State == StateJoiningListener
	})
	if s := a.coord.Snapshot(); s.ErrorKind != "" {
		t.Fatalf("self-demotion must not surface an error, got %q", s.ErrorKind)
	}
	if v, _ := tree.Get(core.SpeakerPath("g1")); string(v) != `"b"` {
		t.Fatalf("winner's claim clobbered: %q", v)
	}
}

func TestStopIdempotent(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}
	waitState(t, a.coord, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })

	a.coord.Stop()
	a.coord.Stop()

	s := a.coord.Snapshot()
	if s.State != StateIdle {
		t.Fatalf("state after double stop = %s, want idle", s.State)
	}
	if _, ok := tree.Get(core.SpeakerPath("g1")); ok {
		t.Fatal("speaker entry survived stop")
	}
	if _, held := a.owner.Held(); held {
		t.Fatal("ownership survived stop")
	}
}

// A speaker that dies without cleanup loses its claim through
// remove-on-disconnect, and every listener follows the removal to Idle.
func TestSpeakerDisconnectRecovery(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")
	b := newDevice(t, tree, "b")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}
	waitState(t, a.coord, "a speaking", func(s Snapshot) bool { return s.State == StateSpeaking })
	b.coord.SelectGroup("g1")
	waitState(t, b.coord, "b listening", func(s Snapshot) bool { return s.State == StateListening })

	a.store.Disconnect()

	waitTree(t, tree, "speaker slot cleared", func() bool {
		_, ok := tree.Get(core.SpeakerPath("g1"))
		return !ok
	})
	waitState(t, b.coord, "b idle", func(s Snapshot) bool { return s.State == StateIdle })
	waitTree(t, tree, "b presence removed", func() bool {
		_, ok := tree.Get(core.PresenceEntryPath("g1", "b"))
		return !ok
	})
}

// Exhausting the session retry budget must land in Error with the cause
// attached and the in-progress flag dropped, never in a stuck connect.
func TestRetryBudgetExhaustion(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff runs 2s+4s+6s")
	}
	tree := directory.NewTree()
	tree.Set(core.SpeakerPath("g1"), []byte(`"ghost"`))
	b := newDevice(t, tree, "b")

	b.coord.SelectGroup("g1")
	waitState(t, b.coord, "b joining", func(s Snapshot) bool { return s.State == StateJoiningListener })

	// Every reconnect attempt from here on fails at the token step.
	b.tokens.setErr(core.NewError(core.TokenGenerationFailed, "signing service down", nil))
	b.coord.send(evTransportError{err: core.NewError(core.TransportNegotiationFailed, "peer lost", nil)})

	waitState(t, b.coord, "b reconnecting", func(s Snapshot) bool { return s.IsReconnecting })

	deadline := time.Now().Add(20 * time.Second)
	for {
		s := b.coord.Snapshot()
		if s.State == StateError {
			if s.ErrorKind != core.TokenGenerationFailed {
				t.Fatalf("kind = %q, want token_generation_failed", s.ErrorKind)
			}
			if s.IsConnectionInProgress {
				t.Fatal("IsConnectionInProgress stuck true in Error")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never reached Error, state=%s", s.State)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestDeselectTearsDown(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}
	waitState(t, a.coord, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })

	a.coord.Deselect()
	waitState(t, a.coord, "idle with no group", func(s Snapshot) bool {
		return s.State == StateIdle && s.Group == ""
	})
	if _, ok := tree.Get(core.SpeakerPath("g1")); ok {
		t.Fatal("speaker entry survived deselect")
	}
}

func TestOwnerExclusion(t *testing.T) {
	o := NewOwner()
	if !o.TryAcquire("g1") {
		t.Fatal("first acquire must succeed")
	}
	if !o.TryAcquire("g1") {
		t.Fatal("re-acquire for the same group must succeed")
	}
	if o.TryAcquire("g2") {
		t.Fatal("acquire for another group while held must fail")
	}
	o.Release("g2") // wrong group, no-op
	if g, held := o.Held(); !held || g != "g1" {
		t.Fatalf("held = %q %v, want g1 true", g, held)
	}
	o.Release("g1")
	if !o.TryAcquire("g2") {
		t.Fatal("acquire after release must succeed")
	}
}

// The tracker's initial snapshot can trail the claim write; an empty
// speaker observation inside the confirmation window must not abandon
// the claim.
func TestEmptySnapshotDuringClaimIgnored(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}
	a.coord.send(evPresence{group: "g1", snap: presence.Snapshot{Known: true}})

	waitState(t, a.coord, "speaking", func(s Snapshot) bool { return s.State == StateSpeaking })
	if v, _ := tree.Get(core.SpeakerPath("g1")); string(v) != `"a"` {
		t.Fatalf("claim lost to a stale empty snapshot: %q", v)
	}
}

// Yielding a claim must hand the slot over completely: the loser's
// crash cleanup may not delete the winner's live entry later.
func TestYieldedClaimSurvivesLoserCrash(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")

	a.coord.SelectGroup("g1")
	if err := a.coord.TapToSpeak(context.Background()); err != nil {
		t.Fatalf("tap: %v", err)
	}
	waitTree(t, tree, "a's claim", func() bool {
		v, _ := tree.Get(core.SpeakerPath("g1"))
		return string(v) == `"a"`
	})

	// B's competing write lands inside A's confirmation window.
	tree.Set(core.SpeakerPath("g1"), []byte(`"b"`))
	waitState(t, a.coord, "a yields", func(s Snapshot) bool { return s.State == StateJoiningListener })

	// Let the registration hand-off land, then crash the loser.
	time.Sleep(100 * time.Millisecond)
	a.store.Disconnect()
	time.Sleep(100 * time.Millisecond)

	if v, _ := tree.Get(core.SpeakerPath("g1")); string(v) != `"b"` {
		t.Fatalf("winner's claim deleted by loser's crash: %q", v)
	}
}

// Two devices race for the slot inside the same confirmation window.
// Whatever the interleaving, they must never both reach Speaking, and a
// confirmed speaker must match the slot in the store.
func TestConcurrentTapMutualExclusion(t *testing.T) {
	tree := directory.NewTree()
	a := newDevice(t, tree, "a")
	b := newDevice(t, tree, "b")

	a.coord.SelectGroup("g1")
	b.coord.SelectGroup("g1")
	waitState(t, a.coord, "a attached", func(s Snapshot) bool { return s.Group == "g1" })
	waitState(t, b.coord, "b attached", func(s Snapshot) bool { return s.Group == "g1" })

	errs := make(chan error, 2)
	go func() { errs <- a.coord.TapToSpeak(context.Background()) }()
	go func() { errs <- b.coord.TapToSpeak(context.Background()) }()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && core.KindOf(err) != core.AnotherSpeakerActive {
			t.Fatalf("tap: %v", err)
		}
	}

	// Watch both through the window and past it: simultaneous Speaking is
	// the one outcome last-write-wins with self-demotion must rule out.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.coord.Snapshot().State == StateSpeaking && b.coord.Snapshot().State == StateSpeaking {
			t.Fatal("both devices reached Speaking")
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitTree(t, tree, "settled arbitration", func() bool {
		sa, sb := a.coord.Snapshot(), b.coord.Snapshot()
		v, _ := tree.Get(core.SpeakerPath("g1"))
		if sa.State == StateSpeaking {
			return sb.State != StateSpeaking && string(v) == `"a"`
		}
		if sb.State == StateSpeaking {
			return string(v) == `"b"`
		}
		return true
	})
}
