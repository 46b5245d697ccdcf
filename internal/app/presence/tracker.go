// Package presence maintains the live view of one group's call: who is
// speaking and which listeners hold a live presence entry.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// Snapshot is what the coordinator consumes. Known=false means the
// subscriptions are down and callers should assume an empty call.
type Snapshot struct {
	Speaker   domain.GuardID
	Listeners map[domain.GuardID]struct{}
	Known     bool
}

func (s Snapshot) ListenerList() []domain.GuardID {
	out := make([]domain.GuardID, 0, len(s.Listeners))
	for id := range s.Listeners {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Tracker struct {
	store    core.Store
	group    domain.GroupID
	onChange func(Snapshot)

	mu        sync.Mutex
	speaker   domain.GuardID
	listeners map[domain.GuardID]struct{}
	known     bool
	subs      []core.Subscription

	cancel context.CancelFunc
}

func NewTracker(store core.Store, group domain.GroupID, onChange func(Snapshot)) *Tracker {
	return &Tracker{
		store:     store,
		group:     group,
		onChange:  onChange,
		listeners: make(map[domain.GuardID]struct{}),
	}
}

// Start subscribes to the speaker slot and the presence subtree. On
// subscription failure it keeps retrying with backoff and reports
// Known=false meanwhile; it never fails the caller.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.subscribeLoop(ctx)
}

func (t *Tracker) subscribeLoop(ctx context.Context) {
	backoff := time.Second
	for {
		speakerSub, err := t.store.Subscribe(ctx, core.SpeakerPath(t.group), t.onSpeakerEvent)
		if err == nil {
			var presSub core.Subscription
			presSub, err = t.store.Subscribe(ctx, core.PresencePath(t.group), t.onPresenceEvent)
			if err == nil {
				t.mu.Lock()
				t.known = true
				t.subs = []core.Subscription{speakerSub, presSub}
				t.mu.Unlock()
				t.notify()
				return
			}
			speakerSub.Close()
		}

		log.Warn().Err(err).
			Str("module", "presence").
			Str("group", string(t.group)).
			Dur("backoff", backoff).
			Msg("subscribe failed, presence unknown")
		t.mu.Lock()
		t.known = false
		t.mu.Unlock()
		t.notify()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (t *Tracker) onSpeakerEvent(ev core.Event) {
	var id string
	if ev.Value != nil {
		if err := json.Unmarshal(ev.Value, &id); err != nil {
			log.Error().Err(err).Str("module", "presence").Msg("bad speaker value")
			return
		}
	}
	t.mu.Lock()
	t.speaker = domain.GuardID(id)
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) onPresenceEvent(ev core.Event) {
	idx := strings.LastIndex(ev.Path, "/")
	if idx < 0 || idx == len(ev.Path)-1 {
		return
	}
	id := domain.GuardID(ev.Path[idx+1:])
	if id == domain.GuardID(t.group) {
		// event for the subtree root itself, not a member entry
		return
	}
	t.mu.Lock()
	if ev.Value == nil {
		delete(t.listeners, id)
	} else {
		t.listeners[id] = struct{}{}
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange(t.Snapshot())
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	listeners := make(map[domain.GuardID]struct{}, len(t.listeners))
	for id := range t.listeners {
		listeners[id] = struct{}{}
	}
	return Snapshot{Speaker: t.speaker, Listeners: listeners, Known: t.known}
}

// Stop releases the subscriptions. Idempotent.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
