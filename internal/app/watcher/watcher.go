// Package watcher runs the process-wide background loop that keeps a
// guard in its groups' calls even when no UI is driving the coordinator:
// it polls every group the guard belongs to and auto-joins as listener
// when a remote speaker shows up.
package watcher

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/app/coordinator"
	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

// Joiner is the one coordinator operation the watcher is allowed to
// invoke.
type Joiner interface {
	JoinAsListener(group domain.GroupID, speaker domain.GuardID)
}

type Watcher struct {
	store  core.Store
	joiner Joiner
	owner  *coordinator.Owner
	self   domain.GuardID
	poll   time.Duration

	mu     sync.Mutex
	groups map[domain.GroupID]struct{}
	sub    core.Subscription
}

func New(store core.Store, joiner Joiner, owner *coordinator.Owner, self domain.GuardID, poll time.Duration) *Watcher {
	return &Watcher{
		store:  store,
		joiner: joiner,
		owner:  owner,
		self:   self,
		poll:   poll,
		groups: make(map[domain.GroupID]struct{}),
	}
}

// Run maintains the group roster from the directory and polls the
// speaker slot of each member group until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	sub, err := w.store.Subscribe(ctx, "groups", w.onGroupEvent)
	if err != nil {
		log.Warn().Err(err).Str("module", "watcher").Msg("group roster subscribe failed, polling without roster updates")
	} else {
		w.mu.Lock()
		w.sub = sub
		w.mu.Unlock()
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) onGroupEvent(ev core.Event) {
	idx := strings.LastIndex(ev.Path, "/")
	if idx < 0 || idx == len(ev.Path)-1 {
		return
	}
	id := domain.GroupID(ev.Path[idx+1:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if ev.Value == nil {
		delete(w.groups, id)
		return
	}
	var g domain.Group
	if err := json.Unmarshal(ev.Value, &g); err != nil {
		log.Error().Err(err).Str("module", "watcher").Str("group", string(id)).Msg("bad group record")
		return
	}
	if g.HasMember(w.self) {
		w.groups[id] = struct{}{}
	} else {
		delete(w.groups, id)
	}
}

// sweep checks each member group for a remote speaker. One session per
// device: the first joinable group wins and the rest wait for the next
// tick.
func (w *Watcher) sweep(ctx context.Context) {
	if _, held := w.owner.Held(); held {
		return
	}
	for _, group := range w.roster() {
		b, err := w.store.Get(ctx, core.SpeakerPath(group))
		if err != nil {
			log.Warn().Err(err).Str("module", "watcher").Str("group", string(group)).Msg("speaker poll failed")
			continue
		}
		if b == nil {
			continue
		}
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			log.Error().Err(err).Str("module", "watcher").Str("group", string(group)).Msg("bad speaker value")
			continue
		}
		speaker := domain.GuardID(id)
		if speaker == "" || speaker == w.self {
			continue
		}
		log.Info().
			Str("module", "watcher").
			Str("group", string(group)).
			Str("speaker", string(speaker)).
			Msg("remote speaker detected, joining")
		w.joiner.JoinAsListener(group, speaker)
		return
	}
}

func (w *Watcher) roster() []domain.GroupID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.GroupID, 0, len(w.groups))
	for id := range w.groups {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (w *Watcher) stop() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}
