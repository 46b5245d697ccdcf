// Package coordinator owns the per-device session state machine: whether
// this identity is speaker, listener or idle for the selected group, and
// every transition between those roles. All mutations happen on the Run
// goroutine; public methods only enqueue events.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/app/presence"
	"github.com/guardtalk/guardtalk/internal/app/transport"
	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/domain"
)

const (
	// confirmWindow is how long a speaker claim waits for a contradicting
	// speaker_id update before the claim counts as confirmed.
	confirmWindow = 500 * time.Millisecond

	maxSessionRetries = 3
	retryBackoffStep  = 2 * time.Second
)

var ErrStopped = errors.New("coordinator stopped")

type Coordinator struct {
	store    core.Store
	trans    *transport.Manager
	owner    *Owner
	self     domain.GuardID
	debounce time.Duration
	onState  func(Snapshot)

	events chan event
	done   chan struct{}

	snapMu sync.Mutex
	snap   Snapshot

	// Everything below is owned by the Run goroutine.
	runCtx   context.Context
	st       State
	group    domain.GroupID
	joined   domain.GuardID // speaker we are listening to
	tracker  *presence.Tracker
	pres     presence.Snapshot
	gen      uint64
	inFlight bool
	retries  int
	lastJoin map[domain.GroupID]time.Time
	license  domain.LicenseStatus
	connErr  *core.Error
}

// New wires the coordinator and its transport manager together; the
// manager's callbacks feed straight back into the event loop.
func New(store core.Store, media core.MediaFactory, tokens core.TokenProvider, self domain.GuardID, owner *Owner, debounce time.Duration, onState func(Snapshot)) *Coordinator {
	c := &Coordinator{
		store:    store,
		owner:    owner,
		self:     self,
		debounce: debounce,
		onState:  onState,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		lastJoin: make(map[domain.GroupID]time.Time),
		license:  domain.LicenseUnknown,
	}
	c.trans = transport.NewManager(store, media, tokens, self, transport.Events{
		OnConnected: func(peer domain.GuardID) { c.send(evTransportConnected{peer: peer}) },
		OnError:     func(err error) { c.send(evTransportError{err: err}) },
	})
	return c
}

// Run consumes the event queue until ctx is cancelled. It must be
// running before any public method is useful.
func (c *Coordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	defer close(c.done)
	go c.loadLicense(ctx)
	c.publish()
	for {
		select {
		case <-ctx.Done():
			c.teardown(true)
			if c.tracker != nil {
				c.tracker.Stop()
				c.tracker = nil
			}
			return
		case ev := <-c.events:
			c.dispatch(ev)
			c.publish()
		}
	}
}

// SelectGroup switches the coordinator to group, tearing down whatever
// session the previous group held.
func (c *Coordinator) SelectGroup(group domain.GroupID) {
	c.send(evSelectGroup{group: group})
}

// Deselect drops the current group and returns to Idle.
func (c *Coordinator) Deselect() { c.send(evDeselect{}) }

// TapToSpeak toggles the speaker role: claims the slot when idle or
// listening, releases it when already speaking. Contention surfaces as
// AnotherSpeakerActive.
func (c *Coordinator) TapToSpeak(ctx context.Context) error {
	reply := make(chan error, 1)
	c.send(evTapToSpeak{reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Stop tears the active session down from any state. Idempotent.
func (c *Coordinator) Stop() {
	done := make(chan struct{})
	c.send(evStop{done: done})
	select {
	case <-done:
	case <-c.done:
	}
}

// JoinAsListener is the background watcher's entry point: attach to
// group and pull from speaker, unless a session is already active.
func (c *Coordinator) JoinAsListener(group domain.GroupID, speaker domain.GuardID) {
	c.send(evJoinAsListener{group: group, speaker: speaker})
}

// Snapshot returns the latest published state.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

func (c *Coordinator) send(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) dispatch(ev event) {
	switch e := ev.(type) {
	case evSelectGroup:
		c.handleSelectGroup(e.group)
	case evDeselect:
		c.teardown(true)
		c.detachGroup()
	case evTapToSpeak:
		e.reply <- c.handleTap()
	case evStop:
		c.teardown(true)
		close(e.done)
	case evJoinAsListener:
		c.handleJoinRequest(e.group, e.speaker)
	case evPresence:
		c.handlePresence(e.group, e.snap)
	case evTransportConnected:
		c.handleConnected(e.peer)
	case evTransportError:
		c.handleTransportError(e.err)
	case evClaimResult:
		c.handleClaimResult(e.gen, e.err)
	case evClaimTimer:
		c.handleClaimTimer(e.gen)
	case evSessionStarted:
		c.handleSessionStarted(e.gen, e.err)
	case evRetryTimer:
		c.handleRetryTimer(e.gen)
	case evJoinKick:
		c.handleJoinKick(e.gen)
	case evLicense:
		c.license = e.status
	}
}

func (c *Coordinator) handleSelectGroup(group domain.GroupID) {
	if group == c.group {
		return
	}
	c.teardown(true)
	c.detachGroup()

	c.group = group
	c.pres = presence.Snapshot{}
	c.tracker = presence.NewTracker(c.store, group, func(s presence.Snapshot) {
		c.send(evPresence{group: group, snap: s})
	})
	c.tracker.Start(c.runCtx)
	log.Info().Str("module", "coordinator").Str("group", string(group)).Msg("group selected")
}

func (c *Coordinator) detachGroup() {
	if c.tracker != nil {
		c.tracker.Stop()
		c.tracker = nil
	}
	c.group = ""
	c.pres = presence.Snapshot{}
}

func (c *Coordinator) handleTap() error {
	if c.group == "" {
		return errors.New("no group selected")
	}
	switch c.st {
	case StateSpeaking:
		c.teardown(true)
		return nil
	case StateIdle, StateListening, StateError:
	default:
		// claim or join already in flight, drop the duplicate
		log.Debug().Str("module", "coordinator").Str("state", c.st.String()).Msg("tap dropped")
		return nil
	}
	if c.inFlight {
		log.Debug().Str("module", "coordinator").Msg("tap dropped, operation in progress")
		return nil
	}
	// Presence unknown counts as an empty call; the overwrite check
	// catches us if we were wrong.
	if spk := c.pres.Speaker; spk != "" && spk != c.self {
		return core.NewError(core.AnotherSpeakerActive, "another speaker is active", nil)
	}
	c.beginClaim()
	return nil
}

func (c *Coordinator) beginClaim() {
	c.teardown(true)
	if !c.owner.TryAcquire(c.group) {
		log.Warn().Str("module", "coordinator").Msg("session ownership held elsewhere, claim dropped")
		return
	}
	c.st = StateClaimingSpeaker
	c.inFlight = true
	c.connErr = nil
	c.gen++
	gen := c.gen
	group := c.group

	go func() {
		b, err := json.Marshal(string(c.self))
		if err == nil {
			path := core.SpeakerPath(group)
			err = c.store.Set(c.runCtx, path, b)
			if err == nil {
				err = c.store.RegisterRemoveOnDisconnect(c.runCtx, path)
			}
		}
		c.send(evClaimResult{gen: gen, err: err})
	}()
}

func (c *Coordinator) handleClaimResult(gen uint64, err error) {
	if gen != c.gen || c.st != StateClaimingSpeaker {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "coordinator").Msg("speaker claim write failed")
		c.failAttempt(core.NewError(core.StoreUnavailable, "speaker claim write failed", err))
		return
	}
	time.AfterFunc(confirmWindow, func() { c.send(evClaimTimer{gen: gen}) })
}

func (c *Coordinator) handleClaimTimer(gen uint64) {
	if gen != c.gen || c.st != StateClaimingSpeaker {
		return
	}
	// The window passed with no contradicting update: last writer wins,
	// and that is us until proven otherwise.
	group := c.group
	go func() {
		err := c.trans.StartPublisher(c.runCtx, group)
		c.send(evSessionStarted{gen: gen, err: err})
	}()
}

func (c *Coordinator) handleSessionStarted(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	switch c.st {
	case StateClaimingSpeaker, StateReconnecting:
		if c.st == StateReconnecting && c.joined != "" {
			c.handleListenerStarted(err)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "coordinator").Msg("publishing session failed to start")
			c.removeOwnSpeakerEntry()
			c.failAttempt(err)
			return
		}
		c.st = StateSpeaking
		c.inFlight = false
		c.retries = 0
		log.Info().Str("module", "coordinator").Str("group", string(c.group)).Msg("speaking")
	case StateJoiningListener:
		c.handleListenerStarted(err)
	}
}

func (c *Coordinator) handleListenerStarted(err error) {
	if err == nil {
		// stay joining until the transport reports a usable audio path
		c.st = StateJoiningListener
		return
	}
	log.Warn().Err(err).Str("module", "coordinator").Msg("listener session failed to start")
	c.scheduleRetry(err)
}

func (c *Coordinator) handleConnected(peer domain.GuardID) {
	c.retries = 0
	if c.st != StateJoiningListener {
		return
	}
	c.st = StateListening
	c.inFlight = false
	log.Info().Str("module", "coordinator").Str("speaker", string(peer)).Msg("listening")

	// App-level presence entry; the speaker's roster and the presence
	// tracker on every other device key off it.
	group := c.group
	go func() {
		path := core.PresenceEntryPath(group, c.self)
		if err := c.store.Set(c.runCtx, path, []byte("true")); err != nil {
			log.Warn().Err(err).Str("module", "coordinator").Msg("presence entry write failed")
			return
		}
		if err := c.store.RegisterRemoveOnDisconnect(c.runCtx, path); err != nil {
			log.Warn().Err(err).Str("module", "coordinator").Msg("presence on-disconnect registration failed")
		}
	}()
}

func (c *Coordinator) handlePresence(group domain.GroupID, snap presence.Snapshot) {
	if group != c.group || c.group == "" {
		return
	}
	c.pres = snap
	speaker := snap.Speaker

	switch c.st {
	case StateClaimingSpeaker, StateSpeaking:
		if c.st == StateClaimingSpeaker && speaker == "" {
			// A snapshot taken before our claim write can trail it; an
			// empty slot never outranks a claim in flight.
			return
		}
		if snap.Known && speaker != c.self {
			c.demote(speaker)
		}
	case StateIdle, StateError:
		if speaker != "" && speaker != c.self {
			c.maybeJoin(speaker)
		}
	case StateJoiningListener, StateListening:
		if !snap.Known {
			return
		}
		if speaker == "" {
			log.Info().Str("module", "coordinator").Msg("speaker left, returning to idle")
			c.teardown(true)
			return
		}
		if speaker != c.joined && speaker != c.self {
			log.Info().Str("module", "coordinator").
				Str("speaker", string(speaker)).
				Msg("speaker changed, rejoining")
			c.maybeJoin(speaker)
		}
	}
}

// demote yields to a competing claimant that won the last-write race.
// The winner's speaker_id entry is left untouched.
func (c *Coordinator) demote(winner domain.GuardID) {
	log.Warn().
		Str("module", "coordinator").
		Str("winner", string(winner)).
		Str("kind", string(core.StaleSpeakerRecord)).
		Msg("speaker claim overwritten, yielding")
	c.gen++
	c.inFlight = false
	c.trans.Stop()
	c.dropSpeakerCrashCleanup()
	c.owner.Release(c.group)
	c.st = StateIdle
	if winner != "" {
		c.maybeJoin(winner)
	}
}

// dropSpeakerCrashCleanup cancels the remove-on-disconnect registered
// with a claim. After yielding, the slot belongs to the winner; a later
// crash of this device must not delete it.
func (c *Coordinator) dropSpeakerCrashCleanup() {
	group := c.group
	go func() {
		if err := c.store.CancelRemoveOnDisconnect(c.runCtx, core.SpeakerPath(group)); err != nil {
			log.Warn().Err(err).Str("module", "coordinator").Msg("on-disconnect cancel failed")
		}
	}()
}

// maybeJoin starts a listening session towards speaker, honoring the
// per-group debounce. A suppressed join re-fires once the window ends.
func (c *Coordinator) maybeJoin(speaker domain.GuardID) {
	if last, ok := c.lastJoin[c.group]; ok {
		if wait := c.debounce - time.Since(last); wait > 0 {
			gen := c.gen
			time.AfterFunc(wait, func() { c.send(evJoinKick{gen: gen}) })
			return
		}
	}
	if !c.owner.TryAcquire(c.group) {
		return
	}
	c.lastJoin[c.group] = time.Now()
	c.trans.Stop()
	c.st = StateJoiningListener
	c.inFlight = true
	c.connErr = nil
	c.joined = speaker
	c.gen++
	gen := c.gen
	group := c.group

	go func() {
		err := c.trans.StartSubscriber(c.runCtx, group, speaker)
		c.send(evSessionStarted{gen: gen, err: err})
	}()
}

func (c *Coordinator) handleJoinKick(gen uint64) {
	if gen != c.gen {
		return
	}
	switch c.st {
	case StateIdle, StateListening, StateError:
	default:
		return
	}
	spk := c.pres.Speaker
	if spk == "" || spk == c.self || spk == c.joined {
		return
	}
	c.maybeJoin(spk)
}

func (c *Coordinator) handleJoinRequest(group domain.GroupID, speaker domain.GuardID) {
	if _, held := c.owner.Held(); held || c.inFlight {
		return
	}
	if speaker == "" || speaker == c.self {
		return
	}
	if group != c.group {
		c.handleSelectGroup(group)
	}
	c.maybeJoin(speaker)
}

func (c *Coordinator) handleTransportError(err error) {
	switch c.st {
	case StateSpeaking, StateClaimingSpeaker, StateListening, StateJoiningListener:
	default:
		return
	}
	log.Warn().Err(err).Str("module", "coordinator").Str("state", c.st.String()).Msg("transport error")
	c.scheduleRetry(err)
}

// scheduleRetry moves to Reconnecting and books the next attempt, or
// gives up into Error once the budget is spent.
func (c *Coordinator) scheduleRetry(cause error) {
	wasSpeaker := c.st.Role() == core.RoleSpeaker || (c.st == StateReconnecting && c.joined == "")
	c.retries++
	if c.retries > maxSessionRetries {
		log.Error().Err(cause).Str("module", "coordinator").Msg("session retry budget exhausted")
		if wasSpeaker {
			c.removeOwnSpeakerEntry()
		}
		c.failAttempt(cause)
		return
	}
	if wasSpeaker {
		c.joined = ""
	}
	c.st = StateReconnecting
	c.inFlight = true
	c.trans.Stop()
	c.gen++
	gen := c.gen
	delay := time.Duration(c.retries) * retryBackoffStep
	log.Info().
		Str("module", "coordinator").
		Int("attempt", c.retries).
		Dur("delay", delay).
		Msg("scheduling session retry")
	time.AfterFunc(delay, func() { c.send(evRetryTimer{gen: gen}) })
}

func (c *Coordinator) handleRetryTimer(gen uint64) {
	if gen != c.gen || c.st != StateReconnecting {
		return
	}
	group := c.group
	if c.joined != "" {
		// listener role: rejoin the current speaker if still there
		speaker := c.pres.Speaker
		if c.pres.Known && speaker == "" {
			c.teardown(true)
			return
		}
		if speaker == "" || speaker == c.self {
			speaker = c.joined
		}
		c.joined = speaker
		c.gen++
		g := c.gen
		go func() {
			err := c.trans.StartSubscriber(c.runCtx, group, speaker)
			c.send(evSessionStarted{gen: g, err: err})
		}()
		return
	}
	// speaker role: re-publish under the existing claim
	c.gen++
	g := c.gen
	go func() {
		err := c.trans.StartPublisher(c.runCtx, group)
		c.send(evSessionStarted{gen: g, err: err})
	}()
}

// failAttempt resolves a failed connect into a terminal state for this
// attempt. IsConnectionInProgress never stays true past this point.
func (c *Coordinator) failAttempt(err error) {
	wasListener := c.joined != "" || c.st == StateListening || c.st == StateJoiningListener
	c.gen++
	c.inFlight = false
	c.retries = 0
	c.trans.Stop()
	c.owner.Release(c.group)
	c.joined = ""
	if wasListener && c.group != "" {
		if rerr := c.store.Remove(c.runCtx, core.PresenceEntryPath(c.group, c.self)); rerr != nil {
			log.Warn().Err(rerr).Str("module", "coordinator").Msg("presence entry remove failed")
		}
	}
	if ce := asCoreError(err); ce != nil {
		c.connErr = ce
	} else {
		c.connErr = core.NewError(core.TransportNegotiationFailed, "session failed", err)
	}
	c.st = StateError
}

// teardown is the one cleanup path, idempotent from any state. When
// removeEntries is set it also clears the entries this device owns in
// the store.
func (c *Coordinator) teardown(removeEntries bool) {
	wasSpeaker := c.st == StateSpeaking || c.st == StateClaimingSpeaker ||
		(c.st == StateReconnecting && c.joined == "")
	wasListener := c.st == StateListening || c.st == StateJoiningListener ||
		(c.st == StateReconnecting && c.joined != "")

	c.gen++
	c.inFlight = false
	c.retries = 0
	c.joined = ""
	c.connErr = nil
	c.trans.Stop()

	if removeEntries && c.group != "" {
		if wasSpeaker {
			c.removeOwnSpeakerEntry()
		}
		if wasListener {
			path := core.PresenceEntryPath(c.group, c.self)
			if err := c.store.Remove(c.runCtx, path); err != nil {
				log.Warn().Err(err).Str("module", "coordinator").Msg("presence entry remove failed")
			}
		}
	}
	c.owner.Release(c.group)
	c.st = StateIdle
}

// removeOwnSpeakerEntry clears the speaker slot unless a competitor has
// already overwritten it.
func (c *Coordinator) removeOwnSpeakerEntry() {
	if c.pres.Known && c.pres.Speaker != "" && c.pres.Speaker != c.self {
		c.dropSpeakerCrashCleanup()
		return
	}
	if err := c.store.Remove(c.runCtx, core.SpeakerPath(c.group)); err != nil {
		log.Warn().Err(err).Str("module", "coordinator").Msg("speaker entry remove failed")
	}
}

func (c *Coordinator) loadLicense(ctx context.Context) {
	b, err := c.store.Get(ctx, core.GuardPath(c.self))
	if err != nil || b == nil {
		log.Warn().Err(err).Str("module", "coordinator").Msg("guard record unavailable, license unknown")
		return
	}
	var g domain.Guard
	if err := json.Unmarshal(b, &g); err != nil || g.CompanyID == "" {
		return
	}
	b, err = c.store.Get(ctx, core.CompanyPath(g.CompanyID))
	if err != nil || b == nil {
		return
	}
	var comp domain.Company
	if err := json.Unmarshal(b, &comp); err != nil {
		return
	}
	c.send(evLicense{status: comp.License(time.Now())})
}

func (c *Coordinator) publish() {
	snap := Snapshot{
		State:                  c.st,
		Group:                  c.group,
		CurrentSpeaker:         c.pres.Speaker,
		ActiveListeners:        c.pres.ListenerList(),
		IsConnectionInProgress: c.inFlight,
		IsReconnecting:         c.st == StateReconnecting,
		License:                c.license,
	}
	if c.connErr != nil {
		snap.ConnectionError = c.connErr.Msg
		snap.ErrorKind = c.connErr.Kind
	}
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
	if c.onState != nil {
		c.onState(snap)
	}
}

func asCoreError(err error) *core.Error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
