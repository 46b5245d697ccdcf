// Package directory implements the shared signaling tree: an in-memory
// path-keyed store with subtree subscriptions and remove-on-disconnect
// registrations, plus the websocket server exposing it.
package directory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/guardtalk/guardtalk/internal/core"
)

// Tree is the store itself. Entries are leaves keyed by slash-separated
// paths; a "subtree" is every entry sharing a path prefix.
type Tree struct {
	mu       sync.Mutex
	entries  map[string][]byte
	subs     map[int]*subscriber
	nextSub  int
	pushSeq  uint64
	sessions map[*Session]struct{}
}

func NewTree() *Tree {
	return &Tree{
		entries:  make(map[string][]byte),
		subs:     make(map[int]*subscriber),
		sessions: make(map[*Session]struct{}),
	}
}

// subscriber delivers events through a private unbounded mailbox so that
// notification never blocks a writer and order per path is preserved.
type subscriber struct {
	prefix string
	fn     func(core.Event)

	mu    sync.Mutex
	queue []core.Event
	kick  chan struct{}
	done  chan struct{}
}

func (s *subscriber) enqueue(ev core.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(ev)
		}
	}
}

func matches(prefix, path string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func (t *Tree) notifyLocked(ev core.Event) {
	for _, s := range t.subs {
		if matches(s.prefix, ev.Path) {
			s.enqueue(ev)
		}
	}
}

// Get returns (nil, false) when path holds no leaf entry.
func (t *Tree) Get(path string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (t *Tree) Set(path string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[path] = v
	t.notifyLocked(core.Event{Path: path, Value: v})
}

// Remove deletes the leaf at path and every entry beneath it, notifying
// one removal event per deleted leaf.
func (t *Tree) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.entries {
		if matches(path, p) {
			delete(t.entries, p)
			t.notifyLocked(core.Event{Path: p, Value: nil})
		}
	}
}

// Push stores value under a generated key that sorts in append order.
func (t *Tree) Push(path string, value []byte) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushSeq++
	key := fmt.Sprintf("%012d-%s", t.pushSeq, uuid.NewString()[:8])
	v := make([]byte, len(value))
	copy(v, value)
	full := path + "/" + key
	t.entries[full] = v
	t.notifyLocked(core.Event{Path: full, Value: v})
	return key
}

// Subscribe registers fn for every current and future entry under prefix.
// The initial snapshot is delivered through the same mailbox, before any
// change that commits after this call returns.
func (t *Tree) Subscribe(prefix string, fn func(core.Event)) int {
	s := &subscriber{
		prefix: prefix,
		fn:     fn,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = s

	snap := make([]string, 0)
	for p := range t.entries {
		if matches(prefix, p) {
			snap = append(snap, p)
		}
	}
	sort.Strings(snap)
	for _, p := range snap {
		s.enqueue(core.Event{Path: p, Value: t.entries[p]})
	}
	t.mu.Unlock()

	go s.run()
	return id
}

func (t *Tree) Unsubscribe(id int) {
	t.mu.Lock()
	s, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// Session ties remove-on-disconnect registrations to one client
// connection. Disconnect fires them all; it is what crash recovery
// of speaker and presence entries rides on.
type Session struct {
	t      *Tree
	mu     sync.Mutex
	paths  []string
	closed bool
}

func (t *Tree) NewSession() *Session {
	s := &Session{t: t}
	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
	return s
}

func (s *Session) RegisterRemoveOnDisconnect(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.paths = append(s.paths, path)
}

// CancelRemoveOnDisconnect drops a registration after the entry was
// removed explicitly, so a later disconnect does not re-delete a key
// now owned by someone else.
func (s *Session) CancelRemoveOnDisconnect(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.paths[:0]
	for _, p := range s.paths {
		if p != path {
			kept = append(kept, p)
		}
	}
	s.paths = kept
}

// Disconnect removes every registered path. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	for _, p := range paths {
		s.t.Remove(p)
	}
	s.t.mu.Lock()
	delete(s.t.sessions, s)
	s.t.mu.Unlock()
}
