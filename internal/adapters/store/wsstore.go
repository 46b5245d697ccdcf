package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
)

const (
	requestTimeout = 10 * time.Second
	redialBase     = time.Second
	redialMax      = 30 * time.Second
	writeDeadline  = 5 * time.Second
)

type wireMsg struct {
	ID    string          `json:"id,omitempty"`
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Key   string          `json:"key,omitempty"`
	Sub   int             `json:"sub,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
}

// wsSub is one client-side subscription. The server-side id changes
// across reconnects; path and fn survive so the subscription can be
// replayed (delivering a fresh snapshot, which at-least-once allows).
type wsSub struct {
	store  *WSStore
	path   string
	fn     func(core.Event)
	srvID  int  // guarded by store.mu
	closed bool // guarded by store.mu
}

func (s *wsSub) Close() { s.store.unsubscribe(s) }

// WSStore speaks the directory websocket protocol. Requests carry uuid
// ids and are correlated with replies; subscription events are pushed by
// the server and dispatched in arrival order, which preserves per-path
// write order.
type WSStore struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wireMsg
	subs    map[*wsSub]struct{}
	bySrvID map[int]*wsSub
	// events arriving before the subscribe reply has told us the id
	early map[int][]core.Event
	// server ids whose subscription was closed before the bind landed;
	// their events are dropped instead of parked
	dead   map[int]struct{}
	closed bool

	writeMu sync.Mutex // gorilla allows one concurrent writer

	// Events are handed off to a dispatcher goroutine so a subscription
	// callback that performs store operations cannot deadlock the read
	// loop waiting on its own reply. Bind commands travel the same
	// channel, keeping parked and live events in order.
	events chan dispatchItem
	done   chan struct{}
}

type dispatchItem struct {
	msg   wireMsg
	bind  *wsSub // when set, bind srvID to this subscription and drain parked events
	srvID int
}

// Dial connects and starts the read loop. The loop redials with capped
// backoff until Close; individual operations fail with StoreUnavailable
// while the link is down.
func Dial(ctx context.Context, url string) (*WSStore, error) {
	s := &WSStore{
		url:     url,
		pending: make(map[string]chan wireMsg),
		subs:    make(map[*wsSub]struct{}),
		bySrvID: make(map[int]*wsSub),
		early:   make(map[int][]core.Event),
		dead:    make(map[int]struct{}),
		events:  make(chan dispatchItem, 256),
		done:    make(chan struct{}),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, core.NewError(core.StoreUnavailable, "directory dial failed", err)
	}
	s.conn = conn
	go s.dispatchLoop()
	go s.readLoop(conn)
	return s, nil
}

func (s *WSStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *WSStore) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onDisconnect(conn, err)
			return
		}
		var msg wireMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "store").Msg("bad frame from directory")
			continue
		}
		switch msg.Op {
		case "reply":
			s.mu.Lock()
			ch, ok := s.pending[msg.ID]
			if ok {
				delete(s.pending, msg.ID)
			}
			s.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			select {
			case s.events <- dispatchItem{msg: msg}:
			case <-s.done:
				return
			}
		default:
			log.Warn().Str("module", "store").Str("op", msg.Op).Msg("unknown frame")
		}
	}
}

func (s *WSStore) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case item := <-s.events:
			if item.bind != nil {
				s.mu.Lock()
				if item.bind.closed {
					// Close raced the bind: the server id only just became
					// known, so the server-side unsubscribe goes out now.
					s.dead[item.srvID] = struct{}{}
					delete(s.early, item.srvID)
					connected := s.conn != nil
					s.mu.Unlock()
					if connected {
						go func(id int) { _, _ = s.send(wireMsg{Op: "unsubscribe", Sub: id}) }(item.srvID)
					}
					continue
				}
				item.bind.srvID = item.srvID
				s.bySrvID[item.srvID] = item.bind
				parked := s.early[item.srvID]
				delete(s.early, item.srvID)
				s.mu.Unlock()
				for _, ev := range parked {
					item.bind.fn(ev)
				}
				continue
			}
			msg := item.msg
			ev := core.Event{Path: msg.Path, Value: msg.Value}
			s.mu.Lock()
			sub, ok := s.bySrvID[msg.Sub]
			if !ok {
				if _, gone := s.dead[msg.Sub]; gone {
					s.mu.Unlock()
					continue
				}
				// Snapshot events can outrun the subscribe reply; park them.
				s.early[msg.Sub] = append(s.early[msg.Sub], ev)
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			sub.fn(ev)
		}
	}
}

func (s *WSStore) onDisconnect(old *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.closed || s.conn != old {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	// Fail everything in flight; callers see StoreUnavailable.
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- wireMsg{Op: "reply", OK: false, Error: "connection lost"}
	}
	s.bySrvID = make(map[int]*wsSub)
	s.early = make(map[int][]core.Event)
	s.dead = make(map[int]struct{})
	s.mu.Unlock()
	_ = old.Close()

	log.Warn().Err(cause).Str("module", "store").Msg("directory connection lost, redialing")
	go s.redial()
}

func (s *WSStore) redial() {
	backoff := redialBase
	for {
		select {
		case <-s.done:
			return
		case <-time.After(backoff):
		}
		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			if backoff *= 2; backoff > redialMax {
				backoff = redialMax
			}
			log.Warn().Err(err).Str("module", "store").Dur("backoff", backoff).Msg("redial failed")
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		subs := make([]*wsSub, 0, len(s.subs))
		for sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()
		go s.readLoop(conn)
		log.Info().Str("module", "store").Msg("directory reconnected")

		for _, sub := range subs {
			if err := s.resubscribe(sub); err != nil {
				log.Error().Err(err).Str("module", "store").Str("path", sub.path).Msg("resubscribe failed")
			}
		}
		return
	}
}

func (s *WSStore) send(req wireMsg) (wireMsg, error) {
	req.ID = uuid.NewString()
	ch := make(chan wireMsg, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wireMsg{}, errors.New("store closed")
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return wireMsg{}, core.NewError(core.StoreUnavailable, "directory disconnected", nil)
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()

	b, err := json.Marshal(req)
	if err != nil {
		return wireMsg{}, err
	}
	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err = conn.WriteMessage(websocket.TextMessage, b)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return wireMsg{}, core.NewError(core.StoreUnavailable, "directory write failed", err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return wireMsg{}, core.NewError(core.StoreUnavailable, resp.Error, nil)
		}
		return resp, nil
	case <-time.After(requestTimeout):
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return wireMsg{}, core.NewError(core.StoreUnavailable, "directory request timed out", nil)
	case <-s.done:
		return wireMsg{}, errors.New("store closed")
	}
}

func (s *WSStore) Get(_ context.Context, path string) ([]byte, error) {
	resp, err := s.send(wireMsg{Op: "get", Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (s *WSStore) Set(_ context.Context, path string, value []byte) error {
	_, err := s.send(wireMsg{Op: "set", Path: path, Value: value})
	return err
}

func (s *WSStore) Remove(_ context.Context, path string) error {
	_, err := s.send(wireMsg{Op: "remove", Path: path})
	return err
}

func (s *WSStore) Push(_ context.Context, path string, value []byte) (string, error) {
	resp, err := s.send(wireMsg{Op: "push", Path: path, Value: value})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (s *WSStore) Subscribe(_ context.Context, path string, fn func(core.Event)) (core.Subscription, error) {
	sub := &wsSub{store: s, path: path, fn: fn}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	if err := s.resubscribe(sub); err != nil {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (s *WSStore) resubscribe(sub *wsSub) error {
	resp, err := s.send(wireMsg{Op: "subscribe", Path: sub.path})
	if err != nil {
		return err
	}
	select {
	case s.events <- dispatchItem{bind: sub, srvID: resp.Sub}:
	case <-s.done:
	}
	return nil
}

func (s *WSStore) unsubscribe(sub *wsSub) {
	s.mu.Lock()
	if sub.closed {
		s.mu.Unlock()
		return
	}
	// The closed mark covers the window where the bind item is still
	// queued: dispatchLoop sees it and sends the unsubscribe itself once
	// the server id is known.
	sub.closed = true
	delete(s.subs, sub)
	srvID := sub.srvID
	if srvID != 0 {
		delete(s.bySrvID, srvID)
		s.dead[srvID] = struct{}{}
		delete(s.early, srvID)
	}
	connected := s.conn != nil
	s.mu.Unlock()
	if connected && srvID != 0 {
		_, _ = s.send(wireMsg{Op: "unsubscribe", Sub: srvID})
	}
}

func (s *WSStore) RegisterRemoveOnDisconnect(_ context.Context, path string) error {
	_, err := s.send(wireMsg{Op: "ondisconnect", Path: path})
	return err
}

func (s *WSStore) CancelRemoveOnDisconnect(_ context.Context, path string) error {
	_, err := s.send(wireMsg{Op: "canceldisconnect", Path: path})
	return err
}

var _ core.Store = (*WSStore)(nil)
