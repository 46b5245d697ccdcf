package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/core"
)

// Wire protocol: the client sends request envelopes, the server answers
// with a reply carrying the same id. Subscription events are pushed with
// op "event" and the subscription id the client obtained from subscribe.

type request struct {
	ID    string          `json:"id"`
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Sub   int             `json:"sub,omitempty"`
}

type reply struct {
	ID    string          `json:"id"`
	Op    string          `json:"op"` // "reply"
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Key   string          `json:"key,omitempty"`
	Sub   int             `json:"sub,omitempty"`
	Error string          `json:"error,omitempty"`
}

type event struct {
	Op    string          `json:"op"` // "event"
	Sub   int             `json:"sub"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// clientState is everything the server holds for one connection: its
// tree session (remove-on-disconnect scope) and its live subscriptions.
type clientState struct {
	sid     string
	session *Session

	mu   sync.Mutex
	subs map[int]int // client-visible sub id -> tree sub id
}

type StoreWSController struct {
	Tree   *Tree
	Claims *ClaimLimiter

	// Keepalive knobs; zero values fall back to the conn defaults.
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewStoreWSController(tree *Tree, claims *ClaimLimiter) *StoreWSController {
	return &StoreWSController{Tree: tree, Claims: claims}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *StoreWSController) HandleStore(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "directory").Str("sid", sid).Msg("new store connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "directory").Msg("ws upgrade")
		return
	}

	conn := newWSConn(ws)
	st := &clientState{
		sid:     sid,
		session: ctl.Tree.NewSession(),
		subs:    make(map[int]int),
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, st, conn)
}

// dropClient fires remove-on-disconnect cleanup and tears down every
// subscription this connection held.
func (ctl *StoreWSController) dropClient(st *clientState, c *wsConn) {
	c.Close()
	st.mu.Lock()
	subs := st.subs
	st.subs = make(map[int]int)
	st.mu.Unlock()
	for _, treeID := range subs {
		ctl.Tree.Unsubscribe(treeID)
	}
	st.session.Disconnect()
}

func (ctl *StoreWSController) handle(st *clientState, c *wsConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "directory").Msg("bad request json")
		return
	}

	switch req.Op {
	case "get":
		v, ok := ctl.Tree.Get(req.Path)
		if !ok {
			ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true})
			return
		}
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true, Value: v})
	case "set":
		if isSpeakerClaim(req.Path) && ctl.Claims != nil && !ctl.Claims.Allow(st.sid) {
			ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: false, Error: "claim rate limited"})
			return
		}
		ctl.Tree.Set(req.Path, req.Value)
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true})
	case "remove":
		ctl.Tree.Remove(req.Path)
		st.session.CancelRemoveOnDisconnect(req.Path)
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true})
	case "push":
		key := ctl.Tree.Push(req.Path, req.Value)
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true, Key: key})
	case "subscribe":
		ctl.handleSubscribe(st, c, req)
	case "unsubscribe":
		st.mu.Lock()
		treeID, ok := st.subs[req.Sub]
		delete(st.subs, req.Sub)
		st.mu.Unlock()
		if ok {
			ctl.Tree.Unsubscribe(treeID)
		}
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true})
	case "ondisconnect":
		st.session.RegisterRemoveOnDisconnect(req.Path)
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true})
	case "canceldisconnect":
		st.session.CancelRemoveOnDisconnect(req.Path)
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true})
	default:
		log.Warn().Str("module", "directory").Str("op", req.Op).Msg("unknown op")
		ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: false, Error: "unknown op"})
	}
}

func (ctl *StoreWSController) handleSubscribe(st *clientState, c *wsConn, req request) {
	st.mu.Lock()
	clientID := len(st.subs) + 1
	for { // ids of closed subs are never reused within a connection
		if _, taken := st.subs[clientID]; !taken {
			break
		}
		clientID++
	}
	st.subs[clientID] = 0 // reserve before the tree can deliver
	st.mu.Unlock()

	treeID := ctl.Tree.Subscribe(req.Path, func(ev core.Event) {
		b, err := json.Marshal(event{Op: "event", Sub: clientID, Path: ev.Path, Value: ev.Value})
		if err != nil {
			return
		}
		if err := c.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "directory").Str("sid", st.sid).Msg("event dropped")
		}
	})

	st.mu.Lock()
	st.subs[clientID] = treeID
	st.mu.Unlock()

	ctl.sendReply(c, reply{ID: req.ID, Op: "reply", OK: true, Sub: clientID})
}

func (ctl *StoreWSController) sendReply(c *wsConn, r reply) {
	b, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Str("module", "directory").Msg("reply marshal")
		return
	}
	_ = c.TrySend(b)
}

func isSpeakerClaim(path string) bool {
	return strings.HasPrefix(path, "calls/") && strings.HasSuffix(path, "/speaker_id")
}
