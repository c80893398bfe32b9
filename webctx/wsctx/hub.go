// Package wsctx is the relay-backed webctx fabric: browsing contexts in
// separate processes connect to a Hub over WebSocket and get the same
// messaging, window opening and navigation facts that memctx provides
// in-process. Envelopes cross the wire as CBOR. The hub pins each
// connection's origin at registration and stamps it onto every relayed
// envelope, so a receiver's Message.Origin is fabric-asserted exactly as it
// is in a browser.
//
// Relay contexts are always top-level: Parent is nil and IsEmbedded is
// false. Embedding is an in-process affair; the relay exists for the popup
// and redirect topologies, where the two ends genuinely live in different
// processes.
package wsctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// dedupeTTL is how long processed envelope ids stay marked. Reconnect
// replays inside this window are dropped.
const dedupeTTL = 24 * time.Hour

// relayConn is one registered context's connection. Socket writes go
// through the mutex; everything else is touched only from the connection's
// own serve goroutine.
type relayConn struct {
	id       string
	origin   string
	url      string
	openerID string

	sock    *websocket.Conn
	writeMu sync.Mutex
}

func (c *relayConn) write(env *Envelope) error {
	b, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.BinaryMessage, b)
}

// Hub relays envelopes between registered contexts and brokers window
// opens. It trusts its Store for dedupe and route persistence; everything
// routing-critical lives in the in-memory connection table.
type Hub struct {
	store     Store
	authToken string
	log       *slog.Logger
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*relayConn
	onOpen   map[int]func(PendingOpen)
	nextHook int
}

// NewHub builds a hub over the given store. A non-empty authToken makes the
// hub require `Authorization: Bearer <token>` on every connection. A nil
// logger falls back to slog.Default.
func NewHub(st Store, authToken string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store:     st,
		authToken: authToken,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*relayConn),
		onOpen: make(map[int]func(PendingOpen)),
	}
}

// OnOpen registers a hook for pending window opens; deployments use it to
// launch whatever process will claim the reserved context. Hooks run on
// their own goroutines.
func (h *Hub) OnOpen(fn func(PendingOpen)) (stop func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.nextHook
	h.nextHook++
	h.onOpen[n] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.onOpen, n)
	}
}

// HandleWS upgrades one context connection and serves it until disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.log.Warn("relay connection unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	conn, err := h.register(sock)
	if err != nil {
		h.log.Warn("context registration rejected", "remote", r.RemoteAddr, "error", err)
		_ = sock.Close()
		return
	}

	metricActiveContexts.Inc()
	h.log.Info("context registered", "contextId", conn.id, "origin", conn.origin)
	h.serve(conn)
}

// Shutdown closes every context connection. Serve goroutines unwind as
// their reads fail.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*relayConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.sock.Close()
	}
}

// register consumes the connection's first frame: a url declaration for a
// fresh context, or a claim that adopts a pending open's reserved identity.
func (h *Hub) register(sock *websocket.Conn) (*relayConn, error) {
	_, data, err := sock.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read register: %w", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("decode register: %w", err)
	}
	if env.Type != TypeRegister {
		return nil, fmt.Errorf("first frame must be %s, got %s", TypeRegister, env.Type)
	}

	conn := &relayConn{sock: sock}
	welcome := map[string]any{}
	if claim, _ := env.Payload["claim"].(string); claim != "" {
		po, ok, err := h.store.TakePendingOpen(context.Background(), claim)
		if err != nil {
			return nil, fmt.Errorf("look up pending open: %w", err)
		}
		if !ok {
			h.writeError(conn, env.MsgID, "no pending open under that id")
			return nil, fmt.Errorf("no pending open %s", claim)
		}
		conn.id = po.ID
		conn.url = po.URL
		conn.openerID = po.OpenerID
		welcome["name"] = po.Name
		welcome["features"] = po.Features
	} else {
		rawurl, _ := env.Payload["url"].(string)
		if rawurl == "" {
			h.writeError(conn, env.MsgID, "register needs a url or a claim")
			return nil, errors.New("register without url or claim")
		}
		conn.id = ulid.Make().String()
		conn.url = rawurl
	}
	conn.origin = originOf(conn.url)

	h.mu.Lock()
	if _, dup := h.conns[conn.id]; dup {
		h.mu.Unlock()
		h.writeError(conn, env.MsgID, "context id already connected")
		return nil, fmt.Errorf("context %s already connected", conn.id)
	}
	h.conns[conn.id] = conn
	h.mu.Unlock()

	if err := h.store.SetRoute(context.Background(), conn.id, Route{URL: conn.url, Origin: conn.origin}); err != nil {
		h.log.Error("persist route", "contextId", conn.id, "error", err)
	}

	welcome["context_id"] = conn.id
	welcome["url"] = conn.url
	welcome["origin"] = conn.origin
	if conn.openerID != "" {
		welcome["opener_id"] = conn.openerID
	}
	err = conn.write(&Envelope{
		MsgID:     ulid.Make().String(),
		Type:      TypeWelcome,
		Timestamp: time.Now().UnixMilli(),
		Payload:   welcome,
	})
	if err != nil {
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()
		return nil, fmt.Errorf("send welcome: %w", err)
	}
	return conn, nil
}

func (h *Hub) serve(conn *relayConn) {
	defer func() {
		h.unregister(conn)
		metricActiveContexts.Dec()
		h.log.Info("context disconnected", "contextId", conn.id)
	}()

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			h.log.Debug("dropping undecodable envelope", "contextId", conn.id, "error", err)
			continue
		}
		seen, err := h.store.Seen(context.Background(), env.MsgID, dedupeTTL)
		if err != nil {
			h.log.Error("dedupe check failed", "msgId", env.MsgID, "error", err)
			continue
		}
		if seen {
			metricDuplicatesDropped.Inc()
			h.log.Debug("dropping duplicate envelope", "msgId", env.MsgID, "contextId", conn.id)
			continue
		}

		switch env.Type {
		case TypeSend:
			h.relay(conn, env, TypeDeliver)
		case TypeNavigateTo:
			h.relay(conn, env, TypeNavigateTo)
		case TypeOpen:
			h.handleOpen(conn, env)
		case TypeNavigate:
			h.handleNavigate(conn, env)
		default:
			h.log.Debug("ignoring envelope", "type", env.Type, "contextId", conn.id)
		}
	}
}

// unregister drops the connection from the table and tells its opener and
// every window it opened that the peer is gone.
func (h *Hub) unregister(conn *relayConn) {
	h.mu.Lock()
	if cur, ok := h.conns[conn.id]; !ok || cur != conn {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.id)
	var linked []*relayConn
	for _, other := range h.conns {
		if other.id == conn.openerID || other.openerID == conn.id {
			linked = append(linked, other)
		}
	}
	h.mu.Unlock()
	_ = conn.sock.Close()

	for _, peer := range linked {
		note := &Envelope{
			MsgID:     ulid.Make().String(),
			Type:      TypePeerClosed,
			Origin:    conn.origin,
			SourceID:  conn.id,
			Timestamp: time.Now().UnixMilli(),
			Payload:   map[string]any{"context_id": conn.id},
		}
		if err := peer.write(note); err != nil {
			h.log.Debug("notify peer closed", "contextId", peer.id, "error", err)
		}
	}
}

// relay forwards the payload to the target, restamped with the sender's
// pinned origin and id. The sender's own origin/source fields are ignored.
func (h *Hub) relay(from *relayConn, env *Envelope, outType string) {
	if env.TargetID == "" {
		h.writeError(from, env.MsgID, "missing target_id")
		return
	}
	h.mu.RLock()
	target, ok := h.conns[env.TargetID]
	h.mu.RUnlock()
	if !ok {
		metricSendFailures.Inc()
		h.log.Debug("no route to context", "targetId", env.TargetID, "msgId", env.MsgID)
		if _, known, _ := h.store.GetRoute(context.Background(), env.TargetID); known {
			h.writeError(from, env.MsgID, "context offline: "+env.TargetID)
		} else {
			h.writeError(from, env.MsgID, "no such context: "+env.TargetID)
		}
		return
	}

	out := &Envelope{
		MsgID:     env.MsgID,
		Type:      outType,
		TargetID:  env.TargetID,
		Origin:    from.origin,
		SourceID:  from.id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   env.Payload,
	}
	if err := target.write(out); err != nil {
		metricSendFailures.Inc()
		h.log.Debug("forward envelope", "targetId", env.TargetID, "error", err)
		h.writeError(from, env.MsgID, "delivery failed")
		return
	}
	metricEnvelopesRelayed.Inc()
}

func (h *Hub) handleOpen(conn *relayConn, env *Envelope) {
	rawurl, _ := env.Payload["url"].(string)
	if rawurl == "" {
		h.writeError(conn, env.MsgID, "open needs a url")
		return
	}
	name, _ := env.Payload["name"].(string)
	features, _ := env.Payload["features"].(string)
	po := PendingOpen{
		ID:       ulid.Make().String(),
		URL:      rawurl,
		Name:     name,
		Features: features,
		OpenerID: conn.id,
	}
	if err := h.store.PutPendingOpen(context.Background(), po); err != nil {
		h.log.Error("persist pending open", "error", err)
		h.writeError(conn, env.MsgID, "open could not be recorded")
		return
	}
	h.log.Info("window open pending", "contextId", po.ID, "url", po.URL, "openerId", conn.id)

	err := conn.write(&Envelope{
		MsgID:     ulid.Make().String(),
		Type:      TypeOpened,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"re": env.MsgID, "context_id": po.ID},
	})
	if err != nil {
		h.log.Debug("answer open", "contextId", conn.id, "error", err)
		return
	}

	h.mu.RLock()
	hooks := make([]func(PendingOpen), 0, len(h.onOpen))
	for _, fn := range h.onOpen {
		hooks = append(hooks, fn)
	}
	h.mu.RUnlock()
	for _, fn := range hooks {
		go fn(po)
	}
}

// handleNavigate re-pins the connection's route and origin from its own
// navigation report. Origin pinning stays registration-grade: navigate is
// the same self-declaration a fresh register would make.
func (h *Hub) handleNavigate(conn *relayConn, env *Envelope) {
	rawurl, _ := env.Payload["url"].(string)
	if rawurl == "" {
		h.writeError(conn, env.MsgID, "navigate needs a url")
		return
	}
	conn.url = rawurl
	conn.origin = originOf(rawurl)
	if err := h.store.SetRoute(context.Background(), conn.id, Route{URL: conn.url, Origin: conn.origin}); err != nil {
		h.log.Error("persist route", "contextId", conn.id, "error", err)
	}
	h.log.Debug("context navigated", "contextId", conn.id, "origin", conn.origin)
}

func (h *Hub) writeError(conn *relayConn, re, message string) {
	env := &Envelope{
		MsgID:     ulid.Make().String(),
		Type:      TypeError,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"re": re, "message": message},
	}
	if err := conn.write(env); err != nil {
		h.log.Debug("write error envelope", "error", err)
	}
}

func originOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}
