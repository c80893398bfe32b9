// Package messenger frames the activity protocol's commands over raw
// webctx messaging. A Messenger is one end of one live channel: it is bound
// to a single peer handle, filters everything else out, pins the peer's
// origin on first contact and hands accepted commands to its owner.
//
// Redirect-mode flows never construct a Messenger; they have no live
// channel. That is exactly the difference the protocol's SecureChannel flag
// reports.
package messenger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/machinefabric/activities-go/webctx"
)

// Sentinel marks a webctx message as an activity protocol frame. Messages
// without it belong to the page and are ignored.
const Sentinel = "__ACTIVITIES__"

// Command names exchanged over a live channel.
const (
	// CmdConnect is the host's announcement that it is loaded and ready to
	// receive the request.
	CmdConnect = "connect"

	// CmdStart carries the serialized request from client to host.
	CmdStart = "start"

	// CmdResult carries the host's single result record.
	CmdResult = "result"

	// CmdReady signals the host considers itself ready for display.
	CmdReady = "ready"

	// CmdMsg carries custom post-connect payloads in either direction.
	CmdMsg = "msg"

	// CmdClose announces the sender is tearing the channel down.
	CmdClose = "close"
)

// ErrClosed is returned when sending on a messenger that has been closed.
var ErrClosed = errors.New("messenger: closed")

// Command is one accepted protocol frame. Origin is the fabric-asserted
// origin of the sending context, never a payload claim.
type Command struct {
	Name    string
	Payload map[string]any
	Origin  string
}

// Messenger is one end of a live command channel.
type Messenger struct {
	page     webctx.Context
	peer     webctx.Handle
	expected string
	log      *slog.Logger

	mu        sync.Mutex
	pinned    string
	onCommand func(Command)
	stopSub   func()
	closed    bool
	seen      map[string]struct{}
}

// New binds a messenger to a peer handle. expectedOrigin restricts which
// origin frames are accepted from; "" means the first accepted frame pins
// it. A nil logger falls back to slog.Default.
func New(page webctx.Context, peer webctx.Handle, expectedOrigin string, log *slog.Logger) *Messenger {
	if log == nil {
		log = slog.Default()
	}
	return &Messenger{
		page:     page,
		peer:     peer,
		expected: expectedOrigin,
		log:      log,
		seen:     make(map[string]struct{}),
	}
}

// OnCommand sets the consumer for accepted frames. Set it before Listen;
// frames arriving without a consumer are dropped.
func (m *Messenger) OnCommand(fn func(Command)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommand = fn
}

// Listen subscribes to the page's inbound messages. Idempotent.
func (m *Messenger) Listen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.stopSub != nil {
		return
	}
	m.stopSub = m.page.OnMessage(m.handleMessage)
}

// Send frames a command and delivers it to the peer.
func (m *Messenger) Send(cmd string, payload map[string]any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	env := map[string]any{
		"sentinel": Sentinel,
		"cmd":      cmd,
		"mid":      uuid.NewString(),
	}
	if payload != nil {
		env["payload"] = payload
	}
	if err := m.peer.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// PeerOrigin returns the origin frames are accepted from: the pinned origin
// once a frame has been accepted, the expected one before that.
func (m *Messenger) PeerOrigin() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinned != "" {
		return m.pinned
	}
	return m.expected
}

// OriginVerified reports whether the peer origin has been asserted by the
// fabric, i.e. at least one frame was accepted.
func (m *Messenger) OriginVerified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned != ""
}

// Secure reports whether this is a direct message channel. A messenger only
// exists on one, so this is constant; it mirrors the flag carried into
// results.
func (m *Messenger) Secure() bool { return true }

// Close unsubscribes and makes further sends fail. Idempotent.
func (m *Messenger) Close() {
	m.mu.Lock()
	stop := m.stopSub
	m.stopSub = nil
	m.closed = true
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (m *Messenger) handleMessage(msg webctx.Message) {
	if msg.SourceID != m.peer.ID() {
		return
	}
	if msg.Data["sentinel"] != Sentinel {
		return
	}
	cmd, ok := msg.Data["cmd"].(string)
	if !ok || cmd == "" {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.expected != "" && msg.Origin != m.expected {
		m.mu.Unlock()
		m.log.Debug("dropping frame from unexpected origin",
			"origin", msg.Origin, "expected", m.expected, "cmd", cmd)
		return
	}
	if m.pinned == "" {
		m.pinned = msg.Origin
	} else if msg.Origin != m.pinned {
		m.mu.Unlock()
		return
	}
	if mid, ok := msg.Data["mid"].(string); ok && mid != "" {
		if _, dup := m.seen[mid]; dup {
			m.mu.Unlock()
			return
		}
		m.seen[mid] = struct{}{}
	}
	fn := m.onCommand
	m.mu.Unlock()

	if fn == nil {
		return
	}
	payload, _ := msg.Data["payload"].(map[string]any)
	fn(Command{Name: cmd, Payload: payload, Origin: msg.Origin})
}
