package wsctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/machinefabric/activities-go/webctx"
)

// ErrClosed is returned for operations on a context whose relay connection
// is gone.
var ErrClosed = errors.New("wsctx: context is closed")

const defaultOpenTimeout = 10 * time.Second

// Option tunes Dial.
type Option func(*dialConfig)

type dialConfig struct {
	token       string
	claim       string
	log         *slog.Logger
	openTimeout time.Duration
}

// WithToken sends the hub's bearer token on the connection.
func WithToken(token string) Option {
	return func(c *dialConfig) { c.token = token }
}

// WithClaim adopts a pending open instead of registering a fresh context:
// the client becomes the reserved window, inheriting its id, URL, name,
// features and opener link. The pageURL argument to Dial is ignored.
func WithClaim(contextID string) Option {
	return func(c *dialConfig) { c.claim = contextID }
}

// WithOpenTimeout bounds how long OpenWindow waits for the hub's reply.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *dialConfig) { c.openTimeout = d }
}

// WithClientLogger sets the logger for dropped-frame diagnostics.
func WithClientLogger(log *slog.Logger) Option {
	return func(c *dialConfig) { c.log = log }
}

// Client is one browsing context living behind a relay hub. It implements
// webctx.Context; the document facts (URL, fragment, origin) are kept
// locally and reported to the hub, which pins the origin used to stamp this
// context's outbound messages.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	id          string
	name        string
	features    string
	opener      *wsHandle
	openTimeout time.Duration

	writeMu sync.Mutex

	mu          sync.Mutex
	origin      string
	base        string
	frag        string
	subs        map[int]func(webctx.Message)
	nextSub     int
	closedPeers map[string]struct{}
	replies     map[string]chan *Envelope
	closed      bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ webctx.Context = (*Client)(nil)

// Dial connects to the relay at relayURL and registers a context displaying
// pageURL. With WithClaim the client instead becomes a previously reserved
// window and pageURL is ignored.
func Dial(ctx context.Context, relayURL, pageURL string, opts ...Option) (*Client, error) {
	cfg := dialConfig{openTimeout: defaultOpenTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	header := http.Header{}
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, header)
	if err != nil {
		return nil, fmt.Errorf("wsctx: dial relay: %w", err)
	}

	payload := map[string]any{}
	if cfg.claim != "" {
		payload["claim"] = cfg.claim
	} else {
		payload["url"] = pageURL
	}
	reg := &Envelope{
		MsgID:     ulid.Make().String(),
		Type:      TypeRegister,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	b, err := EncodeEnvelope(reg)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("wsctx: encode register: %w", err)
	}
	if err := sock.WriteMessage(websocket.BinaryMessage, b); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("wsctx: send register: %w", err)
	}

	_, data, err := sock.ReadMessage()
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("wsctx: registration rejected: %w", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("wsctx: decode welcome: %w", err)
	}
	if env.Type == TypeError {
		msg, _ := env.Payload["message"].(string)
		_ = sock.Close()
		return nil, fmt.Errorf("wsctx: registration rejected: %s", msg)
	}
	if env.Type != TypeWelcome {
		_ = sock.Close()
		return nil, fmt.Errorf("wsctx: expected welcome, got %s", env.Type)
	}

	id, _ := env.Payload["context_id"].(string)
	rawurl, _ := env.Payload["url"].(string)
	origin, _ := env.Payload["origin"].(string)
	if id == "" || origin == "" {
		_ = sock.Close()
		return nil, errors.New("wsctx: malformed welcome")
	}

	base, frag, _ := strings.Cut(rawurl, "#")
	c := &Client{
		conn:        sock,
		log:         cfg.log,
		id:          id,
		openTimeout: cfg.openTimeout,
		origin:      origin,
		base:        base,
		frag:        frag,
		subs:        make(map[int]func(webctx.Message)),
		closedPeers: make(map[string]struct{}),
		replies:     make(map[string]chan *Envelope),
		done:        make(chan struct{}),
	}
	c.name, _ = env.Payload["name"].(string)
	c.features, _ = env.Payload["features"].(string)
	if openerID, _ := env.Payload["opener_id"].(string); openerID != "" {
		c.opener = &wsHandle{c: c, targetID: openerID}
	}

	go c.readLoop()
	return c, nil
}

// ID implements webctx.Context.
func (c *Client) ID() string { return c.id }

// Origin returns the origin of the currently loaded document.
func (c *Client) Origin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

// URL returns the full current address, fragment included.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frag == "" {
		return c.base
	}
	return c.base + "#" + c.frag
}

// Fragment returns the current fragment without its leading '#'.
func (c *Client) Fragment() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frag
}

// ReplaceFragment swaps the fragment in place and reports the new address
// to the hub. Subscriptions survive; the document is not replaced.
func (c *Client) ReplaceFragment(fragment string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.frag = strings.TrimPrefix(fragment, "#")
	rawurl := c.base
	if c.frag != "" {
		rawurl = c.base + "#" + c.frag
	}
	c.mu.Unlock()

	return c.send(&Envelope{Type: TypeNavigate, Payload: map[string]any{"url": rawurl}})
}

// Navigate replaces this context's document: subscriptions drop, the
// origin re-derives from the new URL, and the hub re-pins the route.
func (c *Client) Navigate(rawurl string) error {
	if err := c.applyNavigate(rawurl); err != nil {
		return err
	}
	return c.send(&Envelope{Type: TypeNavigate, Payload: map[string]any{"url": rawurl}})
}

func (c *Client) applyNavigate(rawurl string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.base, c.frag, _ = strings.Cut(rawurl, "#")
	c.origin = originOf(rawurl)
	c.subs = make(map[int]func(webctx.Message))
	return nil
}

// OnMessage subscribes to messages delivered to this context until the
// returned stop func runs or the document is replaced.
func (c *Client) OnMessage(fn func(webctx.Message)) (stop func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	n := c.nextSub
	c.nextSub++
	subs := c.subs
	subs[n] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(subs, n)
	}
}

// OpenWindow reserves a new context at the hub and returns a handle to it.
// The window exists once some process claims the reservation; until then
// sends to it fail at the hub.
//
// The hub's reply arrives on the same loop that runs OnMessage callbacks,
// so OpenWindow must not be called from inside one.
func (c *Client) OpenWindow(rawurl, name, features string) (webctx.Handle, error) {
	msgID := ulid.Make().String()
	reply := make(chan *Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.replies[msgID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, msgID)
		c.mu.Unlock()
	}()

	err := c.send(&Envelope{
		MsgID: msgID,
		Type:  TypeOpen,
		Payload: map[string]any{
			"url":      rawurl,
			"name":     name,
			"features": features,
		},
	})
	if err != nil {
		return nil, err
	}

	select {
	case env := <-reply:
		if env.Type == TypeError {
			msg, _ := env.Payload["message"].(string)
			return nil, fmt.Errorf("wsctx: open window: %s", msg)
		}
		id, _ := env.Payload["context_id"].(string)
		if id == "" {
			return nil, errors.New("wsctx: malformed opened reply")
		}
		return &wsHandle{c: c, targetID: id}, nil
	case <-c.done:
		return nil, ErrClosed
	case <-time.After(c.openTimeout):
		return nil, errors.New("wsctx: open window timed out")
	}
}

// Opener returns a handle to the context that opened this window, nil for
// contexts that registered on their own.
func (c *Client) Opener() webctx.Handle {
	if c.opener == nil {
		return nil
	}
	return c.opener
}

// Parent is always nil: relay contexts are top-level.
func (c *Client) Parent() webctx.Handle { return nil }

// IsEmbedded is always false: relay contexts are top-level.
func (c *Client) IsEmbedded() bool { return false }

// Name returns the window name this context was opened under.
func (c *Client) Name() string { return c.name }

// Features returns the display-hint string this context was opened with.
func (c *Client) Features() string { return c.features }

// Close drops the relay connection. The hub notifies linked contexts.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

// send stamps and writes one envelope.
func (c *Client) send(env *Envelope) error {
	if env.MsgID == "" {
		env.MsgID = ulid.Make().String()
	}
	env.Timestamp = time.Now().UnixMilli()
	b, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("wsctx: encode envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return fmt.Errorf("wsctx: send envelope: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			c.log.Debug("dropping undecodable envelope", "error", err)
			continue
		}

		switch env.Type {
		case TypeDeliver:
			msg := webctx.Message{
				Origin:   env.Origin,
				SourceID: env.SourceID,
				Data:     env.Payload,
			}
			c.mu.Lock()
			fns := make([]func(webctx.Message), 0, len(c.subs))
			for _, fn := range c.subs {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(msg)
			}

		case TypeOpened, TypeError:
			re, _ := env.Payload["re"].(string)
			c.mu.Lock()
			reply := c.replies[re]
			delete(c.replies, re)
			c.mu.Unlock()
			if reply != nil {
				reply <- env
			} else if env.Type == TypeError {
				msg, _ := env.Payload["message"].(string)
				c.log.Debug("relay reported an error", "message", msg)
			}

		case TypePeerClosed:
			id, _ := env.Payload["context_id"].(string)
			if id != "" {
				c.mu.Lock()
				c.closedPeers[id] = struct{}{}
				c.mu.Unlock()
			}

		case TypeNavigateTo:
			rawurl, _ := env.Payload["url"].(string)
			if rawurl == "" {
				continue
			}
			if err := c.Navigate(rawurl); err != nil {
				c.log.Debug("apply remote navigation", "error", err)
			}

		default:
			c.log.Debug("ignoring envelope", "type", env.Type)
		}
	}
}

func (c *Client) peerClosed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, gone := c.closedPeers[id]
	return gone
}

// wsHandle is this context's view of another relay context. Messages it
// sends are restamped by the hub with this context's pinned origin, so the
// receiver's provenance is fabric-asserted.
type wsHandle struct {
	c        *Client
	targetID string
}

var _ webctx.Handle = (*wsHandle)(nil)

func (h *wsHandle) ID() string { return h.targetID }

func (h *wsHandle) Send(data map[string]any) error {
	if h.c.peerClosed(h.targetID) {
		return fmt.Errorf("wsctx: context %s is closed", h.targetID)
	}
	return h.c.send(&Envelope{
		Type:     TypeSend,
		TargetID: h.targetID,
		Payload:  data,
	})
}

func (h *wsHandle) Navigate(rawurl string) error {
	return h.c.send(&Envelope{
		Type:     TypeNavigateTo,
		TargetID: h.targetID,
		Payload:  map[string]any{"url": rawurl},
	})
}

func (h *wsHandle) Closed() bool {
	return h.c.peerClosed(h.targetID)
}
