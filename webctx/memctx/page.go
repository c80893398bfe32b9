package memctx

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/machinefabric/activities-go/webctx"
)

// ErrClosed is returned for operations on a context that has been closed.
var ErrClosed = errors.New("memctx: context is closed")

// Page is one browsing context. It implements webctx.Context; other
// contexts hold webctx.Handle references to it.
//
// A page's identity survives navigation, but its message subscriptions and
// undelivered inbox do not: replacing the document starts the new one with
// a clean slate, the way a real page load would.
type Page struct {
	fabric   *Fabric
	id       string
	parent   *Page
	opener   *Page
	name     string
	features string

	mu      sync.Mutex
	cond    *sync.Cond
	origin  string
	base    string
	frag    string
	closed  bool
	subs    map[int]func(webctx.Message)
	nextSub int
	pending []webctx.Message
}

var _ webctx.Context = (*Page)(nil)

func (f *Fabric) newPage(rawurl string, parent, opener *Page, name, features string) *Page {
	base, frag, _ := strings.Cut(rawurl, "#")
	p := &Page{
		fabric:   f,
		id:       uuid.NewString(),
		parent:   parent,
		opener:   opener,
		name:     name,
		features: features,
		origin:   originOf(rawurl),
		base:     base,
		frag:     frag,
		subs:     make(map[int]func(webctx.Message)),
	}
	p.cond = sync.NewCond(&p.mu)
	f.register(p)
	go p.deliverLoop()
	return p
}

// ID implements webctx.Context.
func (p *Page) ID() string { return p.id }

// Origin returns the origin of the currently loaded document.
func (p *Page) Origin() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.origin
}

// URL returns the full current address, fragment included.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frag == "" {
		return p.base
	}
	return p.base + "#" + p.frag
}

// Fragment returns the current fragment without its leading '#'.
func (p *Page) Fragment() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frag
}

// ReplaceFragment swaps the fragment in place. No navigation hook fires and
// subscriptions survive.
func (p *Page) ReplaceFragment(fragment string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.frag = strings.TrimPrefix(fragment, "#")
	return nil
}

// Navigate replaces this page's document with the given URL.
func (p *Page) Navigate(rawurl string) error {
	return p.navigate(rawurl)
}

// OnMessage subscribes to inbound messages until the returned stop func
// runs or the document is replaced.
func (p *Page) OnMessage(fn func(webctx.Message)) (stop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func() {}
	}
	id := p.nextSub
	p.nextSub++
	subs := p.subs
	subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(subs, id)
		p.mu.Unlock()
	}
}

// OpenWindow creates a new top-level context whose Opener is this page and
// reports it to the fabric's OnOpen hooks.
func (p *Page) OpenWindow(rawurl, name, features string) (webctx.Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	w := p.fabric.newPage(rawurl, nil, p, name, features)
	p.fabric.fireOpen(w)
	return &pageHandle{from: p, to: w}, nil
}

// Opener returns a handle to the context that opened this one, or nil.
func (p *Page) Opener() webctx.Handle {
	if p.opener == nil {
		return nil
	}
	return &pageHandle{from: p, to: p.opener}
}

// Parent returns a handle to the embedding context, or nil when top-level.
func (p *Page) Parent() webctx.Handle {
	if p.parent == nil {
		return nil
	}
	return &pageHandle{from: p, to: p.parent}
}

// IsEmbedded reports whether this page lives inside another one.
func (p *Page) IsEmbedded() bool { return p.parent != nil }

// Embed creates an embedded child context on the given URL. It returns the
// parent-side handle to the frame and the child page itself, so a test can
// drive both sides.
func (p *Page) Embed(rawurl string) (webctx.Handle, *Page) {
	child := p.fabric.newPage(rawurl, p, nil, "", "")
	return &pageHandle{from: p, to: child}, child
}

// Close tears the context down. Undelivered messages are dropped and
// handles to it start reporting Closed.
func (p *Page) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.pending = nil
	p.subs = make(map[int]func(webctx.Message))
	p.cond.Broadcast()
}

// Name returns the window name this page was opened under.
func (p *Page) Name() string { return p.name }

// Features returns the display-hint string this page was opened with.
func (p *Page) Features() string { return p.features }

func (p *Page) navigate(rawurl string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	base, frag, _ := strings.Cut(rawurl, "#")
	p.base = base
	p.frag = frag
	p.origin = originOf(rawurl)
	p.subs = make(map[int]func(webctx.Message))
	p.pending = nil
	p.mu.Unlock()

	p.fabric.fireNavigate(p)
	return nil
}

func (p *Page) enqueue(msg webctx.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.pending = append(p.pending, msg)
	p.cond.Signal()
	return nil
}

func (p *Page) deliverLoop() {
	for {
		p.mu.Lock()
		for !p.closed && len(p.pending) == 0 {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		msg := p.pending[0]
		p.pending = p.pending[1:]
		subs := make([]func(webctx.Message), 0, len(p.subs))
		for _, fn := range p.subs {
			subs = append(subs, fn)
		}
		p.mu.Unlock()

		for _, fn := range subs {
			fn(msg)
		}
	}
}

func (p *Page) currentOrigin() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.origin
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// pageHandle is the view of one page held by another. Messages it sends are
// stamped with the holder's origin and context ID; receivers trust those
// over anything the payload claims.
type pageHandle struct {
	from *Page
	to   *Page
}

var _ webctx.Handle = (*pageHandle)(nil)

func (h *pageHandle) ID() string { return h.to.id }

func (h *pageHandle) Send(data map[string]any) error {
	cloned, err := cloneData(data)
	if err != nil {
		return fmt.Errorf("memctx: clone message: %w", err)
	}
	return h.to.enqueue(webctx.Message{
		Origin:   h.from.currentOrigin(),
		SourceID: h.from.id,
		Data:     cloned,
	})
}

func (h *pageHandle) Navigate(rawurl string) error {
	return h.to.navigate(rawurl)
}

func (h *pageHandle) Closed() bool {
	return h.to.isClosed()
}

func originOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}
