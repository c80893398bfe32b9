// Package memctx is an in-process webctx fabric. It manufactures linked
// browsing contexts (pages, embedded frames, opened windows) whose messages
// cross by value, so protocol flows can run end to end inside one test
// binary with real asynchrony and none of the transport.
//
// Tests hook the fabric where a browser would load documents: OnOpen fires
// when OpenWindow creates a context, OnNavigate fires when a context's
// document is replaced. A hook typically plays the host side of the page it
// is handed.
package memctx

import (
	"sync"
)

// Fabric owns a set of linked pages and the load hooks observing them.
type Fabric struct {
	mu       sync.Mutex
	pages    map[string]*Page
	onOpen   map[int]func(*Page)
	onNav    map[int]func(*Page)
	nextHook int
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		pages:  make(map[string]*Page),
		onOpen: make(map[int]func(*Page)),
		onNav:  make(map[int]func(*Page)),
	}
}

// NewPage creates a detached top-level context on the given URL. Its origin
// is derived from the URL.
func (f *Fabric) NewPage(rawurl string) *Page {
	return f.newPage(rawurl, nil, nil, "", "")
}

// OnOpen registers a hook invoked on its own goroutine whenever OpenWindow
// creates a context. The returned func removes the hook.
func (f *Fabric) OnOpen(fn func(*Page)) (stop func()) {
	return f.addHook(f.onOpen, fn)
}

// OnNavigate registers a hook invoked on its own goroutine whenever a
// context's document is replaced, with the context already on its new URL.
// The returned func removes the hook.
func (f *Fabric) OnNavigate(fn func(*Page)) (stop func()) {
	return f.addHook(f.onNav, fn)
}

// Lookup returns the live page with the given context ID.
func (f *Fabric) Lookup(id string) (*Page, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[id]
	return p, ok
}

// Shutdown closes every context in the fabric.
func (f *Fabric) Shutdown() {
	f.mu.Lock()
	pages := make([]*Page, 0, len(f.pages))
	for _, p := range f.pages {
		pages = append(pages, p)
	}
	f.mu.Unlock()

	for _, p := range pages {
		p.Close()
	}
}

func (f *Fabric) addHook(reg map[int]func(*Page), fn func(*Page)) (stop func()) {
	f.mu.Lock()
	id := f.nextHook
	f.nextHook++
	reg[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(reg, id)
		f.mu.Unlock()
	}
}

func (f *Fabric) register(p *Page) {
	f.mu.Lock()
	f.pages[p.id] = p
	f.mu.Unlock()
}

func (f *Fabric) fireOpen(p *Page) {
	for _, fn := range f.hookSnapshot(f.onOpen) {
		go fn(p)
	}
}

func (f *Fabric) fireNavigate(p *Page) {
	for _, fn := range f.hookSnapshot(f.onNav) {
		go fn(p)
	}
}

func (f *Fabric) hookSnapshot(reg map[int]func(*Page)) []func(*Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]func(*Page), 0, len(reg))
	for _, fn := range reg {
		out = append(out, fn)
	}
	return out
}
