// Package handle implements the ContactHandle repository (spec.md §3):
// a process-wide, reference-counted URI<->integer mapping for one
// Connection's lifetime. Handle 0 is reserved and always means "none".
package handle

import (
	"sync"
)

// Handle is an opaque integer identifier for a SIP URI. Zero means "none".
type Handle uint32

// None is the reserved handle meaning "no contact".
const None Handle = 0

// Repository mints and resolves handles for one Connection. It guarantees a
// stable URI<->handle mapping for the lifetime of the Connection and
// reference-counts handles so they're released when nothing refers to them
// anymore (spec §5: "handles are reference-counted and released when no
// channel, session, or pending resolution refers to them").
type Repository struct {
	mu       sync.Mutex
	byURI    map[string]Handle
	byHandle map[Handle]string
	refs     map[Handle]int
	next     Handle
}

// New builds an empty repository.
func New() *Repository {
	return &Repository{
		byURI:    make(map[string]Handle),
		byHandle: make(map[Handle]string),
		refs:     make(map[Handle]int),
		next:     1,
	}
}

// HandleFor returns the stable handle for uri, minting one if this is the
// first time the repository has seen it, and increments its reference
// count. Callers that hold a handle across the lifetime of a channel,
// session, or pending resolution must call Ref/Unref to keep the count
// accurate; HandleFor itself counts as one reference.
func (r *Repository) HandleFor(uri string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byURI[uri]; ok {
		r.refs[h]++
		return h
	}

	h := r.next
	r.next++
	r.byURI[uri] = h
	r.byHandle[h] = uri
	r.refs[h] = 1
	return h
}

// URIFor resolves a handle back to its URI. Returns "", false for None or
// an unknown handle.
func (r *Repository) URIFor(h Handle) (string, bool) {
	if h == None {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	uri, ok := r.byHandle[h]
	return uri, ok
}

// Ref increments h's reference count. No-op for None.
func (r *Repository) Ref(h Handle) {
	if h == None {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHandle[h]; ok {
		r.refs[h]++
	}
}

// Unref decrements h's reference count, releasing the URI mapping once it
// reaches zero. No-op for None or an already-released handle.
func (r *Repository) Unref(h Handle) {
	if h == None {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[h]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		uri := r.byHandle[h]
		delete(r.byURI, uri)
		delete(r.byHandle, h)
		delete(r.refs, h)
		return
	}
	r.refs[h] = n
}

// IsValid reports whether h is a currently-live, non-None handle.
func (r *Repository) IsValid(h Handle) bool {
	if h == None {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byHandle[h]
	return ok
}
