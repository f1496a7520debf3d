package capability

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Arena owns every live context, indexed by id. Contexts refer to their
// parent and children by id only, so there is no ownership cycle: the arena
// holds the contexts, parents track child ids, children hold a plain parent id.
type Arena struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{contexts: make(map[string]*Context)}
}

// NewContext creates a root context (no parent) in the arena.
func (a *Arena) NewContext(name string) *Context {
	return a.newContext(name, "")
}

// Lookup returns the live context with the given id.
func (a *Arena) Lookup(id string) (*Context, bool) {
	if id == "" {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.contexts[id]
	return c, ok
}

// Len returns the number of live contexts.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.contexts)
}

func (a *Arena) newContext(name, parentID string) *Context {
	c := &Context{
		id:        uuid.NewString(),
		name:      name,
		parentID:  parentID,
		arena:     a,
		createdAt: time.Now(),
		tokens:    make(map[string]*Token),
	}
	a.mu.Lock()
	a.contexts[c.id] = c
	a.mu.Unlock()
	return c
}

func (a *Arena) remove(id string) {
	a.mu.Lock()
	delete(a.contexts, id)
	a.mu.Unlock()
}

func (a *Arena) live(id string) bool {
	_, ok := a.Lookup(id)
	return ok
}

// Context is a scope holding at most one token per capability type, linked
// into a parent/child hierarchy.
//
// Every public method takes the context lock at most once and never holds
// two context locks at the same time, so lookups that walk the parent chain
// and validation that re-enters the context cannot deadlock.
type Context struct {
	id        string
	name      string
	parentID  string
	arena     *Arena
	createdAt time.Time

	mu       sync.RWMutex
	tokens   map[string]*Token
	children []string
	closed   bool
}

func (c *Context) ID() string           { return c.id }
func (c *Context) Name() string         { return c.name }
func (c *Context) ParentID() string     { return c.parentID }
func (c *Context) CreatedAt() time.Time { return c.createdAt }
func (c *Context) Arena() *Arena        { return c.arena }

// Parent returns the parent context, or nil for a root or when the parent
// has been torn down.
func (c *Context) Parent() *Context {
	p, _ := c.arena.Lookup(c.parentID)
	return p
}

// Children returns the live child contexts.
func (c *Context) Children() []*Context {
	c.mu.RLock()
	ids := slices.Clone(c.children)
	c.mu.RUnlock()

	out := make([]*Context, 0, len(ids))
	for _, id := range ids {
		if child, ok := c.arena.Lookup(id); ok {
			out = append(out, child)
		}
	}
	return out
}

// Closed reports whether the context has been torn down.
func (c *Context) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Enter returns the context itself, for scoped use.
func (c *Context) Enter() *Context { return c }

// Exit ends a scoped use. Grants are not revoked; the owner tears the
// context down explicitly with Close.
func (c *Context) Exit() {}

// Add inserts or replaces the token for its capability type.
func (c *Context) Add(t *Token) error {
	if t == nil {
		return ValidationError("", "nil token")
	}
	if err := t.check(time.Now()); err != nil {
		return ContextError(c.id, "cannot add invalid %q token: %v", t.capType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ContextError(c.id, "context %q is closed", c.name)
	}

	if owner := t.ownerID(); owner != "" && owner != c.id && c.arena.live(owner) {
		return ContextError(c.id, "%q token is already owned by context %s", t.capType, owner)
	}
	if prev, ok := c.tokens[t.capType]; ok && prev != t {
		prev.releaseOwner(c.id)
	}
	c.tokens[t.capType] = t
	t.setOwner(c.id)
	return nil
}

// Remove deletes the local token for capType. Returns false if absent.
func (c *Context) Remove(capType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[capType]
	if !ok {
		return false
	}
	delete(c.tokens, capType)
	t.releaseOwner(c.id)
	return true
}

// Has reports whether a usable token for capType is reachable. Invalid local
// tokens found on the way are evicted.
func (c *Context) Has(capType string, checkParents bool) bool {
	_, err := c.Get(capType, checkParents)
	return err == nil
}

// Get resolves the nearest usable token for capType: the local token first,
// then each ancestor, nearest first. Invalid tokens are evicted as they are
// found. When nothing usable exists the error is NotFound, unless the nearest
// candidate was present but expired or exhausted, in which case that reason
// is returned instead.
func (c *Context) Get(capType string, checkParents bool) (*Token, error) {
	if c.Closed() {
		return nil, ContextError(c.id, "context %q is closed", c.name)
	}

	now := time.Now()
	var firstInvalid error
	for cur := c; cur != nil; cur = cur.Parent() {
		t, err := cur.lookupLocal(capType, now)
		if t != nil {
			return t, nil
		}
		if err != nil && firstInvalid == nil {
			firstInvalid = err
		}
		if !checkParents {
			break
		}
	}
	if firstInvalid != nil {
		return nil, firstInvalid
	}
	return nil, NotFoundError(capType)
}

// lookupLocal returns the local token if it is valid. An invalid token is
// evicted and its reason returned.
func (c *Context) lookupLocal(capType string, now time.Time) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil
	}
	t, ok := c.tokens[capType]
	if !ok {
		return nil, nil
	}
	if err := t.check(now); err != nil {
		delete(c.tokens, capType)
		t.releaseOwner(c.id)
		return nil, err
	}
	return t, nil
}

// CanAccess reports whether the resolved token permits operation on resource.
func (c *Context) CanAccess(capType, resource, operation string) bool {
	t, err := c.Get(capType, true)
	if err != nil {
		return false
	}
	return t.constraint.Matches(resource, operation)
}

// Use authorizes operation on resource and consumes one unit of quota. It
// is the only path that increments a token's usage count.
func (c *Context) Use(capType, resource, operation string) error {
	t, err := c.Get(capType, true)
	if err != nil {
		return err
	}
	if !t.constraint.MatchesResource(resource) {
		return ScopeError(capType, resource, operation, "resource not granted")
	}
	if !t.constraint.AllowsOperation(operation) {
		return ScopeError(capType, resource, operation, "operation not granted")
	}
	return t.consume()
}

// CleanupExpired evicts every invalid local token and returns how many were
// removed. Parents and children are not touched.
func (c *Context) CleanupExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for capType, t := range c.tokens {
		if t.check(now) != nil {
			delete(c.tokens, capType)
			t.releaseOwner(c.id)
			removed++
		}
	}
	return removed
}

// CreateChild allocates a context whose parent is c.
func (c *Context) CreateChild(name string) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ContextError(c.id, "context %q is closed", c.name)
	}
	child := c.arena.newContext(name, c.id)
	c.children = append(c.children, child.id)
	return child, nil
}

// AllCapabilities returns a snapshot of the usable tokens by type. With
// includeParents, nearer scopes shadow farther ones on type collisions.
func (c *Context) AllCapabilities(includeParents bool) map[string]*Token {
	now := time.Now()
	out := make(map[string]*Token)
	for cur := c; cur != nil; cur = cur.Parent() {
		cur.mu.RLock()
		for capType, t := range cur.tokens {
			if _, shadowed := out[capType]; shadowed {
				continue
			}
			if t.check(now) == nil {
				out[capType] = t
			}
		}
		cur.mu.RUnlock()
		if !includeParents {
			break
		}
	}
	return out
}

// Close tears down the context and its children, releasing every token.
// Safe to call more than once.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	children := c.children
	c.children = nil
	for capType, t := range c.tokens {
		t.releaseOwner(c.id)
		delete(c.tokens, capType)
	}
	c.mu.Unlock()

	for _, id := range children {
		if child, ok := c.arena.Lookup(id); ok {
			child.Close()
		}
	}
	if p := c.Parent(); p != nil {
		p.forgetChild(c.id)
	}
	c.arena.remove(c.id)
}

func (c *Context) forgetChild(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = slices.DeleteFunc(c.children, func(s string) bool { return s == id })
}
