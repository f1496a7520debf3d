package capability

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Manager tracks which capability context is current for a call chain.
//
// The stack lives in the context.Context passed down the chain rather than
// in shared state, so goroutines serving different callers never observe
// each other's stacks.
type Manager struct {
	arena  *Arena
	root   *Context
	logger *slog.Logger
}

type stackKey struct{ m *Manager }

type stackNode struct {
	c    *Context
	next *stackNode
	size int
}

// NewManager creates a manager with its own arena and a root context.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	arena := NewArena()
	return &Manager{
		arena:  arena,
		root:   arena.NewContext("root"),
		logger: logger,
	}
}

// Arena returns the arena owning every context created through the manager.
func (m *Manager) Arena() *Arena { return m.arena }

// Root returns the root context.
func (m *Manager) Root() *Context { return m.root }

// NewContext creates a child of the root context.
func (m *Manager) NewContext(name string) (*Context, error) {
	return m.root.CreateChild(name)
}

// Push makes c the current context for the returned call chain.
func (m *Manager) Push(ctx context.Context, c *Context) context.Context {
	top := m.top(ctx)
	size := 1
	if top != nil {
		size = top.size + 1
	}
	return context.WithValue(ctx, stackKey{m}, &stackNode{c: c, next: top, size: size})
}

// Pop removes the current context. It returns ctx unchanged and a nil
// context when the stack is empty.
func (m *Manager) Pop(ctx context.Context) (context.Context, *Context) {
	top := m.top(ctx)
	if top == nil {
		return ctx, nil
	}
	return context.WithValue(ctx, stackKey{m}, top.next), top.c
}

// Current returns the active context, or nil when none has been pushed.
func (m *Manager) Current(ctx context.Context) *Context {
	if top := m.top(ctx); top != nil {
		return top.c
	}
	return nil
}

// CurrentOrRoot returns the active context, falling back to the root.
func (m *Manager) CurrentOrRoot(ctx context.Context) *Context {
	if c := m.Current(ctx); c != nil {
		return c
	}
	return m.root
}

// Depth returns the number of contexts on the stack.
func (m *Manager) Depth(ctx context.Context) int {
	if top := m.top(ctx); top != nil {
		return top.size
	}
	return 0
}

// Scope runs fn with c pushed as the current context. The push is undone
// when fn returns since the stack is bound to the derived context only.
func (m *Manager) Scope(ctx context.Context, c *Context, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(m.Push(ctx, c.Enter()))
	c.Exit()
	m.logger.Debug("capability scope finished",
		slog.String("context", c.Name()),
		slog.Duration("duration", time.Since(start)),
	)
	return err
}

// Grant adds a token to the current context, or to the root when the
// call chain has none.
func (m *Manager) Grant(ctx context.Context, t *Token) error {
	c := m.CurrentOrRoot(ctx)
	if err := c.Add(t); err != nil {
		return err
	}
	m.logger.Debug("capability granted",
		slog.String("context", c.Name()),
		slog.String("type", t.Type()),
		slog.String("level", t.Level().String()),
	)
	return nil
}

func (m *Manager) top(ctx context.Context) *stackNode {
	if ctx == nil {
		return nil
	}
	n, _ := ctx.Value(stackKey{m}).(*stackNode)
	return n
}
