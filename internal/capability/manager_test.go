package capability

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestManager_PushPop(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	if m.Current(ctx) != nil {
		t.Fatal("Current on empty stack != nil")
	}
	if m.CurrentOrRoot(ctx) != m.Root() {
		t.Fatal("CurrentOrRoot on empty stack is not the root")
	}

	a, _ := m.NewContext("a")
	b, _ := m.NewContext("b")
	ctxA := m.Push(ctx, a)
	ctxB := m.Push(ctxA, b)

	if got := m.Current(ctxB); got != b {
		t.Errorf("Current = %v, want b", got.Name())
	}
	if got := m.Depth(ctxB); got != 2 {
		t.Errorf("Depth = %d, want 2", got)
	}
	// Pushing onto a derived context leaves the parent chain untouched.
	if got := m.Current(ctxA); got != a {
		t.Errorf("Current(ctxA) = %v, want a", got.Name())
	}

	popped, top := m.Pop(ctxB)
	if top != b {
		t.Error("Pop returned the wrong context")
	}
	if m.Current(popped) != a {
		t.Error("after Pop current is not a")
	}
	empty, _ := m.Pop(popped)
	if _, none := m.Pop(empty); none != nil {
		t.Error("Pop on empty stack returned a context")
	}
}

func TestManager_Scope(t *testing.T) {
	m := NewManager(nil)
	c, _ := m.NewContext("job")
	sentinel := errors.New("boom")

	err := m.Scope(context.Background(), c, func(ctx context.Context) error {
		if m.Current(ctx) != c {
			t.Error("scoped context not current inside Scope")
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Scope err = %v, want the callback error", err)
	}
}

func TestManager_Grant(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	if err := m.Grant(ctx, MustToken("env", Constraint{})); err != nil {
		t.Fatal(err)
	}
	if !m.Root().Has("env", false) {
		t.Error("Grant with empty stack did not reach the root")
	}

	job, _ := m.NewContext("job")
	if err := m.Grant(m.Push(ctx, job), MustToken("file", Constraint{})); err != nil {
		t.Fatal(err)
	}
	if !job.Has("file", false) || m.Root().Has("file", false) {
		t.Error("Grant did not target the current context")
	}
	if !job.Has("env", true) {
		t.Error("job does not inherit root grants")
	}
}

func TestManager_GoroutinesIsolated(t *testing.T) {
	m := NewManager(nil)
	base := context.Background()

	var wg sync.WaitGroup
	errs := make(chan string, 32)
	for i := 0; i < 32; i++ {
		c, _ := m.NewContext("worker")
		wg.Add(1)
		go func(c *Context) {
			defer wg.Done()
			ctx := m.Push(base, c)
			for j := 0; j < 100; j++ {
				if m.Current(ctx) != c {
					errs <- c.ID()
					return
				}
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for id := range errs {
		t.Errorf("goroutine for %s observed another context", id)
	}
}

func TestManager_SeparateStacks(t *testing.T) {
	m1 := NewManager(nil)
	m2 := NewManager(nil)
	c, _ := m1.NewContext("x")
	ctx := m1.Push(context.Background(), c)
	if m2.Current(ctx) != nil {
		t.Error("a second manager sees the first manager's stack")
	}
}
