package capability

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func newRoot(t *testing.T) *Context {
	t.Helper()
	c := NewArena().NewContext("test")
	t.Cleanup(c.Close)
	return c
}

func TestContext_ExpiredTokenEvicted(t *testing.T) {
	c := newRoot(t)
	tok := MustToken("file", Constraint{ExpiresAt: ptr(time.Now().Add(30 * time.Millisecond))})
	if err := c.Add(tok); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !c.Has("file", false) {
		t.Fatal("Has before expiry = false, want true")
	}

	time.Sleep(50 * time.Millisecond)

	if c.Has("file", false) {
		t.Fatal("Has after expiry = true, want false")
	}
	// Evicted: the second lookup sees nothing at all.
	_, err := c.Get("file", false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after eviction err = %v, want ErrNotFound", err)
	}
	if n := len(c.AllCapabilities(false)); n != 0 {
		t.Errorf("AllCapabilities len = %d, want 0", n)
	}
}

func TestContext_GetReportsExpiry(t *testing.T) {
	c := newRoot(t)
	exp := time.Now().Add(20 * time.Millisecond)
	if err := c.Add(MustToken("network", Constraint{ExpiresAt: &exp})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	_, err := c.Get("network", true)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if KindOf(err) != KindExpired {
		t.Errorf("KindOf = %v, want expired", KindOf(err))
	}
}

func TestContext_ParentLookup(t *testing.T) {
	parent := newRoot(t)
	if err := parent.Add(MustToken("net", Constraint{})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	child, err := parent.CreateChild("child")
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}

	if !child.Has("net", true) {
		t.Error("Has(net, checkParents=true) = false, want true")
	}
	if child.Has("net", false) {
		t.Error("Has(net, checkParents=false) = true, want false")
	}
	if child.Parent() != parent {
		t.Error("Parent() does not return the creating context")
	}
}

func TestContext_LocalShadowsParent(t *testing.T) {
	parent := newRoot(t)
	parentTok := MustToken("file", Constraint{ResourcePatterns: []string{"/data/**"}})
	if err := parent.Add(parentTok); err != nil {
		t.Fatal(err)
	}
	child, _ := parent.CreateChild("child")
	childTok := MustToken("file", Constraint{ResourcePatterns: []string{"/tmp/**"}})
	if err := child.Add(childTok); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		got, err := child.Get("file", true)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != childTok {
			t.Fatalf("Get returned the ancestor token, want the local one")
		}
	}
	if child.CanAccess("file", "/data/x", "read") {
		t.Error("CanAccess(/data/x) = true, want false: local token shadows parent")
	}

	all := child.AllCapabilities(true)
	if all["file"] != childTok {
		t.Error("AllCapabilities(true) did not prefer the nearer token")
	}
}

func TestContext_ExpiredLocalFallsThroughToParent(t *testing.T) {
	parent := newRoot(t)
	if err := parent.Add(MustToken("file", Constraint{})); err != nil {
		t.Fatal(err)
	}
	child, _ := parent.CreateChild("child")
	if err := child.Add(MustToken("file", Constraint{ExpiresAt: ptr(time.Now().Add(20 * time.Millisecond))})); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	if !child.Has("file", true) {
		t.Fatal("Has = false, want parent token to be found")
	}
	if child.Has("file", false) {
		t.Error("local expired token still present after lookup")
	}
}

func TestContext_UseQuota(t *testing.T) {
	c := newRoot(t)
	tok := MustToken("file", Constraint{MaxUsageCount: ptr(1)})
	if err := c.Add(tok); err != nil {
		t.Fatal(err)
	}

	if err := c.Use("file", "/tmp/a", "read"); err != nil {
		t.Fatalf("first Use: %v", err)
	}
	if got := tok.UsageCount(); got != 1 {
		t.Errorf("usage = %d, want 1", got)
	}

	err := c.Use("file", "/tmp/a", "read")
	if !errors.Is(err, ErrInsufficient) {
		t.Fatalf("second Use err = %v, want ErrInsufficient", err)
	}
	if c.Has("file", false) {
		t.Error("exhausted token still held")
	}
}

func TestContext_UseChecksConstraint(t *testing.T) {
	c := newRoot(t)
	tok := MustToken("file", Constraint{
		ResourcePatterns:  []string{"/tmp/*.txt"},
		AllowedOperations: []string{"read"},
	})
	if err := c.Add(tok); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		resource string
		op       string
		wantErr  bool
	}{
		{"match", "/tmp/a.txt", "read", false},
		{"wrong op", "/tmp/a.txt", "write", true},
		{"wrong resource", "/etc/passwd", "read", true},
		{"nested dir", "/tmp/sub/a.txt", "read", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Use("file", tt.resource, tt.op)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Use err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if got := tok.UsageCount(); got != 1 {
		t.Errorf("usage = %d, want 1 (only the allowed use counts)", got)
	}
}

func TestContext_HasDoesNotConsume(t *testing.T) {
	c := newRoot(t)
	tok := MustToken("env", Constraint{MaxUsageCount: ptr(1)})
	_ = c.Add(tok)
	for i := 0; i < 5; i++ {
		c.Has("env", true)
		_, _ = c.Get("env", true)
		c.CanAccess("env", "HOME", "read")
	}
	if got := tok.UsageCount(); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
}

func TestContext_AddRejectsInvalid(t *testing.T) {
	c := newRoot(t)
	expired := MustToken("file", Constraint{ExpiresAt: ptr(time.Now().Add(-time.Second))})
	err := c.Add(expired)
	if !errors.Is(err, ErrContext) {
		t.Fatalf("Add(expired) err = %v, want ErrContext", err)
	}

	spent := MustToken("file", Constraint{MaxUsageCount: ptr(0)})
	if err := c.Add(spent); !errors.Is(err, ErrContext) {
		t.Fatalf("Add(spent) err = %v, want ErrContext", err)
	}
}

func TestContext_SingleOwner(t *testing.T) {
	arena := NewArena()
	a := arena.NewContext("a")
	b := arena.NewContext("b")
	defer a.Close()
	defer b.Close()

	tok := MustToken("file", Constraint{})
	if err := a.Add(tok); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(tok); !errors.Is(err, ErrContext) {
		t.Fatalf("Add to second context err = %v, want ErrContext", err)
	}

	a.Remove("file")
	if err := b.Add(tok); err != nil {
		t.Fatalf("Add after Remove: %v", err)
	}
}

func TestContext_ReplaceSameType(t *testing.T) {
	c := newRoot(t)
	first := MustToken("file", Constraint{ResourcePatterns: []string{"/a/**"}})
	second := MustToken("file", Constraint{ResourcePatterns: []string{"/b/**"}})
	_ = c.Add(first)
	if err := c.Add(second); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Get("file", false)
	if got != second {
		t.Error("second Add did not replace the first token")
	}

	other := NewArena().NewContext("other")
	defer other.Close()
	if err := other.Add(first); err != nil {
		t.Errorf("replaced token should be released, Add err = %v", err)
	}
}

func TestContext_Remove(t *testing.T) {
	c := newRoot(t)
	if c.Remove("file") {
		t.Error("Remove on empty context = true")
	}
	_ = c.Add(MustToken("file", Constraint{}))
	if !c.Remove("file") {
		t.Error("Remove = false, want true")
	}
	if c.Has("file", false) {
		t.Error("token still present after Remove")
	}
}

func TestContext_CleanupExpired(t *testing.T) {
	parent := newRoot(t)
	_ = parent.Add(MustToken("env", Constraint{ExpiresAt: ptr(time.Now().Add(20 * time.Millisecond))}))
	child, _ := parent.CreateChild("child")
	_ = child.Add(MustToken("file", Constraint{ExpiresAt: ptr(time.Now().Add(20 * time.Millisecond))}))
	_ = child.Add(MustToken("network", Constraint{}))
	time.Sleep(40 * time.Millisecond)

	if n := child.CleanupExpired(); n != 1 {
		t.Errorf("CleanupExpired = %d, want 1", n)
	}
	if !child.Has("network", false) {
		t.Error("valid token removed by cleanup")
	}
	// The parent is untouched by a child sweep.
	parent.mu.RLock()
	_, stillThere := parent.tokens["env"]
	parent.mu.RUnlock()
	if !stillThere {
		t.Error("child cleanup touched the parent")
	}
}

func TestContext_Close(t *testing.T) {
	arena := NewArena()
	root := arena.NewContext("root")
	child, _ := root.CreateChild("child")
	grandchild, _ := child.CreateChild("grandchild")
	tok := MustToken("file", Constraint{})
	_ = grandchild.Add(tok)

	if arena.Len() != 3 {
		t.Fatalf("arena.Len = %d, want 3", arena.Len())
	}

	child.Close()
	child.Close()

	if !grandchild.Closed() {
		t.Error("grandchild not closed with its parent")
	}
	if arena.Len() != 1 {
		t.Errorf("arena.Len after Close = %d, want 1", arena.Len())
	}
	if len(root.Children()) != 0 {
		t.Error("closed child still listed under root")
	}
	if _, err := child.Get("file", true); !errors.Is(err, ErrContext) {
		t.Errorf("Get on closed context err = %v, want ErrContext", err)
	}
	if _, err := child.CreateChild("x"); !errors.Is(err, ErrContext) {
		t.Errorf("CreateChild on closed context err = %v, want ErrContext", err)
	}
	if err := child.Add(MustToken("env", Constraint{})); !errors.Is(err, ErrContext) {
		t.Errorf("Add on closed context err = %v, want ErrContext", err)
	}

	// Tokens are released on teardown.
	if err := root.Add(tok); err != nil {
		t.Errorf("Add of released token: %v", err)
	}
	root.Close()
}

func TestContext_ConcurrentUse(t *testing.T) {
	c := newRoot(t)
	const limit = 50
	tok := MustToken("process", Constraint{MaxUsageCount: ptr(limit)})
	_ = c.Add(tok)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Use("process", "ls", "exec") == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != limit {
		t.Errorf("successful uses = %d, want %d", ok, limit)
	}
}
