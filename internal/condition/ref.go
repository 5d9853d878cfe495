package condition

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MaxRefDepth bounds how deeply saved expressions may reference each other.
const MaxRefDepth = 8

// ExpressionSource loads an owner's saved sub-expression in envelope form.
// A missing name is an error.
type ExpressionSource interface {
	SavedExpression(ctx context.Context, owner, name string) ([]byte, error)
}

// TickCache memoises decoded saved expressions for the lifetime of one
// scheduler tick. It is safe for concurrent use. Build a new one per tick so
// edits made between ticks are picked up.
type TickCache struct {
	src     ExpressionSource
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	node Node
	err  error
}

// NewTickCache returns an empty cache reading from src. lookupTimeout bounds
// each source call; zero leaves only the caller's context.
func NewTickCache(src ExpressionSource, lookupTimeout time.Duration) *TickCache {
	return &TickCache{src: src, timeout: lookupTimeout, entries: make(map[string]cacheEntry)}
}

// Lookup returns the decoded (unexpanded) saved expression. Failures are
// cached too, so a broken expression is reported once per tick per owner.
func (c *TickCache) Lookup(ctx context.Context, owner, name string) (Node, error) {
	key := owner + "\x00" + name
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return e.node, e.err
	}

	if c.src == nil {
		return nil, fmt.Errorf("saved expression %q: no expression source", name)
	}
	raw, err := c.load(ctx, owner, name)
	if err != nil {
		err = fmt.Errorf("saved expression %q: %w", name, err)
	} else {
		e.node, err = Decode(raw)
		if err != nil {
			err = fmt.Errorf("saved expression %q: %w", name, err)
		}
	}
	e.err = err
	if ctx.Err() == nil {
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
	}
	return e.node, e.err
}

func (c *TickCache) load(ctx context.Context, owner, name string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.src.SavedExpression(ctx, owner, name)
}

// Len returns the number of cached lookups.
func (c *TickCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HasRefs reports whether n references any saved expression.
func HasRefs(n Node) bool {
	switch n := n.(type) {
	case *Ref:
		return true
	case *Logical:
		for _, c := range n.Children {
			if HasRefs(c) {
				return true
			}
		}
	case *Not:
		return HasRefs(n.Child)
	}
	return false
}

// Expand returns n with every Ref replaced by the owner's saved expression.
// Cycles and chains deeper than MaxRefDepth are validation errors. Trees
// without refs are returned as is.
func Expand(ctx context.Context, n Node, owner string, cache *TickCache) (Node, error) {
	if !HasRefs(n) {
		return n, nil
	}
	if cache == nil {
		return nil, fmt.Errorf("condition: refs present but no expression cache")
	}
	return expand(ctx, n, owner, cache, nil)
}

func expand(ctx context.Context, n Node, owner string, cache *TickCache, chain []string) (Node, error) {
	switch n := n.(type) {
	case *Ref:
		for _, name := range chain {
			if name == n.Name {
				return nil, invalid("", "ref cycle through %q", n.Name)
			}
		}
		if len(chain) >= MaxRefDepth {
			return nil, invalid("", "refs nested deeper than %d at %q", MaxRefDepth, n.Name)
		}
		saved, err := cache.Lookup(ctx, owner, n.Name)
		if err != nil {
			return nil, err
		}
		return expand(ctx, saved, owner, cache, append(chain, n.Name))
	case *Logical:
		out := &Logical{Op: n.Op, Children: make([]Node, len(n.Children))}
		for i, c := range n.Children {
			ec, err := expand(ctx, c, owner, cache, chain)
			if err != nil {
				return nil, err
			}
			out.Children[i] = ec
		}
		return out, nil
	case *Not:
		ec, err := expand(ctx, n.Child, owner, cache, chain)
		if err != nil {
			return nil, err
		}
		return &Not{Child: ec}, nil
	}
	return n, nil
}
