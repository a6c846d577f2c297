package schemas

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/emergent-company/graphcore/domain/graph"
	"github.com/emergent-company/graphcore/pkg/metrics"
)

type cacheKey struct {
	kind    string
	project uuid.UUID
	typ     string
}

func (k cacheKey) String() string {
	return k.kind + "|" + k.project.String() + "|" + k.typ
}

type cacheEntry struct {
	value   any
	expires time.Time
}

type inverseResult struct {
	typ string
	ok  bool
}

// CachedAdapter memoizes another adapter's answers for a TTL. Concurrent
// misses for the same key share one load. Errors are not cached.
type CachedAdapter struct {
	inner graph.SchemaAdapter
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	group   singleflight.Group
}

var _ graph.SchemaAdapter = (*CachedAdapter)(nil)

func NewCachedAdapter(inner graph.SchemaAdapter, ttl time.Duration) *CachedAdapter {
	return &CachedAdapter{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

func (c *CachedAdapter) lookup(key cacheKey, load func() (any, error)) (any, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		metrics.SchemaCache.WithLabelValues("hit").Inc()
		return e.value, nil
	}
	metrics.SchemaCache.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{value: v, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Invalidate drops every cached answer for a project.
func (c *CachedAdapter) Invalidate(projectID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.project == projectID {
			delete(c.entries, k)
		}
	}
}

func (c *CachedAdapter) RelationshipMultiplicity(ctx context.Context, projectID uuid.UUID, relType string) (graph.Multiplicity, error) {
	v, err := c.lookup(cacheKey{"multiplicity", projectID, relType}, func() (any, error) {
		return c.inner.RelationshipMultiplicity(ctx, projectID, relType)
	})
	if err != nil {
		return graph.Multiplicity{}, err
	}
	return v.(graph.Multiplicity), nil
}

func (c *CachedAdapter) ObjectValidator(ctx context.Context, projectID uuid.UUID, objType string) (graph.Validator, error) {
	v, err := c.lookup(cacheKey{"object", projectID, objType}, func() (any, error) {
		return c.inner.ObjectValidator(ctx, projectID, objType)
	})
	if err != nil {
		return nil, err
	}
	return v.(graph.Validator), nil
}

func (c *CachedAdapter) RelationshipValidator(ctx context.Context, projectID uuid.UUID, relType string) (graph.Validator, error) {
	v, err := c.lookup(cacheKey{"relationship", projectID, relType}, func() (any, error) {
		return c.inner.RelationshipValidator(ctx, projectID, relType)
	})
	if err != nil {
		return nil, err
	}
	return v.(graph.Validator), nil
}

func (c *CachedAdapter) InverseType(ctx context.Context, projectID uuid.UUID, relType string) (string, bool, error) {
	v, err := c.lookup(cacheKey{"inverse", projectID, relType}, func() (any, error) {
		typ, ok, err := c.inner.InverseType(ctx, projectID, relType)
		return inverseResult{typ: typ, ok: ok}, err
	})
	if err != nil {
		return "", false, err
	}
	res := v.(inverseResult)
	return res.typ, res.ok, nil
}
