package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

const ErrCodeDefinitionNotFound = "CMMN_DEFINITION_NOT_FOUND"

var ErrDefinitionNotFound = apperrors.New("case definition not found", apperrors.CategoryNotFound).
	WithTextCode(ErrCodeDefinitionNotFound)

// Cache holds deployed definitions keyed by id, with per-key version tracking.
type Cache struct {
	mu     sync.RWMutex
	byID   map[string]*CaseDefinition
	latest map[string]int
}

// NewCache constructs an empty definition cache.
func NewCache() *Cache {
	return &Cache{
		byID:   make(map[string]*CaseDefinition),
		latest: make(map[string]int),
	}
}

// Deploy compiles def if needed, assigns the next version for its key and stores it.
// An explicit version is kept if it is not lower than the current latest.
func (c *Cache) Deploy(def *CaseDefinition) (*CaseDefinition, error) {
	if def == nil {
		return nil, invalidDefinition("definition is nil", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.TrimSpace(def.Key)
	next := c.latest[key] + 1
	if def.Version < next {
		def.Version = next
		def.ID = ""
	}
	if def.ID == "" || !def.compiled {
		def.ID = ""
		if err := def.Compile(); err != nil {
			return nil, err
		}
	}
	if _, exists := c.byID[def.ID]; exists {
		return nil, invalidDefinition("definition id already deployed", map[string]any{"id": def.ID})
	}
	c.byID[def.ID] = def
	if def.Version > c.latest[def.Key] {
		c.latest[def.Key] = def.Version
	}
	return def, nil
}

// Get returns a definition by id.
func (c *Cache) Get(id string) (*CaseDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if def, ok := c.byID[id]; ok {
		return def, nil
	}
	return nil, notFound(id)
}

// Latest returns the highest deployed version for key.
func (c *Cache) Latest(key string) (*CaseDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestLocked(key)
}

func (c *Cache) latestLocked(key string) (*CaseDefinition, error) {
	var best *CaseDefinition
	for _, def := range c.byID {
		if def.Key != key {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, notFound(key)
	}
	return best, nil
}

// Resolve accepts either a definition id or a key and returns the matching definition.
func (c *Cache) Resolve(keyOrID string) (*CaseDefinition, error) {
	keyOrID = strings.TrimSpace(keyOrID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if def, ok := c.byID[keyOrID]; ok {
		return def, nil
	}
	return c.latestLocked(keyOrID)
}

// Invalidate drops a definition from the cache. Running instances keep their id reference.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	if c.latest[def.Key] == def.Version {
		if remaining, err := c.latestLocked(def.Key); err == nil {
			c.latest[def.Key] = remaining.Version
		}
	}
}

// List returns deployed definitions sorted by key and version.
func (c *Cache) List() []*CaseDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*CaseDefinition, 0, len(c.byID))
	for _, def := range c.byID {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func notFound(ref string) *apperrors.Error {
	err := ErrDefinitionNotFound.Clone()
	err.Message = fmt.Sprintf("case definition %q not found", ref)
	return err.WithMetadata(map[string]any{"definition": ref})
}
