// Package contacts caches display names for message authors.
package contacts

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/zap"
)

// Source loads contacts by user id.
type Source interface {
	Contacts(ctx context.Context, ids []string) ([]store.Contact, error)
}

// Cache resolves user ids to display names. Lookups never touch the store;
// Ensure fills the cache ahead of an assembly pass.
type Cache struct {
	src    Source
	logger *zap.Logger

	mu    sync.RWMutex
	names map[string]string
	known map[string]struct{}
}

// New creates an empty cache.
func New(src Source, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		src:    src,
		logger: logger,
		names:  make(map[string]string),
		known:  make(map[string]struct{}),
	}
}

// Ensure loads the ids not looked up yet. Ids without a contact are
// remembered so they are not queried again until invalidated.
func (c *Cache) Ensure(ctx context.Context, ids []string) error {
	c.mu.RLock()
	var missing []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := c.known[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return nil
	}

	found, err := c.src.Contacts(ctx, missing)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range missing {
		c.known[id] = struct{}{}
	}
	for _, ct := range found {
		if name := displayName(ct); name != "" {
			c.names[ct.UserID] = name
		}
	}
	c.logger.Debug("contacts loaded", zap.Int("requested", len(missing)), zap.Int("found", len(found)))
	return nil
}

// DisplayName returns the nickname, then the name, then the id itself.
func (c *Cache) DisplayName(userID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.names[userID]; ok {
		return name
	}
	return userID
}

// Invalidate forgets ids so the next Ensure reloads them.
func (c *Cache) Invalidate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.known, id)
		delete(c.names, id)
	}
}

func displayName(ct store.Contact) string {
	if ct.Nickname != "" {
		return ct.Nickname
	}
	return ct.Name
}
