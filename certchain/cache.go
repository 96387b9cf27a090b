package certchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/sev-guest-owner/interfaces"
)

// bundleFiles are the names persisted and restored for a platform.
var bundleFiles = []string{PDHFile, PEKFile, OCAFile, CEKFile, ASKARKFile}

// Cache keeps the certificate bundle of every known platform. Bundles are
// persisted through an optional storage backend. Only the files are
// persisted: a bundle restored from storage must be validated again.
type Cache struct {
	mu      sync.RWMutex
	bundles map[interfaces.ServerIdentity]*Bundle
	store   interfaces.StorageBackend
	log     *slog.Logger
}

// NewCache creates a cache. store may be nil.
func NewCache(store interfaces.StorageBackend, log *slog.Logger) *Cache {
	return &Cache{
		bundles: make(map[interfaces.ServerIdentity]*Bundle),
		store:   store,
		log:     log,
	}
}

// Get returns the cached bundle of server.
func (c *Cache) Get(server interfaces.ServerIdentity) (*Bundle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bundles[server]
	return b, ok
}

// Put replaces the bundle of its server in memory.
func (c *Cache) Put(b *Bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles[b.Server()] = b
}

// Save puts b into the cache and persists its files.
func (c *Cache) Save(ctx context.Context, b *Bundle) error {
	c.Put(b)
	if c.store == nil {
		return nil
	}

	for _, name := range b.Names() {
		key, err := interfaces.NewArtifactKey(interfaces.CertificateType, b.Server().PathSafe(), name)
		if err != nil {
			return err
		}
		content, _ := b.File(name)
		if err := c.store.Store(ctx, key, content); err != nil {
			return fmt.Errorf("failed to persist %s for %s: %w", name, b.Server(), err)
		}
	}

	c.log.Debug("Persisted platform certificates",
		slog.String("server", b.Server().String()),
		slog.String("backend", c.store.Name()))
	return nil
}

// Load returns the bundle of server, from memory or from storage. It fails
// with ErrContentNotFound when neither holds certificates for server.
func (c *Cache) Load(ctx context.Context, server interfaces.ServerIdentity) (*Bundle, error) {
	if b, ok := c.Get(server); ok {
		return b, nil
	}
	if c.store == nil {
		return nil, fmt.Errorf("%w: no certificates for %s", interfaces.ErrContentNotFound, server)
	}

	files := make(map[string][]byte)
	for _, name := range bundleFiles {
		key, err := interfaces.NewArtifactKey(interfaces.CertificateType, server.PathSafe(), name)
		if err != nil {
			return nil, err
		}
		content, err := c.store.Fetch(ctx, key)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s for %s: %w", name, server, err)
		}
		files[name] = content
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no certificates for %s", interfaces.ErrContentNotFound, server)
	}

	b, err := NewBundle(server, files)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent Put wins over the stored copy
	if existing, ok := c.bundles[server]; ok {
		return existing, nil
	}
	c.bundles[server] = b
	return b, nil
}
