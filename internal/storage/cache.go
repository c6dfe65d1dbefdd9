package storage

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
)

// Cached serves repeated fetches from memory. Content addressing means a URI
// never changes meaning, so entries only leave on TTL or eviction.
type Cached struct {
	inner Storage
	cache *bigcache.BigCache
}

func NewCached(inner Storage, ttl time.Duration) (*Cached, error) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Upload(ctx context.Context, data []byte) (string, error) {
	uri, err := c.inner.Upload(ctx, data)
	if err != nil {
		return "", err
	}
	_ = c.cache.Set(uri, data)
	return uri, nil
}

func (c *Cached) Fetch(ctx context.Context, uri string) ([]byte, error) {
	data, err := c.cache.Get(uri)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, err
	}
	data, err = c.inner.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(uri, data)
	return data, nil
}

func (c *Cached) Close() error {
	return c.cache.Close()
}
