package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Options struct {
	Backend     string // memory, file, bolt, s3 or postgres
	Dir         string
	PostgresDSN string
	S3          S3Config
	CacheTTL    time.Duration
}

// Handle is an opened store plus whatever needs closing on shutdown.
type Handle struct {
	Storage
	closers []func() error
	ping    func(context.Context) error
}

func (h *Handle) Close() error {
	var first error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Ping reports backend health; backends without a remote dependency are always healthy.
func (h *Handle) Ping(ctx context.Context) error {
	if h.ping == nil {
		return nil
	}
	return h.ping(ctx)
}

// Open builds the configured backend, wraps it in a ContentStore and, when
// CacheTTL is set, a fetch cache.
func Open(ctx context.Context, opts Options, log *zap.Logger, observe Observer) (*Handle, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var (
		blobs Blobs
		err   error
		ping  func(context.Context) error
	)
	switch opts.Backend {
	case "", "memory":
		blobs = NewMemoryBlobs()
	case "file":
		blobs, err = NewFileBlobs(opts.Dir)
	case "bolt":
		blobs, err = NewBoltBlobs(opts.Dir)
	case "s3":
		blobs, err = NewS3Blobs(opts.S3)
	case "postgres":
		var pg *PostgresBlobs
		pg, err = NewPostgresBlobs(ctx, opts.PostgresDSN)
		if err == nil {
			blobs, ping = pg, pg.Ping
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", opts.Backend, err)
	}

	content := NewContentStore(blobs, log).WithObserver(observe)
	h := &Handle{Storage: content, closers: []func() error{content.Close}, ping: ping}
	if opts.CacheTTL > 0 {
		cached, err := NewCached(content, opts.CacheTTL)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("storage cache: %w", err)
		}
		h.Storage = cached
		h.closers = append(h.closers, cached.Close)
	}
	log.Info("storage ready", zap.String("backend", opts.Backend), zap.Duration("cache_ttl", opts.CacheTTL))
	return h, nil
}
