package idempotency

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Options struct {
	Backend string // memory, file or postgres
	Path    string
	DSN     string
}

// Opened is a configured store plus its shutdown and health hooks.
type Opened struct {
	Store
	Close func()
	Ping  func(context.Context) error
}

// Open builds the store named by opts.Backend.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*Opened, error) {
	if log == nil {
		log = zap.NewNop()
	}
	out := &Opened{Close: func() {}}
	switch opts.Backend {
	case "", "memory":
		out.Store = NewMemoryStore()
	case "file":
		fs, err := NewFileStore(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("open idempotency file %s: %w", opts.Path, err)
		}
		out.Store = fs
	case "postgres":
		pg, err := NewPostgresStore(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open idempotency postgres: %w", err)
		}
		out.Store, out.Close, out.Ping = pg, pg.Close, pg.Ping
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", opts.Backend)
	}
	log.Info("idempotency store ready", zap.String("backend", opts.Backend))
	return out, nil
}
