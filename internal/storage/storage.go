package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const uriScheme = "ipfs://"

var (
	ErrNotFound     = errors.New("content not found")
	ErrInvalidURI   = errors.New("invalid content uri")
	ErrCorruptBlob  = errors.New("stored content does not match its uri")
	ErrEmptyContent = errors.New("refusing to upload empty content")
)

// Storage is a content-addressed blob store. Uploading the same bytes always
// yields the same URI.
type Storage interface {
	Upload(ctx context.Context, data []byte) (string, error)
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Blobs is a raw key/value backend. Get returns ErrNotFound for missing keys.
type Blobs interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// FetchError wraps a failed fetch with the URI that was requested.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UploadError wraps a failed upload.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

var cidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// ContentID computes the CIDv1 of data.
func ContentID(data []byte) (cid.Cid, error) {
	return cidPrefix.Sum(data)
}

// URIFor returns the URI data would be stored under.
func URIFor(data []byte) (string, error) {
	c, err := ContentID(data)
	if err != nil {
		return "", err
	}
	return uriScheme + c.String(), nil
}

// ParseURI extracts the content id from an ipfs:// URI.
func ParseURI(uri string) (cid.Cid, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return cid.Undef, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	raw := strings.TrimPrefix(uri, uriScheme)
	if raw == "" || strings.Contains(raw, "/") {
		return cid.Undef, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	c, err := cid.Decode(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	return c, nil
}

// Observer receives one call per storage operation, e.g. ("upload", "ok").
type Observer func(op, result string)

// ContentStore addresses blobs by their CID on top of any Blobs backend.
type ContentStore struct {
	blobs   Blobs
	log     *zap.Logger
	observe Observer
}

func NewContentStore(blobs Blobs, log *zap.Logger) *ContentStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContentStore{blobs: blobs, log: log, observe: func(string, string) {}}
}

// WithObserver installs an operation observer and returns the store.
func (s *ContentStore) WithObserver(o Observer) *ContentStore {
	if o != nil {
		s.observe = o
	}
	return s
}

func (s *ContentStore) Upload(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyContent
	}
	c, err := ContentID(data)
	if err != nil {
		return "", fmt.Errorf("compute cid: %w", err)
	}
	key := c.String()
	if err := s.blobs.Put(ctx, key, data); err != nil {
		s.observe("upload", "error")
		return "", &UploadError{Key: key, Err: err}
	}
	s.observe("upload", "ok")
	s.log.Debug("stored blob", zap.String("cid", key), zap.Int("bytes", len(data)))
	return uriScheme + key, nil
}

func (s *ContentStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	c, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, c.String())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observe("fetch", "miss")
		} else {
			s.observe("fetch", "error")
		}
		return nil, &FetchError{URI: uri, Err: err}
	}
	check, err := c.Prefix().Sum(data)
	if err != nil || !check.Equals(c) {
		s.observe("fetch", "corrupt")
		return nil, &FetchError{URI: uri, Err: ErrCorruptBlob}
	}
	s.observe("fetch", "ok")
	return data, nil
}

func (s *ContentStore) Close() error {
	return s.blobs.Close()
}

// UploadJSON marshals v and uploads it.
func UploadJSON(ctx context.Context, st Storage, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return st.Upload(ctx, data)
}

// FetchJSON fetches uri and decodes it into v.
func FetchJSON(ctx context.Context, st Storage, uri string, v any) error {
	data, err := st.Fetch(ctx, uri)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &FetchError{URI: uri, Err: fmt.Errorf("decode json: %w", err)}
	}
	return nil
}

// UploadBatch uploads every item concurrently. The returned URIs follow the
// order of items.
func UploadBatch(ctx context.Context, st Storage, items [][]byte) ([]string, error) {
	uris := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		g.Go(func() error {
			uri, err := st.Upload(gctx, item)
			if err != nil {
				return err
			}
			uris[i] = uri
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uris, nil
}
