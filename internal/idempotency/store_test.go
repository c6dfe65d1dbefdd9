package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		StatusCode:  201,
		Fingerprint: "fp",
		Response:    []byte("ok"),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" || got.Fingerprint != "fp" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, "k", Record{StatusCode: 200, ExpiresAt: now.Add(time.Minute)})
	now = now.Add(2 * time.Minute)
	if rec, _ := store.Get(ctx, "k"); rec != nil {
		t.Fatalf("expected expired record to be hidden, got %+v", rec)
	}
}

func reservationChecks(t *testing.T, store Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	pending := Record{Fingerprint: "fp", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}

	ok, err := store.Reserve(ctx, "r", pending)
	if err != nil || !ok {
		t.Fatalf("first reserve = %v, %v", ok, err)
	}
	if ok, _ := store.Reserve(ctx, "r", pending); ok {
		t.Fatalf("second reserve of a held key succeeded")
	}
	got, _ := store.Get(ctx, "r")
	if got == nil || !got.Pending() {
		t.Fatalf("expected pending record, got %+v", got)
	}

	if err := store.Release(ctx, "r", "other"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.Get(ctx, "r"); got == nil {
		t.Fatalf("release with a different fingerprint dropped the reservation")
	}
	if err := store.Release(ctx, "r", "fp"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.Get(ctx, "r"); got != nil {
		t.Fatalf("reservation survived release: %+v", got)
	}

	done := Record{StatusCode: 201, Fingerprint: "fp", Response: []byte("ok"), ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.Save(ctx, "d", done); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Release(ctx, "d", "fp"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.Get(ctx, "d"); got == nil {
		t.Fatalf("release removed a completed record")
	}

	// an expired reservation no longer holds the key
	if ok, _ := store.Reserve(ctx, "x", pending); !ok {
		t.Fatalf("reserve x failed")
	}
	advance(2 * time.Minute)
	if ok, _ := store.Reserve(ctx, "x", Record{Fingerprint: "fp2", ExpiresAt: time.Now().Add(time.Hour)}); !ok {
		t.Fatalf("expired reservation still holds the key")
	}
}

func TestMemoryStoreReservations(t *testing.T) {
	store := NewMemoryStore()
	var skew time.Duration
	store.now = func() time.Time { return time.Now().Add(skew) }
	reservationChecks(t, store, func(d time.Duration) { skew += d })
}

func TestFileStoreReservations(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "idem.json"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	var skew time.Duration
	store.now = func() time.Time { return time.Now().Add(skew) }
	reservationChecks(t, store, func(d time.Duration) { skew += d })

	reloaded, err := NewFileStore(store.path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got, _ := reloaded.Get(context.Background(), "x"); got == nil || got.Fingerprint != "fp2" {
		t.Fatalf("reservation not persisted: %+v", got)
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := Record{
		StatusCode:  201,
		ContentType: "application/json",
		Response:    []byte("resp"),
		CreatedAt:   time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" || got.ContentType != "application/json" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestFileStoreDropsExpiredOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ctx := context.Background()
	_ = store.Save(ctx, "old", Record{StatusCode: 200, ExpiresAt: time.Now().Add(-time.Minute)})
	_ = store.Save(ctx, "new", Record{StatusCode: 200, ExpiresAt: time.Now().Add(time.Hour)})

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	if len(reopened.data) != 1 {
		t.Fatalf("expected only the live record, got %d", len(reopened.data))
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatalf("expected error for corrupt store file")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mem, err := Open(ctx, Options{Backend: "memory"}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := mem.Store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", mem.Store)
	}
	mem.Close()

	file, err := Open(ctx, Options{Backend: "file", Path: filepath.Join(t.TempDir(), "i.json")}, nil)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if _, ok := file.Store.(*FileStore); !ok {
		t.Fatalf("expected file store, got %T", file.Store)
	}

	if _, err := Open(ctx, Options{Backend: "redis"}, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
