package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderKey      = "X-Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// Outcome labels passed to Guard.Observe.
const (
	OutcomeStored   = "stored"
	OutcomeReplayed = "replayed"
	OutcomeConflict = "conflict"
	OutcomeSkipped  = "skipped"
)

const defaultLease = 5 * time.Minute

// Guard makes admin writes replay-safe. The first request for a key reserves
// it in the store, runs the handler and stores its response; later requests
// with the same key and body get the stored response back without running
// the handler again. The reservation lives in the store, so replicas sharing
// one store exclude each other.
type Guard struct {
	Store  Store
	Window time.Duration
	// Lease bounds how long a reservation blocks its key when the request
	// holding it never finishes. Zero means five minutes.
	Lease time.Duration
	Now   func() time.Time
	Log   *zap.Logger
	// Observe, when set, is called with one of the Outcome labels.
	Observe func(outcome string)
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			http.Error(w, "missing "+HeaderKey+" header", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		fp := fingerprint(r, body)

		ctx := r.Context()
		existing, err := g.Store.Get(ctx, key)
		if err != nil {
			g.storeFailed(w, "idempotency lookup failed", key, err)
			return
		}
		if existing != nil {
			g.answerExisting(w, existing, fp)
			return
		}

		now := g.now()
		reserved, err := g.Store.Reserve(ctx, key, Record{
			Fingerprint: fp,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.lease()),
		})
		if err != nil {
			g.storeFailed(w, "idempotency reservation failed", key, err)
			return
		}
		if !reserved {
			// another request took the key between the lookup and the reservation
			existing, err = g.Store.Get(ctx, key)
			if err != nil {
				g.storeFailed(w, "idempotency lookup failed", key, err)
				return
			}
			if existing == nil {
				g.observe(OutcomeConflict)
				http.Error(w, "a request with this "+HeaderKey+" is in progress", http.StatusConflict)
				return
			}
			g.answerExisting(w, existing, fp)
			return
		}

		saved := false
		defer func() {
			if saved {
				return
			}
			if err := g.Store.Release(context.WithoutCancel(ctx), key, fp); err != nil {
				g.logger().Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
			}
		}()

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// server errors are not final; let the client retry with the same key
		if rec.status >= http.StatusInternalServerError {
			g.observe(OutcomeSkipped)
			return
		}
		now = g.now()
		record := Record{
			StatusCode:  rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Fingerprint: fp,
			Response:    rec.body.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.Window),
		}
		if err := g.Store.Save(ctx, key, record); err != nil {
			g.logger().Error("idempotency save failed", zap.String("key", key), zap.Error(err))
			return
		}
		saved = true
		g.observe(OutcomeStored)
	})
}

func (g *Guard) answerExisting(w http.ResponseWriter, existing *Record, fp string) {
	switch {
	case existing.Fingerprint != fp:
		g.observe(OutcomeConflict)
		http.Error(w, HeaderKey+" was already used for a different request", http.StatusUnprocessableEntity)
	case existing.Pending():
		g.observe(OutcomeConflict)
		http.Error(w, "a request with this "+HeaderKey+" is in progress", http.StatusConflict)
	default:
		g.observe(OutcomeReplayed)
		replay(w, existing)
	}
}

func (g *Guard) storeFailed(w http.ResponseWriter, msg, key string, err error) {
	g.logger().Error(msg, zap.String("key", key), zap.Error(err))
	http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
}

func (g *Guard) lease() time.Duration {
	if g.Lease > 0 {
		return g.Lease
	}
	return defaultLease
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) logger() *zap.Logger {
	if g.Log == nil {
		return zap.NewNop()
	}
	return g.Log
}

func (g *Guard) observe(outcome string) {
	if g.Observe != nil {
		g.Observe(outcome)
	}
}

func replay(w http.ResponseWriter, rec *Record) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Response)
}

// fingerprint binds a key to the method, path and body it was first used with.
func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
