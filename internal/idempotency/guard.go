// Package idempotency makes resource creation safe under client retries.
//
// A client supplies a UUIDv4 Idempotency-Key per logical creation. The
// guard hashes the canonicalized request body, replays the stored response
// for an identical retry, and rejects reuse of the key with a different
// body. Records are write-once: the store's uniqueness constraint decides
// the winner when two requests race on a new key, and the loser adopts the
// winner's record instead of executing again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidKey means the Idempotency-Key is not a canonical UUIDv4.
	ErrInvalidKey = errors.New("idempotency key must be a valid UUID v4")
	// ErrConflict means the key was already used for a different request body.
	ErrConflict = errors.New("idempotency key reused with a different request body")
)

// Record is the stored outcome of the first successful processing of a key.
// RequestHash is immutable once written.
type Record struct {
	Key            string
	ResourceID     string
	ResourceType   string
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Store is the key/value persistence the guard runs against. Insert must
// enforce uniqueness on the key and report a conflict as inserted=false
// rather than an error; that conflict is the synchronization primitive.
type Store interface {
	InsertIdempotencyRecord(ctx context.Context, rec Record) (inserted bool, err error)
	FindIdempotencyRecord(ctx context.Context, key string) (*Record, error)
	DeleteExpiredIdempotencyRecords(ctx context.Context) (int64, error)
}

// Result is the outcome of the guarded operation.
type Result struct {
	Status     int
	Body       []byte
	ResourceID string
}

// ValidKey reports whether key is a canonical 36-character UUIDv4.
func ValidKey(key string) bool {
	if len(key) != 36 {
		return false
	}
	u, err := uuid.Parse(key)
	return err == nil && u.Version() == 4
}

// Hash digests the canonicalized request body. The body is decoded and
// re-encoded so structurally equal payloads hash identically regardless of
// field order (encoding/json writes map keys sorted).
func Hash(body []byte) (string, error) {
	var v any
	if len(body) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("canonicalize request body: %w", err)
	}

	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize request body: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Guard deduplicates creation requests by idempotency key.
type Guard struct {
	store        Store
	resourceType string
	ttl          time.Duration
}

// NewGuard returns a guard persisting records of the given resource type
// with a fixed TTL.
func NewGuard(store Store, resourceType string, ttl time.Duration) *Guard {
	return &Guard{store: store, resourceType: resourceType, ttl: ttl}
}

// Execute runs proceed at most once for a given (key, body) pair.
//
// Returns replayed=true when the response came from a stored record.
// Errors: ErrInvalidKey, ErrConflict, or whatever proceed/store returned.
// Only 2xx outcomes are persisted, so a failed attempt can be retried with
// the same key.
func (g *Guard) Execute(ctx context.Context, key string, body []byte, proceed func(ctx context.Context) (*Result, error)) (*Result, bool, error) {
	if !ValidKey(key) {
		return nil, false, ErrInvalidKey
	}

	hash, err := Hash(body)
	if err != nil {
		return nil, false, err
	}

	if rec, err := g.store.FindIdempotencyRecord(ctx, key); err != nil {
		return nil, false, err
	} else if rec != nil {
		return replay(rec, hash)
	}

	res, err := proceed(ctx)
	if err != nil {
		return nil, false, err
	}

	if res.Status < 200 || res.Status > 299 {
		return res, false, nil
	}

	now := time.Now().UTC()
	inserted, err := g.store.InsertIdempotencyRecord(ctx, Record{
		Key:            key,
		ResourceID:     res.ResourceID,
		ResourceType:   g.resourceType,
		RequestHash:    hash,
		ResponseStatus: res.Status,
		ResponseBody:   res.Body,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.ttl),
	})
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return res, false, nil
	}

	// Lost the insert race: a concurrent request with the same key finished
	// first. Its record is authoritative; re-read it instead of running
	// proceed again.
	rec, err := g.store.FindIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		// Winner's record expired between insert and lookup. Our own result
		// already took effect, so answer with it.
		return res, false, nil
	}
	return replay(rec, hash)
}

func replay(rec *Record, hash string) (*Result, bool, error) {
	if rec.RequestHash != hash {
		return nil, false, ErrConflict
	}
	return &Result{
		Status:     rec.ResponseStatus,
		Body:       rec.ResponseBody,
		ResourceID: rec.ResourceID,
	}, true, nil
}
