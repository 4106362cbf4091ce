package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL is how long a key and its stored response are remembered.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored key.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

// Outcome tells the middleware what to do after claiming a key.
type Outcome int

const (
	// OutcomeProceed means the key was free and the caller now owns it.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a completed response exists for the same request.
	OutcomeReplay
	// OutcomeInFlight means an identical request currently holds the key.
	OutcomeInFlight
)

// Claim is the result of Store.Claim.
type Claim struct {
	Outcome Outcome
	Entry   Entry
}

// Entry is a stored key with its captured response.
type Entry struct {
	Key         string
	Fingerprint string
	Status      Status
	StatusCode  int
	Header      map[string][]string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Response is what Complete stores for later replay.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Store persists claimed keys. Implementations must make Claim atomic per key.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrKeyReused is returned when a key is presented again with a different request body.
var ErrKeyReused = errors.New("idempotency: key reused with a different request")

// RunJanitor purges expired keys every interval until ctx is done.
func RunJanitor(ctx context.Context, store Store, interval time.Duration, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.PurgeExpired(ctx, now.UTC(), 500)
			if err != nil {
				logger.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency keys purged", zap.Int("removed", removed))
			}
		}
	}
}

func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// storableHeader drops hop-by-hop and length headers that must not be replayed.
func storableHeader(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade", "trailer":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
