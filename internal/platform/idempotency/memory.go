package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory. Used by the memory and sqlite store drivers.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || entry.expired(now) {
		entry = Entry{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusInFlight,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		s.entries[id] = entry
		return Claim{Outcome: OutcomeProceed, Entry: entry}, nil
	}
	if entry.Fingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if entry.Status == StatusCompleted {
		return Claim{Outcome: OutcomeReplay, Entry: cloneEntry(entry)}, nil
	}
	return Claim{Outcome: OutcomeInFlight, Entry: entry}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if ok && entry.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	if !ok {
		entry = Entry{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}
	entry.Status = StatusCompleted
	entry.StatusCode = resp.StatusCode
	entry.Header = storableHeader(resp.Header)
	entry.Body = append([]byte(nil), resp.Body...)
	entry.ExpiresAt = now.Add(ttl)
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, documentID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.expired(now.UTC()) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func cloneEntry(e Entry) Entry {
	e.Body = append([]byte(nil), e.Body...)
	if e.Header != nil {
		header := make(map[string][]string, len(e.Header))
		for k, v := range e.Header {
			header[k] = append([]string(nil), v...)
		}
		e.Header = header
	}
	return e
}
