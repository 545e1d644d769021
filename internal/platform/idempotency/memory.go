package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. It backs handler tests and local runs
// without a Firestore emulator.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := recordID(key)
	rec, ok := s.byID[id]
	if !ok || expired(rec, now) {
		rec = pendingRecord(key, fingerprint, now, ttl)
		s.byID[id] = rec
		return Reservation{State: ReservationStateNew, Record: rec}, nil
	}
	if rec.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if rec.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: rec}, nil
	}
	return Reservation{State: ReservationStatePending, Record: rec}, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := recordID(key)
	rec, ok := s.byID[id]
	if ok && rec.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		rec = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	rec.Status = StatusCompleted
	rec.ResponseStatus = resp.Status
	rec.ResponseHeaders = storableHeaders(resp.Headers)
	rec.ResponseBody = nil
	if len(resp.Body) > 0 {
		rec.ResponseBody = append([]byte(nil), resp.Body...)
	}
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	s.byID[id] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, recordID(key))
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.byID) {
		limit = len(s.byID)
	}

	removed := 0
	for id, rec := range s.byID {
		if !expired(rec, now) {
			continue
		}
		delete(s.byID, id)
		removed++
		if removed >= limit {
			break
		}
	}
	return removed, nil
}
