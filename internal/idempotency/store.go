// Package idempotency de-duplicates job submissions carrying the same
// client-supplied idempotency key (spec §6.4).
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Response is the cached HTTP response replayed for a repeated submission.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is the key/value capability idempotency needs; RedisStore
// satisfies it directly, and it degrades to an in-process map when nil.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}

// Store caches responses by idempotency key for 24h (spec §6.4) and
// arbitrates concurrent submissions racing on the same key.
type Store struct {
	backend Backend
	cache   sync.Map
	claims  sync.Map // in-process fallback for SetNX
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// NewStore builds a Store. backend may be nil to use a pure in-process
// cache (single-replica dev/test deployments).
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the cached response for key, if one exists and hasn't expired.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("idempotency: backend error getting %s: %v", key, err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > 24*time.Hour {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

// Set stores resp under key with a 24h TTL.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		bytes, err := json.Marshal(e)
		if err != nil {
			log.Printf("idempotency: marshal error for %s: %v", key, err)
			return
		}
		if err := s.backend.Set(ctx, key, string(bytes), 24*time.Hour); err != nil {
			log.Printf("idempotency: backend error setting %s: %v", key, err)
		}
		return
	}

	s.cache.Store(key, e)
}

// Claim atomically reserves key for the caller, reporting whether this
// caller won the race. Used by submit to ensure two concurrent requests
// bearing the same idempotency key admit exactly one job (spec §6.4): the
// loser polls Get until the winner's response lands.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.backend != nil {
		return s.backend.SetNX(ctx, key+":claim", "1", ttl)
	}
	_, loaded := s.claims.LoadOrStore(key, time.Now().Add(ttl))
	return !loaded, nil
}
