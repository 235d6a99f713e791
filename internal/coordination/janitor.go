package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/diagramforge/broker/internal/store"
)

// lockReader is the narrow capability the janitor needs beyond Coordinator:
// reading back the raw lease value to inspect its LockMetadata.
type lockReader interface {
	store.Coordinator
	Get(ctx context.Context, key string) (string, error)
}

// LockJanitor periodically reaps the dispatcher lease if it has either
// fallen behind the durable fencing epoch (a partitioned former leader that
// never released cleanly) or outlived its TTL by a safety margin.
type LockJanitor struct {
	lock     lockReader
	durable  store.Store
	lockKey  string
	interval time.Duration
}

// NewLockJanitor builds a janitor watching the single dispatcher lease key.
func NewLockJanitor(lock lockReader, durable store.Store, interval time.Duration) *LockJanitor {
	return &LockJanitor{
		lock:     lock,
		durable:  durable,
		lockKey:  "diagbroker:lock:dispatcher",
		interval: interval,
	}
}

// Start runs the reap loop until ctx is cancelled.
func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *LockJanitor) clean(ctx context.Context) {
	currentEpoch, err := j.durable.GetDurableEpoch(ctx, "leader_election")
	if err != nil {
		log.Printf("janitor: failed to read durable epoch: %v", err)
		return
	}

	val, err := j.lock.Get(ctx, j.lockKey)
	if err != nil || val == "" {
		return
	}

	var meta LockMetadata
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		log.Printf("janitor: failed to unmarshal lock %s: %v", j.lockKey, err)
		return
	}

	if meta.Epoch < currentEpoch-1 {
		log.Printf("janitor: fencing lock %s (epoch %d behind watermark %d), force releasing", j.lockKey, meta.Epoch, currentEpoch)
		if err := j.lock.ReleaseLease(ctx, j.lockKey, val); err != nil {
			log.Printf("janitor: failed to release fenced lock: %v", err)
		}
		return
	}

	if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
		log.Printf("janitor: lock %s stale (expired at %s), force releasing", j.lockKey, meta.ExpiresAt)
		if err := j.lock.ReleaseLease(ctx, j.lockKey, val); err != nil {
			log.Printf("janitor: failed to release stale lock: %v", err)
		} else {
			log.Printf("janitor: reclaimed lock %s", j.lockKey)
		}
	}
}
