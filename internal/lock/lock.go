// Package lock provides cross-process refresh exclusion per repository,
// backed by the repository_locks table. A heartbeat goroutine keeps a held
// lock alive; a crashed holder's row expires on its own and any process may
// then reclaim it.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"issuescan/internal/models"
)

const (
	DefaultTimeout           = 120 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Store is the subset of the Postgres repository the locker needs.
type Store interface {
	InsertLock(ctx context.Context, owner, name, holderID string, ttl time.Duration) (bool, error)
	DeleteExpiredLock(ctx context.Context, owner, name string) (bool, error)
	DeleteLock(ctx context.Context, owner, name, holderID string) error
	TouchLock(ctx context.Context, owner, name, holderID string, ttl time.Duration) (bool, error)
	SweepExpiredLocks(ctx context.Context) (int64, error)
}

type Config struct {
	// Timeout is the lock row TTL. Must comfortably exceed the heartbeat
	// interval (>= 2x) or a healthy holder could lose its lock.
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	// HolderID overrides the generated process identity. Tests only.
	HolderID string
}

type Locker struct {
	store    Store
	holderID string
	timeout  time.Duration
	interval time.Duration

	mu   sync.Mutex
	held map[string]chan struct{} // repo key -> heartbeat stop channel
}

func New(store Store, cfg Config) *Locker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	holderID := cfg.HolderID
	if holderID == "" {
		holderID = newHolderID()
	}
	return &Locker{
		store:    store,
		holderID: holderID,
		timeout:  cfg.Timeout,
		interval: cfg.HeartbeatInterval,
		held:     make(map[string]chan struct{}),
	}
}

// newHolderID builds a process-lifetime-unique identity.
func newHolderID() string {
	hostname, _ := os.Hostname()
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), hex.EncodeToString(buf))
}

func (l *Locker) HolderID() string { return l.holderID }

// Acquire tries to claim the repo lock. On a conflict with an expired row the
// row is deleted (expiry re-checked in SQL) and the insert retried once; a
// valid conflict returns false. A successful claim starts the heartbeat.
func (l *Locker) Acquire(ctx context.Context, owner, name string) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.store.InsertLock(ctx, owner, name, l.holderID, l.timeout)
		if err != nil {
			return false, err
		}
		if ok {
			l.startHeartbeat(owner, name)
			return true, nil
		}

		deleted, err := l.store.DeleteExpiredLock(ctx, owner, name)
		if err != nil {
			return false, err
		}
		if !deleted {
			// The conflicting row is still valid.
			return false, nil
		}
	}
	return false, nil
}

// Release stops the heartbeat first, then deletes the row if we still own it.
// Deletion uses a detached context: release must go through even when the
// request that acquired the lock was cancelled.
func (l *Locker) Release(owner, name string) {
	l.stopHeartbeat(owner, name)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.store.DeleteLock(ctx, owner, name, l.holderID); err != nil {
		log.Printf("[lock] release %s: %v", models.RepoKey(owner, name), err)
	}
}

// SweepExpired garbage-collects expired rows across all repositories.
func (l *Locker) SweepExpired(ctx context.Context) (int64, error) {
	return l.store.SweepExpiredLocks(ctx)
}

// Close stops every outstanding heartbeat. Held rows are left to expire;
// Close is for process shutdown, not release.
func (l *Locker) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, stop := range l.held {
		close(stop)
		delete(l.held, key)
	}
}

func (l *Locker) startHeartbeat(owner, name string) {
	key := models.RepoKey(owner, name)
	stop := make(chan struct{})

	l.mu.Lock()
	if old, ok := l.held[key]; ok {
		close(old)
	}
	l.held[key] = stop
	l.mu.Unlock()

	go l.heartbeat(owner, name, key, stop)
}

func (l *Locker) stopHeartbeat(owner, name string) {
	key := models.RepoKey(owner, name)
	l.mu.Lock()
	if stop, ok := l.held[key]; ok {
		close(stop)
		delete(l.held, key)
	}
	l.mu.Unlock()
}

func (l *Locker) heartbeat(owner, name, key string, stop chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ok, err := l.store.TouchLock(ctx, owner, name, l.holderID, l.timeout)
			cancel()
			if err != nil {
				// Transient DB error: keep trying, the TTL gives us slack.
				log.Printf("[lock] heartbeat %s: %v", key, err)
				continue
			}
			if !ok {
				// Another holder took over; stop touching the row.
				log.Printf("[lock] heartbeat %s: lock lost, stopping", key)
				l.mu.Lock()
				if cur, exists := l.held[key]; exists && cur == stop {
					delete(l.held, key)
				}
				l.mu.Unlock()
				return
			}
		}
	}
}
