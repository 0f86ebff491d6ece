// Package history is the single entry point for chart consumers. It serves
// cached snapshot timelines when fresh, refreshes them through the adaptive
// fetcher when stale, and serializes concurrent work with an in-process
// single-flight group plus the cross-process repository lock.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"issuescan/internal/fetcher"
	"issuescan/internal/github"
	"issuescan/internal/models"
)

const (
	DefaultCacheFreshness   = 24 * time.Hour
	DefaultLockWaitTimeout  = 120 * time.Second
	DefaultLockWaitInterval = 2 * time.Second
)

// ErrBusy means another worker held the refresh lock for the whole wait
// window and no data appeared. Callers should retry shortly.
var ErrBusy = errors.New("history: refresh in progress, try again shortly")

// ErrStorage wraps database failures so the HTTP layer can classify them.
var ErrStorage = errors.New("history: storage error")

// Store is the persistence surface the service needs.
type Store interface {
	GetRepository(ctx context.Context, owner, name string) (*models.Repository, error)
	UpsertRepository(ctx context.Context, owner, name string, createdAt time.Time) (int64, error)
	MarkRepositorySynced(ctx context.Context, repoID int64, at time.Time) error
	GetSnapshots(ctx context.Context, repoID int64) ([]models.CountSnapshot, error)
	UpsertSnapshots(ctx context.Context, repoID int64, snapshots []models.CountSnapshot) error
}

// Locker is the cross-process exclusion surface.
type Locker interface {
	Acquire(ctx context.Context, owner, name string) (bool, error)
	Release(owner, name string)
}

// InfoSource resolves repo existence and creation date upstream.
type InfoSource interface {
	RepositoryInfo(ctx context.Context, owner, name string) (*github.RepoInfo, error)
}

// Ranger runs the adaptive discovery over a date range.
type Ranger interface {
	FetchRange(ctx context.Context, owner, name string, start, end time.Time) ([]fetcher.Point, error)
}

type Config struct {
	CacheFreshness   time.Duration
	LockWaitTimeout  time.Duration
	LockWaitInterval time.Duration
	// Now is the sole clock of the refresh path; the fetcher and client never
	// read time themselves. Tests override it.
	Now func() time.Time
}

type Service struct {
	store   Store
	locker  Locker
	client  InfoSource
	fetcher Ranger
	cfg     Config

	group singleflight.Group
}

func NewService(store Store, locker Locker, client InfoSource, f Ranger, cfg Config) *Service {
	if cfg.CacheFreshness <= 0 {
		cfg.CacheFreshness = DefaultCacheFreshness
	}
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = DefaultLockWaitTimeout
	}
	if cfg.LockWaitInterval <= 0 {
		cfg.LockWaitInterval = DefaultLockWaitInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, locker: locker, client: client, fetcher: f, cfg: cfg}
}

// GetTimeline returns the repo's full snapshot timeline sorted ascending by
// date, refreshing it first if the cache is stale.
func (s *Service) GetTimeline(ctx context.Context, owner, name string) ([]models.CountSnapshot, error) {
	return s.timeline(ctx, owner, name, false)
}

// ForceRefresh skips the freshness check and rebuilds the timeline now. Used
// by the admin surface after upstream data anomalies.
func (s *Service) ForceRefresh(ctx context.Context, owner, name string) ([]models.CountSnapshot, error) {
	return s.timeline(ctx, owner, name, true)
}

func (s *Service) timeline(ctx context.Context, owner, name string, force bool) ([]models.CountSnapshot, error) {
	repo, err := s.store.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("%w: load repository: %v", ErrStorage, err)
	}

	var cached []models.CountSnapshot
	if repo != nil {
		cached, err = s.store.GetSnapshots(ctx, repo.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: load snapshots: %v", ErrStorage, err)
		}
		if !force && len(cached) > 0 && s.isFresh(repo) {
			return cached, nil
		}
	}

	// Coalesce concurrent refreshes for the same repo within this process.
	// The singleflight entry lives exactly as long as the refresh; an error
	// result is delivered once and does not poison later attempts.
	key := models.RepoKey(owner, name)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.refresh(ctx, owner, name, repo, cached)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.CountSnapshot), nil
}

// isFresh reports whether the last successful refresh is inside the freshness
// window. Measured against last_synced_at rather than the newest snapshot
// date, so a quiet repo whose refresh discovered nothing new still counts.
func (s *Service) isFresh(repo *models.Repository) bool {
	if repo.LastSyncedAt == nil {
		return false
	}
	return s.cfg.Now().Sub(*repo.LastSyncedAt) < s.cfg.CacheFreshness
}

// refresh runs under the single-flight slot: acquire the cross-process lock
// and rebuild, or fall back to stale data / waiting when another worker is
// already on it.
func (s *Service) refresh(ctx context.Context, owner, name string, repo *models.Repository, cached []models.CountSnapshot) ([]models.CountSnapshot, error) {
	acquired, err := s.locker.Acquire(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock: %v", ErrStorage, err)
	}
	if !acquired {
		if len(cached) > 0 {
			// Stale-but-usable: another worker is refreshing. Showing a
			// slightly outdated chart beats blocking the reader.
			return cached, nil
		}
		return s.waitForOtherWorker(ctx, owner, name)
	}
	defer s.locker.Release(owner, name)

	today := models.DayUTC(s.cfg.Now())

	if repo == nil {
		return s.fullDiscover(ctx, owner, name, today)
	}
	return s.incrementalRefresh(ctx, owner, name, repo, cached, today)
}

// fullDiscover handles a repo we have never seen: resolve it upstream, then
// run discovery over its whole life.
func (s *Service) fullDiscover(ctx context.Context, owner, name string, today time.Time) ([]models.CountSnapshot, error) {
	info, err := s.client.RepositoryInfo(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	repoID, err := s.store.UpsertRepository(ctx, owner, name, info.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: create repository: %v", ErrStorage, err)
	}

	log.Printf("[history] full discover %s start=%s end=%s",
		models.RepoKey(owner, name), models.ISODate(info.CreatedAt), models.ISODate(today))

	points, err := s.fetcher.FetchRange(ctx, owner, name, info.CreatedAt, today)
	if err != nil {
		return nil, err
	}

	snapshots := toSnapshots(repoID, points)
	if err := s.saveRefresh(ctx, repoID, snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// incrementalRefresh extends a stale timeline from its newest cached date.
func (s *Service) incrementalRefresh(ctx context.Context, owner, name string, repo *models.Repository, cached []models.CountSnapshot, today time.Time) ([]models.CountSnapshot, error) {
	start := repo.CreatedAt
	if len(cached) > 0 {
		start = cached[len(cached)-1].SnapshotDate
	}

	log.Printf("[history] refresh %s start=%s end=%s cached=%d",
		models.RepoKey(owner, name), models.ISODate(start), models.ISODate(today), len(cached))

	points, err := s.fetcher.FetchRange(ctx, owner, name, start, today)
	if err != nil {
		return nil, err
	}

	fresh := toSnapshots(repo.ID, points)
	if err := s.saveRefresh(ctx, repo.ID, fresh); err != nil {
		return nil, err
	}
	return mergeSnapshots(cached, fresh), nil
}

// saveRefresh persists a fetched point set and stamps the sync time. Cache
// writes happen only here, after the whole fetch succeeded; a rate-limited
// or failed fetch leaves the cache exactly as it was.
func (s *Service) saveRefresh(ctx context.Context, repoID int64, snapshots []models.CountSnapshot) error {
	if err := s.store.UpsertSnapshots(ctx, repoID, snapshots); err != nil {
		return fmt.Errorf("%w: save snapshots: %v", ErrStorage, err)
	}
	if err := s.store.MarkRepositorySynced(ctx, repoID, s.cfg.Now()); err != nil {
		return fmt.Errorf("%w: mark synced: %v", ErrStorage, err)
	}
	return nil
}

// waitForOtherWorker polls the database until another worker's refresh has
// produced snapshots, the caller's deadline fires, or the wait window runs
// out (Busy).
func (s *Service) waitForOtherWorker(ctx context.Context, owner, name string) ([]models.CountSnapshot, error) {
	deadline := time.NewTimer(s.cfg.LockWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.LockWaitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrBusy
		case <-ticker.C:
			repo, err := s.store.GetRepository(ctx, owner, name)
			if err != nil {
				return nil, fmt.Errorf("%w: poll repository: %v", ErrStorage, err)
			}
			if repo == nil {
				continue
			}
			snapshots, err := s.store.GetSnapshots(ctx, repo.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: poll snapshots: %v", ErrStorage, err)
			}
			if len(snapshots) > 0 {
				return snapshots, nil
			}
		}
	}
}

func toSnapshots(repoID int64, points []fetcher.Point) []models.CountSnapshot {
	snapshots := make([]models.CountSnapshot, len(points))
	for i, p := range points {
		snapshots[i] = models.CountSnapshot{
			RepositoryID: repoID,
			SnapshotDate: p.Date,
			Counts:       p.Counts,
		}
	}
	return snapshots
}

// mergeSnapshots combines cached and freshly fetched sets into one timeline.
// On a date collision the fresher fetch wins; output is ascending by date.
func mergeSnapshots(cached, fresh []models.CountSnapshot) []models.CountSnapshot {
	byDate := make(map[string]models.CountSnapshot, len(cached)+len(fresh))
	for _, snap := range cached {
		byDate[models.ISODate(snap.SnapshotDate)] = snap
	}
	for _, snap := range fresh {
		byDate[models.ISODate(snap.SnapshotDate)] = snap
	}

	out := make([]models.CountSnapshot, 0, len(byDate))
	for _, snap := range byDate {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SnapshotDate.Before(out[j].SnapshotDate)
	})
	return out
}
