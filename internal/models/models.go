package models

import (
	"strings"
	"time"
)

// Repository represents the 'repositories' table
type Repository struct {
	ID           int64      `json:"id"`
	Owner        string     `json:"owner"`
	Name         string     `json:"name"`
	CreatedAt    time.Time  `json:"created_at"` // UTC day precision
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Counts is one C(d) measurement: how many items existed strictly before the
// probe date. GitHub's "created:<d" / "closed:<d" / "merged:<d" filters are
// exclusive, so a probe at the repo creation day yields all zeros.
type Counts struct {
	IssuesCreatedBefore int64 `json:"issues_created_before"`
	IssuesClosedBefore  int64 `json:"issues_closed_before"`
	PRsCreatedBefore    int64 `json:"prs_created_before"`
	PRsClosedBefore     int64 `json:"prs_closed_before"`
	PRsMergedBefore     int64 `json:"prs_merged_before"`
}

// NetActive is the derived "still open" series. Computed at render time,
// never stored.
func (c Counts) NetActive() int64 {
	return (c.IssuesCreatedBefore - c.IssuesClosedBefore) +
		(c.PRsCreatedBefore - c.PRsClosedBefore)
}

// CountSnapshot represents the 'snapshots' table
type CountSnapshot struct {
	ID           int64     `json:"id,omitempty"`
	RepositoryID int64     `json:"repository_id,omitempty"`
	SnapshotDate time.Time `json:"snapshot_date"` // UTC day precision
	Counts
}

// RepoLock represents the 'repository_locks' table
type RepoLock struct {
	ID              int64     `json:"id"`
	Owner           string    `json:"owner"`
	Name            string    `json:"name"`
	LockedAt        time.Time `json:"locked_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LockHolderID    string    `json:"lock_holder_id"`
}

// RepoKey is the canonical cache/lock key for an owner/name pair.
// GitHub treats both parts as case-insensitive.
func RepoKey(owner, name string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(name)
}

// DayUTC truncates t to the UTC day boundary.
func DayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ISODate formats a day-precision date the way the upstream search API and
// our snapshot keys expect it.
func ISODate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
