package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"issuescan/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(dbURL string) (*Repository, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	// Apply Pool Settings
	if maxConnStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			config.MaxConns = int32(maxConn)
		}
	}
	if minConnStr := os.Getenv("DB_MAX_IDLE_CONNS"); minConnStr != "" {
		if minConn, err := strconv.Atoi(minConnStr); err == nil {
			config.MinConns = int32(minConn)
		}
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Repository{db: pool}, nil
}

func (r *Repository) Migrate(schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	_, err = r.db.Exec(context.Background(), string(content))
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// canonical lowercases an owner/name pair. GitHub treats both parts as
// case-insensitive; the tables are keyed on the lowercase form.
func canonical(owner, name string) (string, string) {
	return strings.ToLower(owner), strings.ToLower(name)
}

// GetRepository returns the stored repo record, or nil if never seen.
func (r *Repository) GetRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	owner, name = canonical(owner, name)
	var repo models.Repository
	err := r.db.QueryRow(ctx, `
		SELECT id, owner, name, created_at, last_synced_at
		FROM repositories
		WHERE owner = $1 AND name = $2`,
		owner, name,
	).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.CreatedAt, &repo.LastSyncedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// UpsertRepository creates the repo record on first contact and returns its id.
func (r *Repository) UpsertRepository(ctx context.Context, owner, name string, createdAt time.Time) (int64, error) {
	owner, name = canonical(owner, name)
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO repositories (owner, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner, name) DO UPDATE SET created_at = EXCLUDED.created_at
		RETURNING id`,
		owner, name, models.DayUTC(createdAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert repository %s/%s: %w", owner, name, err)
	}
	return id, nil
}

// MarkRepositorySynced stamps a successful refresh.
func (r *Repository) MarkRepositorySynced(ctx context.Context, repoID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE repositories SET last_synced_at = $2 WHERE id = $1`,
		repoID, at.UTC(),
	)
	return err
}

// GetSnapshots returns all snapshots for a repo, ascending by date.
func (r *Repository) GetSnapshots(ctx context.Context, repoID int64) ([]models.CountSnapshot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, repository_id, snapshot_date,
		       issues_created_before, issues_closed_before,
		       prs_created_before, prs_closed_before, prs_merged_before
		FROM snapshots
		WHERE repository_id = $1
		ORDER BY snapshot_date ASC`,
		repoID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.CountSnapshot
	for rows.Next() {
		var s models.CountSnapshot
		if err := rows.Scan(
			&s.ID, &s.RepositoryID, &s.SnapshotDate,
			&s.IssuesCreatedBefore, &s.IssuesClosedBefore,
			&s.PRsCreatedBefore, &s.PRsClosedBefore, &s.PRsMergedBefore,
		); err != nil {
			return nil, err
		}
		s.SnapshotDate = models.DayUTC(s.SnapshotDate)
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// UpsertSnapshots writes a fetched point set atomically. Collisions on
// (repository_id, snapshot_date) take the new values: the upsert path exists
// only to repair counts for an already-probed date.
func (r *Repository) UpsertSnapshots(ctx context.Context, repoID int64, snapshots []models.CountSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, s := range snapshots {
		batch.Queue(`
			INSERT INTO snapshots (
				repository_id, snapshot_date,
				issues_created_before, issues_closed_before,
				prs_created_before, prs_closed_before, prs_merged_before
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (repository_id, snapshot_date) DO UPDATE SET
				issues_created_before = EXCLUDED.issues_created_before,
				issues_closed_before = EXCLUDED.issues_closed_before,
				prs_created_before = EXCLUDED.prs_created_before,
				prs_closed_before = EXCLUDED.prs_closed_before,
				prs_merged_before = EXCLUDED.prs_merged_before`,
			repoID, models.DayUTC(s.SnapshotDate),
			s.IssuesCreatedBefore, s.IssuesClosedBefore,
			s.PRsCreatedBefore, s.PRsClosedBefore, s.PRsMergedBefore,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < len(snapshots); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to upsert snapshot batch: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
