package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL. Snapshots
// are stored whole as JSONB.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Insert appends an applied snapshot to the history.
func (s *SnapshotStore) Insert(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot: %w", err)
	}
	const query = `INSERT INTO vault_snapshots (seq, chain_id, snapshot) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, int64(snap.Seq), int64(snap.ChainID), data); err != nil {
		return fmt.Errorf("postgres: insert snapshot %d: %w", snap.Seq, err)
	}
	return nil
}

// Latest returns the most recently stored snapshot.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.StoredSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, seq, snapshot, created_at FROM vault_snapshots ORDER BY id DESC LIMIT 1`)
	out, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StoredSnapshot{}, domain.ErrNotFound
		}
		return domain.StoredSnapshot{}, fmt.Errorf("postgres: latest snapshot: %w", err)
	}
	return out, nil
}

// ListBefore returns every snapshot stored before the cutoff, oldest first.
func (s *SnapshotStore) ListBefore(ctx context.Context, before time.Time) ([]domain.StoredSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, snapshot, created_at FROM vault_snapshots
		 WHERE created_at < $1 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshots rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes snapshots stored before the cutoff and returns the
// number of rows deleted.
func (s *SnapshotStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM vault_snapshots WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSnapshot(scanner interface{ Scan(dest ...any) error }) (domain.StoredSnapshot, error) {
	var (
		out  domain.StoredSnapshot
		seq  int64
		data []byte
	)
	if err := scanner.Scan(&out.ID, &seq, &data, &out.CreatedAt); err != nil {
		return domain.StoredSnapshot{}, err
	}
	out.Seq = uint64(seq)
	if err := json.Unmarshal(data, &out.Snapshot); err != nil {
		return domain.StoredSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return out, nil
}
