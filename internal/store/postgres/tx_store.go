package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// TxStore implements domain.TxStore using PostgreSQL.
type TxStore struct {
	pool *pgxpool.Pool
}

// NewTxStore creates a new TxStore backed by the given connection pool.
func NewTxStore(pool *pgxpool.Pool) *TxStore {
	return &TxStore{pool: pool}
}

// Create inserts a new action record.
func (s *TxStore) Create(ctx context.Context, rec domain.TxRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("postgres: marshal tx params: %w", err)
	}

	const query = `
		INSERT INTO tx_records (
			id, action, address, chain_id, params,
			tx_hash, status, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, string(rec.Action), rec.Address, int64(rec.ChainID), params,
		rec.Hash, string(rec.Status), rec.Error, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create tx record %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateStatus moves a record to status. An empty hash keeps the stored one.
func (s *TxStore) UpdateStatus(ctx context.Context, id string, status domain.TxStatus, hash, errMsg string) error {
	const query = `
		UPDATE tx_records
		SET status = $1,
		    tx_hash = COALESCE(NULLIF($2, ''), tx_hash),
		    error = $3,
		    updated_at = NOW()
		WHERE id = $4`

	tag, err := s.pool.Exec(ctx, query, string(status), hash, errMsg, id)
	if err != nil {
		return fmt.Errorf("postgres: update tx status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const txSelectCols = `id, action, address, chain_id, params, tx_hash, status, error, created_at, updated_at`

func scanTx(scanner interface{ Scan(dest ...any) error }) (domain.TxRecord, error) {
	var (
		rec            domain.TxRecord
		action, status string
		chainID        int64
		params         []byte
	)
	err := scanner.Scan(
		&rec.ID, &action, &rec.Address, &chainID, &params,
		&rec.Hash, &status, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.TxRecord{}, err
	}
	rec.Action = domain.Action(action)
	rec.Status = domain.TxStatus(status)
	rec.ChainID = uint64(chainID)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return domain.TxRecord{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	return rec, nil
}

// GetByID retrieves a single record.
func (s *TxStore) GetByID(ctx context.Context, id string) (domain.TxRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txSelectCols+` FROM tx_records WHERE id = $1`, id)
	rec, err := scanTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TxRecord{}, domain.ErrNotFound
		}
		return domain.TxRecord{}, fmt.Errorf("postgres: get tx record %s: %w", id, err)
	}
	return rec, nil
}

// ListByAddress returns the action history of one address, newest first.
// Addresses compare case-insensitively.
func (s *TxStore) ListByAddress(ctx context.Context, address string, opts domain.ListOpts) ([]domain.TxRecord, error) {
	query, args := pageClause(
		`SELECT `+txSelectCols+` FROM tx_records WHERE lower(address) = $1`,
		[]any{strings.ToLower(address)}, 2, opts,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tx records: %w", err)
	}
	defer rows.Close()

	var out []domain.TxRecord
	for rows.Next() {
		rec, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan tx record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list tx records rows: %w", err)
	}
	return out, nil
}
