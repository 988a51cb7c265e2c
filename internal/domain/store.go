package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TxStore persists the history of user actions.
type TxStore interface {
	Create(ctx context.Context, rec TxRecord) error
	UpdateStatus(ctx context.Context, id string, status TxStatus, hash, errMsg string) error
	GetByID(ctx context.Context, id string) (TxRecord, error)
	ListByAddress(ctx context.Context, address string, opts ListOpts) ([]TxRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// StoredSnapshot is a snapshot row in the history table.
type StoredSnapshot struct {
	ID        int64
	Seq       uint64
	Snapshot  Snapshot
	CreatedAt time.Time
}

// SnapshotStore keeps the history of applied snapshots.
type SnapshotStore interface {
	Insert(ctx context.Context, snap Snapshot) error
	Latest(ctx context.Context) (StoredSnapshot, error)
	ListBefore(ctx context.Context, before time.Time) ([]StoredSnapshot, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
