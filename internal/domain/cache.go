package domain

import (
	"context"
	"time"
)

// SnapshotCache shares the latest applied snapshot between processes.
type SnapshotCache interface {
	Set(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context) (Snapshot, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Publisher emits an event on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// SignalBus provides pub/sub fan-out of snapshot and transaction events.
type SignalBus interface {
	Publisher
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Bus channels.
const (
	ChannelSnapshot = "ch:vault:snapshot"
	ChannelTx       = "ch:vault:tx"
	ChannelWallet   = "ch:vault:wallet"
)
