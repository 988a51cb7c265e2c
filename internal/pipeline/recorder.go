package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// Recorder fans applied snapshots out to the shared cache, the event bus and
// the history table. Every sink is optional.
type Recorder struct {
	cache  domain.SnapshotCache
	bus    domain.Publisher
	store  domain.SnapshotStore
	every  time.Duration
	logger *slog.Logger

	lastStored time.Time
	lastSeq    uint64
}

// RecorderConfig configures a Recorder. HistoryEvery limits how often a
// snapshot is written to the history table; zero stores every one.
type RecorderConfig struct {
	Cache        domain.SnapshotCache
	Bus          domain.Publisher
	Store        domain.SnapshotStore
	HistoryEvery time.Duration
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cache:  cfg.Cache,
		bus:    cfg.Bus,
		store:  cfg.Store,
		every:  cfg.HistoryEvery,
		logger: logger.With(slog.String("component", "recorder")),
	}
}

// Run records snapshots from the channel until it closes or ctx is done.
func (r *Recorder) Run(ctx context.Context, snapshots <-chan domain.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			r.Record(ctx, snap)
		}
	}
}

// Record writes one snapshot to every configured sink. Loading snapshots and
// snapshots older than the last one seen are ignored. Sink failures are
// logged and do not stop the others.
func (r *Recorder) Record(ctx context.Context, snap domain.Snapshot) {
	if snap.IsLoading || snap.Seq == 0 || snap.Seq <= r.lastSeq {
		return
	}
	r.lastSeq = snap.Seq
	log := r.logger.With(slog.Uint64("seq", snap.Seq))

	if r.cache != nil {
		if err := r.cache.Set(ctx, snap); err != nil {
			log.Warn("snapshot cache write failed", slog.String("error", err.Error()))
		}
	}

	if r.bus != nil {
		if err := r.publish(ctx, snap); err != nil {
			log.Warn("snapshot publish failed", slog.String("error", err.Error()))
		}
	}

	if r.store != nil && (r.every <= 0 || snap.SettledAt.Sub(r.lastStored) >= r.every) {
		if err := r.store.Insert(ctx, snap); err != nil {
			log.Warn("snapshot history write failed", slog.String("error", err.Error()))
			return
		}
		r.lastStored = snap.SettledAt
	}
}

func (r *Recorder) publish(ctx context.Context, snap domain.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.bus.Publish(ctx, domain.ChannelSnapshot, payload)
}
