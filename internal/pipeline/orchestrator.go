package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// Orchestrator runs the background data pipeline: snapshot recording and
// cold-storage archival. Either part may be nil.
type Orchestrator struct {
	recorder    *Recorder
	snapshots   <-chan domain.Snapshot
	archiver    *Archiver
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	recorder *Recorder,
	snapshots <-chan domain.Snapshot,
	archiver *Archiver,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		recorder:    recorder,
		snapshots:   snapshots,
		archiver:    archiver,
		archiveCron: archiveCron,
		logger:      logger,
	}
}

// Run starts the sub-pipelines under an errgroup. If any returns a
// non-context error the shared context is cancelled and Run returns it.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Bool("recorder", o.recorder != nil),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.recorder != nil && o.snapshots != nil {
		g.Go(func() error {
			err := o.recorder.Run(ctx, o.snapshots)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recorder: %w", err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
