package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/metrics"
)

// result is one settled read.
type result[T any] struct {
	val T
	err error
}

func (r result[T]) ok() bool { return r.err == nil }

// withTimeout runs fn and races it against timeout. A timeout is reported as
// an error exactly like a failed call; fn's eventual result is dropped.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) result[T] {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(cctx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-cctx.Done():
		return result[T]{err: fmt.Errorf("vault: read timed out: %w", cctx.Err())}
	}
}

// settle launches a read on g whose goroutine never returns an error, so the
// group always waits for every sibling.
func settle[T any](ctx context.Context, g *errgroup.Group, timeout time.Duration, dst *result[T], fn func(context.Context) (T, error)) {
	g.Go(func() error {
		*dst = withTimeout(ctx, timeout, fn)
		return nil
	})
}

// vaultReads holds the settled reads for one vault.
type vaultReads struct {
	metrics result[chain.RawMetrics]
	price   result[*big.Int]
	strikes result[[]*big.Int]
	current result[*big.Int]
	queued  result[*big.Int]
	expiry  result[*big.Int]
	active  result[*bool]
}

// fetchVault issues every per-vault read concurrently, waits for all of them
// and builds the record field by field. The global TVL and capacity reads are
// merged in by the caller.
func (a *Aggregator) fetchVault(ctx context.Context, reader chain.Reader, kind domain.VaultKind, start time.Time) *domain.VaultRecord {
	var (
		r   vaultReads
		g   errgroup.Group
		to  = a.callTimeout
		dir = kind.IsDirectional()
	)

	settle(ctx, &g, to, &r.metrics, func(ctx context.Context) (chain.RawMetrics, error) {
		return reader.PerformanceMetrics(ctx, kind)
	})
	settle(ctx, &g, to, &r.price, func(ctx context.Context) (*big.Int, error) {
		return reader.SharePrice(ctx, kind)
	})
	settle(ctx, &g, to, &r.strikes, func(ctx context.Context) ([]*big.Int, error) {
		if dir {
			return reader.DirectionalStrikes(ctx, kind.IsCall())
		}
		return reader.CondorStrikes(ctx)
	})
	settle(ctx, &g, to, &r.current, func(ctx context.Context) (*big.Int, error) {
		return reader.CurrentPrice(ctx, kind.IsCall())
	})
	settle(ctx, &g, to, &r.queued, func(ctx context.Context) (*big.Int, error) {
		return reader.QueuedDepositsCount(ctx, dir)
	})
	if dir {
		// One vaultCycles read feeds both expiry and the active flag.
		var cycle result[chain.CycleInfo]
		g.Go(func() error {
			cycle = withTimeout(ctx, to, func(ctx context.Context) (chain.CycleInfo, error) {
				return reader.DirectionalCycle(ctx, kind.IsCall())
			})
			if cycle.ok() {
				active := cycle.val.Active
				r.expiry = result[*big.Int]{val: cycle.val.NextExpiry}
				r.active = result[*bool]{val: &active}
			} else {
				r.expiry = result[*big.Int]{err: cycle.err}
				r.active = result[*bool]{err: cycle.err}
			}
			return nil
		})
	} else {
		settle(ctx, &g, to, &r.expiry, func(ctx context.Context) (*big.Int, error) {
			return reader.CondorNextExpiry(ctx)
		})
		r.active = result[*bool]{}
	}
	_ = g.Wait()

	rec := &domain.VaultRecord{Kind: kind, FetchedAt: start}

	if r.metrics.ok() {
		m := FormatMetrics(r.metrics.val)
		rec.Metrics = &m
	} else {
		a.readFailed(string(kind), "metrics", r.metrics.err)
	}
	if r.price.ok() {
		rec.SharePrice = assetString(r.price.val)
	} else {
		a.readFailed(string(kind), "share_price", r.price.err)
	}
	if r.strikes.ok() {
		rec.Strikes = chain.FormatUnitsSlice(r.strikes.val, chain.PriceDecimals)
	} else {
		a.readFailed(string(kind), "strikes", r.strikes.err)
	}
	if r.current.ok() {
		rec.CurrentPrice = priceString(r.current.val)
	} else {
		a.readFailed(string(kind), "current_price", r.current.err)
	}
	if r.queued.ok() && r.queued.val.IsInt64() {
		n := r.queued.val.Int64()
		active := n > 0
		rec.QueuedDeposits = &n
		rec.IsActiveDeposit = &active
	} else {
		a.readFailed(string(kind), "queued_deposits", r.queued.err)
	}
	if r.expiry.ok() {
		rec.NextCycleExpiry = futureExpiry(r.expiry.val, start)
	} else {
		a.readFailed(string(kind), "next_cycle_expiry", r.expiry.err)
	}
	if r.active.ok() {
		rec.CycleActive = r.active.val
	}
	return rec
}

func (a *Aggregator) readFailed(scope, field string, err error) {
	metrics.ReadFailures.WithLabelValues(scope, field).Inc()
	if err == nil {
		err = fmt.Errorf("value out of range")
	}
	a.logger.Warn("read failed",
		slog.String("scope", scope),
		slog.String("field", field),
		slog.String("error", err.Error()),
	)
}
