// Package vault is the polling aggregator behind the dashboard. It fans out
// independent contract reads on a timer and after every confirmed action,
// tolerates per-read failure, and publishes an immutable Snapshot.
package vault

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/metrics"
)

// Defaults.
const (
	DefaultPollInterval   = 60 * time.Second
	DefaultCallTimeout    = 10 * time.Second
	DefaultConfirmTimeout = 3 * time.Minute
)

// errLoadFailed is reported in Snapshot.Error when a cycle produced nothing.
var errLoadFailed = errors.New("failed to load vault data")

// Options tunes the aggregator. Zero values take the defaults.
type Options struct {
	PollInterval time.Duration
	CallTimeout  time.Duration
}

// Aggregator owns the read model. Cycles may overlap; each carries a
// monotonic sequence number and a result older than the applied one is
// dropped.
type Aggregator struct {
	reader       chain.Reader
	logger       *slog.Logger
	pollInterval time.Duration
	callTimeout  time.Duration

	seq      atomic.Uint64
	inflight atomic.Int64
	trigger  chan struct{}

	mu         sync.RWMutex
	snap       domain.Snapshot
	appliedSeq uint64
	user       common.Address
	connected  bool
	// epoch changes on every connect and disconnect so that a cycle started
	// under an earlier session cannot write user fields.
	epoch uint64

	subMu  sync.Mutex
	subs   map[int]chan domain.Snapshot
	nextID int
}

// New creates an aggregator bound to the read-only handle set.
func New(reader chain.Reader, opts Options, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Aggregator{
		reader:       reader,
		logger:       logger.With(slog.String("component", "aggregator")),
		pollInterval: opts.PollInterval,
		callTimeout:  opts.CallTimeout,
		trigger:      make(chan struct{}, 1),
		snap: domain.Snapshot{
			ChainID: reader.ChainID(),
			User:    domain.DefaultUserPosition(),
		},
		subs: make(map[int]chan domain.Snapshot),
	}
}

// Reader exposes the read-only handle set the aggregator polls.
func (a *Aggregator) Reader() chain.Reader { return a.reader }

// Run fetches immediately, then on every tick and every TriggerRefresh, until
// ctx is cancelled. It returns only after in-flight cycles have finished.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("aggregator starting",
		slog.Duration("poll_interval", a.pollInterval),
		slog.Duration("call_timeout", a.callTimeout),
	)

	var wg sync.WaitGroup
	launch := func(reason string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("cycle not applied",
					slog.String("reason", reason),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	launch("startup")
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			a.logger.Info("aggregator stopped")
			return nil
		case <-ticker.C:
			launch("tick")
		case <-a.trigger:
			launch("trigger")
		}
	}
}

// TriggerRefresh asks Run for an immediate cycle. It never blocks; triggers
// that arrive while one is pending coalesce.
func (a *Aggregator) TriggerRefresh() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Refresh runs one cycle synchronously and returns the snapshot in force
// afterwards. A cycle superseded by a newer one is dropped without error.
func (a *Aggregator) Refresh(ctx context.Context) (domain.Snapshot, error) {
	res := a.collect(ctx)
	return a.apply(ctx, res)
}

// Snapshot returns a copy of the current read model.
func (a *Aggregator) Snapshot() domain.Snapshot {
	a.mu.RLock()
	out := a.snap.Clone()
	applied := a.appliedSeq
	a.mu.RUnlock()
	out.IsLoading = a.inflight.Load() > 0 || applied == 0
	return out
}

// Connect points the user fields at addr. They show defaults until the next
// cycle fills them; a refresh is triggered.
func (a *Aggregator) Connect(addr common.Address) {
	a.mu.Lock()
	if a.connected && a.user == addr {
		a.mu.Unlock()
		a.TriggerRefresh()
		return
	}
	a.epoch++
	a.connected = true
	a.user = addr
	next := a.snap.Clone()
	next.Connected = true
	next.User = domain.DefaultUserPosition()
	next.User.Address = addr.Hex()
	a.snap = next
	pub := next.Clone()
	a.mu.Unlock()

	a.logger.Info("user connected", slog.String("address", addr.Hex()))
	a.publish(pub)
	a.TriggerRefresh()
}

// Disconnect resets every user field to its default immediately. Cycles
// already in flight cannot bring the old user's data back.
func (a *Aggregator) Disconnect() {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return
	}
	a.epoch++
	a.connected = false
	a.user = common.Address{}
	next := a.snap.Clone()
	next.Connected = false
	next.User = domain.DefaultUserPosition()
	a.snap = next
	pub := next.Clone()
	a.mu.Unlock()

	a.logger.Info("user disconnected")
	a.publish(pub)
}

// markApproved records a confirmed approval for addr in a fresh snapshot.
func (a *Aggregator) markApproved(addr common.Address) {
	a.mu.Lock()
	if !a.connected || a.user != addr {
		a.mu.Unlock()
		return
	}
	next := a.snap.Clone()
	next.User.NeedsApproval = false
	a.snap = next
	pub := next.Clone()
	a.mu.Unlock()
	a.publish(pub)
}

// Subscribe streams every snapshot the aggregator applies. Slow subscribers
// miss snapshots instead of blocking. Call the returned func to unsubscribe.
func (a *Aggregator) Subscribe(buffer int) (<-chan domain.Snapshot, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan domain.Snapshot, buffer)
	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = ch
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
			close(ch)
		})
	}
}

func (a *Aggregator) publish(snap domain.Snapshot) {
	metrics.LastAppliedSeq.Set(float64(snap.Seq))
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- snap.Clone():
		default:
			a.logger.Warn("snapshot subscriber lagging", slog.Uint64("seq", snap.Seq))
		}
	}
}

// cycleResult is everything one cycle read, before it is applied.
type cycleResult struct {
	seq       uint64
	epoch     uint64
	connected bool
	start     time.Time
	records   [3]*domain.VaultRecord
	tvl       *string
	user      *domain.UserPosition
	empty     bool
}

func (a *Aggregator) collect(ctx context.Context) cycleResult {
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	a.mu.RLock()
	res := cycleResult{
		seq:       a.seq.Add(1),
		epoch:     a.epoch,
		connected: a.connected,
		start:     time.Now(),
	}
	user := a.user
	a.mu.RUnlock()

	var (
		g        errgroup.Group
		tvl      result[*big.Int]
		capacity result[chain.Capacity]
		allow    result[*big.Int]
		stable   result[*big.Int]
		shares   [3]result[*big.Int]
		to       = a.callTimeout
	)

	settle(ctx, &g, to, &tvl, a.reader.TotalValueLocked)
	settle(ctx, &g, to, &capacity, a.reader.RemainingCapacity)
	if res.connected {
		settle(ctx, &g, to, &allow, func(ctx context.Context) (*big.Int, error) {
			return a.reader.Allowance(ctx, user)
		})
		settle(ctx, &g, to, &stable, func(ctx context.Context) (*big.Int, error) {
			return a.reader.StableBalance(ctx, user)
		})
		for i, kind := range domain.AllVaults {
			settle(ctx, &g, to, &shares[i], func(ctx context.Context) (*big.Int, error) {
				return a.reader.ShareBalance(ctx, kind, user)
			})
		}
	}
	for i, kind := range domain.AllVaults {
		g.Go(func() error {
			res.records[i] = a.fetchVault(ctx, a.reader, kind, res.start)
			return nil
		})
	}
	_ = g.Wait()
	metrics.CycleDuration.Observe(time.Since(res.start).Seconds())

	if tvl.ok() {
		res.tvl = assetString(tvl.val)
	} else {
		a.readFailed("global", "total_value_locked", tvl.err)
	}
	if !capacity.ok() {
		a.readFailed("global", "remaining_capacity", capacity.err)
	}
	for _, rec := range res.records {
		rec.TotalValueLocked = copyStr(res.tvl)
		if capacity.ok() {
			if v := capacity.val.For(rec.Kind); v != nil {
				rec.RemainingCapacity = assetString(v)
			}
		}
	}
	res.empty = res.tvl == nil && allEmpty(res.records[:])

	if res.connected {
		pos := domain.UserPosition{Address: user.Hex(), NeedsApproval: true}
		if allow.ok() {
			pos.NeedsApproval = !chain.AllowanceSufficient(allow.val)
		} else {
			a.readFailed("user", "allowance", allow.err)
		}
		if stable.ok() {
			pos.StableBalance = assetString(stable.val)
		} else {
			a.readFailed("user", "stable_balance", stable.err)
		}
		for i, kind := range domain.AllVaults {
			var v *string
			if shares[i].ok() {
				v = assetString(shares[i].val)
			} else {
				a.readFailed("user", string(kind)+"_shares", shares[i].err)
			}
			switch kind {
			case domain.VaultCall:
				pos.CallShares = v
			case domain.VaultPut:
				pos.PutShares = v
			case domain.VaultCondor:
				pos.CondorShares = v
			}
		}
		res.user = &pos
	}
	return res
}

func (a *Aggregator) apply(ctx context.Context, res cycleResult) (domain.Snapshot, error) {
	a.mu.Lock()
	if err := ctx.Err(); err != nil {
		a.mu.Unlock()
		metrics.CyclesTotal.WithLabelValues("cancelled").Inc()
		return a.Snapshot(), err
	}
	if res.seq <= a.appliedSeq {
		applied := a.appliedSeq
		a.mu.Unlock()
		metrics.CyclesTotal.WithLabelValues("stale").Inc()
		a.logger.Debug("discarding superseded cycle",
			slog.Uint64("seq", res.seq),
			slog.Uint64("applied_seq", applied),
		)
		return a.Snapshot(), nil
	}

	next := a.snap.Clone()
	next.Seq = res.seq
	next.ChainID = a.reader.ChainID()
	next.Call, next.Put, next.Condor = res.records[0], res.records[1], res.records[2]
	next.TotalValueLocked = res.tvl
	next.HasQueuedDeposits = hasQueued(res.records[:])
	next.StartedAt = res.start
	next.SettledAt = time.Now()
	next.Connected = a.connected
	next.Error = ""
	if res.empty {
		next.Error = errLoadFailed.Error()
	}
	if res.user != nil && res.epoch == a.epoch && a.connected {
		next.User = res.user.Clone()
	}
	next.IsLoading = a.inflight.Load() > 0

	a.appliedSeq = res.seq
	a.snap = next
	pub := next.Clone()
	a.mu.Unlock()

	metrics.CyclesTotal.WithLabelValues("applied").Inc()
	a.logger.Debug("cycle applied",
		slog.Uint64("seq", res.seq),
		slog.Duration("elapsed", pub.SettledAt.Sub(res.start)),
	)
	a.publish(pub)
	return pub, nil
}

func hasQueued(records []*domain.VaultRecord) bool {
	for _, rec := range records {
		if rec != nil && rec.QueuedDeposits != nil && *rec.QueuedDeposits > 0 {
			return true
		}
	}
	return false
}

func allEmpty(records []*domain.VaultRecord) bool {
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if rec.SharePrice != nil || rec.Metrics != nil || rec.Strikes != nil ||
			rec.CurrentPrice != nil || rec.QueuedDeposits != nil || rec.NextCycleExpiry != nil {
			return false
		}
	}
	return true
}
