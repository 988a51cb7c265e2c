package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/chain/chaintest"
	"github.com/alanyoungcy/vaultdash/internal/domain"
)

var user = common.HexToAddress("0x0000000000000000000000000000000000000abc")

func e18(s string) *big.Int {
	v, err := chain.ParseUnits(s, chain.AssetDecimals)
	if err != nil {
		panic(err)
	}
	return v
}

func e8(s string) *big.Int {
	v, err := chain.ParseUnits(s, chain.PriceDecimals)
	if err != nil {
		panic(err)
	}
	return v
}

// newNode returns a backend answering every read the aggregator issues.
func newNode() *chaintest.Backend {
	node := chaintest.New()
	book := chaintest.Book()
	future := big.NewInt(time.Now().Add(7 * 24 * time.Hour).Unix())

	node.Set("getTotalValueLocked", e18("125000"))
	node.Set("getRemainingCapacity", e18("1000"), e18("400"), e18("350"), e18("250"))
	node.Set("getPerformanceMetrics", big.NewInt(1840), big.NewInt(82), big.NewInt(1240), big.NewInt(180))
	node.Set("getSharePrice", e18("1.0456"))
	node.Set("getDirectionalStrikes", []*big.Int{e8("3100"), e8("3200")})
	node.Set("getCondorStrikes", []*big.Int{e8("2800"), e8("2900"), e8("3300"), e8("3400")})
	node.Set("getCurrentPrice", e8("3123.45"))
	node.Set("getQueuedDepositsCount", big.NewInt(0))
	node.Set("vaultCycles", big.NewInt(100), big.NewInt(200), true, future)
	node.Set("condorNextExpiryTimestamp", future)
	node.Set("allowance", big.NewInt(0))
	node.Set("balanceOf", big.NewInt(0))
	node.SetAt(book.StableToken, "balanceOf", e18("500"))
	return node
}

func newAggregator(t *testing.T, reader chain.Reader) *Aggregator {
	t.Helper()
	return New(reader, Options{PollInterval: time.Hour, CallTimeout: time.Second}, nil)
}

func TestFormatMetrics(t *testing.T) {
	got := FormatMetrics(chain.RawMetrics{
		APY:         big.NewInt(1840),
		SuccessRate: big.NewInt(82),
		BestReturn:  big.NewInt(1240),
		AvgYield:    big.NewInt(180),
	})
	assert.Equal(t, domain.PerformanceMetrics{
		APY:         "18.40%",
		SuccessRate: "82%",
		BestReturn:  "12.40%",
		AvgYield:    "1.80%/wk",
	}, got)

	got = FormatMetrics(chain.RawMetrics{APY: big.NewInt(5), SuccessRate: big.NewInt(100), BestReturn: big.NewInt(0), AvgYield: big.NewInt(12345)})
	assert.Equal(t, "0.05%", got.APY)
	assert.Equal(t, "100%", got.SuccessRate)
	assert.Equal(t, "0.00%", got.BestReturn)
	assert.Equal(t, "123.45%/wk", got.AvgYield)
}

func TestFutureExpiry(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	assert.Nil(t, futureExpiry(big.NewInt(0), start))
	assert.Nil(t, futureExpiry(big.NewInt(1_700_000_000), start))
	assert.Nil(t, futureExpiry(nil, start))
	got := futureExpiry(big.NewInt(1_700_000_001), start)
	require.NotNil(t, got)
	assert.Equal(t, int64(1_700_000_001), *got)
}

func TestValuation(t *testing.T) {
	v, err := PositionValue("2", "1.0456")
	require.NoError(t, err)
	assert.Equal(t, "2.0912", v)

	est, err := EstimateShares("100", "1.0456")
	require.NoError(t, err)
	assert.Equal(t, "95.638867635807192042", est)

	shares, err := SharesForAssets("50", "1.25")
	require.NoError(t, err)
	assert.Equal(t, "40", shares)

	_, err = EstimateShares("100", "0")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = PositionValue("abc", "1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestBuildPortfolio(t *testing.T) {
	price := "1.0456"
	two, zero := "2", "0"
	snap := domain.Snapshot{
		Call:   &domain.VaultRecord{Kind: domain.VaultCall, SharePrice: &price},
		Put:    &domain.VaultRecord{Kind: domain.VaultPut, SharePrice: &price},
		Condor: &domain.VaultRecord{Kind: domain.VaultCondor, SharePrice: &price},
		User: domain.UserPosition{
			Address:      "0xABC",
			CallShares:   &two,
			PutShares:    &zero,
			CondorShares: &zero,
		},
	}
	p := BuildPortfolio(snap)
	require.Len(t, p.Positions, 3)
	require.NotNil(t, p.Positions[0].Value)
	assert.Equal(t, "2.0912", *p.Positions[0].Value)
	require.NotNil(t, p.Total)
	assert.Equal(t, "2.0912", *p.Total)

	snap.Put.SharePrice = nil
	p = BuildPortfolio(snap)
	assert.Nil(t, p.Positions[1].Value)
	assert.Nil(t, p.Total, "a missing position makes the total unavailable")
}

func TestRefreshBuildsRecords(t *testing.T) {
	node := newNode()
	node.SetAt(chaintest.Book().Wrapper, "getQueuedDepositsCount", big.NewInt(3))
	agg := newAggregator(t, chain.NewReader(node, chaintest.Book()))

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, chain.ChainIDBaseMainnet, snap.ChainID)
	assert.Empty(t, snap.Error)
	require.NotNil(t, snap.TotalValueLocked)
	assert.Equal(t, "125000", *snap.TotalValueLocked)
	assert.True(t, snap.HasQueuedDeposits)

	call := snap.Call
	require.NotNil(t, call)
	assert.Equal(t, "1.0456", *call.SharePrice)
	assert.Equal(t, "125000", *call.TotalValueLocked)
	assert.Equal(t, "400", *call.RemainingCapacity)
	assert.Nil(t, call.TotalCapacity)
	assert.Equal(t, []string{"3100", "3200"}, call.Strikes)
	assert.Equal(t, "3123.45", *call.CurrentPrice)
	assert.Equal(t, int64(3), *call.QueuedDeposits)
	assert.True(t, *call.IsActiveDeposit)
	assert.Equal(t, "18.40%", call.Metrics.APY)
	require.NotNil(t, call.NextCycleExpiry)
	assert.Greater(t, *call.NextCycleExpiry, snap.StartedAt.Unix())
	assert.True(t, *call.CycleActive)

	assert.Equal(t, "350", *snap.Put.RemainingCapacity)

	condor := snap.Condor
	assert.Equal(t, "250", *condor.RemainingCapacity)
	assert.Len(t, condor.Strikes, 4)
	assert.Nil(t, condor.CycleActive)
	require.NotNil(t, condor.NextCycleExpiry)

	// Condor is addressed with isDirectional=false, isCall=false.
	for _, c := range node.Calls() {
		if c.Method == "getQueuedDepositsCount" && c.Args[0] == false {
			return
		}
	}
	t.Fatal("condor queued count was never read with isDirectional=false")
}

func TestPartialFailureIsolated(t *testing.T) {
	node := newNode()
	node.Fail("getDirectionalStrikes", errors.New("execution reverted"))
	node.Fail("getTotalValueLocked", errors.New("rpc down"))
	agg := newAggregator(t, chain.NewReader(node, chaintest.Book()))

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	assert.Nil(t, snap.Call.Strikes)
	assert.Nil(t, snap.Put.Strikes)
	assert.NotNil(t, snap.Call.SharePrice)
	assert.NotNil(t, snap.Call.Metrics)
	assert.NotNil(t, snap.Call.CurrentPrice)
	assert.NotNil(t, snap.Call.RemainingCapacity)
	assert.Nil(t, snap.Call.TotalValueLocked)
	assert.Nil(t, snap.TotalValueLocked)
	assert.Len(t, snap.Condor.Strikes, 4)
	assert.Empty(t, snap.Error, "one failing field is not a failed load")
}

func TestExpiryNeverStale(t *testing.T) {
	node := newNode()
	node.Set("vaultCycles", big.NewInt(100), big.NewInt(200), false, big.NewInt(time.Now().Add(-time.Hour).Unix()))
	node.Set("condorNextExpiryTimestamp", big.NewInt(0))
	agg := newAggregator(t, chain.NewReader(node, chaintest.Book()))

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Call.NextCycleExpiry)
	assert.Nil(t, snap.Put.NextCycleExpiry)
	assert.Nil(t, snap.Condor.NextCycleExpiry)
	assert.False(t, *snap.Call.CycleActive)

	node.Fail("vaultCycles", errors.New("boom"))
	snap, err = agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Call.NextCycleExpiry)
	assert.Nil(t, snap.Call.CycleActive)
}

func TestUserReads(t *testing.T) {
	node := newNode()
	book := chaintest.Book()
	node.Set("allowance", chain.AllowanceThreshold)
	node.SetAt(book.CallVault, "balanceOf", e18("2"))
	agg := newAggregator(t, chain.NewReader(node, book))

	disconnected := agg.Snapshot()
	assert.Equal(t, domain.DefaultUserPosition(), disconnected.User)
	assert.True(t, disconnected.IsLoading)

	agg.Connect(user)
	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Connected)
	assert.Equal(t, user.Hex(), snap.User.Address)
	assert.False(t, snap.User.NeedsApproval)
	assert.Equal(t, "500", *snap.User.StableBalance)
	assert.Equal(t, "2", *snap.User.CallShares)
	assert.Equal(t, "0", *snap.User.CondorShares)

	p := BuildPortfolio(snap)
	assert.Equal(t, "2.0912", *p.Positions[0].Value)

	node.Fail("allowance", errors.New("boom"))
	node.Fail("balanceOf", errors.New("boom"))
	snap, err = agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.User.NeedsApproval, "unknown allowance means approval needed")
	assert.Nil(t, snap.User.StableBalance, "failed balance is unavailable, not zero")
	assert.Nil(t, snap.User.CallShares)
}

// gatedReader blocks Allowance until release is closed.
type gatedReader struct {
	chain.Reader
	entered chan struct{}
	release chan struct{}
}

func (g *gatedReader) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	close(g.entered)
	<-g.release
	return g.Reader.Allowance(ctx, owner)
}

func TestDisconnectMidCycle(t *testing.T) {
	node := newNode()
	node.Set("allowance", chain.MaxUint256)
	reader := &gatedReader{
		Reader:  chain.NewReader(node, chaintest.Book()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	agg := New(reader, Options{PollInterval: time.Hour, CallTimeout: 5 * time.Second}, nil)
	agg.Connect(user)

	done := make(chan domain.Snapshot, 1)
	go func() {
		snap, _ := agg.Refresh(context.Background())
		done <- snap
	}()

	<-reader.entered
	agg.Disconnect()

	// Defaults apply before the in-flight cycle settles.
	mid := agg.Snapshot()
	assert.False(t, mid.Connected)
	assert.Equal(t, domain.DefaultUserPosition(), mid.User)

	close(reader.release)
	final := <-done
	assert.False(t, final.Connected)
	assert.Equal(t, domain.DefaultUserPosition(), final.User)
	assert.True(t, final.User.NeedsApproval)
	assert.NotNil(t, final.Call.SharePrice, "vault data from the cycle still applies")
}

func TestStaleCycleDiscarded(t *testing.T) {
	node := newNode()
	agg := newAggregator(t, chain.NewReader(node, chaintest.Book()))
	ctx := context.Background()

	older := agg.collect(ctx)
	node.Set("getSharePrice", e18("1.1"))
	newer := agg.collect(ctx)
	require.Greater(t, newer.seq, older.seq)

	_, err := agg.apply(ctx, newer)
	require.NoError(t, err)
	snap, err := agg.apply(ctx, older)
	require.NoError(t, err)

	assert.Equal(t, newer.seq, snap.Seq)
	assert.Equal(t, "1.1", *snap.Call.SharePrice)
}

func TestCancelledCycleNotApplied(t *testing.T) {
	agg := newAggregator(t, chain.NewReader(newNode(), chaintest.Book()))
	ctx, cancel := context.WithCancel(context.Background())
	res := agg.collect(ctx)
	cancel()

	_, err := agg.apply(ctx, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, agg.Snapshot().Call)
}

// slowReader hangs TotalValueLocked until its context ends.
type slowReader struct{ chain.Reader }

func (s slowReader) TotalValueLocked(ctx context.Context) (*big.Int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCallTimeoutDegradesField(t *testing.T) {
	reader := slowReader{chain.NewReader(newNode(), chaintest.Book())}
	agg := New(reader, Options{PollInterval: time.Hour, CallTimeout: 100 * time.Millisecond}, nil)

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.TotalValueLocked)
	assert.NotNil(t, snap.Call.SharePrice)
}

func TestRunPublishesAndStops(t *testing.T) {
	agg := newAggregator(t, chain.NewReader(newNode(), chaintest.Book()))
	updates, unsubscribe := agg.Subscribe(8)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- agg.Run(ctx) }()

	first := waitSnapshot(t, updates)
	assert.Equal(t, uint64(1), first.Seq)

	agg.TriggerRefresh()
	second := waitSnapshot(t, updates)
	assert.Greater(t, second.Seq, first.Seq)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitSnapshot(t *testing.T, ch <-chan domain.Snapshot) domain.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot published")
		return domain.Snapshot{}
	}
}

func TestPreview(t *testing.T) {
	node := newNode()
	node.Set("calculateDirectionalContracts", big.NewInt(2), []*big.Int{e8("3100")})
	agg := newAggregator(t, chain.NewReader(node, chaintest.Book()))
	_, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	q, err := Preview(context.Background(), agg, domain.VaultCall, "100")
	require.NoError(t, err)
	assert.Equal(t, "2", q.Contracts)
	assert.Equal(t, []string{"3100"}, q.Strikes)
	require.NotNil(t, q.EstimatedShares)
	assert.Equal(t, "95.638867635807192042", *q.EstimatedShares)

	_, err = Preview(context.Background(), agg, domain.VaultCall, "-1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}
