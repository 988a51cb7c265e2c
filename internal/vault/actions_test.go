package vault

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/chain/chaintest"
	"github.com/alanyoungcy/vaultdash/internal/domain"
)

type staticWallet struct {
	w   chain.Writer
	err error
}

func (s staticWallet) Writer() (chain.Writer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.w, nil
}

type memTxStore struct {
	mu       sync.Mutex
	created  []domain.TxRecord
	statuses []domain.TxStatus
}

func (m *memTxStore) Create(_ context.Context, rec domain.TxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, rec)
	m.statuses = append(m.statuses, rec.Status)
	return nil
}

func (m *memTxStore) UpdateStatus(_ context.Context, _ string, status domain.TxStatus, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memTxStore) GetByID(context.Context, string) (domain.TxRecord, error) {
	return domain.TxRecord{}, domain.ErrNotFound
}

func (m *memTxStore) ListByAddress(context.Context, string, domain.ListOpts) ([]domain.TxRecord, error) {
	return nil, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type actionFixture struct {
	node    *chaintest.Backend
	agg     *Aggregator
	actions *Actions
	txs     *memTxStore
	notes   *recordingNotifier
}

func newActionFixture(t *testing.T) *actionFixture {
	t.Helper()
	node := newNode()
	book := chaintest.Book()
	agg := newAggregator(t, chain.NewReader(node, book))

	provider := &chaintest.Provider{Node: node, TxSigner: chaintest.Signer{Addr: user}}
	w, err := chain.NewWriter(context.Background(), provider, user, chain.NewRegistry(book), nil)
	require.NoError(t, err)
	w.PollInterval = time.Millisecond

	agg.Connect(user)
	_, err = agg.Refresh(context.Background())
	require.NoError(t, err)
	drainTrigger(agg)

	f := &actionFixture{node: node, agg: agg, txs: &memTxStore{}, notes: &recordingNotifier{}}
	f.actions = NewActions(agg, ActionDeps{
		Wallet:   staticWallet{w: w},
		Txs:      f.txs,
		Notifier: f.notes,
	}, ActionOptions{ConfirmTimeout: 5 * time.Second}, nil)
	return f
}

func drainTrigger(agg *Aggregator) {
	select {
	case <-agg.trigger:
	default:
	}
}

func triggered(agg *Aggregator) bool {
	select {
	case <-agg.trigger:
		return true
	default:
		return false
	}
}

func TestActionRequiresWallet(t *testing.T) {
	agg := newAggregator(t, chain.NewReader(newNode(), chaintest.Book()))

	acts := NewActions(agg, ActionDeps{}, ActionOptions{}, nil)
	_, err := acts.DepositCondor(context.Background(), "100")
	assert.ErrorIs(t, err, domain.ErrWalletNotConnected)

	acts = NewActions(agg, ActionDeps{Wallet: staticWallet{err: domain.ErrWalletNotConnected}}, ActionOptions{}, nil)
	_, err = acts.Approve(context.Background())
	assert.ErrorIs(t, err, domain.ErrWalletNotConnected)
}

func TestActionRejectsBadAmount(t *testing.T) {
	f := newActionFixture(t)
	for _, amount := range []string{"", "abc", "-5", "0", "0.0000000000000000001"} {
		_, err := f.actions.DepositDirectional(context.Background(), amount, true)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, amount)
	}
	assert.Empty(t, f.node.Sent, "nothing is submitted for an invalid amount")
	assert.Empty(t, f.txs.created)
}

func TestDepositCondorConfirms(t *testing.T) {
	f := newActionFixture(t)
	before := f.agg.Snapshot()

	res, err := f.actions.DepositCondor(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDepositCondor, res.Action)
	assert.Equal(t, uint64(42), res.BlockNumber)
	assert.NotEmpty(t, res.Hash)

	require.Len(t, f.node.Sent, 1)
	name, args, err := chaintest.DecodeTx(f.node.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, "depositCondor", name)
	assert.Equal(t, 0, e18("100").Cmp(args[0].(*big.Int)))
	assert.Equal(t, chaintest.Book().Wrapper, *f.node.Sent[0].To())

	assert.True(t, triggered(f.agg), "a confirmed action triggers a refresh")
	assert.Equal(t, []domain.TxStatus{
		domain.TxStatusPending, domain.TxStatusSubmitted, domain.TxStatusConfirmed,
	}, f.txs.statuses)
	assert.Equal(t, []string{EventTxConfirmed}, f.notes.events)

	// The deposit is queued until the next cycle; shares are unchanged.
	f.node.Set("getQueuedDepositsCount", big.NewInt(1))
	after, err := f.agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, *before.Condor.QueuedDeposits+1, *after.Condor.QueuedDeposits)
	assert.True(t, after.HasQueuedDeposits)
	assert.Equal(t, *before.User.CondorShares, *after.User.CondorShares)
}

func TestApproveFlipsNeedsApproval(t *testing.T) {
	f := newActionFixture(t)
	require.True(t, f.agg.Snapshot().User.NeedsApproval)

	_, err := f.actions.Approve(context.Background())
	require.NoError(t, err)

	name, args, err := chaintest.DecodeTx(f.node.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, "approve", name)
	assert.Equal(t, chaintest.Book().Wrapper, args[0])
	assert.Equal(t, 0, chain.MaxUint256.Cmp(args[1].(*big.Int)))
	assert.Equal(t, chaintest.Book().StableToken, *f.node.Sent[0].To())

	assert.False(t, f.agg.Snapshot().User.NeedsApproval)
}

func TestRevertLeavesSnapshot(t *testing.T) {
	f := newActionFixture(t)
	f.node.ReceiptStatus = types.ReceiptStatusFailed
	before := f.agg.Snapshot()

	_, err := f.actions.WithdrawDirectional(context.Background(), "1", false)
	require.ErrorIs(t, err, domain.ErrTxReverted)

	after := f.agg.Snapshot()
	assert.Equal(t, before.Seq, after.Seq)
	assert.Equal(t, before.User, after.User)
	assert.False(t, triggered(f.agg))
	assert.Equal(t, domain.TxStatusFailed, f.txs.statuses[len(f.txs.statuses)-1])
	assert.Equal(t, []string{EventTxFailed}, f.notes.events)

	// The address is free again after a failure.
	f.node.ReceiptStatus = types.ReceiptStatusSuccessful
	_, err = f.actions.ClaimProfits(context.Background(), false, false)
	assert.NoError(t, err)
}

func TestSubmitErrorIsReported(t *testing.T) {
	f := newActionFixture(t)
	f.node.SendErr = errors.New("insufficient funds for gas")

	_, err := f.actions.DepositDirectional(context.Background(), "1.5", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, domain.TxStatusFailed, f.txs.statuses[len(f.txs.statuses)-1])
}

func TestOneActionPerAddress(t *testing.T) {
	f := newActionFixture(t)

	f.actions.inFlight[user] = true
	_, err := f.actions.ClaimProfits(context.Background(), true, true)
	assert.ErrorIs(t, err, domain.ErrTxInFlight)
	delete(f.actions.inFlight, user)

	f.actions.deps.Locks = heldLocks{}
	_, err = f.actions.ClaimProfits(context.Background(), true, true)
	assert.ErrorIs(t, err, domain.ErrTxInFlight)
	assert.Empty(t, f.actions.inFlight, "a failed distributed lock releases the local one")
	assert.Empty(t, f.node.Sent)
}

func TestWithdrawAssetsConvertsToShares(t *testing.T) {
	f := newActionFixture(t)
	f.node.Set("getSharePrice", e18("1.25"))
	_, err := f.agg.Refresh(context.Background())
	require.NoError(t, err)

	_, err = f.actions.WithdrawAssets(context.Background(), domain.VaultPut, "50")
	require.NoError(t, err)

	name, args, err := chaintest.DecodeTx(f.node.Sent[0])
	require.NoError(t, err)
	assert.Equal(t, "withdrawDirectional", name)
	assert.Equal(t, 0, e18("40").Cmp(args[0].(*big.Int)))
	assert.Equal(t, false, args[1])
}

func TestDispatchRejectsUnknownVault(t *testing.T) {
	f := newActionFixture(t)
	_, err := f.actions.Deposit(context.Background(), domain.VaultKind("strangle"), "1")
	assert.ErrorIs(t, err, domain.ErrInvalidVault)
	_, err = f.actions.Withdraw(context.Background(), domain.VaultKind(""), "1")
	assert.ErrorIs(t, err, domain.ErrInvalidVault)
	_, err = f.actions.Claim(context.Background(), domain.VaultKind("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidVault)
}
