package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultdash/internal/crypto"
	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/wallet"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func strp(s string) *string { return &s }

func loadedSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Seq:              7,
		ChainID:          8453,
		Call:             &domain.VaultRecord{Kind: domain.VaultCall, SharePrice: strp("1.25")},
		Put:              &domain.VaultRecord{Kind: domain.VaultPut, SharePrice: strp("1")},
		TotalValueLocked: strp("1000"),
		Connected:        true,
		User: domain.UserPosition{
			CallShares:   strp("40"),
			PutShares:    strp("0"),
			CondorShares: strp("0"),
		},
	}
}

func fixed(snap domain.Snapshot, err error) SnapshotSource {
	return SnapshotFunc(func(context.Context) (domain.Snapshot, error) { return snap, err })
}

func do(t *testing.T, h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrInvalidAmount:                             http.StatusBadRequest,
		fmt.Errorf("wrap: %w", domain.ErrInvalidVault):      http.StatusBadRequest,
		domain.ErrAddressUnverified:                         http.StatusForbidden,
		domain.ErrNotFound:                                  http.StatusNotFound,
		domain.ErrWalletNotConnected:                        http.StatusConflict,
		domain.ErrTxInFlight:                                http.StatusConflict,
		domain.ErrTxReverted:                                http.StatusUnprocessableEntity,
		fmt.Errorf("chain: %w", domain.ErrUnsupportedChain): http.StatusUnprocessableEntity,
		domain.ErrUnavailable:                               http.StatusServiceUnavailable,
		fmt.Errorf("rpc: %w", context.DeadlineExceeded):     http.StatusGatewayTimeout,
		errors.New("boom"):                                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestGetSnapshot(t *testing.T) {
	h := NewVaultHandler(fixed(loadedSnapshot(), nil), nil, nil)
	rec := do(t, h.GetSnapshot, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[domain.Snapshot](t, rec)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Nil(t, got.Condor)
}

func TestSnapshotNotYetAvailable(t *testing.T) {
	h := NewVaultHandler(fixed(domain.Snapshot{}, domain.ErrNotFound), nil, nil)
	rec := do(t, h.GetSnapshot, http.MethodGet, "/api/snapshot", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListVaultsKeepsOrderAndNulls(t *testing.T) {
	h := NewVaultHandler(fixed(loadedSnapshot(), nil), nil, nil)
	rec := do(t, h.ListVaults, http.MethodGet, "/api/vaults", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[struct {
		Vaults []*domain.VaultRecord `json:"vaults"`
	}](t, rec)
	require.Len(t, got.Vaults, 3)
	assert.Equal(t, domain.VaultCall, got.Vaults[0].Kind)
	assert.Equal(t, domain.VaultPut, got.Vaults[1].Kind)
	assert.Nil(t, got.Vaults[2])
}

func TestGetVault(t *testing.T) {
	h := NewVaultHandler(fixed(loadedSnapshot(), nil), nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/vaults/{kind}", h.GetVault)

	for target, want := range map[string]int{
		"/api/vaults/directional-call": http.StatusOK,
		"/api/vaults/condor":           http.StatusServiceUnavailable,
		"/api/vaults/straddle":         http.StatusBadRequest,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, want, rec.Code, target)
	}
}

func TestGetPortfolio(t *testing.T) {
	h := NewVaultHandler(fixed(loadedSnapshot(), nil), nil, nil)
	rec := do(t, h.GetPortfolio, http.MethodGet, "/api/portfolio", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.Portfolio](t, rec)
	require.NotEmpty(t, got.Positions)
	require.NotNil(t, got.Positions[0].Value)
	assert.Equal(t, "50", *got.Positions[0].Value)

	disconnected := loadedSnapshot()
	disconnected.Connected = false
	h = NewVaultHandler(fixed(disconnected, nil), nil, nil)
	rec = do(t, h.GetPortfolio, http.MethodGet, "/api/portfolio", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetPreview(t *testing.T) {
	var gotKind domain.VaultKind
	var gotAmount string
	preview := func(_ context.Context, kind domain.VaultKind, amount string) (domain.ContractsQuote, error) {
		gotKind, gotAmount = kind, amount
		if amount == "0" {
			return domain.ContractsQuote{}, domain.ErrInvalidAmount
		}
		return domain.ContractsQuote{Kind: kind, Amount: amount, Contracts: "3", Strikes: []string{"3000"}}, nil
	}
	h := NewVaultHandler(fixed(loadedSnapshot(), nil), preview, nil)

	rec := do(t, h.GetPreview, http.MethodGet, "/api/preview?kind=rangebound&amount=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.VaultCondor, gotKind)
	assert.Equal(t, "100", gotAmount)
	assert.Equal(t, "3", decode[domain.ContractsQuote](t, rec).Contracts)

	rec = do(t, h.GetPreview, http.MethodGet, "/api/preview?kind=call&amount=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, NewVaultHandler(fixed(loadedSnapshot(), nil), nil, nil).GetPreview, http.MethodGet, "/api/preview?kind=call&amount=1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeSession struct {
	state     wallet.State
	connected []string
	accounts  [][]string
	chain     uint64
	err       error
}

func (f *fakeSession) Connect(_ context.Context, address string) (wallet.State, error) {
	f.connected = append(f.connected, address)
	if f.err != nil {
		return f.state, f.err
	}
	f.state = wallet.State{Connected: true, Address: address, ChainID: 8453}
	return f.state, nil
}

func (f *fakeSession) Disconnect() { f.state = wallet.State{ChainID: 8453} }

func (f *fakeSession) AccountsChanged(_ context.Context, accounts []string) (wallet.State, error) {
	f.accounts = append(f.accounts, accounts)
	return f.state, nil
}

func (f *fakeSession) ChainChanged(_ context.Context, id uint64) (wallet.State, error) {
	f.chain = id
	if id != 8453 {
		return f.state, domain.ErrUnsupportedChain
	}
	return f.state, nil
}

func (f *fakeSession) State() wallet.State { return f.state }

func TestWalletConnectWatchOnly(t *testing.T) {
	s := &fakeSession{}
	h := NewWalletHandler(s, nil)

	rec := do(t, h.Connect, http.MethodPost, "/api/wallet/connect", `{"address":"0x00000000000000000000000000000000000000aa"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[wallet.State](t, rec).Connected)

	rec = do(t, h.Disconnect, http.MethodPost, "/api/wallet/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[wallet.State](t, rec).Connected)
}

func TestWalletConnectEmptyBodyUsesProvider(t *testing.T) {
	s := &fakeSession{}
	rec := do(t, NewWalletHandler(s, nil).Connect, http.MethodPost, "/api/wallet/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{""}, s.connected)
}

func TestWalletConnectProvesOwnership(t *testing.T) {
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)
	addr := signer.Address().Hex()
	msg := "vaultdash login " + addr + " at 2026-10-16T12:00:00Z"
	sig, err := signer.SignMessage([]byte(msg))
	require.NoError(t, err)

	s := &fakeSession{}
	h := NewWalletHandler(s, nil)
	body, _ := json.Marshal(connectRequest{Address: addr, Message: msg, Signature: hexutil.Encode(sig)})
	rec := do(t, h.Connect, http.MethodPost, "/api/wallet/connect", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Same signature claimed for another address.
	other := "0x00000000000000000000000000000000000000bb"
	body, _ = json.Marshal(connectRequest{Address: other, Message: msg + " " + other, Signature: hexutil.Encode(sig)})
	rec = do(t, h.Connect, http.MethodPost, "/api/wallet/connect", string(body))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, s.connected, 1, "a rejected proof never reaches the session")
}

func TestWalletChainAndAccounts(t *testing.T) {
	s := &fakeSession{}
	h := NewWalletHandler(s, nil)

	rec := do(t, h.ChainChanged, http.MethodPost, "/api/wallet/chain", `{"chainId":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, uint64(1), s.chain)

	rec = do(t, h.ChainChanged, http.MethodPost, "/api/wallet/chain", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.AccountsChanged, http.MethodPost, "/api/wallet/accounts", `{"accounts":[]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, s.accounts, 1)
	assert.Empty(t, s.accounts[0])
}

type fakeActions struct {
	calls []string
	err   error
}

func (f *fakeActions) result(call string) (domain.TxResult, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return domain.TxResult{}, f.err
	}
	return domain.TxResult{ID: "id-1", Hash: "0xabc", BlockNumber: 12}, nil
}

func (f *fakeActions) Approve(context.Context) (domain.TxResult, error) { return f.result("approve") }

func (f *fakeActions) Deposit(_ context.Context, kind domain.VaultKind, amount string) (domain.TxResult, error) {
	return f.result("deposit " + string(kind) + " " + amount)
}

func (f *fakeActions) Withdraw(_ context.Context, kind domain.VaultKind, shares string) (domain.TxResult, error) {
	return f.result("withdraw " + string(kind) + " " + shares)
}

func (f *fakeActions) WithdrawAssets(_ context.Context, kind domain.VaultKind, assets string) (domain.TxResult, error) {
	return f.result("withdraw-assets " + string(kind) + " " + assets)
}

func (f *fakeActions) Claim(_ context.Context, kind domain.VaultKind) (domain.TxResult, error) {
	return f.result("claim " + string(kind))
}

func TestActionRoutes(t *testing.T) {
	a := &fakeActions{}
	h := NewActionHandler(a, nil)

	rec := do(t, h.Deposit, http.MethodPost, "/api/actions/deposit", `{"kind":"put","amount":"25.5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[actionResponse](t, rec)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Tx)
	assert.Equal(t, "0xabc", resp.Tx.Hash)

	do(t, h.Withdraw, http.MethodPost, "/api/actions/withdraw", `{"kind":"condor","shares":"2"}`)
	do(t, h.Withdraw, http.MethodPost, "/api/actions/withdraw", `{"kind":"call","assets":"50"}`)
	do(t, h.Claim, http.MethodPost, "/api/actions/claim", `{"kind":"call"}`)
	do(t, h.Approve, http.MethodPost, "/api/actions/approve", "")

	assert.Equal(t, []string{
		"deposit put 25.5",
		"withdraw condor 2",
		"withdraw-assets call 50",
		"claim call",
		"approve",
	}, a.calls)
}

func TestActionRejectsBadInput(t *testing.T) {
	a := &fakeActions{}
	h := NewActionHandler(a, nil)

	rec := do(t, h.Deposit, http.MethodPost, "/api/actions/deposit", `{"kind":"strangle","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Deposit, http.MethodPost, "/api/actions/deposit", `{"kind":"call","amount":"1","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Withdraw, http.MethodPost, "/api/actions/withdraw", `{"kind":"call","shares":"1","assets":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, a.calls)
}

func TestActionFailureReportsSuccessFalse(t *testing.T) {
	h := NewActionHandler(&fakeActions{err: fmt.Errorf("vault: deposit: %w", domain.ErrTxReverted)}, nil)
	rec := do(t, h.Deposit, http.MethodPost, "/api/actions/deposit", `{"kind":"call","amount":"1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[actionResponse](t, rec)
	assert.False(t, resp.Success)
	assert.Nil(t, resp.Tx)
	assert.Contains(t, resp.Error, "reverted")
}

type memTxs struct {
	recs    []domain.TxRecord
	gotAddr string
	gotOpts domain.ListOpts
}

func (m *memTxs) Create(context.Context, domain.TxRecord) error { return nil }

func (m *memTxs) UpdateStatus(context.Context, string, domain.TxStatus, string, string) error {
	return nil
}

func (m *memTxs) GetByID(_ context.Context, id string) (domain.TxRecord, error) {
	for _, r := range m.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.TxRecord{}, domain.ErrNotFound
}

func (m *memTxs) ListByAddress(_ context.Context, address string, opts domain.ListOpts) ([]domain.TxRecord, error) {
	m.gotAddr, m.gotOpts = address, opts
	return m.recs, nil
}

func TestTransactions(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	txs := &memTxs{recs: []domain.TxRecord{{
		ID: "t1", Action: domain.ActionDepositCondor, Address: "0xabc", Status: domain.TxStatusConfirmed,
		Hash: "0xhash", CreatedAt: now, UpdatedAt: now,
	}}}
	h := NewTxHandler(txs, nil)

	rec := do(t, h.ListTransactions, http.MethodGet, "/api/transactions?address=0x00000000000000000000000000000000000000aa&limit=900&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]txView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "2026-10-16T12:00:00Z", views[0].CreatedAt)
	assert.Equal(t, 500, txs.gotOpts.Limit)
	assert.Equal(t, 5, txs.gotOpts.Offset)

	rec = do(t, h.ListTransactions, http.MethodGet, "/api/transactions?address=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/transactions/{id}", h.GetTransaction)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transactions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type memBlobs struct {
	objects map[string][]byte
	cutoffs map[string]time.Time
	rng     domain.ArchiveRange
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) ListArchives(_ context.Context, rng domain.ArchiveRange) ([]domain.BlobInfo, error) {
	m.rng = rng
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if rng.Contains(m.cutoffs[k]) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v)), Cutoff: m.cutoffs[k]})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func archiveMux(blobs domain.BlobReader) *http.ServeMux {
	h := NewArchiveHandler(blobs, "archive/snapshots/", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/archives", h.ListArchives)
	mux.HandleFunc("GET /api/archives/{path...}", h.GetArchive)
	return mux
}

func TestArchives(t *testing.T) {
	key := "archive/snapshots/2026-10-01/20261001T030000Z.jsonl"
	blobs := &memBlobs{
		objects: map[string][]byte{key: []byte("{\"Seq\":1}\n")},
		cutoffs: map[string]time.Time{key: time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC)},
	}
	mux := archiveMux(blobs)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decode[[]domain.BlobInfo](t, rec)
	require.Len(t, infos, 1)
	assert.Equal(t, blobs.cutoffs[key], infos[0].Cutoff)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives/2026-10-01/20261001T030000Z.jsonl", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{\"Seq\":1}\n", rec.Body.String())
	assert.True(t, rec.Flushed)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives/2026-10-01/missing.jsonl", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives/secrets.env", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchivesRange(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}}
	mux := archiveMux(blobs)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives?from=2026-10-01&to=2026-10-02", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), blobs.rng.From)
	assert.Equal(t, time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), blobs.rng.To)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives?from=2026-10-01T05:00:00%2B02:00", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC), blobs.rng.From)
	assert.True(t, blobs.rng.To.IsZero())

	for _, q := range []string{"from=yesterday", "to=2026-13-01", "from=2026-10-05&to=2026-10-01"} {
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHealthReportsDependencies(t *testing.T) {
	h := NewHealthHandler(map[string]Checker{
		"postgres": func(context.Context) error { return nil },
	}, nil)
	rec := do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	h = NewHealthHandler(map[string]Checker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, nil)
	rec = do(t, h.HealthCheck, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decode[struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}](t, rec)
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, "ok", got.Dependencies["postgres"])
	assert.Equal(t, "connection refused", got.Dependencies["redis"])
}

func TestStatus(t *testing.T) {
	h := &StatusHandler{
		Mode:      "full",
		ChainID:   8453,
		StartedAt: time.Now().Add(-time.Minute),
		Snapshots: fixed(loadedSnapshot(), nil),
		Clients:   func() int { return 2 },
	}
	rec := do(t, h.GetStatus, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "full", got["mode"])
	assert.EqualValues(t, 7, got["seq"])
	assert.EqualValues(t, 2, got["ws_clients"])
	assert.GreaterOrEqual(t, got["uptime_seconds"], float64(59))
}
