package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultdash/internal/chain"
	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// EventType names a session transition.
type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventAccountChanged EventType = "account_changed"
	EventChainChanged   EventType = "chain_changed"
)

// Event is published to subscribers on every transition.
type Event struct {
	Type    EventType `json:"type"`
	Address string    `json:"address,omitempty"`
	ChainID uint64    `json:"chainId"`
	At      time.Time `json:"at"`
}

// State is a point-in-time view of the session.
type State struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	ChainID   uint64 `json:"chainId"`
	CanSign   bool   `json:"canSign"`
	// SignError explains why a connected session cannot sign.
	SignError string `json:"signError,omitempty"`
}

// Tracker follows the session's account. It is called synchronously after
// every transition, before the transition returns, and never misses one.
// vault.Aggregator implements it.
type Tracker interface {
	Connect(addr common.Address)
	Disconnect()
	TriggerRefresh()
}

// Session is the explicit wallet capability object. Connecting without a
// Provider yields a watch-only session: reads for that address work, writes
// fail with ErrWalletNotConnected.
type Session struct {
	provider     Provider
	registry     *chain.Registry
	defaultChain uint64
	logger       *slog.Logger

	mu        sync.RWMutex
	connected bool
	address   common.Address
	chainID   uint64
	writer    chain.Writer
	writerErr error

	// trackMu serialises tracker calls so the last call always reflects the
	// latest state.
	trackMu sync.Mutex
	tracker Tracker

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewSession builds a disconnected session. provider may be nil.
func NewSession(provider Provider, registry *chain.Registry, defaultChain uint64, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		provider:     provider,
		registry:     registry,
		defaultChain: defaultChain,
		logger:       logger.With(slog.String("component", "wallet")),
		chainID:      defaultChain,
		subs:         make(map[int]chan Event),
	}
}

// Track installs t as the session's tracker and brings it up to date with
// the current account.
func (s *Session) Track(t Tracker) {
	s.trackMu.Lock()
	s.tracker = t
	s.trackMu.Unlock()
	s.syncTracker(false)
}

// syncTracker pushes the current account to the tracker. refresh asks for a
// new cycle even when the account did not change.
func (s *Session) syncTracker(refresh bool) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.tracker == nil {
		return
	}
	addr, connected := s.Account()
	switch {
	case connected:
		s.tracker.Connect(addr)
	default:
		s.tracker.Disconnect()
	}
	if refresh {
		s.tracker.TriggerRefresh()
	}
}

// HasProvider reports whether the session can ever sign.
func (s *Session) HasProvider() bool { return s.provider != nil }

// Connect attaches the session to address. With a provider and an empty
// address the provider's first account is used.
func (s *Session) Connect(ctx context.Context, address string) (State, error) {
	addr, err := s.resolveAccount(ctx, address)
	if err != nil {
		return s.State(), err
	}
	chainID, err := s.providerChain(ctx)
	if err != nil {
		return s.State(), err
	}
	if _, err := s.registry.Resolve(chainID); err != nil {
		return s.State(), fmt.Errorf("wallet: connect: %w", err)
	}

	writer, writerErr := s.bindWriter(ctx, addr)

	s.mu.Lock()
	previous := s.address
	wasConnected := s.connected
	s.connected = true
	s.address = addr
	s.chainID = chainID
	s.writer = writer
	s.writerErr = writerErr
	s.mu.Unlock()

	evt := EventConnected
	if wasConnected && previous != addr {
		evt = EventAccountChanged
	}
	s.logger.Info("wallet connected",
		slog.String("address", addr.Hex()),
		slog.Uint64("chain_id", chainID),
		slog.Bool("can_sign", writer != nil),
	)
	s.syncTracker(false)
	s.publish(Event{Type: evt, Address: addr.Hex(), ChainID: chainID, At: time.Now()})
	return s.State(), nil
}

// Disconnect drops the account and the write handles. It is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.address = common.Address{}
	s.writer = nil
	s.writerErr = nil
	chainID := s.chainID
	s.mu.Unlock()

	s.logger.Info("wallet disconnected")
	s.syncTracker(false)
	s.publish(Event{Type: EventDisconnected, ChainID: chainID, At: time.Now()})
}

// AccountsChanged applies a wallet account-list notification. An empty list
// means the wallet disconnected.
func (s *Session) AccountsChanged(ctx context.Context, accounts []string) (State, error) {
	if len(accounts) == 0 {
		s.Disconnect()
		return s.State(), nil
	}
	s.mu.RLock()
	same := s.connected && strings.EqualFold(s.address.Hex(), accounts[0])
	s.mu.RUnlock()
	if same {
		return s.State(), nil
	}
	return s.Connect(ctx, accounts[0])
}

// ChainChanged re-binds the write handles after the wallet switched networks.
// An unsupported chain leaves the session connected but unable to sign.
func (s *Session) ChainChanged(ctx context.Context, chainID uint64) (State, error) {
	_, resolveErr := s.registry.Resolve(chainID)

	s.mu.RLock()
	connected, addr := s.connected, s.address
	s.mu.RUnlock()

	var writer chain.Writer
	var writerErr error
	switch {
	case resolveErr != nil:
		writerErr = resolveErr
	case connected:
		writer, writerErr = s.bindWriter(ctx, addr)
	}

	s.mu.Lock()
	s.chainID = chainID
	if connected {
		s.writer = writer
		s.writerErr = writerErr
	}
	s.mu.Unlock()

	s.logger.Info("wallet chain changed", slog.Uint64("chain_id", chainID))
	// Reads stay on the configured chain; only the write handles moved.
	s.syncTracker(true)
	s.publish(Event{Type: EventChainChanged, Address: addrHex(connected, addr), ChainID: chainID, At: time.Now()})
	if resolveErr != nil {
		return s.State(), fmt.Errorf("wallet: chain changed: %w", resolveErr)
	}
	return s.State(), nil
}

// State returns a copy of the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		Connected: s.connected,
		Address:   addrHex(s.connected, s.address),
		ChainID:   s.chainID,
		CanSign:   s.writer != nil,
	}
	if s.connected && s.writerErr != nil {
		st.SignError = s.writerErr.Error()
	}
	return st
}

// Account returns the connected address.
func (s *Session) Account() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, s.connected
}

// Writer returns the write-capable handle set. It fails with
// ErrWalletNotConnected when no wallet is connected or it cannot sign.
func (s *Session) Writer() (chain.Writer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, domain.ErrWalletNotConnected
	}
	if s.writer == nil {
		if s.writerErr != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrWalletNotConnected, s.writerErr)
		}
		return nil, domain.ErrWalletNotConnected
	}
	return s.writer, nil
}

// Subscribe returns a stream of session events. Slow subscribers miss events
// rather than block the session. Call the returned func to unsubscribe.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) publish(evt Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			s.logger.Warn("wallet event dropped", slog.String("event", string(evt.Type)))
		}
	}
}

func (s *Session) resolveAccount(ctx context.Context, address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if address != "" {
		if !common.IsHexAddress(address) {
			return common.Address{}, fmt.Errorf("wallet: connect: %w: malformed address %q", domain.ErrNoAddress, address)
		}
		return common.HexToAddress(address), nil
	}
	if s.provider == nil {
		return common.Address{}, fmt.Errorf("wallet: connect: %w", domain.ErrNoProvider)
	}
	accounts, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("wallet: request accounts: %w", err)
	}
	if len(accounts) == 0 || accounts[0] == (common.Address{}) {
		return common.Address{}, fmt.Errorf("wallet: connect: %w", domain.ErrNoAddress)
	}
	return accounts[0], nil
}

func (s *Session) providerChain(ctx context.Context) (uint64, error) {
	if s.provider == nil {
		return s.defaultChain, nil
	}
	id, err := s.provider.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("wallet: connect: %w", err)
	}
	return id, nil
}

func (s *Session) bindWriter(ctx context.Context, addr common.Address) (chain.Writer, error) {
	if s.provider == nil {
		return nil, domain.ErrNoProvider
	}
	w, err := chain.NewWriter(ctx, s.provider, addr, s.registry, s.logger)
	if err != nil {
		s.logger.Warn("write handles unavailable",
			slog.String("address", addr.Hex()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return w, nil
}

func addrHex(connected bool, addr common.Address) string {
	if !connected {
		return ""
	}
	return addr.Hex()
}
