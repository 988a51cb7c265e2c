package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrLockHeld           = errors.New("lock already held")
	ErrInvalidVault       = errors.New("invalid vault")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrUnsupportedChain   = errors.New("unsupported chain")
	ErrNoProvider         = errors.New("no wallet provider")
	ErrNoAddress          = errors.New("no wallet address")
	ErrAddressUnverified  = errors.New("wallet address could not be verified")
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrTxInFlight         = errors.New("transaction already in flight")
	ErrTxReverted         = errors.New("transaction reverted")
	ErrUnavailable        = errors.New("value unavailable")
)
