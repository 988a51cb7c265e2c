package domain

import "time"

// Action names a mutating wrapper operation.
type Action string

const (
	ActionApprove             Action = "approve"
	ActionDepositDirectional  Action = "deposit_directional"
	ActionDepositCondor       Action = "deposit_condor"
	ActionWithdrawDirectional Action = "withdraw_directional"
	ActionWithdrawCondor      Action = "withdraw_condor"
	ActionClaimProfits        Action = "claim_profits"
)

// TxStatus tracks a mutation from submission to confirmation.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusSubmitted TxStatus = "submitted"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// TxRecord is the persisted history of one user action.
type TxRecord struct {
	ID        string
	Action    Action
	Address   string
	ChainID   uint64
	Params    map[string]any
	Hash      string
	Status    TxStatus
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TxResult is returned to the caller once a mutation has been confirmed.
type TxResult struct {
	ID          string `json:"id"`
	Action      Action `json:"action"`
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
}
