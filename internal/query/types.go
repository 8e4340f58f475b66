package query

import "github.com/google/uuid"

// BalanceResponse represents user balance state for API queries.
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Asset  string    `json:"asset"`

	// Ledger balances (from journal entries)
	TotalBalance      int64 `json:"total_balance"`      // available + escrow_locked
	AvailableBalance  int64 `json:"available_balance"`  // spendable funds
	LockedBalance     int64 `json:"locked_balance"`     // escrow holds
	PendingWithdrawal int64 `json:"pending_withdrawal"` // unconfirmed withdrawals

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// AgreementResponse represents an escrow agreement for API queries.
type AgreementResponse struct {
	AgreementID            string `json:"agreement_id"`
	Sender                 string `json:"sender"`
	Recipient              string `json:"recipient"`
	Asset                  string `json:"asset"`
	Amount                 int64  `json:"amount"`
	SenderDeposit          int64  `json:"sender_deposit"`
	RecipientDeposit       int64  `json:"recipient_deposit"`
	Quantity               int64  `json:"quantity"`
	Style                  int32  `json:"style"`
	DeadlineUs             int64  `json:"deadline_us"`
	AcceptedQuantity       int64  `json:"accepted_quantity"`
	ScaledAmount           int64  `json:"scaled_amount"`
	ScaledSenderDeposit    int64  `json:"scaled_sender_deposit"`
	ScaledRecipientDeposit int64  `json:"scaled_recipient_deposit"`
	SenderStatus           int32  `json:"sender_status"`
	RecipientStatus        int32  `json:"recipient_status"`
	Status                 int32  `json:"status"`
	AsOfSequence           int64  `json:"as_of_sequence"`
}

// SettlementResponse represents a completed settlement for API queries.
type SettlementResponse struct {
	AgreementID  string  `json:"agreement_id"`
	Sender       string  `json:"sender"`
	Recipient    string  `json:"recipient"`
	Asset        string  `json:"asset"`
	GrossAmount  int64   `json:"gross_amount"`
	Fee          int64   `json:"fee"`
	Affiliate    *string `json:"affiliate,omitempty"` // Absent when the fee was burned
	Sequence     int64   `json:"sequence"`
	SettledAtUs  int64   `json:"settled_at_us"`
	AsOfSequence int64   `json:"as_of_sequence"`
}

// ReferralResponse represents a user's referral standing for API queries.
type ReferralResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Affiliate    *string   `json:"affiliate,omitempty"` // Bound affiliate, absent if unbound
	Completions  int64     `json:"completions"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
