package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInsufficientBalance signals a ledger entry below the required amount.
// Callers match it with errors.Is; the wrapping error carries the numbers.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory custodial account balances.
// Not thread-safe — only accessed from the single-threaded core.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites an account balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// === User Balance Queries ===

// GetUserAvailableBalance returns funds free for withdrawal or locking
func (bt *BalanceTracker) GetUserAvailableBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeAvailable, assetID))
}

// GetUserLockedBalance returns funds locked into active agreements
func (bt *BalanceTracker) GetUserLockedBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeEscrowLocked, assetID))
}

// GetUserPendingWithdrawal returns withdrawals awaiting custody confirmation
func (bt *BalanceTracker) GetUserPendingWithdrawal(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID))
}

// GetUserTotalBalance returns available + escrow-locked + pending withdrawal
func (bt *BalanceTracker) GetUserTotalBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetUserAvailableBalance(userID, assetID) +
		bt.GetUserLockedBalance(userID, assetID) +
		bt.GetUserPendingWithdrawal(userID, assetID)
}

// === Invariant Checks ===

// ValidateAvailableNonNegative checks available_balance >= 0
func (bt *BalanceTracker) ValidateAvailableNonNegative(userID uuid.UUID, assetID AssetID) error {
	available := bt.GetUserAvailableBalance(userID, assetID)
	if available < 0 {
		return fmt.Errorf("user %s has negative available balance for asset %d: %d",
			userID.String(), assetID, available)
	}
	return nil
}

// ValidateLockedNonNegative checks escrow_locked >= 0
func (bt *BalanceTracker) ValidateLockedNonNegative(userID uuid.UUID, assetID AssetID) error {
	locked := bt.GetUserLockedBalance(userID, assetID)
	if locked < 0 {
		return fmt.Errorf("user %s has negative escrow-locked balance for asset %d: %d",
			userID.String(), assetID, locked)
	}
	return nil
}

// ValidateSufficientAvailable checks if user has enough available balance
func (bt *BalanceTracker) ValidateSufficientAvailable(userID uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetUserAvailableBalance(userID, assetID)
	if available < required {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientBalance, available, required)
	}
	return nil
}

// ValidateSufficientLocked checks if user has enough escrow-locked to release
func (bt *BalanceTracker) ValidateSufficientLocked(userID uuid.UUID, assetID AssetID, required int64) error {
	locked := bt.GetUserLockedBalance(userID, assetID)
	if locked < required {
		return fmt.Errorf("%w: locked have=%d, need=%d", ErrInsufficientBalance, locked, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
