package ledger

import (
	"fmt"
)

// InvariantValidator runs post-application consistency checks over the ledger.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateBatchBalance checks a batch is well-formed before application.
// Each journal entry is a balanced transfer by construction, so a valid
// batch cannot change any asset's global sum.
func (iv *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateBatchAccounts checks every account touched by a batch for
// non-negative user balances. External boundary accounts are allowed to go
// negative (they mirror custody flows).
func (iv *InvariantValidator) ValidateBatchAccounts(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == AccountScopeExternal {
				continue
			}
			if err := iv.tracker.ValidateNonNegative(key); err != nil {
				return fmt.Errorf("batch %s violated invariant: %w", batch.BatchID, err)
			}
		}
	}
	return nil
}

// ValidateZeroSum checks that every asset's ledger sums to zero.
func (iv *InvariantValidator) ValidateZeroSum() error {
	for assetID, total := range iv.tracker.ComputeGlobalBalance() {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}
	return nil
}
