package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from escrow transitions.
// Balance pre-checks live here so that no check is ever separated from the
// batch it guards: a generator call either returns a fully-formed batch or
// an error with no side effects.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence resets the generator sequence (snapshot restore only)
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// GenerateDeposit credits a confirmed inbound transfer.
// Moves funds: external:deposits → user:available
func (jg *JournalGenerator) GenerateDeposit(
	userID uuid.UUID,
	depositID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  depositID.String(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      depositID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(userID, SubTypeAvailable, assetID),
		CreditAccount: NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeDeposit,
		Timestamp:     timestamp,
	})

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawalRequested locks withdrawable funds pending the external
// transfer. Pre-check: the entry must cover the amount.
func (jg *JournalGenerator) GenerateWithdrawalRequested(
	userID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(userID, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  withdrawalID.String(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Lock funds: user:available -> user:pending_withdrawal
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      withdrawalID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID),
		CreditAccount: NewUserAccountKey(userID, SubTypeAvailable, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawalPending,
		Timestamp:     timestamp,
	})

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawalConfirmed finalizes a withdrawal (clears pending)
func (jg *JournalGenerator) GenerateWithdrawalConfirmed(
	userID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  withdrawalID.String(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Finalize: user:pending_withdrawal -> external:withdrawals
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      withdrawalID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		CreditAccount: NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawalConfirm,
		Timestamp:     timestamp,
	})

	jg.sequence++
	return batch, nil
}

// GenerateWithdrawalRejected reverses a pending withdrawal
func (jg *JournalGenerator) GenerateWithdrawalRejected(
	userID uuid.UUID,
	withdrawalID uuid.UUID,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  withdrawalID.String(),
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}

	// Reverse: user:pending_withdrawal -> user:available
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      withdrawalID.String(),
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(userID, SubTypeAvailable, assetID),
		CreditAccount: NewUserAccountKey(userID, SubTypePendingWithdrawal, assetID),
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   JournalTypeWithdrawalReject,
		Timestamp:     timestamp,
	})

	jg.sequence++
	return batch, nil
}

// GenerateAcceptanceLock locks both parties' legs for an accepted offer.
// Pre-check: BOTH entries must cover their leg BEFORE any journal is built —
// acceptance never mutates any balance unless both checks pass.
func (jg *JournalGenerator) GenerateAcceptanceLock(
	eventRef string,
	sender uuid.UUID,
	recipient uuid.UUID,
	senderLeg int64, // amount + sender deposit, scaled
	recipientLeg int64, // recipient deposit, scaled
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(sender, assetID, senderLeg); err != nil {
		return nil, fmt.Errorf("sender leg pre-check failed: %w", err)
	}
	if err := jg.balanceTracker.ValidateSufficientAvailable(recipient, assetID, recipientLeg); err != nil {
		return nil, fmt.Errorf("recipient leg pre-check failed: %w", err)
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  NewUserAccountKey(sender, SubTypeEscrowLocked, assetID),
		CreditAccount: NewUserAccountKey(sender, SubTypeAvailable, assetID),
		AssetID:       assetID,
		Amount:        senderLeg,
		JournalType:   JournalTypeEscrowLock,
		Timestamp:     timestamp,
	})

	if recipientLeg > 0 {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewUserAccountKey(recipient, SubTypeEscrowLocked, assetID),
			CreditAccount: NewUserAccountKey(recipient, SubTypeAvailable, assetID),
			AssetID:       assetID,
			Amount:        recipientLeg,
			JournalType:   JournalTypeEscrowLock,
			Timestamp:     timestamp,
		})
	}

	jg.sequence++
	return batch, nil
}

// SettlementTerms describes the fund movement for a completed agreement.
type SettlementTerms struct {
	Sender           uuid.UUID
	Recipient        uuid.UUID
	Amount           int64 // Scaled settlement amount, gross of fee
	SenderDeposit    int64 // Scaled, returned to the sender
	RecipientDeposit int64 // Scaled, returned to the recipient
	Fee              int64 // Carved out of Amount
	Affiliate        uuid.UUID
	HasAffiliate     bool
}

// GenerateSettlement releases both escrow legs of a completed agreement:
// the net amount to the recipient, each deposit back to its owner, and the
// fee to the affiliate — or to the fee-burn sink when no affiliate resolved.
// Pre-check: both escrow-locked entries must cover their legs.
func (jg *JournalGenerator) GenerateSettlement(
	eventRef string,
	terms SettlementTerms,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientLocked(terms.Sender, assetID, terms.Amount+terms.SenderDeposit); err != nil {
		return nil, fmt.Errorf("settlement sender pre-check failed: %w", err)
	}
	if terms.RecipientDeposit > 0 {
		if err := jg.balanceTracker.ValidateSufficientLocked(terms.Recipient, assetID, terms.RecipientDeposit); err != nil {
			return nil, fmt.Errorf("settlement recipient pre-check failed: %w", err)
		}
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}

	appendJournal := func(debit, credit AccountKey, amount int64, jt JournalType) {
		if amount <= 0 {
			return
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       assetID,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     timestamp,
		})
	}

	senderLocked := NewUserAccountKey(terms.Sender, SubTypeEscrowLocked, assetID)
	recipientLocked := NewUserAccountKey(terms.Recipient, SubTypeEscrowLocked, assetID)

	// Net settlement: sender:escrow_locked -> recipient:available
	appendJournal(
		NewUserAccountKey(terms.Recipient, SubTypeAvailable, assetID),
		senderLocked,
		terms.Amount-terms.Fee,
		JournalTypeSettlement,
	)

	// Fee: sender:escrow_locked -> affiliate:available or system:fee_burn
	if terms.Fee > 0 {
		if terms.HasAffiliate {
			appendJournal(
				NewUserAccountKey(terms.Affiliate, SubTypeAvailable, assetID),
				senderLocked,
				terms.Fee,
				JournalTypeAffiliateFee,
			)
		} else {
			appendJournal(
				NewSystemAccountKey("burn", SubTypeSystemFeeBurn, assetID),
				senderLocked,
				terms.Fee,
				JournalTypeFeeBurn,
			)
		}
	}

	// Deposits return to their owners
	appendJournal(
		NewUserAccountKey(terms.Sender, SubTypeAvailable, assetID),
		senderLocked,
		terms.SenderDeposit,
		JournalTypeDepositReturn,
	)
	appendJournal(
		NewUserAccountKey(terms.Recipient, SubTypeAvailable, assetID),
		recipientLocked,
		terms.RecipientDeposit,
		JournalTypeDepositReturn,
	)

	jg.sequence++
	return batch, nil
}

// GenerateFinalOfferSettlement settles a collapsed final-offer acceptance in
// a single batch. Locking and immediately releasing both deposits nets to
// zero, so deposits never move; only the net amount and fee leave the
// sender's available entry. Pre-checks still require both parties to cover
// the full legs they would have locked.
func (jg *JournalGenerator) GenerateFinalOfferSettlement(
	eventRef string,
	terms SettlementTerms,
	senderLeg int64,
	recipientLeg int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(terms.Sender, assetID, senderLeg); err != nil {
		return nil, fmt.Errorf("sender leg pre-check failed: %w", err)
	}
	if recipientLeg > 0 {
		if err := jg.balanceTracker.ValidateSufficientAvailable(terms.Recipient, assetID, recipientLeg); err != nil {
			return nil, fmt.Errorf("recipient leg pre-check failed: %w", err)
		}
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	senderAvailable := NewUserAccountKey(terms.Sender, SubTypeAvailable, assetID)

	if net := terms.Amount - terms.Fee; net > 0 {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewUserAccountKey(terms.Recipient, SubTypeAvailable, assetID),
			CreditAccount: senderAvailable,
			AssetID:       assetID,
			Amount:        net,
			JournalType:   JournalTypeSettlement,
			Timestamp:     timestamp,
		})
	}

	if terms.Fee > 0 {
		feeJournal := Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			CreditAccount: senderAvailable,
			AssetID:       assetID,
			Amount:        terms.Fee,
			Timestamp:     timestamp,
		}
		if terms.HasAffiliate {
			feeJournal.DebitAccount = NewUserAccountKey(terms.Affiliate, SubTypeAvailable, assetID)
			feeJournal.JournalType = JournalTypeAffiliateFee
		} else {
			feeJournal.DebitAccount = NewSystemAccountKey("burn", SubTypeSystemFeeBurn, assetID)
			feeJournal.JournalType = JournalTypeFeeBurn
		}
		batch.Journals = append(batch.Journals, feeJournal)
	}

	jg.sequence++
	return batch, nil
}

// GenerateRefund unwinds both escrow legs on cancellation or expiry,
// returning every locked unit to its owner.
func (jg *JournalGenerator) GenerateRefund(
	eventRef string,
	sender uuid.UUID,
	recipient uuid.UUID,
	senderLeg int64,
	recipientLeg int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientLocked(sender, assetID, senderLeg); err != nil {
		return nil, fmt.Errorf("refund sender pre-check failed: %w", err)
	}
	if recipientLeg > 0 {
		if err := jg.balanceTracker.ValidateSufficientLocked(recipient, assetID, recipientLeg); err != nil {
			return nil, fmt.Errorf("refund recipient pre-check failed: %w", err)
		}
	}

	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}

	if senderLeg > 0 {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewUserAccountKey(sender, SubTypeAvailable, assetID),
			CreditAccount: NewUserAccountKey(sender, SubTypeEscrowLocked, assetID),
			AssetID:       assetID,
			Amount:        senderLeg,
			JournalType:   JournalTypeEscrowRefund,
			Timestamp:     timestamp,
		})
	}

	if recipientLeg > 0 {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  NewUserAccountKey(recipient, SubTypeAvailable, assetID),
			CreditAccount: NewUserAccountKey(recipient, SubTypeEscrowLocked, assetID),
			AssetID:       assetID,
			Amount:        recipientLeg,
			JournalType:   JournalTypeEscrowRefund,
			Timestamp:     timestamp,
		})
	}

	jg.sequence++
	return batch, nil
}
