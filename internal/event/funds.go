package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed represents a custody-confirmed inbound asset transfer.
// The external asset contract has already moved the funds; this event
// credits the custodial ledger entry.
type DepositConfirmed struct {
	DepositID uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    int64 // Fixed-point
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) AgreementID() *string {
	return nil // Global event
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawalRequested represents a user's request to withdraw custodial funds
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Asset        string
	Amount       int64 // Fixed-point
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) AgreementID() *string {
	return nil
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

// WithdrawalConfirmed represents external transfer success for a withdrawal
type WithdrawalConfirmed struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Asset        string
	Amount       int64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalConfirmed) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalConfirmed) EventType() EventType {
	return EventTypeWithdrawalConfirmed
}

func (w *WithdrawalConfirmed) AgreementID() *string {
	return nil
}

func (w *WithdrawalConfirmed) SourceSequence() int64 {
	return w.Sequence
}

// WithdrawalRejected represents external transfer failure; the pending
// amount is returned to the user's available entry.
type WithdrawalRejected struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Asset        string
	Amount       int64
	Reason       string
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRejected) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRejected) EventType() EventType {
	return EventTypeWithdrawalRejected
}

func (w *WithdrawalRejected) AgreementID() *string {
	return nil
}

func (w *WithdrawalRejected) SourceSequence() int64 {
	return w.Sequence
}
