package ingestion

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandService injects events from the HTTP command surface. HTTP is for
// interactive and admin operations; high-throughput producers publish to
// NATS. Commands receive generated ids and carry SequenceLocal as their
// source sequence: they have no upstream ordering, so the core exempts them
// from gap validation and leaves the partition cursors to the upstream
// producers.
type CommandService struct {
	eventChan chan<- event.Event
}

func NewCommandService(eventChan chan<- event.Event) *CommandService {
	return &CommandService{eventChan: eventChan}
}

func (s *CommandService) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectDeposit injects a DepositConfirmed event.
func (s *CommandService) InjectDeposit(
	ctx context.Context,
	userID uuid.UUID,
	asset string,
	amount int64,
) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}

	now := time.Now()
	evt := &event.DepositConfirmed{
		DepositID: uuid.New(),
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Sequence:  event.SequenceLocal,
		Timestamp: now,
	}
	return evt.DepositID, s.send(ctx, evt)
}

// InjectWithdrawal injects a WithdrawalRequested event.
func (s *CommandService) InjectWithdrawal(
	ctx context.Context,
	userID uuid.UUID,
	asset string,
	amount int64,
) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}

	now := time.Now()
	evt := &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		UserID:       userID,
		Asset:        asset,
		Amount:       amount,
		Sequence:     event.SequenceLocal,
		Timestamp:    now,
	}
	return evt.WithdrawalID, s.send(ctx, evt)
}

// OfferParams are the terms of a new escrow offer.
type OfferParams struct {
	Sender           uuid.UUID
	Recipient        uuid.UUID // Zero for public offers
	Asset            string
	Amount           int64
	SenderDeposit    int64
	RecipientDeposit int64
	Quantity         int64
	Style            int32
	Tags             []string
	Deadline         time.Time
}

// InjectOffer injects an OfferCreated event.
func (s *CommandService) InjectOffer(ctx context.Context, p OfferParams) (uuid.UUID, error) {
	if p.Amount <= 0 {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}
	if p.SenderDeposit < 0 || p.RecipientDeposit < 0 {
		return uuid.Nil, fmt.Errorf("deposits must be non-negative")
	}
	if p.Quantity < 1 {
		return uuid.Nil, fmt.Errorf("quantity must be at least 1")
	}
	if !escrow.OfferStyle(p.Style).IsPublic() && p.Recipient == uuid.Nil {
		return uuid.Nil, fmt.Errorf("private offer requires a recipient")
	}

	now := time.Now()
	evt := &event.OfferCreated{
		OfferID:          uuid.New(),
		Sender:           p.Sender,
		Recipient:        p.Recipient,
		Asset:            p.Asset,
		Amount:           p.Amount,
		SenderDeposit:    p.SenderDeposit,
		RecipientDeposit: p.RecipientDeposit,
		Quantity:         p.Quantity,
		Style:            p.Style,
		Tags:             p.Tags,
		Deadline:         p.Deadline,
		Sequence:         event.SequenceLocal,
		Timestamp:        now,
	}
	return evt.OfferID, s.send(ctx, evt)
}

// InjectAccept injects an OfferAccepted event.
func (s *CommandService) InjectAccept(
	ctx context.Context,
	agreementID string,
	actor, party, affiliate uuid.UUID,
	quantity int64,
	finalOffer bool,
) (uuid.UUID, error) {
	if quantity < 0 {
		return uuid.Nil, fmt.Errorf("quantity must be non-negative")
	}

	now := time.Now()
	evt := &event.OfferAccepted{
		AcceptID:   uuid.New(),
		Agreement:  agreementID,
		Actor:      actor,
		Party:      party,
		Quantity:   quantity,
		FinalOffer: finalOffer,
		Affiliate:  affiliate,
		Sequence:   event.SequenceLocal,
		Timestamp:  now,
	}
	return evt.AcceptID, s.send(ctx, evt)
}

// InjectCompletion injects a CompletionSignaled event.
func (s *CommandService) InjectCompletion(
	ctx context.Context,
	agreementID string,
	actor, party, affiliate uuid.UUID,
) (uuid.UUID, error) {
	now := time.Now()
	evt := &event.CompletionSignaled{
		SignalID:  uuid.New(),
		Agreement: agreementID,
		Actor:     actor,
		Party:     party,
		Affiliate: affiliate,
		Sequence:  event.SequenceLocal,
		Timestamp: now,
	}
	return evt.SignalID, s.send(ctx, evt)
}

// InjectCancel injects an OfferCancelled event.
func (s *CommandService) InjectCancel(
	ctx context.Context,
	agreementID string,
	actor, party uuid.UUID,
) (uuid.UUID, error) {
	now := time.Now()
	evt := &event.OfferCancelled{
		CancelID:  uuid.New(),
		Agreement: agreementID,
		Actor:     actor,
		Party:     party,
		Sequence:  event.SequenceLocal,
		Timestamp: now,
	}
	return evt.CancelID, s.send(ctx, evt)
}

// InjectExtend injects a DeadlineExtended event.
func (s *CommandService) InjectExtend(
	ctx context.Context,
	agreementID string,
	actor uuid.UUID,
	newDeadline time.Time,
) (uuid.UUID, error) {
	if newDeadline.IsZero() {
		return uuid.Nil, fmt.Errorf("new deadline is required")
	}

	now := time.Now()
	evt := &event.DeadlineExtended{
		ExtendID:    uuid.New(),
		Agreement:   agreementID,
		Actor:       actor,
		NewDeadline: newDeadline,
		Sequence:    event.SequenceLocal,
		Timestamp:   now,
	}
	return evt.ExtendID, s.send(ctx, evt)
}

// InjectGrant injects a CustodianGranted event.
func (s *CommandService) InjectGrant(
	ctx context.Context,
	grantor, grantee uuid.UUID,
	scope string,
) (uuid.UUID, error) {
	now := time.Now()
	evt := &event.CustodianGranted{
		GrantID:   uuid.New(),
		Grantor:   grantor,
		Grantee:   grantee,
		Scope:     scope,
		Sequence:  event.SequenceLocal,
		Timestamp: now,
	}
	return evt.GrantID, s.send(ctx, evt)
}
