package core_test

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Test helpers ---

var testPolicy = core.Policy{FeeBps: 50, ReferralThreshold: 3}

// farDeadline is well past every versioned test timestamp.
var farDeadline = time.UnixMicro(1_000_000_000)

// newTestCore creates an EscrowCore with buffered channels and no DB checker.
func newTestCore() (*core.EscrowCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewEscrowCore(0, testPolicy, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func mustDepositConfirmed(userID uuid.UUID, asset string, amount int64, seq int64) *event.DepositConfirmed {
	return &event.DepositConfirmed{
		DepositID: uuid.New(),
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: time.UnixMicro(1000000 + seq*1000),
	}
}

func mustWithdrawalRequested(userID uuid.UUID, asset string, amount int64, seq int64) *event.WithdrawalRequested {
	return &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		UserID:       userID,
		Asset:        asset,
		Amount:       amount,
		Sequence:     seq,
		Timestamp:    time.UnixMicro(1000000 + seq*1000),
	}
}

func mustWithdrawalConfirmed(wdID, userID uuid.UUID, asset string, amount int64, seq int64) *event.WithdrawalConfirmed {
	return &event.WithdrawalConfirmed{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        asset,
		Amount:       amount,
		Sequence:     seq,
		Timestamp:    time.UnixMicro(1000000 + seq*1000),
	}
}

func mustWithdrawalRejected(wdID, userID uuid.UUID, asset string, amount int64, seq int64) *event.WithdrawalRejected {
	return &event.WithdrawalRejected{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        asset,
		Amount:       amount,
		Reason:       "custody_rejected",
		Sequence:     seq,
		Timestamp:    time.UnixMicro(1000000 + seq*1000),
	}
}

func mustOfferCreated(sender, recipient uuid.UUID, amount, senderDep, recipientDep int64, seq int64) *event.OfferCreated {
	return &event.OfferCreated{
		OfferID:          uuid.New(),
		Sender:           sender,
		Recipient:        recipient,
		Asset:            "USDT",
		Amount:           amount,
		SenderDeposit:    senderDep,
		RecipientDeposit: recipientDep,
		Quantity:         1,
		Style:            int32(escrow.StylePrivate),
		Deadline:         farDeadline,
		Sequence:         seq,
		Timestamp:        time.UnixMicro(1000000 + seq*1000),
	}
}

func mustOfferAccepted(agreementID string, actor uuid.UUID, seq int64) *event.OfferAccepted {
	return &event.OfferAccepted{
		AcceptID:  uuid.New(),
		Agreement: agreementID,
		Actor:     actor,
		Sequence:  seq,
		Timestamp: time.UnixMicro(1000000 + seq*1000),
	}
}

func mustCompletionSignaled(agreementID string, actor uuid.UUID, seq int64) *event.CompletionSignaled {
	return &event.CompletionSignaled{
		SignalID:  uuid.New(),
		Agreement: agreementID,
		Actor:     actor,
		Party:     actor,
		Sequence:  seq,
		Timestamp: time.UnixMicro(1000000 + seq*1000),
	}
}

func mustOfferCancelled(agreementID string, actor uuid.UUID, seq int64) *event.OfferCancelled {
	return &event.OfferCancelled{
		CancelID:  uuid.New(),
		Agreement: agreementID,
		Actor:     actor,
		Sequence:  seq,
		Timestamp: time.UnixMicro(1000000 + seq*1000),
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// createAgreement processes an OfferCreated event and returns the derived
// agreement id from the core output.
func createAgreement(t *testing.T, c *core.EscrowCore, persistCh chan core.CoreOutput, offer *event.OfferCreated) string {
	t.Helper()
	if err := c.ProcessEvent(offer); err != nil {
		t.Fatalf("offer creation failed: %v", err)
	}
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output for offer creation, got %d", len(outputs))
	}
	if outputs[0].Agreement == nil {
		t.Fatal("offer creation output should carry the agreement")
	}
	return outputs[0].Agreement.ID
}

// ============================================================================
// Test: Deposit Flow
// ============================================================================

func TestDepositConfirmed_CreditsAvailable(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 1_000_000, 0))
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	batch := outputs[0].Batch
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.Amount != 1_000_000 {
		t.Errorf("expected amount 1_000_000, got %d", j.Amount)
	}
	if j.JournalType != ledger.JournalTypeDeposit {
		t.Errorf("expected JournalTypeDeposit, got %d", j.JournalType)
	}
}

func TestMultipleDeposits_SequencesMonotonic(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	for i := int64(0); i < 5; i++ {
		err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 100_000, i))
		if err != nil {
			t.Fatalf("ProcessEvent %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}

	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
	}
}

// ============================================================================
// Test: Withdrawal Flow
// ============================================================================

func TestWithdrawalRequested_LocksFunds(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 1_000_000, 0))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	err = c.ProcessEvent(mustWithdrawalRequested(userID, "USDT", 400_000, 1))
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeWithdrawalPending {
		t.Errorf("expected JournalTypeWithdrawalPending, got %d", j.JournalType)
	}
	if j.Amount != 400_000 {
		t.Errorf("expected amount 400_000, got %d", j.Amount)
	}
}

func TestWithdrawalRequested_InsufficientBalance_Fails(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 100_000, 0))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	err = c.ProcessEvent(mustWithdrawalRequested(userID, "USDT", 200_000, 1))
	if err == nil {
		t.Fatal("expected error for insufficient balance, got nil")
	}
}

func TestWithdrawalConfirmed_ClearsPending(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 1_000_000, 0))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	wdEvt := mustWithdrawalRequested(userID, "USDT", 300_000, 1)
	err = c.ProcessEvent(wdEvt)
	if err != nil {
		t.Fatalf("withdrawal request failed: %v", err)
	}
	drainOutputs(persistCh)

	err = c.ProcessEvent(mustWithdrawalConfirmed(wdEvt.WithdrawalID, userID, "USDT", 300_000, 2))
	if err != nil {
		t.Fatalf("withdrawal confirm failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeWithdrawalConfirm {
		t.Errorf("expected JournalTypeWithdrawalConfirm, got %d", j.JournalType)
	}
}

func TestWithdrawalRejected_RestoresFunds(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 1_000_000, 0))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	wdEvt := mustWithdrawalRequested(userID, "USDT", 300_000, 1)
	err = c.ProcessEvent(wdEvt)
	if err != nil {
		t.Fatalf("withdrawal request failed: %v", err)
	}
	drainOutputs(persistCh)

	err = c.ProcessEvent(mustWithdrawalRejected(wdEvt.WithdrawalID, userID, "USDT", 300_000, 2))
	if err != nil {
		t.Fatalf("withdrawal reject failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeWithdrawalReject {
		t.Errorf("expected JournalTypeWithdrawalReject, got %d", j.JournalType)
	}
}

// ============================================================================
// Test: Offer Creation
// ============================================================================

func TestOfferCreated_RegistersAgreement(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	err := c.ProcessEvent(mustOfferCreated(sender, recipient, 1_000_000, 200_000, 150_000, 0))
	if err != nil {
		t.Fatalf("offer creation failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	o := outputs[0]
	// Creation moves no funds
	if len(o.Batch.Journals) != 0 {
		t.Errorf("expected 0 journals for offer creation, got %d", len(o.Batch.Journals))
	}
	if o.Agreement == nil {
		t.Fatal("expected agreement on output")
	}
	if o.Agreement.Status != escrow.StatusOffered {
		t.Errorf("expected StatusOffered, got %v", o.Agreement.Status)
	}
	if o.Envelope.AgreementID == nil || *o.Envelope.AgreementID != o.Agreement.ID {
		t.Error("envelope should carry the derived agreement id")
	}
	if o.Envelope.EventType != event.EventTypeOfferCreated {
		t.Errorf("expected OfferCreated event type, got %v", o.Envelope.EventType)
	}
}

func TestOfferCreated_UnknownAsset_Fails(t *testing.T) {
	c, _, _ := newTestCore()
	offer := mustOfferCreated(uuid.New(), uuid.New(), 1_000_000, 0, 0, 0)
	offer.Asset = "DOGE"

	if err := c.ProcessEvent(offer); err == nil {
		t.Fatal("expected error for unknown asset")
	}
}

// ============================================================================
// Test: Acceptance
// ============================================================================

func TestOfferAccepted_LocksBothLegs(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	// Fund both parties (global partition seq 0, 1)
	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_200_000, 0)); err != nil {
		t.Fatalf("sender deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDepositConfirmed(recipient, "USDT", 150_000, 1)); err != nil {
		t.Fatalf("recipient deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 200_000, 150_000, 2))

	// Accept (agreement partition seq 0)
	err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0))
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	batch := outputs[0].Batch
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 lock journals, got %d", len(batch.Journals))
	}
	for _, j := range batch.Journals {
		if j.JournalType != ledger.JournalTypeEscrowLock {
			t.Errorf("expected JournalTypeEscrowLock, got %d", j.JournalType)
		}
	}

	a := outputs[0].Agreement
	if a.Status != escrow.StatusAccepted {
		t.Errorf("expected StatusAccepted, got %v", a.Status)
	}
	if a.AcceptedQuantity != 1 {
		t.Errorf("expected accepted quantity 1, got %d", a.AcceptedQuantity)
	}
	if a.ScaledAmount != 1_000_000 {
		t.Errorf("expected scaled amount 1_000_000, got %d", a.ScaledAmount)
	}
}

func TestOfferAccepted_RecipientUnderfunded_NothingLocked(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	// Only the sender is funded
	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_200_000, 0)); err != nil {
		t.Fatalf("sender deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 200_000, 150_000, 1))

	err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0))
	if err == nil {
		t.Fatal("expected error for underfunded recipient, got nil")
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("failed acceptance must emit no outputs, got %d", len(outputs))
	}

	// The sender's full balance is still withdrawable — nothing was locked
	err = c.ProcessEvent(mustWithdrawalRequested(sender, "USDT", 1_200_000, 2))
	if err != nil {
		t.Fatalf("sender funds should be untouched after failed accept: %v", err)
	}
}

func TestOfferAccepted_SenderCannotAcceptOwnPublicOffer(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, uuid.Nil, 1_000_000, 0, 0, 1)
	offer.Style = int32(escrow.StylePublic)
	agreementID := createAgreement(t, c, persistCh, offer)

	err := c.ProcessEvent(mustOfferAccepted(agreementID, sender, 0))
	if err == nil {
		t.Fatal("expected error for self-acceptance of a public offer")
	}
}

func TestOfferAccepted_PublicOffer_AdoptsActorAsRecipient(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	taker := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, uuid.Nil, 1_000_000, 0, 0, 1)
	offer.Style = int32(escrow.StylePublic)
	agreementID := createAgreement(t, c, persistCh, offer)

	err := c.ProcessEvent(mustOfferAccepted(agreementID, taker, 0))
	if err != nil {
		t.Fatalf("public accept failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if outputs[0].Agreement.Recipient != taker {
		t.Errorf("expected taker to become recipient, got %s", outputs[0].Agreement.Recipient)
	}
}

func TestOfferAccepted_WrongRecipient_Unauthorized(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()
	stranger := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 1))

	err := c.ProcessEvent(mustOfferAccepted(agreementID, stranger, 0))
	if err == nil {
		t.Fatal("expected unauthorized error for stranger accepting a private offer")
	}
}

func TestOfferAccepted_QuantityScaling(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	taker := uuid.New()

	// Per-unit amount 100_000, offer holds 5 units; taker accepts 3
	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 500_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, uuid.Nil, 100_000, 0, 0, 1)
	offer.Style = int32(escrow.StylePublicQuantity)
	offer.Quantity = 5
	agreementID := createAgreement(t, c, persistCh, offer)

	accept := mustOfferAccepted(agreementID, taker, 0)
	accept.Quantity = 3
	if err := c.ProcessEvent(accept); err != nil {
		t.Fatalf("quantity accept failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	a := outputs[0].Agreement
	if a.AcceptedQuantity != 3 {
		t.Errorf("expected accepted quantity 3, got %d", a.AcceptedQuantity)
	}
	if a.ScaledAmount != 300_000 {
		t.Errorf("expected scaled amount 300_000, got %d", a.ScaledAmount)
	}
	if outputs[0].Batch.Journals[0].Amount != 300_000 {
		t.Errorf("expected lock amount 300_000, got %d", outputs[0].Batch.Journals[0].Amount)
	}
}

func TestOfferAccepted_QuantityOutOfRange_Fails(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	taker := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, uuid.Nil, 100_000, 0, 0, 1)
	offer.Style = int32(escrow.StylePublicQuantity)
	offer.Quantity = 5
	agreementID := createAgreement(t, c, persistCh, offer)

	accept := mustOfferAccepted(agreementID, taker, 0)
	accept.Quantity = 6
	if err := c.ProcessEvent(accept); err == nil {
		t.Fatal("expected error for quantity above offer capacity")
	}
}

// ============================================================================
// Test: Final Offer Collapse
// ============================================================================

func TestFinalOffer_CollapsesAndSettles(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 1))

	accept := mustOfferAccepted(agreementID, recipient, 0)
	accept.FinalOffer = true
	if err := c.ProcessEvent(accept); err != nil {
		t.Fatalf("final-offer accept failed: %v", err)
	}

	// The derived AgreementSettled event is emitted during dispatch, so it
	// precedes the triggering acceptance on the persist channel.
	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs (settled + accept), got %d", len(outputs))
	}

	settled := outputs[0]
	if settled.Envelope.EventType != event.EventTypeAgreementSettled {
		t.Fatalf("expected AgreementSettled first, got %v", settled.Envelope.EventType)
	}
	if settled.Settlement == nil {
		t.Fatal("expected settlement info on the derived output")
	}
	if settled.Settlement.GrossAmount != 1_000_000 {
		t.Errorf("gross amount: got %d, want 1_000_000", settled.Settlement.GrossAmount)
	}
	if settled.Settlement.Fee != 5_000 {
		t.Errorf("fee: got %d, want 5_000 (50 bps)", settled.Settlement.Fee)
	}

	acceptOut := outputs[1]
	if acceptOut.Agreement.Status != escrow.StatusCompleted {
		t.Errorf("expected StatusCompleted, got %v", acceptOut.Agreement.Status)
	}
	// Net amount and burned fee; deposits never moved
	if len(acceptOut.Batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(acceptOut.Batch.Journals))
	}
}

func TestFinalOffer_PartialQuantity_Fails(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	taker := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, uuid.Nil, 100_000, 0, 0, 1)
	offer.Style = int32(escrow.StylePublicQuantity)
	offer.Quantity = 5
	agreementID := createAgreement(t, c, persistCh, offer)

	accept := mustOfferAccepted(agreementID, taker, 0)
	accept.Quantity = 3
	accept.FinalOffer = true
	if err := c.ProcessEvent(accept); err == nil {
		t.Fatal("expected error for final offer with partial quantity")
	}
}

// ============================================================================
// Test: Completion and Settlement
// ============================================================================

func TestCompletion_BothSlots_SettlesOnce(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_200_000, 0)); err != nil {
		t.Fatalf("sender deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDepositConfirmed(recipient, "USDT", 150_000, 1)); err != nil {
		t.Fatalf("recipient deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 200_000, 150_000, 2))

	if err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0)); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOutputs(persistCh)

	// First slot: no funds move yet
	if err := c.ProcessEvent(mustCompletionSignaled(agreementID, sender, 1)); err != nil {
		t.Fatalf("sender completion failed: %v", err)
	}
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("first completion should move no funds, got %d journals", len(outputs[0].Batch.Journals))
	}
	if outputs[0].Agreement.Status != escrow.StatusCompleting {
		t.Errorf("expected StatusCompleting, got %v", outputs[0].Agreement.Status)
	}

	// Second slot: settlement plus the derived settled event
	if err := c.ProcessEvent(mustCompletionSignaled(agreementID, recipient, 2)); err != nil {
		t.Fatalf("recipient completion failed: %v", err)
	}
	outputs = drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs (settled + completion), got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypeAgreementSettled {
		t.Fatalf("expected AgreementSettled first, got %v", outputs[0].Envelope.EventType)
	}

	// Net settlement, fee burn, both deposit returns
	batch := outputs[1].Batch
	if len(batch.Journals) != 4 {
		t.Fatalf("expected 4 settlement journals, got %d", len(batch.Journals))
	}
	byType := make(map[ledger.JournalType]int64)
	for _, j := range batch.Journals {
		byType[j.JournalType] += j.Amount
	}
	if byType[ledger.JournalTypeSettlement] != 995_000 {
		t.Errorf("net settlement: got %d, want 995_000", byType[ledger.JournalTypeSettlement])
	}
	if byType[ledger.JournalTypeFeeBurn] != 5_000 {
		t.Errorf("burned fee: got %d, want 5_000", byType[ledger.JournalTypeFeeBurn])
	}
	if byType[ledger.JournalTypeDepositReturn] != 350_000 {
		t.Errorf("deposit returns: got %d, want 350_000", byType[ledger.JournalTypeDepositReturn])
	}

	// A repeat signal on an already-completed slot is rejected
	if err := c.ProcessEvent(mustCompletionSignaled(agreementID, recipient, 3)); err == nil {
		t.Fatal("expected error for completion of a terminal agreement")
	}
}

func TestCompletion_NonParty_Unauthorized(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 1))

	if err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0)); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustCompletionSignaled(agreementID, uuid.New(), 1)); err == nil {
		t.Fatal("expected error for completion by a non-party")
	}
}

// ============================================================================
// Test: Cancellation
// ============================================================================

func TestCancel_OpenOffer_SenderOnly(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 0))

	// The named recipient cannot withdraw an open offer
	if err := c.ProcessEvent(mustOfferCancelled(agreementID, recipient, 0)); err == nil {
		t.Fatal("expected error for recipient cancelling an open offer")
	}

	if err := c.ProcessEvent(mustOfferCancelled(agreementID, sender, 1)); err != nil {
		t.Fatalf("sender cancel failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	last := outputs[len(outputs)-1]
	if len(last.Batch.Journals) != 0 {
		t.Errorf("open-offer cancel should move no funds, got %d journals", len(last.Batch.Journals))
	}
	if last.Agreement.Status != escrow.StatusCancelled {
		t.Errorf("expected StatusCancelled, got %v", last.Agreement.Status)
	}
}

func TestCancel_Accepted_RefundsBothLegs(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_200_000, 0)); err != nil {
		t.Fatalf("sender deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDepositConfirmed(recipient, "USDT", 150_000, 1)); err != nil {
		t.Fatalf("recipient deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 200_000, 150_000, 2))

	if err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0)); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustOfferCancelled(agreementID, recipient, 1)); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	batch := outputs[0].Batch
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 refund journals, got %d", len(batch.Journals))
	}
	for _, j := range batch.Journals {
		if j.JournalType != ledger.JournalTypeEscrowRefund {
			t.Errorf("expected JournalTypeEscrowRefund, got %d", j.JournalType)
		}
	}

	// Both parties can withdraw their full balances again
	if err := c.ProcessEvent(mustWithdrawalRequested(sender, "USDT", 1_200_000, 3)); err != nil {
		t.Fatalf("sender refund incomplete: %v", err)
	}
	if err := c.ProcessEvent(mustWithdrawalRequested(recipient, "USDT", 150_000, 4)); err != nil {
		t.Fatalf("recipient refund incomplete: %v", err)
	}
}

func TestCancel_CounterpartyCompleted_Fails(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 1))

	if err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0)); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if err := c.ProcessEvent(mustCompletionSignaled(agreementID, sender, 1)); err != nil {
		t.Fatalf("sender completion failed: %v", err)
	}
	drainOutputs(persistCh)

	// The recipient cannot back out once the sender has completed
	if err := c.ProcessEvent(mustOfferCancelled(agreementID, recipient, 2)); err == nil {
		t.Fatal("expected error for cancel after counterparty completion")
	}
}

// ============================================================================
// Test: Deadline Extension and Lazy Expiry
// ============================================================================

func TestExtend_MovesDeadlineForward(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 0))

	extend := &event.DeadlineExtended{
		ExtendID:    uuid.New(),
		Agreement:   agreementID,
		Actor:       sender,
		NewDeadline: farDeadline.Add(time.Hour),
		Sequence:    0,
		Timestamp:   time.UnixMicro(1_001_000),
	}
	if err := c.ProcessEvent(extend); err != nil {
		t.Fatalf("extend failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if !outputs[0].Agreement.Deadline.Equal(farDeadline.Add(time.Hour)) {
		t.Errorf("deadline not updated: got %v", outputs[0].Agreement.Deadline)
	}

	// A non-forward extension is rejected
	backwards := &event.DeadlineExtended{
		ExtendID:    uuid.New(),
		Agreement:   agreementID,
		Actor:       sender,
		NewDeadline: farDeadline,
		Sequence:    1,
		Timestamp:   time.UnixMicro(1_002_000),
	}
	if err := c.ProcessEvent(backwards); err == nil {
		t.Fatal("expected error for non-forward deadline")
	}
}

func TestExpiry_SweepsBeforeAccept(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	offer := mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 0)
	offer.Deadline = time.UnixMicro(999_999) // Already past every test timestamp
	agreementID := createAgreement(t, c, persistCh, offer)

	err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0))
	if err == nil {
		t.Fatal("expected error accepting an expired offer")
	}

	// The sweep emitted a derived AgreementExpired event before rejecting
	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 derived output, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypeAgreementExpired {
		t.Errorf("expected AgreementExpired, got %v", outputs[0].Envelope.EventType)
	}
	if outputs[0].Agreement.Status != escrow.StatusExpired {
		t.Errorf("expected StatusExpired, got %v", outputs[0].Agreement.Status)
	}
	// An offered agreement holds no funds, so the sweep moves none
	if len(outputs[0].Batch.Journals) != 0 {
		t.Errorf("expected no refund journals, got %d", len(outputs[0].Batch.Journals))
	}
}

func TestExpiry_RefundsLockedLegs(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_200_000, 0)); err != nil {
		t.Fatalf("sender deposit failed: %v", err)
	}
	if err := c.ProcessEvent(mustDepositConfirmed(recipient, "USDT", 150_000, 1)); err != nil {
		t.Fatalf("recipient deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, recipient, 1_000_000, 200_000, 150_000, 2)
	offer.Deadline = time.UnixMicro(2_000_000)
	agreementID := createAgreement(t, c, persistCh, offer)

	// Accept before the deadline
	if err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0)); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOutputs(persistCh)

	// A completion arriving after the deadline trips the sweep first
	late := &event.CompletionSignaled{
		SignalID:  uuid.New(),
		Agreement: agreementID,
		Actor:     sender,
		Party:     sender,
		Sequence:  1,
		Timestamp: time.UnixMicro(5_000_000),
	}
	err := c.ProcessEvent(late)
	if err == nil {
		t.Fatal("expected error for completion of an expired agreement")
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 derived output, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypeAgreementExpired {
		t.Fatalf("expected AgreementExpired, got %v", outputs[0].Envelope.EventType)
	}
	batch := outputs[0].Batch
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 refund journals, got %d", len(batch.Journals))
	}

	// Both parties hold their full balances again
	if err := c.ProcessEvent(mustWithdrawalRequested(sender, "USDT", 1_200_000, 3)); err != nil {
		t.Fatalf("sender refund incomplete: %v", err)
	}
	if err := c.ProcessEvent(mustWithdrawalRequested(recipient, "USDT", 150_000, 4)); err != nil {
		t.Fatalf("recipient refund incomplete: %v", err)
	}
}

func TestExtend_PreventsExpiry(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 1)
	offer.Deadline = time.UnixMicro(2_000_000)
	agreementID := createAgreement(t, c, persistCh, offer)

	// Extend while still live
	extend := &event.DeadlineExtended{
		ExtendID:    uuid.New(),
		Agreement:   agreementID,
		Actor:       sender,
		NewDeadline: time.UnixMicro(10_000_000),
		Sequence:    0,
		Timestamp:   time.UnixMicro(1_500_000),
	}
	if err := c.ProcessEvent(extend); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	drainOutputs(persistCh)

	// Accepting after the original deadline now succeeds
	accept := &event.OfferAccepted{
		AcceptID:  uuid.New(),
		Agreement: agreementID,
		Actor:     recipient,
		Sequence:  1,
		Timestamp: time.UnixMicro(3_000_000),
	}
	if err := c.ProcessEvent(accept); err != nil {
		t.Fatalf("accept after extension failed: %v", err)
	}
}

// ============================================================================
// Test: Authorization Grants
// ============================================================================

func TestCustodianGrant_AllowsActingForParty(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()
	custodian := uuid.New()

	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	grant := &event.CustodianGranted{
		GrantID:   uuid.New(),
		Grantor:   recipient,
		Grantee:   custodian,
		Scope:     escrow.ScopeCustodian,
		Sequence:  1,
		Timestamp: time.UnixMicro(1_001_000),
	}
	if err := c.ProcessEvent(grant); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 2))

	// The custodian accepts on the recipient's behalf
	accept := mustOfferAccepted(agreementID, custodian, 0)
	accept.Party = recipient
	if err := c.ProcessEvent(accept); err != nil {
		t.Fatalf("custodian accept failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if outputs[0].Agreement.Recipient != recipient {
		t.Errorf("agreement recipient should stay the principal, got %s", outputs[0].Agreement.Recipient)
	}
}

// ============================================================================
// Test: Referral Fee Routing
// ============================================================================

func TestReferral_FeePaidToQualifiedAffiliate(t *testing.T) {
	c, persistCh, _ := newTestCore()
	warmupSender := uuid.New()
	affiliate := uuid.New()

	gseq := int64(0)
	nextGlobal := func() int64 { s := gseq; gseq++; return s }

	// The affiliate needs ReferralThreshold completed agreements before
	// referring. Run three final-offer agreements with the affiliate as
	// recipient.
	if err := c.ProcessEvent(mustDepositConfirmed(warmupSender, "USDT", 300_000, nextGlobal())); err != nil {
		t.Fatalf("warmup deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	for i := 0; i < 3; i++ {
		agreementID := createAgreement(t, c, persistCh,
			mustOfferCreated(warmupSender, affiliate, 100_000, 0, 0, nextGlobal()))

		accept := mustOfferAccepted(agreementID, affiliate, 0)
		accept.FinalOffer = true
		if err := c.ProcessEvent(accept); err != nil {
			t.Fatalf("warmup accept %d failed: %v", i, err)
		}
		drainOutputs(persistCh)
	}

	// The real agreement: the recipient names the affiliate on completion
	sender := uuid.New()
	recipient := uuid.New()
	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, nextGlobal())); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, nextGlobal()))

	if err := c.ProcessEvent(mustOfferAccepted(agreementID, recipient, 0)); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	drainOutputs(persistCh)

	signal := mustCompletionSignaled(agreementID, recipient, 1)
	signal.Affiliate = affiliate
	if err := c.ProcessEvent(signal); err != nil {
		t.Fatalf("recipient completion failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustCompletionSignaled(agreementID, sender, 2)); err != nil {
		t.Fatalf("sender completion failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Settlement == nil {
		t.Fatal("expected settlement info on derived output")
	}
	if outputs[0].Settlement.Affiliate != affiliate {
		t.Errorf("settlement affiliate: got %s, want %s", outputs[0].Settlement.Affiliate, affiliate)
	}

	// The fee journal routes to the affiliate, not the burn sink
	var hasAffiliateFee, hasBurn bool
	for _, j := range outputs[1].Batch.Journals {
		switch j.JournalType {
		case ledger.JournalTypeAffiliateFee:
			hasAffiliateFee = true
			if j.Amount != 5_000 {
				t.Errorf("affiliate fee: got %d, want 5_000", j.Amount)
			}
		case ledger.JournalTypeFeeBurn:
			hasBurn = true
		}
	}
	if !hasAffiliateFee {
		t.Error("expected an affiliate fee journal")
	}
	if hasBurn {
		t.Error("fee must not be burned when an affiliate is bound")
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateDeposit_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	deposit := mustDepositConfirmed(userID, "USDT", 1_000_000, 0)

	err := c.ProcessEvent(deposit)
	if err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	outputs1 := drainOutputs(persistCh)
	if len(outputs1) != 1 {
		t.Fatalf("expected 1 output on first process, got %d", len(outputs1))
	}

	// Process same event again — should be silently ignored
	err = c.ProcessEvent(deposit)
	if err != nil {
		t.Fatalf("duplicate deposit should not error: %v", err)
	}

	outputs2 := drainOutputs(persistCh)
	if len(outputs2) != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", len(outputs2))
	}
}

// ============================================================================
// Test: Sequence Validation
// ============================================================================

func TestSequenceValidation_GapDetected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 100_000, 0))
	if err != nil {
		t.Fatalf("seq 0 failed: %v", err)
	}
	drainOutputs(persistCh)

	// Skip seq 1, send seq 2 — should detect gap
	err = c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 100_000, 2))
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	// Process same events twice — state hashes should be identical
	sender := uuid.New()
	recipient := uuid.New()
	depositID := uuid.New()
	offerID := uuid.New()
	acceptID := uuid.New()

	processEvents := func() [][32]byte {
		c, persistCh, _ := newTestCore()

		deposit := &event.DepositConfirmed{
			DepositID: depositID,
			UserID:    sender,
			Asset:     "USDT",
			Amount:    1_000_000,
			Sequence:  0,
			Timestamp: time.UnixMicro(1_000_000),
		}
		if err := c.ProcessEvent(deposit); err != nil {
			t.Fatalf("deposit failed: %v", err)
		}

		offer := &event.OfferCreated{
			OfferID:   offerID,
			Sender:    sender,
			Recipient: recipient,
			Asset:     "USDT",
			Amount:    500_000,
			Quantity:  1,
			Style:     int32(escrow.StylePrivate),
			Deadline:  farDeadline,
			Sequence:  1,
			Timestamp: time.UnixMicro(1_001_000),
		}
		if err := c.ProcessEvent(offer); err != nil {
			t.Fatalf("offer failed: %v", err)
		}
		outputs := drainOutputs(persistCh)

		accept := &event.OfferAccepted{
			AcceptID:  acceptID,
			Agreement: outputs[len(outputs)-1].Agreement.ID,
			Actor:     recipient,
			Sequence:  0,
			Timestamp: time.UnixMicro(1_002_000),
		}
		if err := c.ProcessEvent(accept); err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		outputs = append(outputs, drainOutputs(persistCh)...)

		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := processEvents()
	hashes2 := processEvents()

	if len(hashes1) != len(hashes2) {
		t.Fatalf("different number of outputs: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

func TestStateHashChain_PrevHashLinks(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	for i := int64(0); i < 3; i++ {
		if err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 100_000, i)); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev_hash does not match previous state_hash", i)
		}
	}
}

// ============================================================================
// Test: Envelope Integrity
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	deposit := mustDepositConfirmed(userID, "USDT", 1_000_000, 0)
	err := c.ProcessEvent(deposit)
	if err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	env := outputs[0].Envelope

	if env.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", env.Sequence)
	}
	if env.IdempotencyKey != deposit.IdempotencyKey() {
		t.Errorf("idempotency key mismatch: %s vs %s", env.IdempotencyKey, deposit.IdempotencyKey())
	}
	if env.EventType != event.EventTypeDepositConfirmed {
		t.Errorf("event type mismatch: %v vs %v", env.EventType, event.EventTypeDepositConfirmed)
	}
	if env.AgreementID != nil {
		t.Errorf("expected nil agreement_id for deposit, got %v", env.AgreementID)
	}
	if len(env.Payload) == 0 {
		t.Error("envelope payload should carry the encoded event")
	}
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // Tiny buffer — will fill up
	c := core.NewEscrowCore(0, testPolicy, persistCh, projCh, nil, nil)

	userID := uuid.New()

	for i := int64(0); i < 5; i++ {
		err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 100_000, i))
		if err != nil {
			t.Fatalf("ProcessEvent %d failed: %v", i, err)
		}
	}

	// All 5 should succeed (projection drops are silent)
	persistOutputs := drainOutputs(persistCh)
	if len(persistOutputs) != 5 {
		t.Errorf("expected 5 persist outputs, got %d", len(persistOutputs))
	}
}

// ============================================================================
// Test: Startup Replay
// ============================================================================

// loggedEventsChecker stands in for the Postgres tier on a restarted node:
// every event already written to the event log reports as a duplicate.
type loggedEventsChecker struct {
	keys map[string]bool
}

func (l *loggedEventsChecker) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	return l.keys[eventType+":"+idempotencyKey], nil
}

func TestReplay_RebuildsStateFromLoggedEvents(t *testing.T) {
	c1, persist1, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	// First run: deposits, offer, acceptance, dual completion (settles).
	offer := mustOfferCreated(sender, recipient, 1_000_000, 200_000, 150_000, 2)
	inbound := []event.Event{
		mustDepositConfirmed(sender, "USDT", 1_200_000, 0),
		mustDepositConfirmed(recipient, "USDT", 150_000, 1),
		offer,
	}
	for _, evt := range inbound {
		if err := c1.ProcessEvent(evt); err != nil {
			t.Fatalf("first run event failed: %v", err)
		}
	}
	firstOutputs := drainOutputs(persist1)
	if len(firstOutputs) != 3 || firstOutputs[2].Agreement == nil {
		t.Fatalf("expected 3 outputs with an agreement, got %d", len(firstOutputs))
	}
	agreementID := firstOutputs[2].Agreement.ID

	tail := []event.Event{
		mustOfferAccepted(agreementID, recipient, 0),
		mustCompletionSignaled(agreementID, recipient, 1),
		mustCompletionSignaled(agreementID, sender, 2),
	}
	for _, evt := range tail {
		if err := c1.ProcessEvent(evt); err != nil {
			t.Fatalf("first run event failed: %v", err)
		}
	}
	inbound = append(inbound, tail...)
	firstOutputs = append(firstOutputs, drainOutputs(persist1)...)

	// Everything the first run persisted is "in the event log" now,
	// including the derived settlement.
	logged := &loggedEventsChecker{keys: make(map[string]bool)}
	for _, o := range firstOutputs {
		logged.keys[o.Envelope.EventType.String()+":"+o.Envelope.IdempotencyKey] = true
	}

	wantHash := c1.GetStateHash()
	wantSequence := c1.GetSequence()

	// Restarted node: fresh core, DB checker reporting all logged events
	// as duplicates. Replay mode must re-apply them anyway. Derived
	// events are not fed back; the triggering events re-derive them.
	persist2 := make(chan core.CoreOutput, 1024)
	proj2 := make(chan core.CoreOutput, 1024)
	c2 := core.NewEscrowCore(0, testPolicy, persist2, proj2, logged, nil)

	c2.BeginReplay()
	for i, evt := range inbound {
		if err := c2.ProcessEvent(evt); err != nil {
			t.Fatalf("replay event %d failed: %v", i, err)
		}
	}
	c2.EndReplay()

	if got := len(drainOutputs(persist2)); got != 0 {
		t.Fatalf("replay must not re-emit outputs, got %d", got)
	}
	if got := c2.GetSequence(); got != wantSequence {
		t.Errorf("sequence after replay: got %d, want %d", got, wantSequence)
	}
	if got := c2.GetStateHash(); got != wantHash {
		t.Errorf("state hash after replay: got %x, want %x", got, wantHash)
	}

	// The rebuilt balances are live: the recipient withdraws the full
	// settlement proceeds (995_000 net + 150_000 deposit back).
	err := c2.ProcessEvent(mustWithdrawalRequested(recipient, "USDT", 1_145_000, 3))
	if err != nil {
		t.Fatalf("withdrawal after replay failed: %v", err)
	}
	if got := len(drainOutputs(persist2)); got != 1 {
		t.Fatalf("expected 1 output after replay ends, got %d", got)
	}
}

func TestReplay_LoggedDuplicateStillApplies(t *testing.T) {
	logged := &loggedEventsChecker{keys: make(map[string]bool)}
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1024)
	c := core.NewEscrowCore(0, testPolicy, persistCh, projCh, logged, nil)

	userID := uuid.New()
	deposit := mustDepositConfirmed(userID, "USDT", 100_000_000, 0)
	logged.keys["DepositConfirmed:"+deposit.IdempotencyKey()] = true

	c.BeginReplay()
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("replayed deposit failed: %v", err)
	}
	c.EndReplay()

	// Applied, not skipped: the full amount withdraws.
	if err := c.ProcessEvent(mustWithdrawalRequested(userID, "USDT", 100_000_000, 1)); err != nil {
		t.Fatalf("replayed deposit not applied: %v", err)
	}
}

// ============================================================================
// Test: Local Command Sequences
// ============================================================================

func TestLocalCommandEvent_ExemptFromGapValidation(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	local := mustDepositConfirmed(userID, "USDT", 500_000, 0)
	local.Sequence = event.SequenceLocal
	if err := c.ProcessEvent(local); err != nil {
		t.Fatalf("local deposit failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.SourceSequence != event.SequenceLocal {
		t.Errorf("source sequence: got %d, want %d", outputs[0].Envelope.SourceSequence, event.SequenceLocal)
	}
	if len(outputs[0].Batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(outputs[0].Batch.Journals))
	}

	// The partition cursor is untouched: the first upstream event still
	// arrives at sequence 0.
	if err := c.ProcessEvent(mustDepositConfirmed(userID, "USDT", 100_000, 0)); err != nil {
		t.Fatalf("upstream deposit after local event failed: %v", err)
	}
	if got := len(drainOutputs(persistCh)); got != 1 {
		t.Fatalf("expected 1 output for upstream deposit, got %d", got)
	}
}

func TestLocalCommandEvent_FullAgreementFlow(t *testing.T) {
	c, persistCh, _ := newTestCore()
	sender := uuid.New()
	recipient := uuid.New()

	deposit := mustDepositConfirmed(sender, "USDT", 1_000_000, 0)
	deposit.Sequence = event.SequenceLocal
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	offer := mustOfferCreated(sender, recipient, 1_000_000, 0, 0, 0)
	offer.Sequence = event.SequenceLocal
	agreementID := createAgreement(t, c, persistCh, offer)

	accept := mustOfferAccepted(agreementID, recipient, 0)
	accept.Sequence = event.SequenceLocal
	if err := c.ProcessEvent(accept); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Agreement.Status != escrow.StatusAccepted {
		t.Errorf("expected StatusAccepted, got %v", outputs[0].Agreement.Status)
	}
}

// ============================================================================
// Test: Affiliate Hint on Acceptance
// ============================================================================

func TestFinalOffer_AffiliateOnAcceptance_RoutesFee(t *testing.T) {
	c, persistCh, _ := newTestCore()
	warmupSender := uuid.New()
	affiliate := uuid.New()

	gseq := int64(0)
	nextGlobal := func() int64 { s := gseq; gseq++; return s }

	// Qualify the affiliate: three completed agreements as recipient.
	if err := c.ProcessEvent(mustDepositConfirmed(warmupSender, "USDT", 300_000, nextGlobal())); err != nil {
		t.Fatalf("warmup deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	for i := 0; i < 3; i++ {
		agreementID := createAgreement(t, c, persistCh,
			mustOfferCreated(warmupSender, affiliate, 100_000, 0, 0, nextGlobal()))

		accept := mustOfferAccepted(agreementID, affiliate, 0)
		accept.FinalOffer = true
		if err := c.ProcessEvent(accept); err != nil {
			t.Fatalf("warmup accept %d failed: %v", i, err)
		}
		drainOutputs(persistCh)
	}

	// A final offer never sees a completion signal, so the acceptance is
	// the only place the recipient can name an affiliate.
	sender := uuid.New()
	recipient := uuid.New()
	if err := c.ProcessEvent(mustDepositConfirmed(sender, "USDT", 1_000_000, nextGlobal())); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	agreementID := createAgreement(t, c, persistCh,
		mustOfferCreated(sender, recipient, 1_000_000, 0, 0, nextGlobal()))

	accept := mustOfferAccepted(agreementID, recipient, 0)
	accept.FinalOffer = true
	accept.Affiliate = affiliate
	if err := c.ProcessEvent(accept); err != nil {
		t.Fatalf("final-offer accept failed: %v", err)
	}

	// Derived settlement first (lower sequence), then the accept output.
	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Settlement == nil {
		t.Fatal("expected settlement info on derived output")
	}
	if outputs[0].Settlement.Affiliate != affiliate {
		t.Errorf("settlement affiliate: got %s, want %s", outputs[0].Settlement.Affiliate, affiliate)
	}

	var hasAffiliateFee, hasBurn bool
	for _, j := range outputs[1].Batch.Journals {
		switch j.JournalType {
		case ledger.JournalTypeAffiliateFee:
			hasAffiliateFee = true
			if j.Amount != 5_000 {
				t.Errorf("affiliate fee: got %d, want 5_000", j.Amount)
			}
		case ledger.JournalTypeFeeBurn:
			hasBurn = true
		}
	}
	if !hasAffiliateFee {
		t.Error("expected an affiliate fee journal")
	}
	if hasBurn {
		t.Error("fee must not be burned when the acceptance names a qualified affiliate")
	}
}
