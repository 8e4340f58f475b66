package ingestion_test

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Test: Command Service
// ============================================================================

func TestInjectDeposit_MintsLocalSequence(t *testing.T) {
	ch := make(chan event.Event, 1)
	svc := ingestion.NewCommandService(ch)
	userID := uuid.New()

	id, err := svc.InjectDeposit(context.Background(), userID, "USDT", 500_000)
	if err != nil {
		t.Fatalf("InjectDeposit failed: %v", err)
	}

	evt := (<-ch).(*event.DepositConfirmed)
	if evt.DepositID != id {
		t.Errorf("deposit id: got %s, want %s", evt.DepositID, id)
	}
	if evt.Sequence != event.SequenceLocal {
		t.Errorf("command events carry SequenceLocal, got %d", evt.Sequence)
	}
	if evt.Amount != 500_000 {
		t.Errorf("amount: got %d, want 500_000", evt.Amount)
	}
}

func TestInjectOffer_PrivateWithoutRecipient_Fails(t *testing.T) {
	ch := make(chan event.Event, 1)
	svc := ingestion.NewCommandService(ch)

	_, err := svc.InjectOffer(context.Background(), ingestion.OfferParams{
		Sender:   uuid.New(),
		Asset:    "USDT",
		Amount:   1_000_000,
		Quantity: 1,
		Style:    int32(escrow.StylePrivate),
		Deadline: time.UnixMicro(1700000900000000),
	})
	if err == nil {
		t.Fatal("expected error for private offer without recipient")
	}
	if len(ch) != 0 {
		t.Fatal("rejected offer must not reach the event channel")
	}
}

func TestInjectOffer_PublicWithoutRecipient_Accepted(t *testing.T) {
	ch := make(chan event.Event, 1)
	svc := ingestion.NewCommandService(ch)

	_, err := svc.InjectOffer(context.Background(), ingestion.OfferParams{
		Sender:   uuid.New(),
		Asset:    "USDT",
		Amount:   1_000_000,
		Quantity: 1,
		Style:    int32(escrow.StylePublic),
		Deadline: time.UnixMicro(1700000900000000),
	})
	if err != nil {
		t.Fatalf("InjectOffer failed: %v", err)
	}

	evt := (<-ch).(*event.OfferCreated)
	if evt.Recipient != uuid.Nil {
		t.Errorf("expected zero recipient for public offer, got %s", evt.Recipient)
	}
	if evt.Sequence != event.SequenceLocal {
		t.Errorf("command events carry SequenceLocal, got %d", evt.Sequence)
	}
}

func TestInjectAccept_CarriesAffiliate(t *testing.T) {
	ch := make(chan event.Event, 1)
	svc := ingestion.NewCommandService(ch)
	actor := uuid.New()
	affiliate := uuid.New()

	_, err := svc.InjectAccept(context.Background(), "deadbeef", actor, uuid.Nil, affiliate, 0, false)
	if err != nil {
		t.Fatalf("InjectAccept failed: %v", err)
	}

	evt := (<-ch).(*event.OfferAccepted)
	if evt.Affiliate != affiliate {
		t.Errorf("affiliate: got %s, want %s", evt.Affiliate, affiliate)
	}
	if evt.Agreement != "deadbeef" {
		t.Errorf("agreement: got %s, want deadbeef", evt.Agreement)
	}
}
