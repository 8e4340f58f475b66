package ingestion_test

import (
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDepositConfirmed(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"asset":        "USDT",
		"amount":       int64(2_000_000),
		"sequence":     int64(2),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := evt.(*event.DepositConfirmed)
	if !ok {
		t.Fatalf("expected *event.DepositConfirmed, got %T", evt)
	}

	if dc.Asset != "USDT" {
		t.Errorf("asset: got %s, want USDT", dc.Asset)
	}
	if dc.Amount != 2_000_000 {
		t.Errorf("amount: got %d, want 2_000_000", dc.Amount)
	}
	if dc.Timestamp.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d, want 1700000000000000", dc.Timestamp.UnixMicro())
	}
	if dc.EventType() != event.EventTypeDepositConfirmed {
		t.Errorf("event type: got %v, want DepositConfirmed", dc.EventType())
	}
}

func TestParseDeposit_NonPositiveAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"asset":        "USDT",
		"amount":       int64(0),
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestParseWithdrawalRequested(t *testing.T) {
	payload := map[string]interface{}{
		"withdrawal_id": "550e8400-e29b-41d4-a716-446655440000",
		"user_id":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":         "BTC",
		"amount":        int64(500_000),
		"sequence":      int64(7),
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "WithdrawalRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	wr, ok := evt.(*event.WithdrawalRequested)
	if !ok {
		t.Fatalf("expected *event.WithdrawalRequested, got %T", evt)
	}

	if wr.Amount != 500_000 {
		t.Errorf("amount: got %d, want 500_000", wr.Amount)
	}
	if wr.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", wr.SourceSequence())
	}
}

func TestParseOfferCreated(t *testing.T) {
	payload := map[string]interface{}{
		"offer_id":          "550e8400-e29b-41d4-a716-446655440000",
		"sender":            "660e8400-e29b-41d4-a716-446655440001",
		"recipient":         "770e8400-e29b-41d4-a716-446655440002",
		"asset":             "USDT",
		"amount":            int64(1_000_000),
		"sender_deposit":    int64(200_000),
		"recipient_deposit": int64(150_000),
		"quantity":          int64(5),
		"style":             int32(1),
		"tags":              []string{"electronics", "local"},
		"deadline_us":       int64(1700000900000000),
		"sequence":          int64(3),
		"timestamp_us":      int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OfferCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	oc, ok := evt.(*event.OfferCreated)
	if !ok {
		t.Fatalf("expected *event.OfferCreated, got %T", evt)
	}

	if oc.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", oc.Amount)
	}
	if oc.SenderDeposit != 200_000 {
		t.Errorf("sender_deposit: got %d, want 200_000", oc.SenderDeposit)
	}
	if oc.Quantity != 5 {
		t.Errorf("quantity: got %d, want 5", oc.Quantity)
	}
	if len(oc.Tags) != 2 {
		t.Errorf("tags: got %d, want 2", len(oc.Tags))
	}
	if oc.Deadline.UnixMicro() != 1700000900000000 {
		t.Errorf("deadline: got %d, want 1700000900000000", oc.Deadline.UnixMicro())
	}
}

func TestParseOfferCreated_EmptyRecipient_IsPublic(t *testing.T) {
	payload := map[string]interface{}{
		"offer_id":     "550e8400-e29b-41d4-a716-446655440000",
		"sender":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":        "USDT",
		"amount":       int64(1_000_000),
		"quantity":     int64(1),
		"style":        int32(2),
		"deadline_us":  int64(1700000900000000),
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OfferCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	oc := evt.(*event.OfferCreated)
	if oc.Recipient != uuid.Nil {
		t.Errorf("expected zero recipient for public offer, got %s", oc.Recipient)
	}
}

func TestParseOfferCreated_ZeroQuantity_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"offer_id":     "550e8400-e29b-41d4-a716-446655440000",
		"sender":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":        "USDT",
		"amount":       int64(1_000_000),
		"quantity":     int64(0),
		"style":        int32(0),
		"deadline_us":  int64(1700000900000000),
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "OfferCreated")
	if err == nil {
		t.Fatal("expected error for zero quantity")
	}
}

func TestParseOfferCreated_NegativeDeposit_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"offer_id":       "550e8400-e29b-41d4-a716-446655440000",
		"sender":         "660e8400-e29b-41d4-a716-446655440001",
		"asset":          "USDT",
		"amount":         int64(1_000_000),
		"sender_deposit": int64(-1),
		"quantity":       int64(1),
		"style":          int32(0),
		"deadline_us":    int64(1700000900000000),
		"sequence":       int64(0),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "OfferCreated")
	if err == nil {
		t.Fatal("expected error for negative deposit")
	}
}

func TestParseOfferCreated_PrivateWithoutRecipient_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"offer_id":     "550e8400-e29b-41d4-a716-446655440000",
		"sender":       "660e8400-e29b-41d4-a716-446655440001",
		"asset":        "USDT",
		"amount":       int64(1_000_000),
		"quantity":     int64(1),
		"style":        int32(0),
		"deadline_us":  int64(1700000900000000),
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "OfferCreated")
	if err == nil {
		t.Fatal("expected error for private offer without recipient")
	}
}

func TestParseOfferAccepted(t *testing.T) {
	payload := map[string]interface{}{
		"accept_id":    "550e8400-e29b-41d4-a716-446655440000",
		"agreement_id": "deadbeef",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"quantity":     int64(3),
		"final_offer":  true,
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OfferAccepted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	oa, ok := evt.(*event.OfferAccepted)
	if !ok {
		t.Fatalf("expected *event.OfferAccepted, got %T", evt)
	}

	if oa.Agreement != "deadbeef" {
		t.Errorf("agreement: got %s, want deadbeef", oa.Agreement)
	}
	if oa.Party != uuid.Nil {
		t.Errorf("expected zero party when omitted, got %s", oa.Party)
	}
	if !oa.FinalOffer {
		t.Error("expected final_offer true")
	}
	if oa.Quantity != 3 {
		t.Errorf("quantity: got %d, want 3", oa.Quantity)
	}
	if oa.Affiliate != uuid.Nil {
		t.Errorf("expected zero affiliate when omitted, got %s", oa.Affiliate)
	}
}

func TestParseOfferAccepted_WithAffiliate(t *testing.T) {
	payload := map[string]interface{}{
		"accept_id":    "550e8400-e29b-41d4-a716-446655440000",
		"agreement_id": "deadbeef",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"affiliate":    "880e8400-e29b-41d4-a716-446655440003",
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OfferAccepted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	oa := evt.(*event.OfferAccepted)
	want := uuid.MustParse("880e8400-e29b-41d4-a716-446655440003")
	if oa.Affiliate != want {
		t.Errorf("affiliate: got %s, want %s", oa.Affiliate, want)
	}
}

func TestParseOfferAccepted_MissingAgreement_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"accept_id":    "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "OfferAccepted")
	if err == nil {
		t.Fatal("expected error for missing agreement_id")
	}
}

func TestParseCompletionSignaled(t *testing.T) {
	payload := map[string]interface{}{
		"signal_id":    "550e8400-e29b-41d4-a716-446655440000",
		"agreement_id": "deadbeef",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"party":        "660e8400-e29b-41d4-a716-446655440001",
		"affiliate":    "770e8400-e29b-41d4-a716-446655440002",
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "CompletionSignaled")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cs, ok := evt.(*event.CompletionSignaled)
	if !ok {
		t.Fatalf("expected *event.CompletionSignaled, got %T", evt)
	}

	if cs.Affiliate == uuid.Nil {
		t.Error("expected non-zero affiliate")
	}
	if cs.AgreementID() == nil || *cs.AgreementID() != "deadbeef" {
		t.Error("agreement id should be propagated")
	}
}

func TestParseDeadlineExtended_ZeroDeadline_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"extend_id":       "550e8400-e29b-41d4-a716-446655440000",
		"agreement_id":    "deadbeef",
		"actor":           "660e8400-e29b-41d4-a716-446655440001",
		"new_deadline_us": int64(0),
		"sequence":        int64(0),
		"timestamp_us":    int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "DeadlineExtended")
	if err == nil {
		t.Fatal("expected error for zero deadline")
	}
}

func TestParseCustodianGranted_OpenGrant(t *testing.T) {
	payload := map[string]interface{}{
		"grant_id":     "550e8400-e29b-41d4-a716-446655440000",
		"grantor":      "660e8400-e29b-41d4-a716-446655440001",
		"scope":        "open",
		"sequence":     int64(0),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "CustodianGranted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cg, ok := evt.(*event.CustodianGranted)
	if !ok {
		t.Fatalf("expected *event.CustodianGranted, got %T", evt)
	}

	if cg.Grantee != uuid.Nil {
		t.Errorf("expected zero grantee for open grant, got %s", cg.Grantee)
	}
	if cg.Scope != "open" {
		t.Errorf("scope: got %s, want open", cg.Scope)
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "OfferCreated")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "not-a-uuid",
		"user_id":      "also-not-a-uuid",
		"asset":        "USDT",
		"amount":       int64(1),
		"sequence":     int64(0),
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "DepositConfirmed")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

// ============================================================================
// Test: Stored Event Decoding (replay path)
// ============================================================================

func TestDecodeStoredEvent_RoundTrip(t *testing.T) {
	original := &event.OfferCreated{
		OfferID:          uuid.New(),
		Sender:           uuid.New(),
		Recipient:        uuid.New(),
		Asset:            "USDT",
		Amount:           1_000_000,
		SenderDeposit:    200_000,
		RecipientDeposit: 150_000,
		Quantity:         5,
		Style:            1,
		Tags:             []string{"a", "b"},
		Deadline:         time.UnixMicro(1700000900000000).UTC(),
		Sequence:         3,
		Timestamp:        time.UnixMicro(1700000000000000).UTC(),
	}

	payload, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := ingestion.DecodeStoredEvent("OfferCreated", payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	oc, ok := decoded.(*event.OfferCreated)
	if !ok {
		t.Fatalf("expected *event.OfferCreated, got %T", decoded)
	}

	if oc.OfferID != original.OfferID {
		t.Errorf("offer id: got %s, want %s", oc.OfferID, original.OfferID)
	}
	if oc.Amount != original.Amount {
		t.Errorf("amount: got %d, want %d", oc.Amount, original.Amount)
	}
	if !oc.Deadline.Equal(original.Deadline) {
		t.Errorf("deadline: got %v, want %v", oc.Deadline, original.Deadline)
	}
	if oc.IdempotencyKey() != original.IdempotencyKey() {
		t.Errorf("idempotency key: got %s, want %s", oc.IdempotencyKey(), original.IdempotencyKey())
	}
}

func TestDecodeStoredEvent_DerivedSettled(t *testing.T) {
	original := &event.AgreementSettled{
		Agreement:   "deadbeef",
		Sender:      uuid.New(),
		Recipient:   uuid.New(),
		Asset:       "USDT",
		GrossAmount: 1_000_000,
		Fee:         5_000,
		Affiliate:   uuid.New(),
		Sequence:    42,
		Timestamp:   1700000000000000,
	}

	payload, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := ingestion.DecodeStoredEvent("AgreementSettled", payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	as, ok := decoded.(*event.AgreementSettled)
	if !ok {
		t.Fatalf("expected *event.AgreementSettled, got %T", decoded)
	}

	if as.IdempotencyKey() != "settle:deadbeef" {
		t.Errorf("idempotency key: got %s, want settle:deadbeef", as.IdempotencyKey())
	}
	if as.Fee != 5_000 {
		t.Errorf("fee: got %d, want 5_000", as.Fee)
	}
	if as.Affiliate != original.Affiliate {
		t.Errorf("affiliate: got %s, want %s", as.Affiliate, original.Affiliate)
	}
}

func TestDecodeStoredEvent_UnknownType_Fails(t *testing.T) {
	_, err := ingestion.DecodeStoredEvent("NonExistentType", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown stored event type")
	}
}
