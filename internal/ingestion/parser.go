package ingestion

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending to the deterministic core. Amount and quantity
// positivity is enforced here so the core never sees malformed magnitudes.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "WithdrawalConfirmed":
		return parseWithdrawalConfirmed(raw.Data)
	case "WithdrawalRejected":
		return parseWithdrawalRejected(raw.Data)
	case "OfferCreated":
		return parseOfferCreated(raw.Data)
	case "OfferAccepted":
		return parseOfferAccepted(raw.Data)
	case "CompletionSignaled":
		return parseCompletionSignaled(raw.Data)
	case "OfferCancelled":
		return parseOfferCancelled(raw.Data)
	case "DeadlineExtended":
		return parseDeadlineExtended(raw.Data)
	case "CustodianGranted":
		return parseCustodianGranted(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS and the HTTP
// command surface. Field names use snake_case to match upstream producers.

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", j.Amount)
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
	Reason       string `json:"reason,omitempty"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", j.Amount)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalConfirmed(data []byte) (*event.WithdrawalConfirmed, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalConfirmed: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", j.Amount)
	}
	return &event.WithdrawalConfirmed{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalRejected(data []byte) (*event.WithdrawalRejected, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRejected: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", j.Amount)
	}
	return &event.WithdrawalRejected{
		WithdrawalID: wdID,
		UserID:       userID,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Reason:       j.Reason,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type offerCreatedJSON struct {
	OfferID          string   `json:"offer_id"`
	Sender           string   `json:"sender"`
	Recipient        string   `json:"recipient,omitempty"` // Empty for public offers
	Asset            string   `json:"asset"`
	Amount           int64    `json:"amount"`
	SenderDeposit    int64    `json:"sender_deposit"`
	RecipientDeposit int64    `json:"recipient_deposit"`
	Quantity         int64    `json:"quantity"`
	Style            int32    `json:"style"`
	Tags             []string `json:"tags,omitempty"`
	DeadlineUs       int64    `json:"deadline_us"`
	Sequence         int64    `json:"sequence"`
	TimestampUs      int64    `json:"timestamp_us"`
}

func parseOfferCreated(data []byte) (*event.OfferCreated, error) {
	var j offerCreatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OfferCreated: %w", err)
	}
	offerID, err := uuid.Parse(j.OfferID)
	if err != nil {
		return nil, fmt.Errorf("parse offer_id: %w", err)
	}
	sender, err := uuid.Parse(j.Sender)
	if err != nil {
		return nil, fmt.Errorf("parse sender: %w", err)
	}
	recipient := uuid.Nil
	if j.Recipient != "" {
		recipient, err = uuid.Parse(j.Recipient)
		if err != nil {
			return nil, fmt.Errorf("parse recipient: %w", err)
		}
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("offer amount must be positive, got %d", j.Amount)
	}
	if j.SenderDeposit < 0 || j.RecipientDeposit < 0 {
		return nil, fmt.Errorf("deposits must be non-negative, got %d/%d", j.SenderDeposit, j.RecipientDeposit)
	}
	if j.Quantity < 1 {
		return nil, fmt.Errorf("offer quantity must be at least 1, got %d", j.Quantity)
	}
	// Private styles name their recipient up front; without one the offer
	// could never be accepted.
	if !escrow.OfferStyle(j.Style).IsPublic() && recipient == uuid.Nil {
		return nil, fmt.Errorf("private offer requires a recipient")
	}
	return &event.OfferCreated{
		OfferID:          offerID,
		Sender:           sender,
		Recipient:        recipient,
		Asset:            j.Asset,
		Amount:           j.Amount,
		SenderDeposit:    j.SenderDeposit,
		RecipientDeposit: j.RecipientDeposit,
		Quantity:         j.Quantity,
		Style:            j.Style,
		Tags:             j.Tags,
		Deadline:         time.UnixMicro(j.DeadlineUs),
		Sequence:         j.Sequence,
		Timestamp:        time.UnixMicro(j.TimestampUs),
	}, nil
}

type offerAcceptedJSON struct {
	AcceptID    string `json:"accept_id"`
	Agreement   string `json:"agreement_id"`
	Actor       string `json:"actor"`
	Party       string `json:"party,omitempty"` // Defaults to actor when empty
	Quantity    int64  `json:"quantity,omitempty"`
	FinalOffer  bool   `json:"final_offer,omitempty"`
	Affiliate   string `json:"affiliate,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOfferAccepted(data []byte) (*event.OfferAccepted, error) {
	var j offerAcceptedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OfferAccepted: %w", err)
	}
	acceptID, err := uuid.Parse(j.AcceptID)
	if err != nil {
		return nil, fmt.Errorf("parse accept_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	party := uuid.Nil
	if j.Party != "" {
		party, err = uuid.Parse(j.Party)
		if err != nil {
			return nil, fmt.Errorf("parse party: %w", err)
		}
	}
	if j.Agreement == "" {
		return nil, fmt.Errorf("agreement_id is required")
	}
	if j.Quantity < 0 {
		return nil, fmt.Errorf("accept quantity must be non-negative, got %d", j.Quantity)
	}
	affiliate := uuid.Nil
	if j.Affiliate != "" {
		affiliate, err = uuid.Parse(j.Affiliate)
		if err != nil {
			return nil, fmt.Errorf("parse affiliate: %w", err)
		}
	}
	return &event.OfferAccepted{
		AcceptID:   acceptID,
		Agreement:  j.Agreement,
		Actor:      actor,
		Party:      party,
		Quantity:   j.Quantity,
		FinalOffer: j.FinalOffer,
		Affiliate:  affiliate,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type completionJSON struct {
	SignalID    string `json:"signal_id"`
	Agreement   string `json:"agreement_id"`
	Actor       string `json:"actor"`
	Party       string `json:"party"`
	Affiliate   string `json:"affiliate,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCompletionSignaled(data []byte) (*event.CompletionSignaled, error) {
	var j completionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CompletionSignaled: %w", err)
	}
	signalID, err := uuid.Parse(j.SignalID)
	if err != nil {
		return nil, fmt.Errorf("parse signal_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	party, err := uuid.Parse(j.Party)
	if err != nil {
		return nil, fmt.Errorf("parse party: %w", err)
	}
	affiliate := uuid.Nil
	if j.Affiliate != "" {
		affiliate, err = uuid.Parse(j.Affiliate)
		if err != nil {
			return nil, fmt.Errorf("parse affiliate: %w", err)
		}
	}
	if j.Agreement == "" {
		return nil, fmt.Errorf("agreement_id is required")
	}
	return &event.CompletionSignaled{
		SignalID:  signalID,
		Agreement: j.Agreement,
		Actor:     actor,
		Party:     party,
		Affiliate: affiliate,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type cancelJSON struct {
	CancelID    string `json:"cancel_id"`
	Agreement   string `json:"agreement_id"`
	Actor       string `json:"actor"`
	Party       string `json:"party,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOfferCancelled(data []byte) (*event.OfferCancelled, error) {
	var j cancelJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OfferCancelled: %w", err)
	}
	cancelID, err := uuid.Parse(j.CancelID)
	if err != nil {
		return nil, fmt.Errorf("parse cancel_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	party := uuid.Nil
	if j.Party != "" {
		party, err = uuid.Parse(j.Party)
		if err != nil {
			return nil, fmt.Errorf("parse party: %w", err)
		}
	}
	if j.Agreement == "" {
		return nil, fmt.Errorf("agreement_id is required")
	}
	return &event.OfferCancelled{
		CancelID:  cancelID,
		Agreement: j.Agreement,
		Actor:     actor,
		Party:     party,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type extendJSON struct {
	ExtendID      string `json:"extend_id"`
	Agreement     string `json:"agreement_id"`
	Actor         string `json:"actor"`
	NewDeadlineUs int64  `json:"new_deadline_us"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseDeadlineExtended(data []byte) (*event.DeadlineExtended, error) {
	var j extendJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DeadlineExtended: %w", err)
	}
	extendID, err := uuid.Parse(j.ExtendID)
	if err != nil {
		return nil, fmt.Errorf("parse extend_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return nil, fmt.Errorf("parse actor: %w", err)
	}
	if j.Agreement == "" {
		return nil, fmt.Errorf("agreement_id is required")
	}
	if j.NewDeadlineUs <= 0 {
		return nil, fmt.Errorf("new_deadline_us must be positive, got %d", j.NewDeadlineUs)
	}
	return &event.DeadlineExtended{
		ExtendID:    extendID,
		Agreement:   j.Agreement,
		Actor:       actor,
		NewDeadline: time.UnixMicro(j.NewDeadlineUs),
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

type grantJSON struct {
	GrantID     string `json:"grant_id"`
	Grantor     string `json:"grantor"`
	Grantee     string `json:"grantee,omitempty"` // Empty for open grants
	Scope       string `json:"scope,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCustodianGranted(data []byte) (*event.CustodianGranted, error) {
	var j grantJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CustodianGranted: %w", err)
	}
	grantID, err := uuid.Parse(j.GrantID)
	if err != nil {
		return nil, fmt.Errorf("parse grant_id: %w", err)
	}
	grantor, err := uuid.Parse(j.Grantor)
	if err != nil {
		return nil, fmt.Errorf("parse grantor: %w", err)
	}
	grantee := uuid.Nil
	if j.Grantee != "" {
		grantee, err = uuid.Parse(j.Grantee)
		if err != nil {
			return nil, fmt.Errorf("parse grantee: %w", err)
		}
	}
	return &event.CustodianGranted{
		GrantID:   grantID,
		Grantor:   grantor,
		Grantee:   grantee,
		Scope:     j.Scope,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
