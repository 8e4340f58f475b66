package ingestion

import (
	"EscrowLedger/internal/event"
	"encoding/json"
	"fmt"
)

// DecodeStoredEvent decodes an event-log payload back into a typed event
// for replay. The log stores the core's own JSON encoding of the typed
// structs, not the upstream wire format, so this is the inverse of the
// core's envelope encoding rather than of ParseRawEvent.
func DecodeStoredEvent(eventType string, payload []byte) (event.Event, error) {
	var evt event.Event

	switch eventType {
	case "DepositConfirmed":
		evt = &event.DepositConfirmed{}
	case "WithdrawalRequested":
		evt = &event.WithdrawalRequested{}
	case "WithdrawalConfirmed":
		evt = &event.WithdrawalConfirmed{}
	case "WithdrawalRejected":
		evt = &event.WithdrawalRejected{}
	case "OfferCreated":
		evt = &event.OfferCreated{}
	case "OfferAccepted":
		evt = &event.OfferAccepted{}
	case "CompletionSignaled":
		evt = &event.CompletionSignaled{}
	case "OfferCancelled":
		evt = &event.OfferCancelled{}
	case "DeadlineExtended":
		evt = &event.DeadlineExtended{}
	case "CustodianGranted":
		evt = &event.CustodianGranted{}
	case "AgreementSettled":
		evt = &event.AgreementSettled{}
	case "AgreementExpired":
		evt = &event.AgreementExpired{}
	default:
		return nil, fmt.Errorf("unknown stored event type: %s", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", eventType, err)
	}
	return evt, nil
}
