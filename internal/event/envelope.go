package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypeWithdrawalConfirmed
	EventTypeWithdrawalRejected
	EventTypeOfferCreated
	EventTypeOfferAccepted
	EventTypeCompletionSignaled
	EventTypeOfferCancelled
	EventTypeDeadlineExtended
	EventTypeCustodianGranted
	EventTypeAgreementSettled
	EventTypeAgreementExpired
)

// SequenceLocal marks an event minted by the local command surface rather
// than an upstream producer. Local events carry no source ordering, so the
// core exempts them from per-partition gap validation.
const SequenceLocal int64 = -1

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Agreement context (nullable for fund-movement and grant events)
	AgreementID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AgreementID returns the agreement context (nil for global events)
	AgreementID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeWithdrawalConfirmed:
		return "WithdrawalConfirmed"
	case EventTypeWithdrawalRejected:
		return "WithdrawalRejected"
	case EventTypeOfferCreated:
		return "OfferCreated"
	case EventTypeOfferAccepted:
		return "OfferAccepted"
	case EventTypeCompletionSignaled:
		return "CompletionSignaled"
	case EventTypeOfferCancelled:
		return "OfferCancelled"
	case EventTypeDeadlineExtended:
		return "DeadlineExtended"
	case EventTypeCustodianGranted:
		return "CustodianGranted"
	case EventTypeAgreementSettled:
		return "AgreementSettled"
	case EventTypeAgreementExpired:
		return "AgreementExpired"
	default:
		return "Unknown"
	}
}
