package event

import (
	"time"

	"github.com/google/uuid"
)

// OfferCreated records a new escrow offer from the sender.
// No balance movement happens until acceptance.
type OfferCreated struct {
	OfferID          uuid.UUID // Idempotency key from upstream
	Sender           uuid.UUID
	Recipient        uuid.UUID // Zero UUID for public offers
	Asset            string
	Amount           int64 // Fixed-point, per unit for quantity styles
	SenderDeposit    int64
	RecipientDeposit int64
	Quantity         int64
	Style            int32
	Tags             []string
	Deadline         time.Time
	Sequence         int64
	Timestamp        time.Time
}

func (o *OfferCreated) IdempotencyKey() string {
	return o.OfferID.String()
}

func (o *OfferCreated) EventType() EventType {
	return EventTypeOfferCreated
}

func (o *OfferCreated) AgreementID() *string {
	return nil // The agreement id is derived by the core on creation
}

func (o *OfferCreated) SourceSequence() int64 {
	return o.Sequence
}

// OfferAccepted locks both parties' deposits and moves the agreement to
// Accepted. FinalOffer acceptance with an exact quantity match collapses
// both party slots to Completed and settles immediately.
type OfferAccepted struct {
	AcceptID   uuid.UUID
	Agreement  string // Agreement id (hex)
	Actor      uuid.UUID
	Party      uuid.UUID // The recipient the actor acts for (self in the common case)
	Quantity   int64
	FinalOffer bool
	Affiliate  uuid.UUID // Optional explicit affiliate, zero if absent
	Sequence   int64
	Timestamp  time.Time
}

func (o *OfferAccepted) IdempotencyKey() string {
	return o.AcceptID.String()
}

func (o *OfferAccepted) EventType() EventType {
	return EventTypeOfferAccepted
}

func (o *OfferAccepted) AgreementID() *string {
	a := o.Agreement
	return &a
}

func (o *OfferAccepted) SourceSequence() int64 {
	return o.Sequence
}

// CompletionSignaled flips one party's status slot to Completed. The
// agreement settles when both slots are Completed.
type CompletionSignaled struct {
	SignalID  uuid.UUID
	Agreement string
	Actor     uuid.UUID
	Party     uuid.UUID // Whose slot is being completed
	Affiliate uuid.UUID // Optional explicit affiliate, zero if absent
	Sequence  int64
	Timestamp time.Time
}

func (c *CompletionSignaled) IdempotencyKey() string {
	return c.SignalID.String()
}

func (c *CompletionSignaled) EventType() EventType {
	return EventTypeCompletionSignaled
}

func (c *CompletionSignaled) AgreementID() *string {
	a := c.Agreement
	return &a
}

func (c *CompletionSignaled) SourceSequence() int64 {
	return c.Sequence
}

// OfferCancelled withdraws an open offer or unwinds an accepted agreement,
// refunding any locked deposits.
type OfferCancelled struct {
	CancelID  uuid.UUID
	Agreement string
	Actor     uuid.UUID
	Party     uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (c *OfferCancelled) IdempotencyKey() string {
	return c.CancelID.String()
}

func (c *OfferCancelled) EventType() EventType {
	return EventTypeOfferCancelled
}

func (c *OfferCancelled) AgreementID() *string {
	a := c.Agreement
	return &a
}

func (c *OfferCancelled) SourceSequence() int64 {
	return c.Sequence
}

// DeadlineExtended pushes an agreement's deadline forward. The core only
// checks the new deadline against the event's versioned timestamp; it does
// not enforce a minimum extension duration.
type DeadlineExtended struct {
	ExtendID    uuid.UUID
	Agreement   string
	Actor       uuid.UUID
	NewDeadline time.Time
	Sequence    int64
	Timestamp   time.Time
}

func (d *DeadlineExtended) IdempotencyKey() string {
	return d.ExtendID.String()
}

func (d *DeadlineExtended) EventType() EventType {
	return EventTypeDeadlineExtended
}

func (d *DeadlineExtended) AgreementID() *string {
	a := d.Agreement
	return &a
}

func (d *DeadlineExtended) SourceSequence() int64 {
	return d.Sequence
}

// AgreementSettled is a derived event emitted by the core when both party
// slots reach Completed (or a final offer collapses them). It is persisted
// to the event log and published outbound for the asset-transfer executor.
type AgreementSettled struct {
	Agreement   string
	Sender      uuid.UUID
	Recipient   uuid.UUID
	Asset       string
	GrossAmount int64
	Fee         int64
	Affiliate   uuid.UUID // Zero when the fee was burned
	Sequence    int64
	Timestamp   int64 // Epoch microseconds, derived from the triggering event
}

func (a *AgreementSettled) IdempotencyKey() string {
	return "settle:" + a.Agreement
}

func (a *AgreementSettled) EventType() EventType {
	return EventTypeAgreementSettled
}

func (a *AgreementSettled) AgreementID() *string {
	s := a.Agreement
	return &s
}

func (a *AgreementSettled) SourceSequence() int64 {
	return a.Sequence
}

// AgreementExpired is a derived event emitted when a lazy expiry check
// transitions an agreement to Expired and refunds its locked deposits.
type AgreementExpired struct {
	Agreement string
	Sequence  int64
	Timestamp int64
}

func (a *AgreementExpired) IdempotencyKey() string {
	return "expire:" + a.Agreement
}

func (a *AgreementExpired) EventType() EventType {
	return EventTypeAgreementExpired
}

func (a *AgreementExpired) AgreementID() *string {
	s := a.Agreement
	return &s
}

func (a *AgreementExpired) SourceSequence() int64 {
	return a.Sequence
}
