package escrow

import (
	"time"

	"github.com/google/uuid"
)

// MaxTags bounds the hashtag list on an offer.
const MaxTags = 5

// OfferStyle controls visibility and quantity semantics of an offer.
type OfferStyle int32

const (
	StylePrivate OfferStyle = iota
	StylePrivateQuantity
	StylePublic
	StylePublicQuantity
)

// IsPublic reports whether any user may accept the offer.
func (s OfferStyle) IsPublic() bool {
	return s == StylePublic || s == StylePublicQuantity
}

// MultipliesQuantity reports whether amount and deposits scale with the
// accepted quantity.
func (s OfferStyle) MultipliesQuantity() bool {
	return s == StylePrivateQuantity || s == StylePublicQuantity
}

func (s OfferStyle) Valid() bool {
	return s >= StylePrivate && s <= StylePublicQuantity
}

func (s OfferStyle) String() string {
	switch s {
	case StylePrivate:
		return "private"
	case StylePrivateQuantity:
		return "private_quantity"
	case StylePublic:
		return "public"
	case StylePublicQuantity:
		return "public_quantity"
	default:
		return "unknown"
	}
}

// PartyStatus is one party's slot in the agreement lifecycle.
type PartyStatus int32

const (
	PartyPending PartyStatus = iota
	PartyAccepted
	PartyCompleted
)

func (p PartyStatus) String() string {
	switch p {
	case PartyPending:
		return "pending"
	case PartyAccepted:
		return "accepted"
	case PartyCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// AgreementStatus is the derived overall status. It collapses from the two
// party slots plus the terminal flags.
type AgreementStatus int32

const (
	StatusOffered AgreementStatus = iota
	StatusAccepted
	StatusCompleting
	StatusCompleted
	StatusCancelled
	StatusExpired
)

func (a AgreementStatus) Terminal() bool {
	return a == StatusCompleted || a == StatusCancelled || a == StatusExpired
}

func (a AgreementStatus) String() string {
	switch a {
	case StatusOffered:
		return "offered"
	case StatusAccepted:
		return "accepted"
	case StatusCompleting:
		return "completing"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Agreement is one escrow contract between a sender and a recipient.
// Amounts are fixed-point per unit; Locked* carry the scaled legs actually
// moved at acceptance so refunds and settlement release exactly what was
// locked.
type Agreement struct {
	ID               string // Hex-encoded derivation hash
	Sender           uuid.UUID
	Recipient        uuid.UUID // Zero until a public offer is accepted
	Asset            string
	Amount           int64
	SenderDeposit    int64
	RecipientDeposit int64
	Quantity         int64
	Style            OfferStyle
	Tags             []string
	Deadline         time.Time
	CreatedAt        time.Time

	// Scaled terms captured at acceptance so refunds and settlement release
	// exactly what was locked. Zero until accepted.
	AcceptedQuantity       int64
	ScaledAmount           int64
	ScaledSenderDeposit    int64
	ScaledRecipientDeposit int64

	// AffiliateHint is the first non-zero explicit affiliate supplied on a
	// completion signal; resolved against the binding rules at settlement.
	AffiliateHint uuid.UUID

	SenderStatus    PartyStatus
	RecipientStatus PartyStatus
	Status          AgreementStatus
}

// DeriveStatus recomputes the overall status from the party slots. Terminal
// statuses are sticky and never derived over.
func (a *Agreement) DeriveStatus() {
	if a.Status.Terminal() {
		return
	}
	switch {
	case a.SenderStatus == PartyCompleted && a.RecipientStatus == PartyCompleted:
		a.Status = StatusCompleted
	case a.SenderStatus == PartyCompleted || a.RecipientStatus == PartyCompleted:
		a.Status = StatusCompleting
	case a.SenderStatus == PartyAccepted && a.RecipientStatus == PartyAccepted:
		a.Status = StatusAccepted
	default:
		a.Status = StatusOffered
	}
}

// SenderLeg returns the sender's locked total (amount plus deposit, scaled).
func (a *Agreement) SenderLeg() int64 {
	return a.ScaledAmount + a.ScaledSenderDeposit
}

// RecipientLeg returns the recipient's locked total (deposit only, scaled).
func (a *Agreement) RecipientLeg() int64 {
	return a.ScaledRecipientDeposit
}

// PartyOf returns which side of the agreement the given user is on.
func (a *Agreement) PartyOf(user uuid.UUID) (isSender, isRecipient bool) {
	return user == a.Sender, user == a.Recipient
}

// Expired reports whether the deadline has passed relative to the given
// versioned timestamp.
func (a *Agreement) Expired(now time.Time) bool {
	return now.After(a.Deadline)
}

// Clone returns a deep copy (projection and snapshot use)
func (a *Agreement) Clone() *Agreement {
	cp := *a
	cp.Tags = append([]string(nil), a.Tags...)
	return &cp
}

// ValidateOfferTerms checks static offer constraints before registration.
// Amount and quantity positivity are enforced at the ingestion boundary.
func ValidateOfferTerms(style OfferStyle, tags []string) error {
	if !style.Valid() {
		return ErrInvalidStyle
	}
	if len(tags) > MaxTags {
		return ErrHashtagLimitExceeded
	}
	return nil
}
