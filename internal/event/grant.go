package event

import (
	"time"

	"github.com/google/uuid"
)

// CustodianGranted adds an authorization grant. Grants are additive; there
// is no revocation event.
type CustodianGranted struct {
	GrantID   uuid.UUID
	Grantor   uuid.UUID
	Grantee   uuid.UUID // Zero UUID for open (wildcard-grantee) grants
	Scope     string    // "custodian", "open", or an agreement id (hex)
	Sequence  int64
	Timestamp time.Time
}

func (g *CustodianGranted) IdempotencyKey() string {
	return g.GrantID.String()
}

func (g *CustodianGranted) EventType() EventType {
	return EventTypeCustodianGranted
}

func (g *CustodianGranted) AgreementID() *string {
	return nil
}

func (g *CustodianGranted) SourceSequence() int64 {
	return g.Sequence
}
