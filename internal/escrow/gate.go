package escrow

import (
	"github.com/google/uuid"
)

// Grant scopes. An agreement-scoped grant uses the agreement id itself.
const (
	ScopeCustodian = "custodian"
	ScopeOpen      = "open"
)

// GrantKey identifies one authorization grant.
type GrantKey struct {
	Grantor uuid.UUID
	Grantee uuid.UUID // Zero UUID for wildcard-grantee grants
	Scope   string
}

// Gate answers "may actor act for principal on this agreement". Grants are
// additive and never revoked; the check runs fresh on every privileged call.
// Not thread-safe — only accessed from the single-threaded core.
type Gate struct {
	grants map[GrantKey]struct{}
}

func NewGate() *Gate {
	return &Gate{grants: make(map[GrantKey]struct{})}
}

// Grant records an authorization. Scope is ScopeCustodian, ScopeOpen, or an
// agreement id. Re-granting is a no-op.
func (g *Gate) Grant(grantor, grantee uuid.UUID, scope string) {
	g.grants[GrantKey{Grantor: grantor, Grantee: grantee, Scope: scope}] = struct{}{}
}

// Check evaluates authorization in precedence order: self, custodian-wide
// grant, agreement-scoped grant, open (wildcard-grantee) grant.
func (g *Gate) Check(actor, principal uuid.UUID, agreementID string) bool {
	if actor == principal {
		return true
	}
	if g.has(principal, actor, ScopeCustodian) {
		return true
	}
	if agreementID != "" && g.has(principal, actor, agreementID) {
		return true
	}
	var zero uuid.UUID
	if g.has(principal, zero, ScopeOpen) {
		return true
	}
	if agreementID != "" && g.has(principal, zero, agreementID) {
		return true
	}
	return false
}

func (g *Gate) has(grantor, grantee uuid.UUID, scope string) bool {
	_, ok := g.grants[GrantKey{Grantor: grantor, Grantee: grantee, Scope: scope}]
	return ok
}

// Snapshot returns all grants as a slice of keys.
func (g *Gate) Snapshot() []GrantKey {
	keys := make([]GrantKey, 0, len(g.grants))
	for k := range g.grants {
		keys = append(keys, k)
	}
	return keys
}

// Restore replaces grant state from a snapshot.
func (g *Gate) Restore(keys []GrantKey) {
	g.grants = make(map[GrantKey]struct{}, len(keys))
	for _, k := range keys {
		g.grants[k] = struct{}{}
	}
}
