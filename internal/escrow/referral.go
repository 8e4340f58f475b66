package escrow

import (
	"github.com/google/uuid"
)

// Referrals tracks write-once affiliate bindings and per-user completion
// counts. A user binds to an affiliate on the first settlement where an
// eligible explicit affiliate is supplied; the binding never changes after
// that. Not thread-safe — only accessed from the single-threaded core.
type Referrals struct {
	bindings    map[uuid.UUID]uuid.UUID
	completions map[uuid.UUID]int64
	threshold   int64 // Completed agreements an affiliate needs before referring
}

func NewReferrals(threshold int64) *Referrals {
	return &Referrals{
		bindings:    make(map[uuid.UUID]uuid.UUID),
		completions: make(map[uuid.UUID]int64),
		threshold:   threshold,
	}
}

// Resolve returns the affiliate to credit for a settlement involving user.
// An existing binding always wins; the explicit candidate is ignored once
// bound. An unbound user binds to the explicit candidate only if the
// candidate is distinct, non-zero, and has enough completed agreements.
func (r *Referrals) Resolve(user, explicit uuid.UUID) (uuid.UUID, bool) {
	if bound, ok := r.bindings[user]; ok {
		return bound, true
	}

	var zero uuid.UUID
	if explicit == zero || explicit == user {
		return zero, false
	}
	if r.completions[explicit] < r.threshold {
		return zero, false
	}

	r.bindings[user] = explicit
	return explicit, true
}

// Affiliate returns the bound affiliate without side effects.
func (r *Referrals) Affiliate(user uuid.UUID) (uuid.UUID, bool) {
	bound, ok := r.bindings[user]
	return bound, ok
}

// RecordCompletion bumps a party's completed-agreement count.
func (r *Referrals) RecordCompletion(user uuid.UUID) {
	r.completions[user]++
}

// Completions returns a party's completed-agreement count.
func (r *Referrals) Completions(user uuid.UUID) int64 {
	return r.completions[user]
}

// Snapshot returns copies of bindings and completion counts.
func (r *Referrals) Snapshot() (map[uuid.UUID]uuid.UUID, map[uuid.UUID]int64) {
	bindings := make(map[uuid.UUID]uuid.UUID, len(r.bindings))
	for k, v := range r.bindings {
		bindings[k] = v
	}
	completions := make(map[uuid.UUID]int64, len(r.completions))
	for k, v := range r.completions {
		completions[k] = v
	}
	return bindings, completions
}

// Restore replaces referral state from a snapshot.
func (r *Referrals) Restore(bindings map[uuid.UUID]uuid.UUID, completions map[uuid.UUID]int64) {
	r.bindings = make(map[uuid.UUID]uuid.UUID, len(bindings))
	for k, v := range bindings {
		r.bindings[k] = v
	}
	r.completions = make(map[uuid.UUID]int64, len(completions))
	for k, v := range completions {
		r.completions[k] = v
	}
}
