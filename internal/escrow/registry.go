package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Registry holds all agreements keyed by their derivation hash, plus the
// per-creator nonce counters that make identical offer terms collision-free.
// Not thread-safe — only accessed from the single-threaded core.
type Registry struct {
	agreements map[string]*Agreement
	nonces     map[uuid.UUID]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		agreements: make(map[string]*Agreement),
		nonces:     make(map[uuid.UUID]uint64),
	}
}

// OfferTerms are the immutable creation parameters of an agreement.
type OfferTerms struct {
	Sender           uuid.UUID
	Recipient        uuid.UUID
	Asset            string
	Amount           int64
	SenderDeposit    int64
	RecipientDeposit int64
	Quantity         int64
	Style            OfferStyle
	Tags             []string
	Deadline         time.Time
	CreatedAt        time.Time
}

// deriveID hashes the canonical term tuple plus the creator nonce with
// Keccak-256. The nonce guarantees distinct ids for byte-identical offers.
func deriveID(terms OfferTerms, nonce uint64) string {
	h := sha3.NewLegacyKeccak256()

	h.Write(terms.Sender[:])
	h.Write(terms.Recipient[:])
	h.Write([]byte(terms.Asset))

	var buf [8]byte
	writeInt64 := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	writeInt64(terms.Amount)
	writeInt64(terms.SenderDeposit)
	writeInt64(terms.RecipientDeposit)
	writeInt64(terms.Quantity)
	writeInt64(int64(terms.Style))
	writeInt64(terms.Deadline.UnixMicro())
	binary.LittleEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])

	return hex.EncodeToString(h.Sum(nil))
}

// Create registers a new agreement and returns it. The creator's nonce is
// consumed even if the same terms were seen before, so every call yields a
// fresh id.
func (r *Registry) Create(terms OfferTerms) *Agreement {
	nonce := r.nonces[terms.Sender]
	r.nonces[terms.Sender] = nonce + 1

	a := &Agreement{
		ID:               deriveID(terms, nonce),
		Sender:           terms.Sender,
		Recipient:        terms.Recipient,
		Asset:            terms.Asset,
		Amount:           terms.Amount,
		SenderDeposit:    terms.SenderDeposit,
		RecipientDeposit: terms.RecipientDeposit,
		Quantity:         terms.Quantity,
		Style:            terms.Style,
		Tags:             append([]string(nil), terms.Tags...),
		Deadline:         terms.Deadline,
		CreatedAt:        terms.CreatedAt,
		SenderStatus:     PartyPending,
		RecipientStatus:  PartyPending,
		Status:           StatusOffered,
	}

	r.agreements[a.ID] = a
	return a
}

// Get returns the agreement for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Agreement, error) {
	a, ok := r.agreements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// Count returns the number of registered agreements.
func (r *Registry) Count() int {
	return len(r.agreements)
}

// Range calls fn for every agreement. Iteration order is unspecified;
// deterministic consumers must sort by id themselves.
func (r *Registry) Range(fn func(a *Agreement)) {
	for _, a := range r.agreements {
		fn(a)
	}
}

// Snapshot returns deep copies of all agreements and the nonce counters.
func (r *Registry) Snapshot() (map[string]*Agreement, map[uuid.UUID]uint64) {
	agreements := make(map[string]*Agreement, len(r.agreements))
	for id, a := range r.agreements {
		agreements[id] = a.Clone()
	}
	nonces := make(map[uuid.UUID]uint64, len(r.nonces))
	for k, v := range r.nonces {
		nonces[k] = v
	}
	return agreements, nonces
}

// Restore replaces registry state from a snapshot.
func (r *Registry) Restore(agreements map[string]*Agreement, nonces map[uuid.UUID]uint64) {
	r.agreements = make(map[string]*Agreement, len(agreements))
	for id, a := range agreements {
		r.agreements[id] = a.Clone()
	}
	r.nonces = make(map[uuid.UUID]uint64, len(nonces))
	for k, v := range nonces {
		r.nonces[k] = v
	}
}
