package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain balances, agreements, grants, referrals, sequence
// counters, recent idempotency keys, and the last state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	PrevHash        []byte              `json:"prev_hash"`
	Balances        map[string]int64    `json:"balances"` // AccountPath -> balance
	Agreements      []AgreementSnapshot `json:"agreements"`
	Nonces          map[string]uint64   `json:"nonces"` // Creator UUID -> next nonce
	Grants          []GrantSnapshot     `json:"grants"`
	Referrals       map[string]string   `json:"referrals"`   // User UUID -> affiliate UUID
	Completions     map[string]int64    `json:"completions"` // User UUID -> completed count
	SequenceState   map[string]int64    `json:"sequence_state"`
	IdempotencyKeys []string            `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time           `json:"created_at"`
}

// AgreementSnapshot is a serializable agreement.
type AgreementSnapshot struct {
	ID                     string   `json:"id"`
	Sender                 string   `json:"sender"`
	Recipient              string   `json:"recipient"`
	Asset                  string   `json:"asset"`
	Amount                 int64    `json:"amount"`
	SenderDeposit          int64    `json:"sender_deposit"`
	RecipientDeposit       int64    `json:"recipient_deposit"`
	Quantity               int64    `json:"quantity"`
	Style                  int32    `json:"style"`
	Tags                   []string `json:"tags,omitempty"`
	Deadline               int64    `json:"deadline"`
	CreatedAt              int64    `json:"created_at"`
	AcceptedQuantity       int64    `json:"accepted_quantity"`
	ScaledAmount           int64    `json:"scaled_amount"`
	ScaledSenderDeposit    int64    `json:"scaled_sender_deposit"`
	ScaledRecipientDeposit int64    `json:"scaled_recipient_deposit"`
	AffiliateHint          string   `json:"affiliate_hint,omitempty"`
	SenderStatus           int32    `json:"sender_status"`
	RecipientStatus        int32    `json:"recipient_status"`
	Status                 int32    `json:"status"`
}

// GrantSnapshot is a serializable authorization grant.
type GrantSnapshot struct {
	Grantor string `json:"grantor"`
	Grantee string `json:"grantee"`
	Scope   string `json:"scope"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified before they become restore candidates.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart: load snapshot, then replay events from snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay: warm restart
// (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, agreement_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.AgreementID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
