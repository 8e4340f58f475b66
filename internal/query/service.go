package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables. Queries are
// served via the HTTP/JSON API, reading from PostgreSQL. All responses
// include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns a user's balance breakdown for a specific asset.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	userID uuid.UUID,
	asset string,
) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	availablePath := fmt.Sprintf("user:%s:available:%s", userID, asset)
	available, err := qs.getProjectedBalance(ctx, availablePath)
	if err != nil {
		return nil, err
	}

	lockedPath := fmt.Sprintf("user:%s:escrow_locked:%s", userID, asset)
	locked, err := qs.getProjectedBalance(ctx, lockedPath)
	if err != nil {
		return nil, err
	}

	pendingPath := fmt.Sprintf("user:%s:pending_withdrawal:%s", userID, asset)
	pending, err := qs.getProjectedBalance(ctx, pendingPath)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:            userID,
		Asset:             asset,
		TotalBalance:      available + locked,
		AvailableBalance:  available,
		LockedBalance:     locked,
		PendingWithdrawal: pending,
		AsOfSequence:      asOfSeq,
	}, nil
}

// GetAgreement returns a single agreement by id.
func (qs *QueryService) GetAgreement(
	ctx context.Context,
	agreementID string,
) (*AgreementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var a AgreementResponse
	a.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT agreement_id, sender, recipient, asset, amount, sender_deposit,
		       recipient_deposit, quantity, style, deadline_us, accepted_quantity,
		       scaled_amount, scaled_sender_deposit, scaled_recipient_deposit,
		       sender_status, recipient_status, status
		FROM projections.agreements
		WHERE agreement_id = $1
	`, agreementID).Scan(
		&a.AgreementID, &a.Sender, &a.Recipient, &a.Asset, &a.Amount,
		&a.SenderDeposit, &a.RecipientDeposit, &a.Quantity, &a.Style,
		&a.DeadlineUs, &a.AcceptedQuantity, &a.ScaledAmount,
		&a.ScaledSenderDeposit, &a.ScaledRecipientDeposit,
		&a.SenderStatus, &a.RecipientStatus, &a.Status,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgreements returns agreements involving a user, newest first, with
// cursor-based pagination on sequence.
func (qs *QueryService) ListAgreements(
	ctx context.Context,
	userID uuid.UUID,
	status *int32,
	limit int,
	afterSequence *int64,
) ([]AgreementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT agreement_id, sender, recipient, asset, amount, sender_deposit,
		       recipient_deposit, quantity, style, deadline_us, accepted_quantity,
		       scaled_amount, scaled_sender_deposit, scaled_recipient_deposit,
		       sender_status, recipient_status, status, last_sequence
		FROM projections.agreements
		WHERE (sender = $1 OR recipient = $1)
	`
	args := []interface{}{userID.String()}
	argIdx := 2

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND last_sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY last_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agreements []AgreementResponse
	for rows.Next() {
		var a AgreementResponse
		var lastSeq int64
		a.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&a.AgreementID, &a.Sender, &a.Recipient, &a.Asset, &a.Amount,
			&a.SenderDeposit, &a.RecipientDeposit, &a.Quantity, &a.Style,
			&a.DeadlineUs, &a.AcceptedQuantity, &a.ScaledAmount,
			&a.ScaledSenderDeposit, &a.ScaledRecipientDeposit,
			&a.SenderStatus, &a.RecipientStatus, &a.Status, &lastSeq,
		); err != nil {
			return nil, err
		}
		agreements = append(agreements, a)
	}

	return agreements, rows.Err()
}

// GetSettlements returns settlement history for a user, newest first.
func (qs *QueryService) GetSettlements(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]SettlementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT agreement_id, sender, recipient, asset, gross_amount, fee,
		       affiliate, sequence, settled_at_us
		FROM projections.settlements
		WHERE (sender = $1 OR recipient = $1 OR affiliate = $1)
	`
	args := []interface{}{userID.String()}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []SettlementResponse
	for rows.Next() {
		var s SettlementResponse
		s.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&s.AgreementID, &s.Sender, &s.Recipient, &s.Asset,
			&s.GrossAmount, &s.Fee, &s.Affiliate, &s.Sequence, &s.SettledAtUs,
		); err != nil {
			return nil, err
		}
		settlements = append(settlements, s)
	}

	return settlements, rows.Err()
}

// GetReferral returns a user's referral standing. The bound affiliate is
// the affiliate of the user's earliest fee-earning settlement as recipient;
// completions count every settlement the user was party to.
func (qs *QueryService) GetReferral(
	ctx context.Context,
	userID uuid.UUID,
) (*ReferralResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &ReferralResponse{
		UserID:       userID,
		AsOfSequence: asOfSeq,
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT affiliate FROM projections.settlements
		WHERE recipient = $1 AND affiliate IS NOT NULL
		ORDER BY sequence ASC
		LIMIT 1
	`, userID.String()).Scan(&resp.Affiliate)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM projections.settlements
		WHERE sender = $1 OR recipient = $1
	`, userID.String()).Scan(&resp.Completions)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// GetJournalHistory returns journal entries for a user with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the global zero-sum
// invariant across projection balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
