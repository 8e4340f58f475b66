package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	AgreementID    *string
	JournalEntries []JournalEntry
	Agreement      *AgreementRow
	Settlement     *SettlementRow
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// AgreementRow is the post-transition agreement state for upsert.
type AgreementRow struct {
	ID                     string
	Sender                 string
	Recipient              string
	Asset                  string
	Amount                 int64
	SenderDeposit          int64
	RecipientDeposit       int64
	Quantity               int64
	Style                  int32
	Deadline               int64 // Epoch microseconds
	AcceptedQuantity       int64
	ScaledAmount           int64
	ScaledSenderDeposit    int64
	ScaledRecipientDeposit int64
	SenderStatus           int32
	RecipientStatus        int32
	Status                 int32
}

// SettlementRow is a completed settlement for the history table.
type SettlementRow struct {
	AgreementID string
	Sender      string
	Recipient   string
	Asset       string
	GrossAmount int64
	Fee         int64
	Affiliate   *string // NULL when the fee was burned
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			pw.lastSeq = output.Sequence

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	// Upsert the agreement's post-transition state
	if output.Agreement != nil {
		if err := pw.upsertAgreement(ctx, tx, output.Agreement); err != nil {
			return fmt.Errorf("agreement projection: %w", err)
		}
	}

	// Record completed settlements
	if output.Settlement != nil {
		if err := pw.insertSettlement(ctx, tx, output.Settlement, output.Sequence, output.Timestamp); err != nil {
			return fmt.Errorf("settlement projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies a journal's movement. The sign convention
// matches the in-memory tracker: the debit account gains, the credit
// account is the source of funds.
func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, pw.lastSeq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, pw.lastSeq); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) upsertAgreement(ctx context.Context, tx *sql.Tx, a *AgreementRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.agreements
			(agreement_id, sender, recipient, asset, amount, sender_deposit,
			 recipient_deposit, quantity, style, deadline_us, accepted_quantity,
			 scaled_amount, scaled_sender_deposit, scaled_recipient_deposit,
			 sender_status, recipient_status, status, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		ON CONFLICT (agreement_id) DO UPDATE SET
			deadline_us = $10,
			accepted_quantity = $11,
			scaled_amount = $12,
			scaled_sender_deposit = $13,
			scaled_recipient_deposit = $14,
			sender_status = $15,
			recipient_status = $16,
			status = $17,
			last_sequence = $18,
			updated_at = NOW()
	`, a.ID, a.Sender, a.Recipient, a.Asset, a.Amount, a.SenderDeposit,
		a.RecipientDeposit, a.Quantity, a.Style, a.Deadline, a.AcceptedQuantity,
		a.ScaledAmount, a.ScaledSenderDeposit, a.ScaledRecipientDeposit,
		a.SenderStatus, a.RecipientStatus, a.Status, pw.lastSeq)
	return err
}

func (pw *ProjectionWorker) insertSettlement(ctx context.Context, tx *sql.Tx, s *SettlementRow, sequence, timestamp int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlements
			(agreement_id, sender, recipient, asset, gross_amount, fee, affiliate, sequence, settled_at_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agreement_id) DO NOTHING
	`, s.AgreementID, s.Sender, s.Recipient, s.Asset, s.GrossAmount, s.Fee, s.Affiliate, sequence, timestamp)
	return err
}

// RebuildProjections rebuilds the balance projection from the event log.
// Agreements and settlements rebuild naturally as the core re-emits state
// on replay; balances are recomputed here from journal entries.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.agreements`,
		`TRUNCATE projections.settlements`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits add to an account's balance
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credits subtract
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
