package core

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	fpmath "EscrowLedger/internal/math"
	"EscrowLedger/internal/observability"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Policy carries the operator-set escrow parameters.
type Policy struct {
	FeeBps            int64 // Settlement fee in basis points of the gross amount
	ReferralThreshold int64 // Completed agreements an affiliate needs before referring
}

// EscrowCore is the single-threaded event processor. All balance and
// agreement mutations flow through ProcessEvent; a dispatch either applies
// the full transition (status change plus journal batch) or nothing.
type EscrowCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	registry          *escrow.Registry
	gate              *escrow.Gate
	referrals         *escrow.Referrals
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	guard             callGuard
	policy            Policy
	metrics           *observability.Metrics
	replaying         bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte

	// Agreement is a clone of the post-transition agreement state, nil for
	// fund-movement and grant events. Consumed by the projection worker.
	Agreement *escrow.Agreement

	// Settlement carries the payout breakdown on AgreementSettled outputs.
	Settlement *SettlementInfo
}

// SettlementInfo is the payout breakdown of a settled agreement.
type SettlementInfo struct {
	Agreement   string
	Sender      uuid.UUID
	Recipient   uuid.UUID
	Asset       string
	GrossAmount int64
	Fee         int64
	Affiliate   uuid.UUID // Zero when the fee was burned
}

func NewEscrowCore(
	startSequence int64,
	policy Policy,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *EscrowCore {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator(startSequence, balanceTracker)

	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)
	sequenceValidator := NewSequenceValidator()

	return &EscrowCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		registry:          escrow.NewRegistry(),
		gate:              escrow.NewGate(),
		referrals:         escrow.NewReferrals(policy.ReferralThreshold),
		idempotency:       idempotencyChecker,
		sequenceValidator: sequenceValidator,
		policy:            policy,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *EscrowCore) ProcessEvent(evt event.Event) error {
	if err := c.guard.enter(); err != nil {
		return fmt.Errorf("reentrant core invocation: %w", err)
	}
	defer c.guard.exit()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier). Replay bypasses dedup: the log
	// itself is the source, so every entry must re-apply.
	isDuplicate := false
	if !c.replaying {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation. Local command events carry no upstream
	// ordering and are exempt; only upstream producers are gap-checked.
	// During replay the logged sequences were already validated on first
	// processing, so the cursor just follows the log (events that failed
	// dispatch consumed a sequence without being logged).
	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()

	if sourceSequence == event.SequenceLocal {
		// Exempt — cursor untouched
	} else if c.replaying {
		c.sequenceValidator.RestorePartition(partition, sourceSequence+1)
	} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Event dispatch — lazy expiry runs inside the agreement
	// handlers before any transition logic.
	batch, agreement, err := c.dispatchEvent(evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4-5: Validate and apply the batch. Status-only events (offer
	// creation, grants, deadline extension) produce no journals but still
	// need an envelope in the event log.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}

		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("apply batch failed: %w", err)
		}
	}

	// Step 6: Compute state digest and hash
	stateDigest := c.computeStateDigest(batch, agreement)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	// Step 7: Create envelope
	agreementID := evt.AgreementID()
	if agreement != nil {
		id := agreement.ID
		agreementID = &id
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		AgreementID:    agreementID,
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: sourceSequence,
		Payload:        encodeEventPayload(evt),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}
	if agreement != nil {
		output.Agreement = agreement.Clone()
	}

	c.sequence++

	// Step 8: Post-checks
	if err := c.postCheckInvariants(evt, agreement); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 9: Emit outputs
	c.emitOutput(output)

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// emitOutput sends a core output downstream. Persist channel uses a
// BLOCKING send (backpressure, no event loss); projection channel is
// NON-BLOCKING with silent drop — projections rebuild from the event log.
// During replay nothing is emitted: every replayed event is already in the
// log and its projections are durable.
func (c *EscrowCore) emitOutput(output CoreOutput) {
	if c.replaying {
		return
	}

	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
		// Dropped — projection will catch up via rebuild
	}
}

// getPartition determines partition key for sequence validation
func (c *EscrowCore) getPartition(evt event.Event) string {
	if agreementID := evt.AgreementID(); agreementID != nil {
		return fmt.Sprintf("agreement:%s", *agreementID)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event.
// The core MUST NOT call time.Now(); all timestamps are versioned inputs.
func (c *EscrowCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.WithdrawalConfirmed:
		return e.Timestamp
	case *event.WithdrawalRejected:
		return e.Timestamp
	case *event.OfferCreated:
		return e.Timestamp
	case *event.OfferAccepted:
		return e.Timestamp
	case *event.CompletionSignaled:
		return e.Timestamp
	case *event.OfferCancelled:
		return e.Timestamp
	case *event.DeadlineExtended:
		return e.Timestamp
	case *event.CustodianGranted:
		return e.Timestamp
	case *event.AgreementSettled:
		return time.UnixMicro(e.Timestamp)
	case *event.AgreementExpired:
		return time.UnixMicro(e.Timestamp)
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

// computeStateDigest creates canonical bytes for the state hash: balances of
// every account the batch touched, sorted by path, plus the status bytes of
// the addressed agreement.
func (c *EscrowCore) computeStateDigest(batch *ledger.Batch, agreement *escrow.Agreement) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+64)

	for _, key := range accounts {
		balance := c.balanceTracker.GetBalance(key)

		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		digest = appendInt64LE(digest, balance)
	}

	if agreement != nil {
		digest = append(digest, []byte(agreement.ID)...)
		digest = append(digest,
			byte(agreement.Status),
			byte(agreement.SenderStatus),
			byte(agreement.RecipientStatus),
		)
		digest = appendInt64LE(digest, agreement.AcceptedQuantity)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (c *EscrowCore) postCheckInvariants(evt event.Event, agreement *escrow.Agreement) error {
	switch e := evt.(type) {
	case *event.WithdrawalRequested:
		assetID, _ := ledger.GetAssetID(e.Asset)
		if err := c.balanceTracker.ValidateAvailableNonNegative(e.UserID, assetID); err != nil {
			return fmt.Errorf("post-check available: %w", err)
		}

	case *event.OfferAccepted, *event.CompletionSignaled, *event.OfferCancelled:
		if agreement != nil {
			assetID, _ := ledger.GetAssetID(agreement.Asset)
			for _, user := range [2]uuid.UUID{agreement.Sender, agreement.Recipient} {
				var zero uuid.UUID
				if user == zero {
					continue
				}
				if err := c.balanceTracker.ValidateAvailableNonNegative(user, assetID); err != nil {
					return fmt.Errorf("post-check available: %w", err)
				}
				if err := c.balanceTracker.ValidateLockedNonNegative(user, assetID); err != nil {
					return fmt.Errorf("post-check locked: %w", err)
				}
			}
		}
	}

	// Periodic global zero-sum check
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateZeroSum(); err != nil {
			return fmt.Errorf("post-check zero-sum (at seq %d): %w", c.sequence, err)
		}
	}

	return nil
}

func (c *EscrowCore) dispatchEvent(evt event.Event) (*ledger.Batch, *escrow.Agreement, error) {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e)
	case *event.WithdrawalConfirmed:
		return c.handleWithdrawalConfirmed(e)
	case *event.WithdrawalRejected:
		return c.handleWithdrawalRejected(e)
	case *event.OfferCreated:
		return c.handleOfferCreated(e)
	case *event.OfferAccepted:
		return c.handleOfferAccepted(e)
	case *event.CompletionSignaled:
		return c.handleCompletionSignaled(e)
	case *event.OfferCancelled:
		return c.handleOfferCancelled(e)
	case *event.DeadlineExtended:
		return c.handleDeadlineExtended(e)
	case *event.CustodianGranted:
		return c.handleCustodianGranted(e)
	default:
		return nil, nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *EscrowCore) emptyBatch(eventRef string, timestamp int64) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  c.sequence,
		Timestamp: timestamp,
		Journals:  []ledger.Journal{},
	}
}

// --- Fund movement handlers ---

func (c *EscrowCore) handleDepositConfirmed(evt *event.DepositConfirmed) (*ledger.Batch, *escrow.Agreement, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, nil, fmt.Errorf("unknown asset: %s", evt.Asset)
	}

	batch, err := c.journalGen.GenerateDeposit(evt.UserID, evt.DepositID, evt.Amount, assetID, evt.Timestamp.UnixMicro())
	return batch, nil, err
}

func (c *EscrowCore) handleWithdrawalRequested(evt *event.WithdrawalRequested) (*ledger.Batch, *escrow.Agreement, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, nil, fmt.Errorf("unknown asset: %s", evt.Asset)
	}

	batch, err := c.journalGen.GenerateWithdrawalRequested(evt.UserID, evt.WithdrawalID, evt.Amount, assetID, evt.Timestamp.UnixMicro())
	return batch, nil, err
}

func (c *EscrowCore) handleWithdrawalConfirmed(evt *event.WithdrawalConfirmed) (*ledger.Batch, *escrow.Agreement, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, nil, fmt.Errorf("unknown asset: %s", evt.Asset)
	}

	batch, err := c.journalGen.GenerateWithdrawalConfirmed(evt.UserID, evt.WithdrawalID, evt.Amount, assetID, evt.Timestamp.UnixMicro())
	return batch, nil, err
}

func (c *EscrowCore) handleWithdrawalRejected(evt *event.WithdrawalRejected) (*ledger.Batch, *escrow.Agreement, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, nil, fmt.Errorf("unknown asset: %s", evt.Asset)
	}

	batch, err := c.journalGen.GenerateWithdrawalRejected(evt.UserID, evt.WithdrawalID, evt.Amount, assetID, evt.Timestamp.UnixMicro())
	return batch, nil, err
}

// --- Agreement handlers ---

func (c *EscrowCore) handleOfferCreated(evt *event.OfferCreated) (*ledger.Batch, *escrow.Agreement, error) {
	if _, ok := ledger.GetAssetID(evt.Asset); !ok {
		return nil, nil, fmt.Errorf("unknown asset: %s", evt.Asset)
	}

	style := escrow.OfferStyle(evt.Style)
	if err := escrow.ValidateOfferTerms(style, evt.Tags); err != nil {
		return nil, nil, err
	}

	// Offer creation moves no funds. Coverage is checked at acceptance.
	agreement := c.registry.Create(escrow.OfferTerms{
		Sender:           evt.Sender,
		Recipient:        evt.Recipient,
		Asset:            evt.Asset,
		Amount:           evt.Amount,
		SenderDeposit:    evt.SenderDeposit,
		RecipientDeposit: evt.RecipientDeposit,
		Quantity:         evt.Quantity,
		Style:            style,
		Tags:             evt.Tags,
		Deadline:         evt.Deadline,
		CreatedAt:        evt.Timestamp,
	})

	if c.metrics != nil {
		c.metrics.AgreementsCreated.WithLabelValues(style.String()).Inc()
	}

	return c.emptyBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro()), agreement, nil
}

func (c *EscrowCore) handleOfferAccepted(evt *event.OfferAccepted) (*ledger.Batch, *escrow.Agreement, error) {
	agreement, err := c.sweepExpiry(evt.Agreement, evt.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	if agreement.Status != escrow.StatusOffered {
		return nil, agreement, fmt.Errorf("accept %s: %w", agreement.ID, escrow.ErrInvalidStatus)
	}

	// Resolve the accepting party. Public offers adopt the acting party as
	// recipient; private offers require the named recipient (or their
	// authorized custodian).
	var zero uuid.UUID
	party := evt.Party
	if party == zero {
		party = evt.Actor
	}

	if agreement.Style.IsPublic() && agreement.Recipient == zero {
		if party == agreement.Sender {
			return nil, agreement, fmt.Errorf("accept %s: sender cannot accept own offer: %w", agreement.ID, escrow.ErrUnauthorized)
		}
	} else {
		if party != agreement.Recipient {
			return nil, agreement, fmt.Errorf("accept %s: %w", agreement.ID, escrow.ErrUnauthorized)
		}
	}
	if !c.gate.Check(evt.Actor, party, agreement.ID) {
		return nil, agreement, fmt.Errorf("accept %s: actor %s: %w", agreement.ID, evt.Actor, escrow.ErrUnauthorized)
	}

	// Quantity resolution
	quantity := int64(1)
	if agreement.Style.MultipliesQuantity() {
		quantity = evt.Quantity
		if quantity < 1 || quantity > agreement.Quantity {
			return nil, agreement, fmt.Errorf("accept %s: quantity %d outside [1, %d]: %w",
				agreement.ID, quantity, agreement.Quantity, escrow.ErrInvalidStatus)
		}
	}
	if evt.FinalOffer && quantity != agreement.Quantity {
		return nil, agreement, fmt.Errorf("accept %s: got %d, offer holds %d: %w",
			agreement.ID, quantity, agreement.Quantity, escrow.ErrInvalidQuantityForFinalOffer)
	}

	scaledAmount, err := fpmath.ScaleByQuantity(agreement.Amount, quantity)
	if err != nil {
		return nil, agreement, fmt.Errorf("accept %s: %w", agreement.ID, err)
	}
	scaledSenderDeposit, err := fpmath.ScaleByQuantity(agreement.SenderDeposit, quantity)
	if err != nil {
		return nil, agreement, fmt.Errorf("accept %s: %w", agreement.ID, err)
	}
	scaledRecipientDeposit, err := fpmath.ScaleByQuantity(agreement.RecipientDeposit, quantity)
	if err != nil {
		return nil, agreement, fmt.Errorf("accept %s: %w", agreement.ID, err)
	}

	assetID, _ := ledger.GetAssetID(agreement.Asset)
	senderLeg := scaledAmount + scaledSenderDeposit
	recipientLeg := scaledRecipientDeposit
	timestamp := evt.Timestamp.UnixMicro()

	// An explicit affiliate on acceptance sticks as the hint, so a
	// final-offer collapse can bind a first referral at settlement. The
	// agreement is only mutated once the journal batch is generated.
	affiliateHint := agreement.AffiliateHint
	if evt.Affiliate != zero && affiliateHint == zero {
		affiliateHint = evt.Affiliate
	}

	if evt.FinalOffer {
		// Final-offer collapse: both slots complete and the agreement
		// settles in the same dispatch.
		fee := fpmath.ComputeFee(scaledAmount, c.policy.FeeBps)
		affiliate, hasAffiliate := c.referrals.Resolve(party, affiliateHint)

		batch, err := c.journalGen.GenerateFinalOfferSettlement(
			evt.IdempotencyKey(),
			ledger.SettlementTerms{
				Sender:       agreement.Sender,
				Recipient:    party,
				Amount:       scaledAmount,
				Fee:          fee,
				Affiliate:    affiliate,
				HasAffiliate: hasAffiliate,
			},
			senderLeg,
			recipientLeg,
			assetID,
			timestamp,
		)
		if err != nil {
			return nil, agreement, fmt.Errorf("accept %s: %w", agreement.ID, err)
		}

		agreement.Recipient = party
		agreement.AcceptedQuantity = quantity
		agreement.ScaledAmount = scaledAmount
		agreement.ScaledSenderDeposit = scaledSenderDeposit
		agreement.ScaledRecipientDeposit = scaledRecipientDeposit
		agreement.AffiliateHint = affiliateHint
		agreement.SenderStatus = escrow.PartyCompleted
		agreement.RecipientStatus = escrow.PartyCompleted
		agreement.DeriveStatus()

		c.referrals.RecordCompletion(agreement.Sender)
		c.referrals.RecordCompletion(party)
		c.emitSettled(agreement, scaledAmount, fee, affiliate, timestamp)

		if c.metrics != nil {
			c.metrics.AgreementsAccepted.WithLabelValues(agreement.Style.String()).Inc()
			c.recordSettlementMetrics(fee, hasAffiliate)
		}
		return batch, agreement, nil
	}

	// Normal acceptance: both legs lock, or nothing moves at all.
	batch, err := c.journalGen.GenerateAcceptanceLock(
		evt.IdempotencyKey(),
		agreement.Sender,
		party,
		senderLeg,
		recipientLeg,
		assetID,
		timestamp,
	)
	if err != nil {
		return nil, agreement, fmt.Errorf("accept %s: %w", agreement.ID, err)
	}

	agreement.Recipient = party
	agreement.AcceptedQuantity = quantity
	agreement.ScaledAmount = scaledAmount
	agreement.ScaledSenderDeposit = scaledSenderDeposit
	agreement.ScaledRecipientDeposit = scaledRecipientDeposit
	agreement.AffiliateHint = affiliateHint
	agreement.SenderStatus = escrow.PartyAccepted
	agreement.RecipientStatus = escrow.PartyAccepted
	agreement.DeriveStatus()

	if c.metrics != nil {
		c.metrics.AgreementsAccepted.WithLabelValues(agreement.Style.String()).Inc()
	}

	return batch, agreement, nil
}

func (c *EscrowCore) handleCompletionSignaled(evt *event.CompletionSignaled) (*ledger.Batch, *escrow.Agreement, error) {
	agreement, err := c.sweepExpiry(evt.Agreement, evt.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	if agreement.Status != escrow.StatusAccepted && agreement.Status != escrow.StatusCompleting {
		return nil, agreement, fmt.Errorf("complete %s: %w", agreement.ID, escrow.ErrInvalidStatus)
	}

	party := evt.Party
	var zero uuid.UUID
	if party == zero {
		party = evt.Actor
	}
	isSender, isRecipient := agreement.PartyOf(party)
	if !isSender && !isRecipient {
		return nil, agreement, fmt.Errorf("complete %s: %s is not a party: %w", agreement.ID, party, escrow.ErrUnauthorized)
	}
	if !c.gate.Check(evt.Actor, party, agreement.ID) {
		return nil, agreement, fmt.Errorf("complete %s: actor %s: %w", agreement.ID, evt.Actor, escrow.ErrUnauthorized)
	}

	// Flip the party's slot; repeat signals are rejected.
	if isSender {
		if agreement.SenderStatus != escrow.PartyAccepted {
			return nil, agreement, fmt.Errorf("complete %s: sender slot %s: %w",
				agreement.ID, agreement.SenderStatus, escrow.ErrInvalidStatus)
		}
		agreement.SenderStatus = escrow.PartyCompleted
	} else {
		if agreement.RecipientStatus != escrow.PartyAccepted {
			return nil, agreement, fmt.Errorf("complete %s: recipient slot %s: %w",
				agreement.ID, agreement.RecipientStatus, escrow.ErrInvalidStatus)
		}
		agreement.RecipientStatus = escrow.PartyCompleted
	}

	// First non-zero explicit affiliate sticks as the hint for settlement.
	if evt.Affiliate != zero && agreement.AffiliateHint == zero {
		agreement.AffiliateHint = evt.Affiliate
	}

	agreement.DeriveStatus()

	if agreement.Status != escrow.StatusCompleted {
		return c.emptyBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro()), agreement, nil
	}

	// Both slots completed: settle in this dispatch.
	assetID, _ := ledger.GetAssetID(agreement.Asset)
	timestamp := evt.Timestamp.UnixMicro()
	fee := fpmath.ComputeFee(agreement.ScaledAmount, c.policy.FeeBps)
	affiliate, hasAffiliate := c.referrals.Resolve(agreement.Recipient, agreement.AffiliateHint)

	batch, err := c.journalGen.GenerateSettlement(
		evt.IdempotencyKey(),
		ledger.SettlementTerms{
			Sender:           agreement.Sender,
			Recipient:        agreement.Recipient,
			Amount:           agreement.ScaledAmount,
			SenderDeposit:    agreement.ScaledSenderDeposit,
			RecipientDeposit: agreement.ScaledRecipientDeposit,
			Fee:              fee,
			Affiliate:        affiliate,
			HasAffiliate:     hasAffiliate,
		},
		assetID,
		timestamp,
	)
	if err != nil {
		// Settlement generation must not fail after locks were applied
		panic(fmt.Sprintf("FATAL: settlement for %s: %v", agreement.ID, err))
	}

	c.referrals.RecordCompletion(agreement.Sender)
	c.referrals.RecordCompletion(agreement.Recipient)
	c.emitSettled(agreement, agreement.ScaledAmount, fee, affiliate, timestamp)

	if c.metrics != nil {
		c.recordSettlementMetrics(fee, hasAffiliate)
	}

	return batch, agreement, nil
}

func (c *EscrowCore) handleOfferCancelled(evt *event.OfferCancelled) (*ledger.Batch, *escrow.Agreement, error) {
	agreement, err := c.sweepExpiry(evt.Agreement, evt.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	if agreement.Status.Terminal() {
		return nil, agreement, fmt.Errorf("cancel %s: %w", agreement.ID, escrow.ErrInvalidStatus)
	}

	party := evt.Party
	var zero uuid.UUID
	if party == zero {
		party = evt.Actor
	}
	isSender, isRecipient := agreement.PartyOf(party)
	if !isSender && !isRecipient {
		return nil, agreement, fmt.Errorf("cancel %s: %s is not a party: %w", agreement.ID, party, escrow.ErrUnauthorized)
	}
	if !c.gate.Check(evt.Actor, party, agreement.ID) {
		return nil, agreement, fmt.Errorf("cancel %s: actor %s: %w", agreement.ID, evt.Actor, escrow.ErrUnauthorized)
	}

	timestamp := evt.Timestamp.UnixMicro()

	// An unaccepted offer holds no funds; only the sender may withdraw it.
	if agreement.Status == escrow.StatusOffered {
		if !isSender {
			return nil, agreement, fmt.Errorf("cancel %s: only the sender may withdraw an open offer: %w",
				agreement.ID, escrow.ErrUnauthorized)
		}
		agreement.Status = escrow.StatusCancelled
		if c.metrics != nil {
			c.metrics.AgreementsCancelled.Inc()
		}
		return c.emptyBatch(evt.IdempotencyKey(), timestamp), agreement, nil
	}

	// Accepted or completing: a cancel is allowed only while the
	// counterparty has not completed. Both legs refund in full.
	counterparty := agreement.RecipientStatus
	if !isSender {
		counterparty = agreement.SenderStatus
	}
	if counterparty == escrow.PartyCompleted {
		return nil, agreement, fmt.Errorf("cancel %s: counterparty already completed: %w",
			agreement.ID, escrow.ErrInvalidStatus)
	}

	assetID, _ := ledger.GetAssetID(agreement.Asset)
	batch, err := c.journalGen.GenerateRefund(
		evt.IdempotencyKey(),
		agreement.Sender,
		agreement.Recipient,
		agreement.SenderLeg(),
		agreement.RecipientLeg(),
		assetID,
		timestamp,
	)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cancel refund for %s: %v", agreement.ID, err))
	}

	agreement.Status = escrow.StatusCancelled
	if c.metrics != nil {
		c.metrics.AgreementsCancelled.Inc()
	}

	return batch, agreement, nil
}

func (c *EscrowCore) handleDeadlineExtended(evt *event.DeadlineExtended) (*ledger.Batch, *escrow.Agreement, error) {
	agreement, err := c.sweepExpiry(evt.Agreement, evt.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	if agreement.Status.Terminal() {
		return nil, agreement, fmt.Errorf("extend %s: %w", agreement.ID, escrow.ErrInvalidStatus)
	}

	if !c.gate.Check(evt.Actor, agreement.Sender, agreement.ID) {
		return nil, agreement, fmt.Errorf("extend %s: actor %s: %w", agreement.ID, evt.Actor, escrow.ErrUnauthorized)
	}

	// The new deadline only has to beat the current one. No minimum
	// extension duration is enforced.
	if !evt.NewDeadline.After(agreement.Deadline) {
		return nil, agreement, fmt.Errorf("extend %s: new deadline not after current: %w",
			agreement.ID, escrow.ErrInvalidStatus)
	}
	agreement.Deadline = evt.NewDeadline

	return c.emptyBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro()), agreement, nil
}

func (c *EscrowCore) handleCustodianGranted(evt *event.CustodianGranted) (*ledger.Batch, *escrow.Agreement, error) {
	scope := evt.Scope
	if scope == "" {
		scope = escrow.ScopeCustodian
	}
	c.gate.Grant(evt.Grantor, evt.Grantee, scope)

	return c.emptyBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro()), nil, nil
}

// --- Lazy expiry and derived events ---

// sweepExpiry loads the agreement and, if its deadline lies before the
// triggering event's versioned timestamp, transitions it to Expired first:
// locked legs refund to both parties and a derived AgreementExpired event is
// written to the log under its own sequence. The caller then sees the
// terminal status and rejects its own operation.
func (c *EscrowCore) sweepExpiry(agreementID string, now time.Time) (*escrow.Agreement, error) {
	agreement, err := c.registry.Get(agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement %s: %w", agreementID, err)
	}
	if agreement.Status.Terminal() || !agreement.Expired(now) {
		return agreement, nil
	}

	derived := &event.AgreementExpired{
		Agreement: agreementID,
		Sequence:  c.sequence,
		Timestamp: now.UnixMicro(),
	}
	if !c.replaying && c.idempotency.IsDuplicate(derived.EventType().String(), derived.IdempotencyKey()) {
		// Refund already applied before a restart; only the in-memory
		// status needs to catch up.
		agreement.Status = escrow.StatusExpired
		return agreement, nil
	}

	// Dedicated sequence for the derived event
	seq := c.sequence
	c.sequence++

	var batch *ledger.Batch
	if agreement.SenderLeg() > 0 || agreement.RecipientLeg() > 0 {
		assetID, _ := ledger.GetAssetID(agreement.Asset)
		batch, err = c.journalGen.GenerateRefund(
			derived.IdempotencyKey(),
			agreement.Sender,
			agreement.Recipient,
			agreement.SenderLeg(),
			agreement.RecipientLeg(),
			assetID,
			now.UnixMicro(),
		)
		if err != nil {
			panic(fmt.Sprintf("FATAL: expiry refund for %s: %v", agreementID, err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: expiry refund apply for %s: %v", agreementID, err))
		}
	} else {
		batch = c.emptyBatch(derived.IdempotencyKey(), now.UnixMicro())
	}

	agreement.Status = escrow.StatusExpired

	stateDigest := c.computeStateDigest(batch, agreement)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest)

	id := agreementID
	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: derived.IdempotencyKey(),
			EventType:      event.EventTypeAgreementExpired,
			AgreementID:    &id,
			Timestamp:      now,
			SourceSequence: seq,
			Payload:        encodeEventPayload(derived),
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:      batch,
		StateDelta: stateDigest,
		Agreement:  agreement.Clone(),
	}

	c.emitOutput(output)

	c.idempotency.MarkProcessed(derived.EventType().String(), derived.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.AgreementsExpired.Inc()
	}

	return agreement, nil
}

// emitSettled writes a derived AgreementSettled event to the log under its
// own sequence. The settlement journals travel with the triggering event's
// batch; this event carries the outcome for downstream consumers (the
// external asset-transfer executor subscribes to it).
func (c *EscrowCore) emitSettled(agreement *escrow.Agreement, grossAmount, fee int64, affiliate uuid.UUID, parentTimestamp int64) {
	seq := c.sequence
	c.sequence++

	derived := &event.AgreementSettled{
		Agreement:   agreement.ID,
		Sender:      agreement.Sender,
		Recipient:   agreement.Recipient,
		Asset:       agreement.Asset,
		GrossAmount: grossAmount,
		Fee:         fee,
		Affiliate:   affiliate,
		Sequence:    seq,
		Timestamp:   parentTimestamp,
	}

	stateDigest := c.computeStateDigest(nil, agreement)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest)

	id := agreement.ID
	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: derived.IdempotencyKey(),
			EventType:      event.EventTypeAgreementSettled,
			AgreementID:    &id,
			Timestamp:      time.UnixMicro(parentTimestamp),
			SourceSequence: seq,
			Payload:        encodeEventPayload(derived),
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		StateDelta: stateDigest,
		Agreement:  agreement.Clone(),
		Settlement: &SettlementInfo{
			Agreement:   agreement.ID,
			Sender:      agreement.Sender,
			Recipient:   agreement.Recipient,
			Asset:       agreement.Asset,
			GrossAmount: grossAmount,
			Fee:         fee,
			Affiliate:   affiliate,
		},
	}

	c.emitOutput(output)

	c.idempotency.MarkProcessed(derived.EventType().String(), derived.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.AgreementsSettled.Inc()
	}
}

// encodeEventPayload serializes a typed event for the event log. Replay
// decodes the same encoding, so the round trip must stay symmetric.
func encodeEventPayload(evt event.Event) []byte {
	data, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode event payload: %v", err))
	}
	return data
}

func (c *EscrowCore) recordSettlementMetrics(fee int64, hasAffiliate bool) {
	if fee <= 0 {
		return
	}
	destination := "burn"
	if hasAffiliate {
		destination = "affiliate"
	}
	c.metrics.SettlementFeesPaid.WithLabelValues(destination).Add(float64(fee))
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	PrevHash        [32]byte
	Balances        map[ledger.AccountKey]int64
	Agreements      map[string]*escrow.Agreement
	Nonces          map[uuid.UUID]uint64
	Grants          []escrow.GrantKey
	Referrals       map[uuid.UUID]uuid.UUID
	Completions     map[uuid.UUID]int64
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load latest snapshot, then replay events after it.
func (c *EscrowCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign

	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	c.registry.Restore(snap.Agreements, snap.Nonces)
	c.gate.Restore(snap.Grants)
	c.referrals.Restore(snap.Referrals, snap.Completions)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}

	c.journalGen.SetSequence(snap.Sequence)
}

// BeginReplay puts the core into replay mode for startup recovery: dedup
// and gap validation are bypassed (the event log is the source of truth)
// and outputs are not re-emitted. Derived events in the log must NOT be fed
// back through ProcessEvent — replaying their triggering event re-derives
// them, reproducing the same sequences and state hashes.
func (c *EscrowCore) BeginReplay() {
	c.replaying = true
}

// EndReplay returns the core to normal processing.
func (c *EscrowCore) EndReplay() {
	c.replaying = false
}

// WarmLRU loads recent idempotency keys into the LRU cache, avoiding
// cold-path DB lookups for recently processed events.
func (c *EscrowCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *EscrowCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *EscrowCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// GetAgreement returns the live agreement for id (read-only access for the
// command surface; mutations only happen via ProcessEvent).
func (c *EscrowCore) GetAgreement(id string) (*escrow.Agreement, error) {
	return c.registry.Get(id)
}

// GetBalanceTracker exposes the tracker for invariant checks in tests and
// the readiness probe.
func (c *EscrowCore) GetBalanceTracker() *ledger.BalanceTracker {
	return c.balanceTracker
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *EscrowCore) CreateSnapshotState() *SnapshotState {
	agreements, nonces := c.registry.Snapshot()
	referrals, completions := c.referrals.Snapshot()

	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Agreements:      agreements,
		Nonces:          nonces,
		Grants:          c.gate.Snapshot(),
		Referrals:       referrals,
		Completions:     completions,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
