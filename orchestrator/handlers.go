package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loanbridge/chain"
	"loanbridge/events"
	"loanbridge/state"
)

// Orchestration step names recorded alongside pending transactions.
const (
	stepMint            = "mint"
	stepSetTokenID      = "set_token_id"
	stepMarkMinted      = "mark_minted"
	stepRecordOwnership = "record_ownership"
	stepRecordPayment   = "record_payment"
	stepPendingPayment  = "record_pending_payment"
	stepUpdateMetadata  = "update_metadata"
)

// processEvent applies one decoded event. attempt counts prior deliveries of
// this same event through the retry path. done, when non-nil, fires exactly
// once after the event has durably settled: dedupe key written, submission
// tracked in the pending ledger, or loan flagged for review. done(false)
// means shutdown interrupted handling before any of those.
func (o *Orchestrator) processEvent(ctx context.Context, ev events.Event, attempt int, done func(settled bool)) {
	ref := eventRef(ev)
	if o.store.AlreadyProcessed(ref) {
		settle(done, true)
		return
	}
	meta := ev.Metadata()
	o.metrics.ObserveEvent(meta.Chain, string(ev.Kind()))

	var err error
	switch ev := ev.(type) {
	case events.LoanApproved:
		err = o.OnApprovalObserved(ctx, ev.LoanID)
	case events.ApprovalCancelled:
		o.publish(Transition{LoanID: ev.LoanID, From: StateApprovedForSale, To: StateRegistered, TxHash: meta.TxHash.Hex()})
	case events.LoanLocked:
		o.log.Info("loan locked on source ledger", "loan", ev.LoanID)
	case events.NFTMinted:
		// A mint observed on the public chain that this relay did not issue
		// (or issued before a crash). Adopt the mapping; first-writer-wins
		// raises an integrity violation if it conflicts.
		err = o.adoptMint(ctx, ev)
	case events.MetadataUpdated:
		// Snapshot refresh; nothing to mirror.
	case events.LoanListed:
		if loanID, ok := o.store.LoanForToken(ev.TokenID); ok {
			o.publish(Transition{LoanID: loanID, TokenID: ev.TokenID, From: StateTokenized, To: StateListed, TxHash: meta.TxHash.Hex()})
		}
	case events.ListingCancelled:
		if loanID, ok := o.store.LoanForToken(ev.TokenID); ok {
			o.publish(Transition{LoanID: loanID, TokenID: ev.TokenID, From: StateListed, To: StateTokenized, TxHash: meta.TxHash.Hex()})
		}
	case events.LoanSold:
		err = o.OnSaleObserved(ctx, ev.TokenID, ev.Seller, ev.Buyer, ev.Price, meta.TxHash.Hex())
	case events.PaymentReceived:
		err = o.OnPaymentObserved(ctx, ev.TokenID, ev.Amount, meta.TxHash.Hex())
	case events.OwnershipRecorded:
		o.publish(Transition{LoanID: ev.LoanID, From: StateSold, To: StateOwnershipSynced, TxHash: meta.TxHash.Hex()})
	}

	if err == nil {
		if markErr := o.store.MarkProcessed(ref); markErr != nil {
			o.log.Error("failed to record event dedupe key", "ref", ref, "err", markErr)
		}
		settle(done, true)
		return
	}
	o.dispose(ev, ref, attempt, err, done)
}

func settle(done func(bool), settled bool) {
	if done != nil {
		done(settled)
	}
}

// dispose decides retry versus escalate for a failed handler. Deterministic
// faults are never retried; transient faults are re-queued up to the attempt
// budget, then the loan is flagged for manual review.
func (o *Orchestrator) dispose(ev events.Event, ref string, attempt int, err error, done func(bool)) {
	key := o.queueKey(ev)
	switch {
	case IsUnmapped(err):
		o.metrics.ObserveError("unmapped")
		o.log.Error("event for unmapped token; manual backfill required", "ref", ref, "err", err)
		_ = o.store.MarkProcessed(ref)
		settle(done, true)
	case state.IsIntegrityViolation(err):
		o.metrics.ObserveError("integrity")
		o.log.Error("data integrity violation", "ref", ref, "err", err)
		_ = o.store.MarkManualReview(key, err.Error())
		o.metrics.ObserveManualReview()
		_ = o.store.MarkProcessed(ref)
		settle(done, true)
	case chain.IsReverted(err):
		o.metrics.ObserveError("revert")
		o.log.Error("contract reverted; not retrying", "ref", ref, "err", err)
		_ = o.store.MarkManualReview(key, err.Error())
		o.metrics.ObserveManualReview()
		_ = o.store.MarkProcessed(ref)
		settle(done, true)
	default:
		o.metrics.ObserveError("transient")
		if attempt+1 >= o.cfg.MaxAttempts {
			o.log.Error("retry budget exhausted; flagging for manual review", "ref", ref, "attempts", attempt+1, "err", err)
			_ = o.store.MarkManualReview(key, fmt.Sprintf("retries exhausted: %v", err))
			o.metrics.ObserveManualReview()
			_ = o.store.MarkProcessed(ref)
			settle(done, true)
			return
		}
		o.log.Warn("handler failed; will retry", "ref", ref, "attempt", attempt+1, "err", err)
		o.retryLater(key, ev, attempt+1, done)
	}
}

// retryLater re-enqueues from outside the drain goroutine. Retrying inline
// would deadlock when the loan's own queue is full. The done callback travels
// with the event so callers waiting on settlement keep waiting across retries.
func (o *Orchestrator) retryLater(key string, ev events.Event, attempt int, done func(bool)) {
	delay := time.Duration(attempt) * time.Second
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-o.taskCtx.Done():
			settle(done, false)
			return
		case <-timer.C:
		}
		if !o.enqueue(key, func(ctx context.Context) {
			o.processEvent(ctx, ev, attempt, done)
		}) {
			settle(done, false)
		}
	}()
}

// OnApprovalObserved walks an approved loan through mint, source write-back,
// and mapping. Every step verifies on-chain truth first, so re-entering the
// handler for an already-tokenized loan is a verified no-op.
func (o *Orchestrator) OnApprovalObserved(ctx context.Context, loanID string) error {
	if o.store.InManualReview(loanID) {
		o.log.Warn("skipping loan flagged for manual review", "loan", loanID)
		return nil
	}
	loan, err := o.src.ReadLoan(ctx, loanID)
	if err != nil {
		return fmt.Errorf("read loan %s: %w", loanID, err)
	}

	tokenID, err := o.ensureMinted(ctx, loan)
	if err != nil || tokenID == 0 {
		return err
	}
	if err := o.store.MapLoanToToken(loanID, tokenID); err != nil {
		return err
	}
	if err := o.ensureSourceTokenID(ctx, loan, tokenID); err != nil {
		return err
	}
	return o.ensureBridgeMinted(ctx, loanID)
}

// ensureMinted returns the loan's token id, minting if the loan is eligible
// and no token exists yet. A zero return with nil error means the loan is not
// currently eligible (or the mint is deferred awaiting confirmation).
func (o *Orchestrator) ensureMinted(ctx context.Context, loan LoanRecord) (uint64, error) {
	if tokenID, ok := o.store.TokenForLoan(loan.ID); ok {
		return tokenID, nil
	}
	if loan.TokenID > 0 {
		// Source ledger already carries the token id; a previous run minted
		// and wrote back before it could record the mapping.
		return loan.TokenID, nil
	}
	approval, err := o.src.ApprovalData(ctx, loan.ID)
	if err != nil {
		return 0, fmt.Errorf("approval data %s: %w", loan.ID, err)
	}
	if !approval.Eligible() {
		return 0, nil
	}

	nonce, err := o.store.NextNonce(loan.ID)
	if err != nil {
		return 0, err
	}
	receipt, err := o.pub.Mint(ctx, o.cfg.GasLimit, loan.ID, loan.PrincipalBalance, loan.Status)
	if err != nil {
		if deferErr := o.deferOnTimeout(err, receipt, state.PendingTx{
			LoanID: loan.ID, Step: stepMint, Chain: o.public.Name(), Nonce: nonce,
		}); deferErr == nil {
			return 0, nil
		}
		return 0, fmt.Errorf("mint %s: %w", loan.ID, err)
	}
	tokenID, ok := mintedTokenID(receipt)
	if !ok {
		return 0, fmt.Errorf("mint %s: receipt %s carries no mint event", loan.ID, receipt.TxHash.Hex())
	}
	o.metrics.ObserveMint()
	o.publish(Transition{LoanID: loan.ID, TokenID: tokenID, From: StateApprovedForSale, To: StateTokenized, TxHash: receipt.TxHash.Hex()})
	o.log.Info("minted loan token", "loan", loan.ID, "token", tokenID, "tx", receipt.TxHash.Hex())
	return tokenID, nil
}

func (o *Orchestrator) ensureSourceTokenID(ctx context.Context, loan LoanRecord, tokenID uint64) error {
	if loan.TokenID == tokenID {
		return nil
	}
	if loan.TokenID != 0 {
		return &state.IntegrityError{LoanID: loan.ID, Existing: loan.TokenID, Proposed: tokenID}
	}
	// Re-read before writing: a previous submission may have landed after its
	// confirmation wait timed out.
	fresh, err := o.src.ReadLoan(ctx, loan.ID)
	if err != nil {
		return fmt.Errorf("re-read loan %s: %w", loan.ID, err)
	}
	if fresh.TokenID == tokenID {
		return nil
	}
	nonce, err := o.store.NextNonce(loan.ID)
	if err != nil {
		return err
	}
	receipt, err := o.src.SetTokenID(ctx, o.cfg.GasLimit, loan.ID, tokenID)
	if err != nil {
		if deferErr := o.deferOnTimeout(err, receipt, state.PendingTx{
			LoanID: loan.ID, Step: stepSetTokenID, Chain: o.source.Name(), TokenID: tokenID, Nonce: nonce,
		}); deferErr == nil {
			return nil
		}
		return fmt.Errorf("set token id %s: %w", loan.ID, err)
	}
	o.log.Info("wrote token id to source ledger", "loan", loan.ID, "token", tokenID, "tx", receipt.TxHash.Hex())
	return nil
}

func (o *Orchestrator) ensureBridgeMinted(ctx context.Context, loanID string) error {
	approval, err := o.src.ApprovalData(ctx, loanID)
	if err != nil {
		return fmt.Errorf("approval data %s: %w", loanID, err)
	}
	if approval.IsMinted || !approval.IsApproved {
		return nil
	}
	nonce, err := o.store.NextNonce(loanID)
	if err != nil {
		return err
	}
	receipt, err := o.src.MarkMinted(ctx, o.cfg.GasLimit, loanID)
	if err != nil {
		if deferErr := o.deferOnTimeout(err, receipt, state.PendingTx{
			LoanID: loanID, Step: stepMarkMinted, Chain: o.source.Name(), Nonce: nonce,
		}); deferErr == nil {
			return nil
		}
		return fmt.Errorf("mark minted %s: %w", loanID, err)
	}
	return nil
}

// adoptMint records the mapping for a mint event observed on the public chain.
func (o *Orchestrator) adoptMint(ctx context.Context, ev events.NFTMinted) error {
	if ev.LoanID == "" || ev.TokenID == 0 {
		return nil
	}
	if err := o.store.MapLoanToToken(ev.LoanID, ev.TokenID); err != nil {
		return err
	}
	// Finish any write-back the minting run did not complete.
	return o.OnApprovalObserved(ctx, ev.LoanID)
}

// OnSaleObserved mirrors a marketplace sale back to the source ledger.
func (o *Orchestrator) OnSaleObserved(ctx context.Context, tokenID uint64, seller, buyer common.Address, price *big.Int, saleTx string) error {
	loanID, ok := o.store.LoanForToken(tokenID)
	if !ok {
		return &UnmappedError{TokenID: tokenID}
	}
	ref := "sale/" + saleTx
	if o.store.AlreadyProcessed(ref) {
		return nil
	}
	_ = o.store.MarkProcessed(fmt.Sprintf("state/sold/%d", tokenID))
	nonce, err := o.store.NextNonce(loanID)
	if err != nil {
		return err
	}
	receipt, err := o.src.RecordOwnershipTransfer(ctx, o.cfg.GasLimit, loanID, buyer, price)
	if err != nil {
		if deferErr := o.deferOnTimeout(err, receipt, state.PendingTx{
			LoanID: loanID, Ref: ref, Step: stepRecordOwnership, Chain: o.source.Name(),
			TokenID: tokenID, Counterparty: buyer.Hex(), Amount: price.String(), Nonce: nonce,
		}); deferErr == nil {
			return nil
		}
		return fmt.Errorf("record ownership %s: %w", loanID, err)
	}
	if err := o.store.MarkProcessed(ref); err != nil {
		return err
	}
	_ = o.store.MarkProcessed(fmt.Sprintf("state/mirrored/%d", tokenID))
	o.metrics.ObserveSaleRecorded()
	o.publish(Transition{LoanID: loanID, TokenID: tokenID, From: StateListed, To: StateSold, TxHash: saleTx})
	o.log.Info("mirrored sale to source ledger",
		"loan", loanID, "token", tokenID, "seller", seller.Hex(), "buyer", buyer.Hex(),
		"price", price.String(), "tx", receipt.TxHash.Hex())
	return nil
}

// OnPaymentObserved distributes a borrower payment across both ledgers. Each
// leg carries its own dedupe key, so a redelivery after the first leg landed
// resumes at the second leg instead of paying the public ledger twice.
func (o *Orchestrator) OnPaymentObserved(ctx context.Context, tokenID uint64, amount *big.Int, paymentTx string) error {
	loanID, ok := o.store.LoanForToken(tokenID)
	if !ok {
		return &UnmappedError{TokenID: tokenID}
	}
	ref := "payment/" + paymentTx
	if o.store.AlreadyProcessed(ref) {
		return nil
	}
	firstLeg := ref + "/pending"
	if !o.store.AlreadyProcessed(firstLeg) {
		nonce, err := o.store.NextNonce(loanID)
		if err != nil {
			return err
		}
		receipt, err := o.pub.RecordPendingPayment(ctx, o.cfg.GasLimit, tokenID, amount)
		if err != nil {
			if deferErr := o.deferOnTimeout(err, receipt, state.PendingTx{
				LoanID: loanID, Ref: ref, Step: stepPendingPayment, Chain: o.public.Name(),
				TokenID: tokenID, Amount: amount.String(), Nonce: nonce,
			}); deferErr == nil {
				return nil
			}
			return fmt.Errorf("record pending payment token %d: %w", tokenID, err)
		}
		if err := o.store.MarkProcessed(firstLeg); err != nil {
			return err
		}
	}
	nonce, err := o.store.NextNonce(loanID)
	if err != nil {
		return err
	}
	receipt, err := o.src.RecordPayment(ctx, o.cfg.GasLimit, loanID, amount)
	if err != nil {
		if deferErr := o.deferOnTimeout(err, receipt, state.PendingTx{
			LoanID: loanID, Ref: ref, Step: stepRecordPayment, Chain: o.source.Name(),
			TokenID: tokenID, Amount: amount.String(), Nonce: nonce,
		}); deferErr == nil {
			return nil
		}
		return fmt.Errorf("record payment %s: %w", loanID, err)
	}
	if err := o.store.MarkProcessed(ref); err != nil {
		return err
	}
	o.metrics.ObservePaymentRecorded()
	o.log.Info("distributed payment", "loan", loanID, "token", tokenID, "amount", amount.String())
	return nil
}

// OnMetadataDrift refreshes the token's cached snapshot only when it diverges
// from a fresh source read, avoiding needless transactions.
func (o *Orchestrator) OnMetadataDrift(ctx context.Context, tokenID uint64) error {
	loanID, ok := o.store.LoanForToken(tokenID)
	if !ok {
		return &UnmappedError{TokenID: tokenID}
	}
	meta, err := o.pub.Metadata(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("token metadata %d: %w", tokenID, err)
	}
	loan, err := o.src.ReadLoan(ctx, loanID)
	if err != nil {
		return fmt.Errorf("read loan %s: %w", loanID, err)
	}
	if loan.PrincipalBalance.Cmp(meta.Balance) == 0 && loan.Status == meta.Status {
		return nil
	}
	nonce, err := o.store.NextNonce(loanID)
	if err != nil {
		return err
	}
	receipt, err := o.pub.UpdateMetadata(ctx, o.cfg.GasLimit, tokenID, loan.PrincipalBalance, loan.Status)
	if err != nil {
		if deferErr := o.deferOnTimeout(err, receipt, state.PendingTx{
			LoanID: loanID, Step: stepUpdateMetadata, Chain: o.public.Name(),
			TokenID: tokenID, Amount: loan.PrincipalBalance.String(), Nonce: nonce,
		}); deferErr == nil {
			return nil
		}
		return fmt.Errorf("update metadata token %d: %w", tokenID, err)
	}
	o.metrics.ObserveMetadataRefresh()
	o.log.Info("refreshed token metadata", "loan", loanID, "token", tokenID, "tx", receipt.TxHash.Hex())
	return nil
}

// deferOnTimeout tracks a submitted-but-unconfirmed transaction for the next
// reconciliation pass. Returns nil when the error was a confirmation timeout
// and tracking succeeded; any other error is handed back to the caller.
func (o *Orchestrator) deferOnTimeout(err error, receipt *chain.Receipt, pending state.PendingTx) error {
	if !isConfirmTimeout(err) || receipt == nil {
		return err
	}
	pending.Hash = receipt.TxHash.Hex()
	pending.SubmittedAt = o.now()
	if trackErr := o.store.TrackPending(pending); trackErr != nil {
		return trackErr
	}
	o.log.Warn("confirmation timed out; deferred to next reconciliation pass",
		"loan", pending.LoanID, "step", pending.Step, "tx", pending.Hash)
	return nil
}

func isConfirmTimeout(err error) bool {
	return errors.Is(err, chain.ErrConfirmTimeout)
}

func mintedTokenID(receipt *chain.Receipt) (uint64, bool) {
	if receipt == nil {
		return 0, false
	}
	for _, ev := range receipt.Events {
		if minted, ok := ev.(events.NFTMinted); ok {
			return minted.TokenID, true
		}
	}
	return 0, false
}
