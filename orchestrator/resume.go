package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"loanbridge/chain"
	"loanbridge/events"
	"loanbridge/state"
)

// resumePending re-checks every in-flight transaction against on-chain truth.
// Confirmed work is resolved and its lifecycle continued; work the chain never
// saw is re-driven through the idempotent handlers, which re-verify before
// resubmitting.
func (o *Orchestrator) resumePending() {
	for _, pending := range o.store.PendingTxs() {
		pending := pending
		o.enqueue(pending.LoanID, func(ctx context.Context) {
			o.resumeOne(ctx, pending)
		})
	}
}

func (o *Orchestrator) resumeOne(ctx context.Context, pending state.PendingTx) {
	conn := o.connectorFor(pending.Chain)
	if conn == nil {
		o.log.Error("pending entry references unknown chain", "chain", pending.Chain, "tx", pending.Hash)
		return
	}
	receipt, err := conn.ReceiptOf(ctx, common.HexToHash(pending.Hash))
	switch {
	case chain.IsReverted(err):
		_ = o.store.ResolvePending(pending.Hash)
		_ = o.store.MarkManualReview(pending.LoanID, "pending "+pending.Step+" reverted on-chain")
		o.metrics.ObserveManualReview()
		o.log.Error("pending transaction reverted", "loan", pending.LoanID, "step", pending.Step, "tx", pending.Hash)
		return
	case err != nil:
		o.metrics.ObserveError("resume")
		o.log.Warn("could not check pending transaction", "tx", pending.Hash, "err", err)
		return
	case receipt != nil:
		_ = o.store.ResolvePending(pending.Hash)
		o.log.Info("pending transaction confirmed", "loan", pending.LoanID, "step", pending.Step, "tx", pending.Hash)
		o.continueAfter(ctx, pending, receipt)
		return
	}

	// Still unknown to the chain. Re-drive the step through its idempotent
	// handler after a bounded number of checks; the handler re-reads on-chain
	// state before any resubmission, so a late-landing original stays safe.
	attempts, _ := o.store.IncrementPendingAttempts(pending.Hash)
	if attempts < o.cfg.MaxAttempts {
		return
	}
	_ = o.store.AbandonPending(pending.Hash)
	o.log.Warn("abandoning unconfirmed transaction; re-driving step",
		"loan", pending.LoanID, "step", pending.Step, "tx", pending.Hash, "checks", attempts)
	o.redrive(ctx, pending)
}

// continueAfter picks the lifecycle back up once a deferred step confirmed.
func (o *Orchestrator) continueAfter(ctx context.Context, pending state.PendingTx, receipt *chain.Receipt) {
	switch pending.Step {
	case stepMint:
		if tokenID, ok := mintedTokenID(receipt); ok {
			if err := o.store.MapLoanToToken(pending.LoanID, tokenID); err != nil {
				o.metrics.ObserveError("integrity")
				o.log.Error("confirmed mint conflicts with existing mapping", "loan", pending.LoanID, "err", err)
				return
			}
			o.metrics.ObserveMint()
		}
		o.redrive(ctx, pending)
	case stepSetTokenID, stepMarkMinted:
		o.redrive(ctx, pending)
	case stepRecordOwnership:
		if pending.Ref != "" {
			_ = o.store.MarkProcessed(pending.Ref)
		}
		_ = o.store.MarkProcessed(fmt.Sprintf("state/mirrored/%d", pending.TokenID))
		o.metrics.ObserveSaleRecorded()
	case stepPendingPayment:
		// First leg confirmed; mark it settled and drive the second leg.
		if pending.Ref != "" {
			_ = o.store.MarkProcessed(pending.Ref + "/pending")
		}
		o.redrive(ctx, pending)
	case stepRecordPayment:
		if pending.Ref != "" {
			_ = o.store.MarkProcessed(pending.Ref)
		}
		o.metrics.ObservePaymentRecorded()
	}
}

// redrive replays the idempotent handler that owns a pending step.
func (o *Orchestrator) redrive(ctx context.Context, pending state.PendingTx) {
	var err error
	switch pending.Step {
	case stepMint, stepSetTokenID, stepMarkMinted:
		err = o.OnApprovalObserved(ctx, pending.LoanID)
	case stepRecordOwnership:
		price, ok := new(big.Int).SetString(pending.Amount, 10)
		if !ok {
			o.log.Error("pending entry carries unparseable price", "tx", pending.Hash, "amount", pending.Amount)
			return
		}
		saleTx := strings.TrimPrefix(pending.Ref, "sale/")
		if saleTx == "" {
			saleTx = pending.Hash
		}
		err = o.OnSaleObserved(ctx, pending.TokenID, common.Address{}, common.HexToAddress(pending.Counterparty), price, saleTx)
	case stepRecordPayment, stepPendingPayment:
		amount, ok := new(big.Int).SetString(pending.Amount, 10)
		if !ok {
			o.log.Error("pending entry carries unparseable amount", "tx", pending.Hash, "amount", pending.Amount)
			return
		}
		paymentTx := strings.TrimPrefix(pending.Ref, "payment/")
		if paymentTx == "" {
			paymentTx = pending.Hash
		}
		err = o.OnPaymentObserved(ctx, pending.TokenID, amount, paymentTx)
	case stepUpdateMetadata:
		err = o.OnMetadataDrift(ctx, pending.TokenID)
	}
	if err != nil {
		o.metrics.ObserveError("resume")
		o.log.Error("re-driving pending step failed", "loan", pending.LoanID, "step", pending.Step, "err", err)
	}
}

// reconcileDrift periodically compares every mapped token's cached snapshot
// against a fresh source read.
func (o *Orchestrator) reconcileDrift() {
	for loanID, tokenID := range o.store.Mappings() {
		loanID, tokenID := loanID, tokenID
		o.enqueue(loanID, func(ctx context.Context) {
			if err := o.OnMetadataDrift(ctx, tokenID); err != nil {
				o.metrics.ObserveError("drift")
				o.log.Warn("metadata drift check failed", "loan", loanID, "token", tokenID, "err", err)
			}
		})
	}
}

// sweepPending escalates unconfirmed transactions past the age threshold. A
// stuck transaction usually means a stuck nonce or underpriced gas, which is
// an operational fault an operator has to see.
func (o *Orchestrator) sweepPending() {
	escalated, err := o.store.SweepStalePending(o.cfg.PendingMaxAge)
	if err != nil {
		o.log.Error("pending sweep failed", "err", err)
		return
	}
	for _, pending := range escalated {
		o.metrics.ObserveStalePending()
		o.log.Error("ALERT: unconfirmed transaction past age threshold",
			"loan", pending.LoanID, "step", pending.Step, "tx", pending.Hash,
			"submitted_at", pending.SubmittedAt, "attempts", pending.Attempts)
	}
}

func (o *Orchestrator) connectorFor(name string) Connector {
	switch name {
	case o.source.Name():
		return o.source
	case o.public.Name():
		return o.public
	default:
		return nil
	}
}

// ProcessLive is a convenience for tests and manual injection: it handles one
// event synchronously on the caller's goroutine.
func (o *Orchestrator) ProcessLive(ctx context.Context, ev events.Event) {
	o.processEvent(ctx, ev, 0, nil)
}
