package orchestrator

import (
	"context"
	"fmt"
)

// LoanStatus aggregates everything the relay knows about one loan: the
// source-ledger record, the bridge approval, the token mapping if one exists,
// and the lifecycle state derived from them.
type LoanStatus struct {
	Loan     LoanRecord
	Approval ApprovalRecord
	TokenID  uint64
	Mapped   bool
	State    State
}

// LoanStatus reads both chains and returns the consolidated view of a loan.
func (o *Orchestrator) LoanStatus(ctx context.Context, loanID string) (LoanStatus, error) {
	exists, err := o.src.LoanExists(ctx, loanID)
	if err != nil {
		return LoanStatus{}, err
	}
	if !exists {
		return LoanStatus{}, fmt.Errorf("orchestrator: loan %s: %w", loanID, ErrNotFound)
	}
	loan, err := o.src.ReadLoan(ctx, loanID)
	if err != nil {
		return LoanStatus{}, err
	}
	approval, err := o.src.ApprovalData(ctx, loanID)
	if err != nil {
		return LoanStatus{}, err
	}
	status := LoanStatus{Loan: loan, Approval: approval}
	status.TokenID, status.Mapped = o.store.TokenForLoan(loanID)

	var listing Listing
	var sold, mirrored bool
	if status.Mapped {
		if l, err := o.pub.Listing(ctx, status.TokenID); err == nil {
			listing = l
		}
		sold = o.store.AlreadyProcessed(fmt.Sprintf("state/sold/%d", status.TokenID))
		mirrored = o.store.AlreadyProcessed(fmt.Sprintf("state/mirrored/%d", status.TokenID))
	}
	status.State = Derive(loan, approval, listing, sold, mirrored)
	return status, nil
}

// TokenMetadata reads the public-chain metadata snapshot for a token.
func (o *Orchestrator) TokenMetadata(ctx context.Context, tokenID uint64) (TokenMetadata, error) {
	if _, ok := o.store.LoanForToken(tokenID); !ok {
		return TokenMetadata{}, fmt.Errorf("orchestrator: token %d: %w", tokenID, ErrNotFound)
	}
	return o.pub.Metadata(ctx, tokenID)
}

// TokenListing reads the marketplace listing entry for a token.
func (o *Orchestrator) TokenListing(ctx context.Context, tokenID uint64) (Listing, error) {
	return o.pub.Listing(ctx, tokenID)
}

// ActiveListings returns the token ids with live marketplace listings.
func (o *Orchestrator) ActiveListings(ctx context.Context) ([]uint64, error) {
	return o.pub.ActiveListings(ctx)
}
