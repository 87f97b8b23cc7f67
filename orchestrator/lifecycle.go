package orchestrator

import "time"

// State is a loan's position in the tokenization lifecycle. States are derived
// from the combination of source- and public-chain record flags rather than
// stored independently, so there is no third source of truth to diverge.
type State string

const (
	StateRegistered      State = "registered"
	StateApprovedForSale State = "approved_for_sale"
	StateTokenized       State = "tokenized"
	StateListed          State = "listed"
	StateSold            State = "sold"
	StateOwnershipSynced State = "ownership_synced"
)

// Derive computes the lifecycle state from on-chain truth. saleMirrored means
// the most recent sale's ownership transfer has been recorded on the source
// ledger.
func Derive(loan LoanRecord, approval ApprovalRecord, listing Listing, sold, saleMirrored bool) State {
	tokenized := loan.TokenID > 0
	switch {
	case sold && saleMirrored:
		return StateOwnershipSynced
	case sold:
		return StateSold
	case tokenized && listing.Active:
		return StateListed
	case tokenized:
		return StateTokenized
	case approval.Eligible():
		return StateApprovedForSale
	default:
		return StateRegistered
	}
}

// Transition describes one observed lifecycle move, published to the gateway
// feed for dashboard consumers.
type Transition struct {
	LoanID  string    `json:"loanId"`
	TokenID uint64    `json:"tokenId,omitempty"`
	From    State     `json:"from,omitempty"`
	To      State     `json:"to"`
	TxHash  string    `json:"txHash,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher receives lifecycle transitions. Implementations must not block;
// the gateway's websocket hub drops slow clients instead.
type Publisher interface {
	Publish(Transition)
}
