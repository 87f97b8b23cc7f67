package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags a decoded chain event so consumers can dispatch without probing
// payload fields.
type Kind string

const (
	KindLoanApproved      Kind = "loan.approved"
	KindApprovalCancelled Kind = "loan.approval_cancelled"
	KindLoanLocked        Kind = "loan.locked"
	KindOwnershipRecorded Kind = "loan.ownership_recorded"
	KindNFTMinted         Kind = "nft.minted"
	KindMetadataUpdated   Kind = "nft.metadata_updated"
	KindLoanListed        Kind = "market.listed"
	KindListingCancelled  Kind = "market.listing_cancelled"
	KindLoanSold          Kind = "market.sold"
	KindPaymentReceived   Kind = "payment.received"
)

// Meta carries the ledger position of a decoded log. Every event variant
// embeds it.
type Meta struct {
	Chain       string
	Contract    string
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// Metadata satisfies the Event interface for every embedding variant.
func (m Meta) Metadata() Meta { return m }

// Event is the tagged-variant surface consumed by the orchestrator.
type Event interface {
	Kind() Kind
	Metadata() Meta
}

// LoanApproved signals that the bridge contract approved a loan for sale.
type LoanApproved struct {
	Meta
	LoanID       string
	AskingPrice  *big.Int
	ModifiedRate *big.Int
	Lender       common.Address
}

func (LoanApproved) Kind() Kind { return KindLoanApproved }

// ApprovalCancelled signals that an active approval was withdrawn before mint.
type ApprovalCancelled struct {
	Meta
	LoanID string
}

func (ApprovalCancelled) Kind() Kind { return KindApprovalCancelled }

// LoanLocked signals that the registry soft-locked a loan.
type LoanLocked struct {
	Meta
	LoanID string
}

func (LoanLocked) Kind() Kind { return KindLoanLocked }

// OwnershipRecorded confirms that the registry persisted a mirrored sale.
type OwnershipRecorded struct {
	Meta
	LoanID   string
	NewOwner common.Address
	Price    *big.Int
}

func (OwnershipRecorded) Kind() Kind { return KindOwnershipRecorded }

// NFTMinted signals that the public chain minted a token for a loan.
type NFTMinted struct {
	Meta
	TokenID uint64
	LoanID  string
	Owner   common.Address
}

func (NFTMinted) Kind() Kind { return KindNFTMinted }

// MetadataUpdated signals a balance/status refresh on the token.
type MetadataUpdated struct {
	Meta
	TokenID uint64
	Balance *big.Int
	Status  string
}

func (MetadataUpdated) Kind() Kind { return KindMetadataUpdated }

// LoanListed signals an active marketplace listing for the token.
type LoanListed struct {
	Meta
	TokenID uint64
	Seller  common.Address
	Price   *big.Int
}

func (LoanListed) Kind() Kind { return KindLoanListed }

// ListingCancelled signals a delisting without a sale.
type ListingCancelled struct {
	Meta
	TokenID uint64
}

func (ListingCancelled) Kind() Kind { return KindListingCancelled }

// LoanSold signals a completed marketplace sale.
type LoanSold struct {
	Meta
	TokenID uint64
	Seller  common.Address
	Buyer   common.Address
	Price   *big.Int
}

func (LoanSold) Kind() Kind { return KindLoanSold }

// PaymentReceived signals a borrower payment surfaced through the
// distributor contract.
type PaymentReceived struct {
	Meta
	TokenID uint64
	Payer   common.Address
	Amount  *big.Int
}

func (PaymentReceived) Kind() Kind { return KindPaymentReceived }
