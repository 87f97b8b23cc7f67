package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loanbridge/chain"
	"loanbridge/contracts"
	"loanbridge/events"
)

// Connector is the subset of chain.Connector the orchestrator drives. Tests
// substitute fakes; production wiring passes the real connectors.
type Connector interface {
	Name() string
	Call(ctx context.Context, contract, method string, args ...interface{}) ([]interface{}, error)
	Send(ctx context.Context, contract, method string, gasLimit uint64, args ...interface{}) (*chain.Receipt, error)
	QueryEvents(ctx context.Context, from, to uint64) ([]events.Event, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ReceiptOf(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
}

// LoanRecord is the relay's read-only view of a source-ledger loan.
type LoanRecord struct {
	ID               string
	PrincipalBalance *big.Int
	Status           string
	Locked           bool
	TokenID          uint64
}

// ApprovalRecord mirrors the bridge contract's approval entry for a loan.
type ApprovalRecord struct {
	LoanID       string
	AskingPrice  *big.Int
	ModifiedRate *big.Int
	Lender       common.Address
	ApprovedAt   time.Time
	IsApproved   bool
	IsMinted     bool
	IsCancelled  bool
}

// Eligible reports whether the approval permits minting.
func (a ApprovalRecord) Eligible() bool {
	return a.IsApproved && !a.IsCancelled && !a.IsMinted
}

// TokenMetadata is the public-chain token's cached loan snapshot.
type TokenMetadata struct {
	LoanID    string
	Balance   *big.Int
	Status    string
	MintedAt  time.Time
	UpdatedAt time.Time
}

// Listing is the marketplace's listing entry for a token.
type Listing struct {
	Seller   common.Address
	Price    *big.Int
	Active   bool
	ListedAt time.Time
}

// sourceView wraps the permissioned-ledger connector with typed operations.
type sourceView struct {
	conn Connector
}

func (v sourceView) ReadLoan(ctx context.Context, loanID string) (LoanRecord, error) {
	values, err := v.conn.Call(ctx, contracts.LoanRegistry, "readLoan", loanID)
	if err != nil {
		return LoanRecord{}, err
	}
	if len(values) != 4 {
		return LoanRecord{}, fmt.Errorf("orchestrator: readLoan arity %d", len(values))
	}
	return LoanRecord{
		ID:               loanID,
		PrincipalBalance: bigAt(values, 0),
		Status:           stringAt(values, 1),
		Locked:           boolAt(values, 2),
		TokenID:          uint64At(values, 3),
	}, nil
}

func (v sourceView) LoanExists(ctx context.Context, loanID string) (bool, error) {
	values, err := v.conn.Call(ctx, contracts.LoanRegistry, "loanExists", loanID)
	if err != nil {
		return false, err
	}
	return boolAt(values, 0), nil
}

func (v sourceView) ApprovalData(ctx context.Context, loanID string) (ApprovalRecord, error) {
	values, err := v.conn.Call(ctx, contracts.LoanBridge, "getApprovalData", loanID)
	if err != nil {
		return ApprovalRecord{}, err
	}
	if len(values) != 7 {
		return ApprovalRecord{}, fmt.Errorf("orchestrator: getApprovalData arity %d", len(values))
	}
	return ApprovalRecord{
		LoanID:       loanID,
		AskingPrice:  bigAt(values, 0),
		ModifiedRate: bigAt(values, 1),
		Lender:       addressAt(values, 2),
		ApprovedAt:   timeAt(values, 3),
		IsApproved:   boolAt(values, 4),
		IsMinted:     boolAt(values, 5),
		IsCancelled:  boolAt(values, 6),
	}, nil
}

func (v sourceView) SetTokenID(ctx context.Context, gasLimit uint64, loanID string, tokenID uint64) (*chain.Receipt, error) {
	return v.conn.Send(ctx, contracts.LoanRegistry, "setAvalancheTokenId", gasLimit, loanID, new(big.Int).SetUint64(tokenID))
}

func (v sourceView) MarkMinted(ctx context.Context, gasLimit uint64, loanID string) (*chain.Receipt, error) {
	return v.conn.Send(ctx, contracts.LoanBridge, "markMinted", gasLimit, loanID)
}

func (v sourceView) RecordOwnershipTransfer(ctx context.Context, gasLimit uint64, loanID string, newOwner common.Address, price *big.Int) (*chain.Receipt, error) {
	return v.conn.Send(ctx, contracts.LoanRegistry, "recordOwnershipTransfer", gasLimit, loanID, newOwner, price)
}

func (v sourceView) RecordPayment(ctx context.Context, gasLimit uint64, loanID string, amount *big.Int) (*chain.Receipt, error) {
	return v.conn.Send(ctx, contracts.LoanRegistry, "recordPayment", gasLimit, loanID, amount)
}

// publicView wraps the public-ledger connector with typed operations.
type publicView struct {
	conn Connector
}

func (v publicView) Mint(ctx context.Context, gasLimit uint64, loanID string, principal *big.Int, status string) (*chain.Receipt, error) {
	return v.conn.Send(ctx, contracts.LoanNFT, "mint", gasLimit, loanID, principal, status)
}

func (v publicView) UpdateMetadata(ctx context.Context, gasLimit uint64, tokenID uint64, balance *big.Int, status string) (*chain.Receipt, error) {
	return v.conn.Send(ctx, contracts.LoanNFT, "updateMetadata", gasLimit, new(big.Int).SetUint64(tokenID), balance, status)
}

func (v publicView) Metadata(ctx context.Context, tokenID uint64) (TokenMetadata, error) {
	values, err := v.conn.Call(ctx, contracts.LoanNFT, "getLoanMetadata", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return TokenMetadata{}, err
	}
	if len(values) != 5 {
		return TokenMetadata{}, fmt.Errorf("orchestrator: getLoanMetadata arity %d", len(values))
	}
	return TokenMetadata{
		LoanID:    stringAt(values, 0),
		Balance:   bigAt(values, 1),
		Status:    stringAt(values, 2),
		MintedAt:  timeAt(values, 3),
		UpdatedAt: timeAt(values, 4),
	}, nil
}

func (v publicView) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	values, err := v.conn.Call(ctx, contracts.LoanNFT, "ownerOf", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return common.Address{}, err
	}
	return addressAt(values, 0), nil
}

func (v publicView) Listing(ctx context.Context, tokenID uint64) (Listing, error) {
	values, err := v.conn.Call(ctx, contracts.Marketplace, "getListing", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return Listing{}, err
	}
	if len(values) != 4 {
		return Listing{}, fmt.Errorf("orchestrator: getListing arity %d", len(values))
	}
	return Listing{
		Seller:   addressAt(values, 0),
		Price:    bigAt(values, 1),
		Active:   boolAt(values, 2),
		ListedAt: timeAt(values, 3),
	}, nil
}

func (v publicView) ActiveListings(ctx context.Context) ([]uint64, error) {
	values, err := v.conn.Call(ctx, contracts.Marketplace, "activeListings")
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("orchestrator: activeListings arity %d", len(values))
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("orchestrator: activeListings unexpected type %T", values[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		if id != nil {
			ids = append(ids, id.Uint64())
		}
	}
	return ids, nil
}

func (v publicView) RecordPendingPayment(ctx context.Context, gasLimit uint64, tokenID uint64, amount *big.Int) (*chain.Receipt, error) {
	return v.conn.Send(ctx, contracts.PaymentDistributor, "recordPendingPayment", gasLimit, new(big.Int).SetUint64(tokenID), amount)
}

func bigAt(values []interface{}, idx int) *big.Int {
	if idx < len(values) {
		if b, ok := values[idx].(*big.Int); ok && b != nil {
			return new(big.Int).Set(b)
		}
	}
	return new(big.Int)
}

func stringAt(values []interface{}, idx int) string {
	if idx < len(values) {
		if s, ok := values[idx].(string); ok {
			return s
		}
	}
	return ""
}

func boolAt(values []interface{}, idx int) bool {
	if idx < len(values) {
		if b, ok := values[idx].(bool); ok {
			return b
		}
	}
	return false
}

func addressAt(values []interface{}, idx int) common.Address {
	if idx < len(values) {
		if addr, ok := values[idx].(common.Address); ok {
			return addr
		}
	}
	return common.Address{}
}

func uint64At(values []interface{}, idx int) uint64 {
	return bigAt(values, idx).Uint64()
}

func timeAt(values []interface{}, idx int) time.Time {
	unix := bigAt(values, idx)
	if unix.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(unix.Int64(), 0).UTC()
}
