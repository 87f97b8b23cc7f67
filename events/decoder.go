package events

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"loanbridge/contracts"
)

// ErrUnknownEvent is returned when a log's topic does not match any relay
// contract event. Callers skip such logs.
var ErrUnknownEvent = errors.New("events: unknown event topic")

type decodeEntry struct {
	contract string
	event    abi.Event
	build    func(Meta, []interface{}) (Event, error)
}

// Decoder translates raw ledger logs into typed Event variants.
type Decoder struct {
	byTopic map[common.Hash]decodeEntry
}

// NewDecoder builds a decoder covering every relay contract event.
func NewDecoder() (*Decoder, error) {
	d := &Decoder{byTopic: make(map[common.Hash]decodeEntry)}
	register := func(contract, event string, build func(Meta, []interface{}) (Event, error)) error {
		parsed, err := contracts.ABI(contract)
		if err != nil {
			return err
		}
		def, ok := parsed.Events[event]
		if !ok {
			return fmt.Errorf("events: %s has no event %s", contract, event)
		}
		d.byTopic[def.ID] = decodeEntry{contract: contract, event: def, build: build}
		return nil
	}

	specs := []struct {
		contract string
		event    string
		build    func(Meta, []interface{}) (Event, error)
	}{
		{contracts.LoanBridge, "LoanApprovedForSale", buildLoanApproved},
		{contracts.LoanBridge, "ApprovalCancelled", buildApprovalCancelled},
		{contracts.LoanRegistry, "LoanLocked", buildLoanLocked},
		{contracts.LoanRegistry, "OwnershipTransferRecorded", buildOwnershipRecorded},
		{contracts.LoanNFT, "NFTMinted", buildNFTMinted},
		{contracts.LoanNFT, "MetadataUpdated", buildMetadataUpdated},
		{contracts.Marketplace, "LoanListed", buildLoanListed},
		{contracts.Marketplace, "ListingCancelled", buildListingCancelled},
		{contracts.Marketplace, "LoanSold", buildLoanSold},
		{contracts.PaymentDistributor, "PaymentReceived", buildPaymentReceived},
	}
	for _, spec := range specs {
		if err := register(spec.contract, spec.event, spec.build); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Decode resolves a raw log against the registered contract events. Logs with
// an unknown topic return ErrUnknownEvent.
func (d *Decoder) Decode(chain string, lg gethtypes.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	entry, ok := d.byTopic[lg.Topics[0]]
	if !ok {
		return nil, ErrUnknownEvent
	}
	values, err := entry.event.Inputs.Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("events: unpack %s: %w", entry.event.Name, err)
	}
	meta := Meta{
		Chain:       chain,
		Contract:    entry.contract,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}
	return entry.build(meta, values)
}

func buildLoanApproved(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 4 {
		return nil, fmt.Errorf("events: LoanApprovedForSale arity %d", len(values))
	}
	return LoanApproved{
		Meta:         meta,
		LoanID:       asString(values[0]),
		AskingPrice:  asBig(values[1]),
		ModifiedRate: asBig(values[2]),
		Lender:       asAddress(values[3]),
	}, nil
}

func buildApprovalCancelled(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("events: ApprovalCancelled arity %d", len(values))
	}
	return ApprovalCancelled{Meta: meta, LoanID: asString(values[0])}, nil
}

func buildLoanLocked(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("events: LoanLocked arity %d", len(values))
	}
	return LoanLocked{Meta: meta, LoanID: asString(values[0])}, nil
}

func buildOwnershipRecorded(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 3 {
		return nil, fmt.Errorf("events: OwnershipTransferRecorded arity %d", len(values))
	}
	return OwnershipRecorded{
		Meta:     meta,
		LoanID:   asString(values[0]),
		NewOwner: asAddress(values[1]),
		Price:    asBig(values[2]),
	}, nil
}

func buildNFTMinted(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 3 {
		return nil, fmt.Errorf("events: NFTMinted arity %d", len(values))
	}
	return NFTMinted{
		Meta:    meta,
		TokenID: asUint64(values[0]),
		LoanID:  asString(values[1]),
		Owner:   asAddress(values[2]),
	}, nil
}

func buildMetadataUpdated(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 3 {
		return nil, fmt.Errorf("events: MetadataUpdated arity %d", len(values))
	}
	return MetadataUpdated{
		Meta:    meta,
		TokenID: asUint64(values[0]),
		Balance: asBig(values[1]),
		Status:  asString(values[2]),
	}, nil
}

func buildLoanListed(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 3 {
		return nil, fmt.Errorf("events: LoanListed arity %d", len(values))
	}
	return LoanListed{
		Meta:    meta,
		TokenID: asUint64(values[0]),
		Seller:  asAddress(values[1]),
		Price:   asBig(values[2]),
	}, nil
}

func buildListingCancelled(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("events: ListingCancelled arity %d", len(values))
	}
	return ListingCancelled{Meta: meta, TokenID: asUint64(values[0])}, nil
}

func buildLoanSold(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 4 {
		return nil, fmt.Errorf("events: LoanSold arity %d", len(values))
	}
	return LoanSold{
		Meta:    meta,
		TokenID: asUint64(values[0]),
		Seller:  asAddress(values[1]),
		Buyer:   asAddress(values[2]),
		Price:   asBig(values[3]),
	}, nil
}

func buildPaymentReceived(meta Meta, values []interface{}) (Event, error) {
	if len(values) != 3 {
		return nil, fmt.Errorf("events: PaymentReceived arity %d", len(values))
	}
	return PaymentReceived{
		Meta:    meta,
		TokenID: asUint64(values[0]),
		Payer:   asAddress(values[1]),
		Amount:  asBig(values[2]),
	}, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asAddress(v interface{}) common.Address {
	addr, _ := v.(common.Address)
	return addr
}

func asBig(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func asUint64(v interface{}) uint64 {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b.Uint64()
	}
	return 0
}
