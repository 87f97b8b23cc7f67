package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Canonical contract names used throughout the relay. Connector configuration
// maps each name to a deployed address on its chain.
const (
	// SourceChain contracts.
	LoanRegistry = "LoanRegistry"
	LoanBridge   = "LoanBridge"

	// PublicChain contracts.
	LoanNFT            = "LoanNFT"
	Marketplace        = "Marketplace"
	PaymentDistributor = "PaymentDistributor"
)

// SourceContracts lists the contracts deployed on the permissioned ledger.
var SourceContracts = []string{LoanRegistry, LoanBridge}

// PublicContracts lists the contracts deployed on the public ledger.
var PublicContracts = []string{LoanNFT, Marketplace, PaymentDistributor}

const loanRegistryABI = `[
  {"type":"function","name":"readLoan","stateMutability":"view","inputs":[{"name":"loanId","type":"string"}],"outputs":[{"name":"principalBalance","type":"uint256"},{"name":"status","type":"string"},{"name":"locked","type":"bool"},{"name":"avalancheTokenId","type":"uint256"}]},
  {"type":"function","name":"loanExists","stateMutability":"view","inputs":[{"name":"loanId","type":"string"}],"outputs":[{"name":"exists","type":"bool"}]},
  {"type":"function","name":"setAvalancheTokenId","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"string"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"recordOwnershipTransfer","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"string"},{"name":"newOwner","type":"address"},{"name":"price","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"recordPayment","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"LoanLocked","anonymous":false,"inputs":[{"name":"loanId","type":"string","indexed":false}]},
  {"type":"event","name":"OwnershipTransferRecorded","anonymous":false,"inputs":[{"name":"loanId","type":"string","indexed":false},{"name":"newOwner","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false}]}
]`

const loanBridgeABI = `[
  {"type":"function","name":"getApprovalData","stateMutability":"view","inputs":[{"name":"loanId","type":"string"}],"outputs":[{"name":"askingPrice","type":"uint256"},{"name":"modifiedRate","type":"uint256"},{"name":"lender","type":"address"},{"name":"approvedAt","type":"uint256"},{"name":"isApproved","type":"bool"},{"name":"isMinted","type":"bool"},{"name":"isCancelled","type":"bool"}]},
  {"type":"function","name":"markMinted","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"string"}],"outputs":[]},
  {"type":"event","name":"LoanApprovedForSale","anonymous":false,"inputs":[{"name":"loanId","type":"string","indexed":false},{"name":"askingPrice","type":"uint256","indexed":false},{"name":"modifiedRate","type":"uint256","indexed":false},{"name":"lender","type":"address","indexed":false}]},
  {"type":"event","name":"ApprovalCancelled","anonymous":false,"inputs":[{"name":"loanId","type":"string","indexed":false}]}
]`

const loanNFTABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"string"},{"name":"principalBalance","type":"uint256"},{"name":"status","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"updateMetadata","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"balance","type":"uint256"},{"name":"status","type":"string"}],"outputs":[]},
  {"type":"function","name":"getLoanMetadata","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"loanId","type":"string"},{"name":"balance","type":"uint256"},{"name":"status","type":"string"},{"name":"mintedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"}]},
  {"type":"event","name":"NFTMinted","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"loanId","type":"string","indexed":false},{"name":"owner","type":"address","indexed":false}]},
  {"type":"event","name":"MetadataUpdated","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"balance","type":"uint256","indexed":false},{"name":"status","type":"string","indexed":false}]}
]`

const marketplaceABI = `[
  {"type":"function","name":"getListing","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"seller","type":"address"},{"name":"price","type":"uint256"},{"name":"active","type":"bool"},{"name":"listedAt","type":"uint256"}]},
  {"type":"function","name":"activeListings","stateMutability":"view","inputs":[],"outputs":[{"name":"tokenIds","type":"uint256[]"}]},
  {"type":"event","name":"LoanListed","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"seller","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"ListingCancelled","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false}]},
  {"type":"event","name":"LoanSold","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"seller","type":"address","indexed":false},{"name":"buyer","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false}]}
]`

const paymentDistributorABI = `[
  {"type":"function","name":"recordPendingPayment","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"PaymentReceived","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"payer","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

var rawABIs = map[string]string{
	LoanRegistry:       loanRegistryABI,
	LoanBridge:         loanBridgeABI,
	LoanNFT:            loanNFTABI,
	Marketplace:        marketplaceABI,
	PaymentDistributor: paymentDistributorABI,
}

var (
	parseOnce sync.Once
	parsed    map[string]abi.ABI
	parseErr  error
)

func parseAll() {
	parsed = make(map[string]abi.ABI, len(rawABIs))
	for name, raw := range rawABIs {
		contract, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			parseErr = fmt.Errorf("contracts: parse %s abi: %w", name, err)
			return
		}
		parsed[name] = contract
	}
}

// ABI returns the parsed interface definition for a known contract name.
func ABI(name string) (abi.ABI, error) {
	parseOnce.Do(parseAll)
	if parseErr != nil {
		return abi.ABI{}, parseErr
	}
	contract, ok := parsed[name]
	if !ok {
		return abi.ABI{}, fmt.Errorf("contracts: unknown contract %q", name)
	}
	return contract, nil
}

// MustABI is ABI for callers that treat a missing definition as a programming error.
func MustABI(name string) abi.ABI {
	contract, err := ABI(name)
	if err != nil {
		panic(err)
	}
	return contract
}
