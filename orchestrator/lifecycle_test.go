package orchestrator

import (
	"math/big"
	"testing"
)

func TestDerive(t *testing.T) {
	eligible := ApprovalRecord{IsApproved: true}
	cases := []struct {
		name         string
		loan         LoanRecord
		approval     ApprovalRecord
		listing      Listing
		sold         bool
		saleMirrored bool
		want         State
	}{
		{name: "fresh loan", want: StateRegistered},
		{name: "approved", approval: eligible, want: StateApprovedForSale},
		{name: "cancelled approval", approval: ApprovalRecord{IsApproved: true, IsCancelled: true}, want: StateRegistered},
		{name: "tokenized", loan: LoanRecord{TokenID: 1}, want: StateTokenized},
		{name: "minted approval back to tokenized", loan: LoanRecord{TokenID: 1}, approval: ApprovalRecord{IsApproved: true, IsMinted: true}, want: StateTokenized},
		{name: "listed", loan: LoanRecord{TokenID: 1}, listing: Listing{Active: true, Price: big.NewInt(1)}, want: StateListed},
		{name: "sold", loan: LoanRecord{TokenID: 1}, sold: true, want: StateSold},
		{name: "ownership synced", loan: LoanRecord{TokenID: 1}, sold: true, saleMirrored: true, want: StateOwnershipSynced},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Derive(tc.loan, tc.approval, tc.listing, tc.sold, tc.saleMirrored)
			if got != tc.want {
				t.Fatalf("Derive = %s, want %s", got, tc.want)
			}
		})
	}
}
