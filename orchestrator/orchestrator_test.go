package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loanbridge/chain"
	"loanbridge/contracts"
	"loanbridge/events"
	"loanbridge/state"
)

// fakeLedger is a scriptable in-memory stand-in for one chain connector. It
// applies contract writes to its own state so idempotency checks exercise the
// same read-back logic production uses.
type fakeLedger struct {
	name string

	mu        sync.Mutex
	loans     map[string]*fakeLoan
	approvals map[string]*fakeApproval
	tokens    map[uint64]*fakeToken
	listings  map[uint64]*fakeListing
	payments  map[string][]string
	nextToken uint64
	sendCount map[string]int
	failNext  map[string]error
	// failAlways fails the named method on every call, unlike failNext which
	// is consumed by the first.
	failAlways map[string]error
	// timeoutNext makes the named method return ErrConfirmTimeout after
	// applying (or skipping) its effect, mimicking a transaction that landed
	// (or vanished) after the confirmation window closed.
	timeoutNext map[string]bool
	timeoutLand map[string]bool
	head        uint64
	queued      []events.Event
	receipts    map[common.Hash]*chain.Receipt
	txSeq       int
}

type fakeLoan struct {
	principal *big.Int
	status    string
	locked    bool
	tokenID   uint64
	owner     common.Address
}

type fakeApproval struct {
	askingPrice *big.Int
	lender      common.Address
	approved    bool
	minted      bool
	cancelled   bool
}

type fakeToken struct {
	loanID  string
	balance *big.Int
	status  string
	owner   common.Address
}

type fakeListing struct {
	seller common.Address
	price  *big.Int
	active bool
}

func newFakeLedger(name string) *fakeLedger {
	return &fakeLedger{
		name:        name,
		loans:       make(map[string]*fakeLoan),
		approvals:   make(map[string]*fakeApproval),
		tokens:      make(map[uint64]*fakeToken),
		listings:    make(map[uint64]*fakeListing),
		payments:    make(map[string][]string),
		nextToken:   1,
		sendCount:   make(map[string]int),
		failNext:    make(map[string]error),
		failAlways:  make(map[string]error),
		timeoutNext: make(map[string]bool),
		timeoutLand: make(map[string]bool),
		receipts:    make(map[common.Hash]*chain.Receipt),
	}
}

func (f *fakeLedger) Name() string { return f.name }

func (f *fakeLedger) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLedger) QueryEvents(ctx context.Context, from, to uint64) ([]events.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, ev := range f.queued {
		meta := ev.Metadata()
		if meta.BlockNumber >= from && meta.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) ReceiptOf(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, nil
	}
	return receipt, nil
}

func (f *fakeLedger) Call(ctx context.Context, contract, method string, args ...interface{}) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch contract + "." + method {
	case contracts.LoanRegistry + ".readLoan":
		loan, ok := f.loans[args[0].(string)]
		if !ok {
			return nil, fmt.Errorf("no such loan")
		}
		return []interface{}{new(big.Int).Set(loan.principal), loan.status, loan.locked, new(big.Int).SetUint64(loan.tokenID)}, nil
	case contracts.LoanRegistry + ".loanExists":
		_, ok := f.loans[args[0].(string)]
		return []interface{}{ok}, nil
	case contracts.LoanBridge + ".getApprovalData":
		approval, ok := f.approvals[args[0].(string)]
		if !ok {
			return []interface{}{new(big.Int), new(big.Int), common.Address{}, new(big.Int), false, false, false}, nil
		}
		return []interface{}{
			new(big.Int).Set(approval.askingPrice), new(big.Int), approval.lender,
			big.NewInt(1700000000), approval.approved, approval.minted, approval.cancelled,
		}, nil
	case contracts.LoanNFT + ".getLoanMetadata":
		token, ok := f.tokens[args[0].(*big.Int).Uint64()]
		if !ok {
			return nil, fmt.Errorf("no such token")
		}
		return []interface{}{token.loanID, new(big.Int).Set(token.balance), token.status, big.NewInt(1700000000), big.NewInt(1700000100)}, nil
	case contracts.LoanNFT + ".ownerOf":
		token, ok := f.tokens[args[0].(*big.Int).Uint64()]
		if !ok {
			return nil, fmt.Errorf("no such token")
		}
		return []interface{}{token.owner}, nil
	case contracts.Marketplace + ".getListing":
		listing, ok := f.listings[args[0].(*big.Int).Uint64()]
		if !ok {
			return []interface{}{common.Address{}, new(big.Int), false, new(big.Int)}, nil
		}
		return []interface{}{listing.seller, new(big.Int).Set(listing.price), listing.active, big.NewInt(1700000000)}, nil
	case contracts.Marketplace + ".activeListings":
		var ids []*big.Int
		for id, listing := range f.listings {
			if listing.active {
				ids = append(ids, new(big.Int).SetUint64(id))
			}
		}
		return []interface{}{ids}, nil
	}
	return nil, fmt.Errorf("unscripted call %s.%s", contract, method)
}

func (f *fakeLedger) Send(ctx context.Context, contract, method string, gasLimit uint64, args ...interface{}) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failAlways[method]; ok {
		return nil, err
	}
	if err, ok := f.failNext[method]; ok {
		delete(f.failNext, method)
		return nil, err
	}
	timeout := f.timeoutNext[method]
	landed := f.timeoutLand[method]
	if timeout {
		delete(f.timeoutNext, method)
		delete(f.timeoutLand, method)
	}
	f.sendCount[method]++
	f.txSeq++
	hash := common.BytesToHash([]byte(fmt.Sprintf("%s-tx-%d", f.name, f.txSeq)))
	receipt := &chain.Receipt{TxHash: hash, BlockNumber: f.head}

	apply := !timeout || landed
	if apply {
		switch contract + "." + method {
		case contracts.LoanNFT + ".mint":
			loanID := args[0].(string)
			tokenID := f.nextToken
			f.nextToken++
			f.tokens[tokenID] = &fakeToken{loanID: loanID, balance: new(big.Int).Set(args[1].(*big.Int)), status: args[2].(string)}
			receipt.Events = []events.Event{events.NFTMinted{TokenID: tokenID, LoanID: loanID}}
		case contracts.LoanRegistry + ".setAvalancheTokenId":
			f.loans[args[0].(string)].tokenID = args[1].(*big.Int).Uint64()
		case contracts.LoanBridge + ".markMinted":
			f.approvals[args[0].(string)].minted = true
		case contracts.LoanRegistry + ".recordOwnershipTransfer":
			loan := f.loans[args[0].(string)]
			loan.owner = args[1].(common.Address)
		case contracts.LoanRegistry + ".recordPayment":
			loanID := args[0].(string)
			f.payments[loanID] = append(f.payments[loanID], args[1].(*big.Int).String())
		case contracts.PaymentDistributor + ".recordPendingPayment":
			// Distribution bookkeeping only.
		case contracts.LoanNFT + ".updateMetadata":
			token := f.tokens[args[0].(*big.Int).Uint64()]
			token.balance = new(big.Int).Set(args[1].(*big.Int))
			token.status = args[2].(string)
		}
		f.receipts[hash] = receipt
	}
	if timeout {
		return &chain.Receipt{TxHash: hash}, fmt.Errorf("confirm %s: %w", method, chain.ErrConfirmTimeout)
	}
	return receipt, nil
}

func (f *fakeLedger) sends(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCount[method]
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeLedger, *fakeLedger, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	source := newFakeLedger("source")
	public := newFakeLedger("public")
	orch, err := New(source, public, store,
		WithConfig(Config{MaxAttempts: 3, GasLimit: 300000}),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch, source, public, store
}

func seedApprovedLoan(source *fakeLedger, loanID string, principal int64) {
	source.loans[loanID] = &fakeLoan{principal: big.NewInt(principal), status: "current"}
	source.approvals[loanID] = &fakeApproval{
		askingPrice: big.NewInt(principal),
		lender:      common.HexToAddress("0x00000000000000000000000000000000000000AA"),
		approved:    true,
	}
}

func TestApprovalMintsExactlyOnce(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	ctx := context.Background()

	if err := orch.OnApprovalObserved(ctx, "L-100"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	tokenID, ok := store.TokenForLoan("L-100")
	if !ok || tokenID != 1 {
		t.Fatalf("expected L-100 mapped to token 1, got %d (%v)", tokenID, ok)
	}
	if source.loans["L-100"].tokenID != 1 {
		t.Fatalf("token id not written back to source ledger")
	}
	if !source.approvals["L-100"].minted {
		t.Fatalf("bridge approval not marked minted")
	}

	// Re-delivering the approval must not mint or write again.
	if err := orch.OnApprovalObserved(ctx, "L-100"); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if got := public.sends("mint"); got != 1 {
		t.Fatalf("mint issued %d times", got)
	}
	if got := source.sends("setAvalancheTokenId"); got != 1 {
		t.Fatalf("setAvalancheTokenId issued %d times", got)
	}
	if got := source.sends("markMinted"); got != 1 {
		t.Fatalf("markMinted issued %d times", got)
	}
}

func TestIneligibleLoanNotMinted(t *testing.T) {
	orch, source, public, _ := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	source.approvals["L-100"].cancelled = true

	if err := orch.OnApprovalObserved(context.Background(), "L-100"); err != nil {
		t.Fatalf("approval pass: %v", err)
	}
	if got := public.sends("mint"); got != 0 {
		t.Fatalf("cancelled approval still minted %d times", got)
	}
}

func TestMintTimeoutThenLandedIsAdopted(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	public.timeoutNext["mint"] = true
	public.timeoutLand["mint"] = true
	ctx := context.Background()

	// Confirmation times out but the transaction landed: the step defers and
	// records the hash instead of failing.
	if err := orch.OnApprovalObserved(ctx, "L-100"); err != nil {
		t.Fatalf("deferred pass: %v", err)
	}
	if _, ok := store.TokenForLoan("L-100"); ok {
		t.Fatalf("mapping recorded before confirmation")
	}
	pending := store.PendingTxs()
	if len(pending) != 1 || pending[0].Step != "mint" {
		t.Fatalf("expected one pending mint, got %+v", pending)
	}

	// The reconciliation pass finds the receipt and resumes without a second
	// mint.
	orch.resumeOne(ctx, pending[0])
	tokenID, ok := store.TokenForLoan("L-100")
	if !ok || tokenID != 1 {
		t.Fatalf("mapping not adopted from confirmed receipt: %d (%v)", tokenID, ok)
	}
	if got := public.sends("mint"); got != 1 {
		t.Fatalf("mint issued %d times despite landed original", got)
	}
	if remaining := store.PendingTxs(); len(remaining) != 0 {
		t.Fatalf("pending entry not resolved: %+v", remaining)
	}
}

func TestSaleMirroredExactlyOnce(t *testing.T) {
	orch, source, _, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	if err := store.MapLoanToToken("L-100", 1); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	buyer := common.HexToAddress("0x000000000000000000000000000000000000BEEF")
	price := big.NewInt(5200000)
	ctx := context.Background()

	if err := orch.OnSaleObserved(ctx, 1, common.Address{}, buyer, price, "0xsale1"); err != nil {
		t.Fatalf("first sale delivery: %v", err)
	}
	if err := orch.OnSaleObserved(ctx, 1, common.Address{}, buyer, price, "0xsale1"); err != nil {
		t.Fatalf("second sale delivery: %v", err)
	}
	if got := source.sends("recordOwnershipTransfer"); got != 1 {
		t.Fatalf("ownership transfer recorded %d times", got)
	}
	if source.loans["L-100"].owner != buyer {
		t.Fatalf("buyer not recorded on source ledger")
	}
}

func TestSaleForUnmappedTokenEscalates(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	err := orch.OnSaleObserved(context.Background(), 9, common.Address{}, common.Address{}, big.NewInt(1), "0xsale9")
	if !IsUnmapped(err) {
		t.Fatalf("expected unmapped error, got %v", err)
	}
}

func TestPaymentDistributedToBothLedgers(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	if err := store.MapLoanToToken("L-100", 1); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	ctx := context.Background()

	if err := orch.OnPaymentObserved(ctx, 1, big.NewInt(450), "0xpay1"); err != nil {
		t.Fatalf("payment delivery: %v", err)
	}
	if err := orch.OnPaymentObserved(ctx, 1, big.NewInt(450), "0xpay1"); err != nil {
		t.Fatalf("duplicate payment delivery: %v", err)
	}
	if got := public.sends("recordPendingPayment"); got != 1 {
		t.Fatalf("pending payment recorded %d times", got)
	}
	if got := source.sends("recordPayment"); got != 1 {
		t.Fatalf("source payment recorded %d times", got)
	}
	if got := source.payments["L-100"]; len(got) != 1 || got[0] != "450" {
		t.Fatalf("unexpected source payment log: %v", got)
	}
}

func TestPaymentRedeliveryResumesAtSecondLeg(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	if err := store.MapLoanToToken("L-100", 1); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	source.failNext["recordPayment"] = fmt.Errorf("connection reset by peer")
	ctx := context.Background()

	// First delivery lands the public-ledger leg, then the source write fails.
	if err := orch.OnPaymentObserved(ctx, 1, big.NewInt(450), "0xpay1"); err == nil {
		t.Fatalf("expected source leg failure")
	}
	if got := public.sends("recordPendingPayment"); got != 1 {
		t.Fatalf("pending payment recorded %d times", got)
	}

	// Redelivery must pick up at the source leg, not pay the public ledger
	// twice.
	if err := orch.OnPaymentObserved(ctx, 1, big.NewInt(450), "0xpay1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := public.sends("recordPendingPayment"); got != 1 {
		t.Fatalf("first leg repeated: %d sends", got)
	}
	if got := source.sends("recordPayment"); got != 1 {
		t.Fatalf("source payment landed %d times", got)
	}
	if got := source.payments["L-100"]; len(got) != 1 || got[0] != "450" {
		t.Fatalf("unexpected source payment log: %v", got)
	}
}

func TestMetadataDriftWritesOnlyOnDivergence(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	if err := store.MapLoanToToken("L-100", 1); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	public.tokens[1] = &fakeToken{loanID: "L-100", balance: big.NewInt(5000000), status: "current"}
	ctx := context.Background()

	if err := orch.OnMetadataDrift(ctx, 1); err != nil {
		t.Fatalf("drift check: %v", err)
	}
	if got := public.sends("updateMetadata"); got != 0 {
		t.Fatalf("metadata rewritten without drift")
	}

	// The principal changes on the source ledger; the next pass must refresh.
	source.loans["L-100"].principal = big.NewInt(4999550)
	if err := orch.OnMetadataDrift(ctx, 1); err != nil {
		t.Fatalf("drift refresh: %v", err)
	}
	if got := public.sends("updateMetadata"); got != 1 {
		t.Fatalf("metadata refreshed %d times", got)
	}
	if public.tokens[1].balance.String() != "4999550" {
		t.Fatalf("snapshot balance not refreshed: %s", public.tokens[1].balance)
	}
}

func TestProcessEventDedupes(t *testing.T) {
	orch, source, public, _ := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	ctx := context.Background()

	ev := events.LoanApproved{
		Meta:   events.Meta{Chain: "source", TxHash: common.BytesToHash([]byte("tx-1")), LogIndex: 3},
		LoanID: "L-100",
	}
	orch.ProcessLive(ctx, ev)
	orch.ProcessLive(ctx, ev)
	if got := public.sends("mint"); got != 1 {
		t.Fatalf("duplicate event delivery minted %d times", got)
	}
}

func TestRevertFlagsManualReview(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	public.failNext["mint"] = &chain.RevertError{Chain: "public", Contract: contracts.LoanNFT, Method: "mint", Reason: "loan already tokenized"}
	ctx := context.Background()

	ev := events.LoanApproved{
		Meta:   events.Meta{Chain: "source", TxHash: common.BytesToHash([]byte("tx-2")), LogIndex: 0},
		LoanID: "L-100",
	}
	orch.ProcessLive(ctx, ev)
	if !store.InManualReview("L-100") {
		t.Fatalf("reverted mint not flagged for manual review")
	}
	// The flag blocks further automatic processing of the loan.
	if err := orch.OnApprovalObserved(ctx, "L-100"); err != nil {
		t.Fatalf("flagged pass: %v", err)
	}
	if got := public.sends("mint"); got != 0 {
		t.Fatalf("flagged loan still minted %d times", got)
	}
}

func TestOrderBatchMovesSaleAheadOfMetadata(t *testing.T) {
	metaFirst := events.MetadataUpdated{Meta: events.Meta{BlockNumber: 10, LogIndex: 0}, TokenID: 1}
	unrelated := events.MetadataUpdated{Meta: events.Meta{BlockNumber: 10, LogIndex: 1}, TokenID: 2}
	sale := events.LoanSold{Meta: events.Meta{BlockNumber: 10, LogIndex: 2}, TokenID: 1, Price: big.NewInt(1)}
	batch := []events.Event{metaFirst, unrelated, sale}

	orderBatch(batch)

	if _, ok := batch[0].(events.LoanSold); !ok {
		t.Fatalf("sale not moved ahead of same-token metadata: %T", batch[0])
	}
	if got := batch[1].(events.MetadataUpdated); got.TokenID != 1 {
		t.Fatalf("displaced metadata out of order: %+v", got)
	}
	if got := batch[2].(events.MetadataUpdated); got.TokenID != 2 {
		t.Fatalf("unrelated metadata moved: %+v", got)
	}
}

func TestCatchUpAdvancesCursorAndDedupes(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	source.head = 20
	source.queued = []events.Event{
		events.LoanApproved{
			Meta:   events.Meta{Chain: "source", BlockNumber: 12, TxHash: common.BytesToHash([]byte("tx-a")), LogIndex: 0},
			LoanID: "L-100",
		},
	}
	ctx := context.Background()

	if err := orch.catchUp(ctx, source); err != nil {
		t.Fatalf("catch-up: %v", err)
	}
	cursor, ok := store.CursorFor("source")
	if !ok || cursor.LastProcessedBlock != 20 {
		t.Fatalf("cursor not advanced to head: %+v (%v)", cursor, ok)
	}
	if got := public.sends("mint"); got != 1 {
		t.Fatalf("catch-up minted %d times", got)
	}

	// A re-delivery of the same log in a later window carries the same
	// transaction hash and log index, so the dedupe key absorbs it.
	source.head = 25
	source.queued = append(source.queued, events.LoanApproved{
		Meta:   events.Meta{Chain: "source", BlockNumber: 22, TxHash: common.BytesToHash([]byte("tx-a")), LogIndex: 0},
		LoanID: "L-100",
	})
	if err := orch.catchUp(ctx, source); err != nil {
		t.Fatalf("second catch-up: %v", err)
	}
	if got := public.sends("mint"); got != 1 {
		t.Fatalf("re-delivered log minted again: %d", got)
	}
}

func TestCatchUpRetriesSettleBeforeCursorAdvance(t *testing.T) {
	orch, source, public, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	public.failNext["mint"] = fmt.Errorf("connection reset by peer")
	source.head = 20
	source.queued = []events.Event{
		events.LoanApproved{
			Meta:   events.Meta{Chain: "source", BlockNumber: 12, TxHash: common.BytesToHash([]byte("tx-a")), LogIndex: 0},
			LoanID: "L-100",
		},
	}

	if err := orch.catchUp(context.Background(), source); err != nil {
		t.Fatalf("catch-up: %v", err)
	}
	// The window only closes once the retried mint has gone through, so the
	// mint is visible the moment the cursor moves.
	if got := public.sends("mint"); got != 1 {
		t.Fatalf("window closed with %d mints", got)
	}
	cursor, ok := store.CursorFor("source")
	if !ok || cursor.LastProcessedBlock != 20 {
		t.Fatalf("cursor not advanced after settlement: %+v (%v)", cursor, ok)
	}
}

func TestCatchUpEscalatesBeforeCursorAdvance(t *testing.T) {
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	source := newFakeLedger("source")
	public := newFakeLedger("public")
	orch, err := New(source, public, store, WithConfig(Config{MaxAttempts: 2, GasLimit: 300000}))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	seedApprovedLoan(source, "L-100", 5000000)
	public.failAlways["mint"] = fmt.Errorf("connection reset by peer")
	source.head = 20
	source.queued = []events.Event{
		events.LoanApproved{
			Meta:   events.Meta{Chain: "source", BlockNumber: 12, TxHash: common.BytesToHash([]byte("tx-b")), LogIndex: 0},
			LoanID: "L-100",
		},
	}

	if err := orch.catchUp(context.Background(), source); err != nil {
		t.Fatalf("catch-up: %v", err)
	}
	// Retries were exhausted inside the window, so the manual-review flag is
	// durable before the cursor moves past the event.
	if !store.InManualReview("L-100") {
		t.Fatalf("exhausted event not escalated before window close")
	}
	cursor, ok := store.CursorFor("source")
	if !ok || cursor.LastProcessedBlock != 20 {
		t.Fatalf("cursor not advanced after escalation: %+v (%v)", cursor, ok)
	}
}

func TestDeferredWritesCarryReplayNonce(t *testing.T) {
	orch, source, _, store := newTestOrchestrator(t)
	seedApprovedLoan(source, "L-100", 5000000)
	if err := store.MapLoanToToken("L-100", 1); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	buyer := common.HexToAddress("0x000000000000000000000000000000000000BEEF")
	ctx := context.Background()

	source.timeoutNext["recordOwnershipTransfer"] = true
	if err := orch.OnSaleObserved(ctx, 1, common.Address{}, buyer, big.NewInt(5200000), "0xsale1"); err != nil {
		t.Fatalf("deferred sale: %v", err)
	}
	pending := store.PendingTxs()
	if len(pending) != 1 || pending[0].Step != "record_ownership" {
		t.Fatalf("expected one pending ownership entry, got %+v", pending)
	}
	first := pending[0].Nonce
	if first == 0 {
		t.Fatalf("deferred ownership write carries no replay nonce")
	}

	source.timeoutNext["recordPayment"] = true
	if err := orch.OnPaymentObserved(ctx, 1, big.NewInt(450), "0xpay1"); err != nil {
		t.Fatalf("deferred payment: %v", err)
	}
	var second uint64
	for _, p := range store.PendingTxs() {
		if p.Step == "record_payment" {
			second = p.Nonce
		}
	}
	if second <= first {
		t.Fatalf("replay nonces not strictly increasing: %d then %d", first, second)
	}
}

// stalledLedger blocks catch-up queries until released or the query context
// is cancelled.
type stalledLedger struct {
	*fakeLedger
	release chan struct{}
}

func (s *stalledLedger) QueryEvents(ctx context.Context, from, to uint64) ([]events.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return s.fakeLedger.QueryEvents(ctx, from, to)
	}
}

func TestRunCancellationInterruptsInitialCatchUp(t *testing.T) {
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	inner := newFakeLedger("source")
	inner.head = 50
	source := &stalledLedger{fakeLedger: inner, release: make(chan struct{})}
	public := newFakeLedger("public")
	orch, err := New(source, public, store,
		WithConfig(Config{MaxAttempts: 3, GasLimit: 300000, TickInterval: time.Hour}),
	)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}
}
