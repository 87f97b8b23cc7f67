package gateway

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loanbridge/orchestrator"
	"loanbridge/state"
)

type fakeResolver struct {
	statuses map[string]orchestrator.LoanStatus
	metadata map[uint64]orchestrator.TokenMetadata
	listings map[uint64]orchestrator.Listing
}

func (f *fakeResolver) LoanStatus(ctx context.Context, loanID string) (orchestrator.LoanStatus, error) {
	status, ok := f.statuses[loanID]
	if !ok {
		return orchestrator.LoanStatus{}, orchestrator.ErrNotFound
	}
	return status, nil
}

func (f *fakeResolver) TokenMetadata(ctx context.Context, tokenID uint64) (orchestrator.TokenMetadata, error) {
	meta, ok := f.metadata[tokenID]
	if !ok {
		return orchestrator.TokenMetadata{}, orchestrator.ErrNotFound
	}
	return meta, nil
}

func (f *fakeResolver) TokenListing(ctx context.Context, tokenID uint64) (orchestrator.Listing, error) {
	return f.listings[tokenID], nil
}

func (f *fakeResolver) ActiveListings(ctx context.Context) ([]uint64, error) {
	ids := make([]uint64, 0, len(f.listings))
	for id, listing := range f.listings {
		if listing.Active {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func newTestServer(t *testing.T, resolver *fakeResolver) (*Server, *state.Store) {
	t.Helper()
	store, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv := NewServer(Config{}, resolver, store, nil, nil)
	return srv, store
}

func TestHandleLoan(t *testing.T) {
	resolver := &fakeResolver{
		statuses: map[string]orchestrator.LoanStatus{
			"L-100": {
				Loan:     orchestrator.LoanRecord{ID: "L-100", PrincipalBalance: big.NewInt(5000000), Status: "current"},
				Approval: orchestrator.ApprovalRecord{IsApproved: true, AskingPrice: big.NewInt(5100000)},
				TokenID:  1,
				Mapped:   true,
				State:    orchestrator.StateTokenized,
			},
		},
	}
	srv, _ := newTestServer(t, resolver)

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/L-100", nil)
	res := httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.Code, res.Body.String())
	}
	var body loanResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.LoanID != "L-100" || body.TokenID != 1 || body.State != orchestrator.StateTokenized {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.PrincipalBalance != "5000000" || body.AskingPrice != "5100000" {
		t.Fatalf("unexpected amounts: %+v", body)
	}
}

func TestHandleLoanNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeResolver{})

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/L-404", nil)
	res := httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.Code)
	}
}

func TestHandleLoanToken(t *testing.T) {
	srv, store := newTestServer(t, &fakeResolver{})
	if err := store.MapLoanToToken("L-100", 7); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/L-100/token", nil)
	res := httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["tokenId"].(float64) != 7 {
		t.Fatalf("unexpected token id: %v", body["tokenId"])
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/loans/L-200/token", nil)
	res = httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusNotFound {
		t.Fatalf("unmapped loan status = %d, want 404", res.Code)
	}
}

func TestHandleTokenMetadata(t *testing.T) {
	resolver := &fakeResolver{
		metadata: map[uint64]orchestrator.TokenMetadata{
			1: {LoanID: "L-100", Balance: big.NewInt(4999550), Status: "current"},
		},
	}
	srv, _ := newTestServer(t, resolver)

	req := httptest.NewRequest(http.MethodGet, "/v1/tokens/1/metadata", nil)
	res := httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["balance"] != "4999550" || body["loanId"] != "L-100" {
		t.Fatalf("unexpected body: %v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/tokens/abc/metadata", nil)
	res = httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("invalid id status = %d, want 400", res.Code)
	}
}

func TestHandleListings(t *testing.T) {
	resolver := &fakeResolver{
		listings: map[uint64]orchestrator.Listing{
			1: {Seller: common.HexToAddress("0x00000000000000000000000000000000000000AA"), Price: big.NewInt(5200000), Active: true},
			2: {Price: big.NewInt(1), Active: false},
		},
	}
	srv, store := newTestServer(t, resolver)
	if err := store.MapLoanToToken("L-100", 1); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
	res := httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	var body []listingResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("expected one active listing, got %d", len(body))
	}
	if body[0].TokenID != 1 || body[0].LoanID != "L-100" || body[0].Price != "5200000" {
		t.Fatalf("unexpected listing: %+v", body[0])
	}
}

func TestHandleReview(t *testing.T) {
	srv, store := newTestServer(t, &fakeResolver{})
	if err := store.MarkManualReview("L-100", "retries exhausted"); err != nil {
		t.Fatalf("seed review: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/review", nil)
	res := httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d", res.Code)
	}
	var body []state.ReviewEntry
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 1 || body[0].LoanID != "L-100" {
		t.Fatalf("unexpected review queue: %+v", body)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeResolver{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	srv.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK || res.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", res.Code, res.Body.String())
	}
}

func TestFeedDropsSlowClients(t *testing.T) {
	feed := NewFeed(nil)
	id, ch, ok := feed.subscribe()
	if !ok {
		t.Fatalf("subscribe failed")
	}
	_ = id

	tr := orchestrator.Transition{LoanID: "L-100", To: orchestrator.StateTokenized, At: time.Now()}
	for i := 0; i < feedClientBuffer; i++ {
		feed.Publish(tr)
	}
	if feed.ClientCount() != 1 {
		t.Fatalf("client dropped while buffer had room")
	}
	// One more publish overflows the buffer and must evict the client
	// instead of blocking.
	feed.Publish(tr)
	if feed.ClientCount() != 0 {
		t.Fatalf("slow client not dropped")
	}
	if _, open := <-ch; open {
		// The buffer still holds transitions; drain until closed.
		for range ch {
		}
	}
}

func TestFeedCloseStopsSubscriptions(t *testing.T) {
	feed := NewFeed(nil)
	if _, _, ok := feed.subscribe(); !ok {
		t.Fatalf("subscribe before close failed")
	}
	feed.Close()
	if feed.ClientCount() != 0 {
		t.Fatalf("clients survive close")
	}
	if _, _, ok := feed.subscribe(); ok {
		t.Fatalf("subscribe after close succeeded")
	}
}
