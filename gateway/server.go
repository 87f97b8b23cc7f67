// Package gateway serves the relay's read-only HTTP API: loan and token
// lookups backed by live chain reads, the manual-review queue, and a
// websocket feed of lifecycle transitions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loanbridge/gateway/middleware"
	"loanbridge/orchestrator"
	"loanbridge/state"
)

// Resolver answers loan and token queries against on-chain truth. The
// orchestrator implements it; tests substitute fakes.
type Resolver interface {
	LoanStatus(ctx context.Context, loanID string) (orchestrator.LoanStatus, error)
	TokenMetadata(ctx context.Context, tokenID uint64) (orchestrator.TokenMetadata, error)
	TokenListing(ctx context.Context, tokenID uint64) (orchestrator.Listing, error)
	ActiveListings(ctx context.Context) ([]uint64, error)
}

// Config tunes the gateway's HTTP surface.
type Config struct {
	ListenAddr     string
	RateLimit      middleware.RateLimit
	AllowedOrigins []string
	LogRequests    bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8745"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
}

// Server is the relay's HTTP and websocket front end.
type Server struct {
	cfg      Config
	resolver Resolver
	store    *state.Store
	feed     *Feed
	log      *slog.Logger
	obs      *middleware.Observability
	httpSrv  *http.Server
}

// NewServer builds the gateway over the resolver and state store. feed may be
// nil, in which case the server creates its own hub; either way Feed()
// implements orchestrator.Publisher.
func NewServer(cfg Config, resolver Resolver, store *state.Store, feed *Feed, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if feed == nil {
		feed = NewFeed(log)
	}
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		feed:     feed,
		log:      log,
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "loanbridge-gateway",
			LogRequests: cfg.LogRequests,
			Enabled:     true,
		}, log),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      otelhttp.NewHandler(s.Router(), "gateway"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Feed returns the lifecycle transition hub for wiring into the orchestrator.
func (s *Server) Feed() *Feed { return s.feed }

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.obs.MetricsHandler())
	r.Get("/ws/lifecycle", s.feed.handleStream)

	limiter := middleware.NewRateLimiter(s.cfg.RateLimit, s.log)
	r.Route("/v1", func(api chi.Router) {
		api.Use(limiter.Middleware())
		api.Use(s.obs.Middleware("api"))
		api.Get("/loans/{loanID}", s.handleLoan)
		api.Get("/loans/{loanID}/token", s.handleLoanToken)
		api.Get("/tokens/{tokenID}/metadata", s.handleTokenMetadata)
		api.Get("/listings", s.handleListings)
		api.Get("/mappings", s.handleMappings)
		api.Get("/review", s.handleReview)
		api.Get("/pending", s.handlePending)
	})
	return r
}

// Serve blocks until ctx is cancelled, then drains connections.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.feed.Close()
	return s.httpSrv.Shutdown(shutdownCtx)
}

type loanResponse struct {
	LoanID           string             `json:"loanId"`
	PrincipalBalance string             `json:"principalBalance"`
	Status           string             `json:"status"`
	Locked           bool               `json:"locked"`
	State            orchestrator.State `json:"state"`
	TokenID          uint64             `json:"tokenId,omitempty"`
	AskingPrice      string             `json:"askingPrice,omitempty"`
	Lender           string             `json:"lender,omitempty"`
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	loanID := chi.URLParam(r, "loanID")
	status, err := s.resolver.LoanStatus(r.Context(), loanID)
	if err != nil {
		s.renderError(w, err)
		return
	}
	resp := loanResponse{
		LoanID:           status.Loan.ID,
		PrincipalBalance: status.Loan.PrincipalBalance.String(),
		Status:           status.Loan.Status,
		Locked:           status.Loan.Locked,
		State:            status.State,
	}
	if status.Mapped {
		resp.TokenID = status.TokenID
	}
	if status.Approval.IsApproved {
		resp.AskingPrice = status.Approval.AskingPrice.String()
		resp.Lender = status.Approval.Lender.Hex()
	}
	s.renderJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLoanToken(w http.ResponseWriter, r *http.Request) {
	loanID := chi.URLParam(r, "loanID")
	tokenID, ok := s.store.TokenForLoan(loanID)
	if !ok {
		s.renderJSON(w, http.StatusNotFound, map[string]string{"error": "loan has no token"})
		return
	}
	s.renderJSON(w, http.StatusOK, map[string]interface{}{"loanId": loanID, "tokenId": tokenID})
}

func (s *Server) handleTokenMetadata(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseUint(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil {
		s.renderJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid token id"})
		return
	}
	meta, err := s.resolver.TokenMetadata(r.Context(), tokenID)
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.renderJSON(w, http.StatusOK, map[string]interface{}{
		"tokenId":   tokenID,
		"loanId":    meta.LoanID,
		"balance":   meta.Balance.String(),
		"status":    meta.Status,
		"mintedAt":  meta.MintedAt,
		"updatedAt": meta.UpdatedAt,
	})
}

type listingResponse struct {
	TokenID  uint64    `json:"tokenId"`
	LoanID   string    `json:"loanId,omitempty"`
	Seller   string    `json:"seller"`
	Price    string    `json:"price"`
	ListedAt time.Time `json:"listedAt"`
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	ids, err := s.resolver.ActiveListings(r.Context())
	if err != nil {
		s.renderError(w, err)
		return
	}
	out := make([]listingResponse, 0, len(ids))
	for _, tokenID := range ids {
		listing, err := s.resolver.TokenListing(r.Context(), tokenID)
		if err != nil || !listing.Active {
			continue
		}
		entry := listingResponse{
			TokenID:  tokenID,
			Seller:   listing.Seller.Hex(),
			Price:    listing.Price.String(),
			ListedAt: listing.ListedAt,
		}
		if loanID, ok := s.store.LoanForToken(tokenID); ok {
			entry.LoanID = loanID
		}
		out = append(out, entry)
	}
	s.renderJSON(w, http.StatusOK, out)
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	s.renderJSON(w, http.StatusOK, s.store.Mappings())
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	queue := s.store.ManualReviewQueue()
	if queue == nil {
		queue = []state.ReviewEntry{}
	}
	s.renderJSON(w, http.StatusOK, queue)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.store.PendingTxs()
	if pending == nil {
		pending = []state.PendingTx{}
	}
	s.renderJSON(w, http.StatusOK, pending)
}

func (s *Server) renderJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("encode response", "err", err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		s.renderJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		s.log.Error("resolver failure", "err", err)
		s.renderJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream chain unavailable"})
	}
}
