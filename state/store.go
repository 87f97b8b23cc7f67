// Package state holds the relay's authoritative process-local bookkeeping:
// sync cursors, the loan/token mapping, replay nonces, the in-flight
// transaction ledger, and manual-review flags. Everything is written through
// to LevelDB so a restarted relay resumes where it stopped.
package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const lockStripes = 64

// Key namespaces. Each record family gets its own prefix so a prefix scan
// reloads one family at a time.
const (
	prefixCursor  = "cursor/"
	prefixMap     = "map/"
	prefixReverse = "rmap/"
	prefixNonce   = "nonce/"
	prefixPending = "pending/"
	prefixDone    = "done/"
	prefixReview  = "review/"
)

// IntegrityError reports an attempted remap of an already-mapped loan. It is
// fatal to the operation that raised it and must be alerted, never silently
// resolved.
type IntegrityError struct {
	LoanID   string
	Existing uint64
	Proposed uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("state: loan %s already mapped to token %d, refusing remap to %d", e.LoanID, e.Existing, e.Proposed)
}

// IsIntegrityViolation reports whether err is a mapping integrity violation.
func IsIntegrityViolation(err error) bool {
	var integrity *IntegrityError
	return errors.As(err, &integrity)
}

// Cursor records how far event processing has advanced on one chain.
type Cursor struct {
	LastProcessedBlock uint64    `json:"lastProcessedBlock"`
	LastSyncTime       time.Time `json:"lastSyncTime"`
}

// PendingTx captures an in-flight cross-chain write with enough context to
// resume the step after a restart without replaying full chain history.
type PendingTx struct {
	Hash         string    `json:"hash"`
	Ref          string    `json:"ref,omitempty"`
	LoanID       string    `json:"loanID"`
	Step         string    `json:"step"`
	Chain        string    `json:"chain"`
	Nonce        uint64    `json:"nonce"`
	TokenID      uint64    `json:"tokenID,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
	Attempts     int       `json:"attempts"`
	Confirmed    bool      `json:"confirmed"`
	ConfirmedAt  time.Time `json:"confirmedAt"`
	Abandoned    bool      `json:"abandoned,omitempty"`
}

// ReviewEntry flags a loan that exhausted its retry budget and needs an
// operator.
type ReviewEntry struct {
	LoanID    string    `json:"loanID"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flaggedAt"`
}

// Store is the reconciliation state store. Mappings and nonces take per-loan
// striped locks so unrelated loans never serialize; cursors share one lock.
type Store struct {
	db *leveldb.DB

	stripes [lockStripes]sync.Mutex

	cursorMu sync.Mutex
	cursors  map[string]Cursor

	mapMu       sync.RWMutex
	loanToToken map[string]uint64
	tokenToLoan map[uint64]string

	nonceMu sync.Mutex
	nonces  map[string]uint64

	pendingMu sync.Mutex
	pending   map[string]*PendingTx

	doneMu sync.Mutex
	done   map[string]time.Time

	reviewMu sync.Mutex
	review   map[string]ReviewEntry

	now func() time.Time
}

// Open loads (or creates) a store backed by LevelDB at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("state: store path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("state: open store: %w", err)
	}
	store := &Store{
		db:          db,
		cursors:     make(map[string]Cursor),
		loanToToken: make(map[string]uint64),
		tokenToLoan: make(map[uint64]string),
		nonces:      make(map[string]uint64),
		pending:     make(map[string]*PendingTx),
		done:        make(map[string]time.Time),
		review:      make(map[string]ReviewEntry),
		now:         time.Now,
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) load() error {
	if err := s.loadJSON(prefixCursor, func(key string, raw []byte) error {
		var cursor Cursor
		if err := json.Unmarshal(raw, &cursor); err != nil {
			return err
		}
		s.cursors[key] = cursor
		return nil
	}); err != nil {
		return err
	}
	if err := s.loadUint64(prefixMap, func(key string, value uint64) {
		s.loanToToken[key] = value
		s.tokenToLoan[value] = key
	}); err != nil {
		return err
	}
	if err := s.loadUint64(prefixNonce, func(key string, value uint64) {
		s.nonces[key] = value
	}); err != nil {
		return err
	}
	if err := s.loadJSON(prefixPending, func(key string, raw []byte) error {
		var tx PendingTx
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		s.pending[key] = &tx
		return nil
	}); err != nil {
		return err
	}
	if err := s.loadJSON(prefixDone, func(key string, raw []byte) error {
		var at time.Time
		if err := json.Unmarshal(raw, &at); err != nil {
			return err
		}
		s.done[key] = at
		return nil
	}); err != nil {
		return err
	}
	return s.loadJSON(prefixReview, func(key string, raw []byte) error {
		var entry ReviewEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		s.review[key] = entry
		return nil
	})
}

func (s *Store) loadJSON(prefix string, apply func(key string, raw []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())[len(prefix):]
		raw := append([]byte(nil), iter.Value()...)
		if err := apply(key, raw); err != nil {
			return fmt.Errorf("state: load %s%s: %w", prefix, key, err)
		}
	}
	return iter.Error()
}

func (s *Store) loadUint64(prefix string, apply func(key string, value uint64)) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if len(iter.Value()) != 8 {
			return fmt.Errorf("state: corrupt %s%s", prefix, iter.Key())
		}
		apply(string(iter.Key())[len(prefix):], binary.BigEndian.Uint64(iter.Value()))
	}
	return iter.Error()
}

func (s *Store) putJSON(prefix, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s%s: %w", prefix, key, err)
	}
	if err := s.db.Put([]byte(prefix+key), raw, nil); err != nil {
		return fmt.Errorf("state: persist %s%s: %w", prefix, key, err)
	}
	return nil
}

func (s *Store) putUint64(prefix, key string, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	if err := s.db.Put([]byte(prefix+key), buf[:], nil); err != nil {
		return fmt.Errorf("state: persist %s%s: %w", prefix, key, err)
	}
	return nil
}

func (s *Store) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%lockStripes]
}

// UpdateCursor advances a chain's cursor. A smaller block number than the one
// stored is rejected: the return value reports whether the cursor moved.
func (s *Store) UpdateCursor(chain string, block uint64) (bool, error) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	current, ok := s.cursors[chain]
	if ok && block < current.LastProcessedBlock {
		return false, nil
	}
	cursor := Cursor{LastProcessedBlock: block, LastSyncTime: s.now()}
	if err := s.putJSON(prefixCursor, chain, cursor); err != nil {
		return false, err
	}
	s.cursors[chain] = cursor
	return true, nil
}

// CursorFor returns the stored cursor for a chain.
func (s *Store) CursorFor(chain string) (Cursor, bool) {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	cursor, ok := s.cursors[chain]
	return cursor, ok
}

// MapLoanToToken records the loan/token bijection. The mapping is written
// exactly once: a second call with the same pair is a no-op, a different pair
// is an IntegrityError.
func (s *Store) MapLoanToToken(loanID string, tokenID uint64) error {
	if loanID == "" || tokenID == 0 {
		return fmt.Errorf("state: loan id and token id required")
	}
	lock := s.stripe(loanID)
	lock.Lock()
	defer lock.Unlock()

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if existing, ok := s.loanToToken[loanID]; ok {
		if existing == tokenID {
			return nil
		}
		return &IntegrityError{LoanID: loanID, Existing: existing, Proposed: tokenID}
	}
	if owner, ok := s.tokenToLoan[tokenID]; ok && owner != loanID {
		return &IntegrityError{LoanID: owner, Existing: tokenID, Proposed: tokenID}
	}
	if err := s.putUint64(prefixMap, loanID, tokenID); err != nil {
		return err
	}
	if err := s.db.Put([]byte(prefixReverse+tokenKey(tokenID)), []byte(loanID), nil); err != nil {
		return fmt.Errorf("state: persist reverse mapping: %w", err)
	}
	s.loanToToken[loanID] = tokenID
	s.tokenToLoan[tokenID] = loanID
	return nil
}

// TokenForLoan resolves the minted token for a loan.
func (s *Store) TokenForLoan(loanID string) (uint64, bool) {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	tokenID, ok := s.loanToToken[loanID]
	return tokenID, ok
}

// LoanForToken resolves the source loan behind a token.
func (s *Store) LoanForToken(tokenID uint64) (string, bool) {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	loanID, ok := s.tokenToLoan[tokenID]
	return loanID, ok
}

// Mappings returns a copy of the full loan-to-token map.
func (s *Store) Mappings() map[string]uint64 {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	out := make(map[string]uint64, len(s.loanToToken))
	for loanID, tokenID := range s.loanToToken {
		out[loanID] = tokenID
	}
	return out
}

// NextNonce issues the next replay nonce for a loan. The sequence is strictly
// increasing and survives restarts.
func (s *Store) NextNonce(loanID string) (uint64, error) {
	lock := s.stripe(loanID)
	lock.Lock()
	defer lock.Unlock()

	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	next := s.nonces[loanID] + 1
	if err := s.putUint64(prefixNonce, loanID, next); err != nil {
		return 0, err
	}
	s.nonces[loanID] = next
	return next, nil
}

// CurrentNonce returns the last nonce issued for a loan, zero if none.
func (s *Store) CurrentNonce(loanID string) uint64 {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	return s.nonces[loanID]
}

// MarkManualReview flags a loan for operator attention. Flags survive restart
// and are cleared only by ClearManualReview.
func (s *Store) MarkManualReview(loanID, reason string) error {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	entry := ReviewEntry{LoanID: loanID, Reason: reason, FlaggedAt: s.now()}
	if err := s.putJSON(prefixReview, loanID, entry); err != nil {
		return err
	}
	s.review[loanID] = entry
	return nil
}

// InManualReview reports whether a loan is currently flagged.
func (s *Store) InManualReview(loanID string) bool {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	_, ok := s.review[loanID]
	return ok
}

// ClearManualReview removes a loan's operator flag.
func (s *Store) ClearManualReview(loanID string) error {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	if err := s.db.Delete([]byte(prefixReview+loanID), nil); err != nil {
		return fmt.Errorf("state: clear review %s: %w", loanID, err)
	}
	delete(s.review, loanID)
	return nil
}

// ManualReviewQueue lists every flagged loan.
func (s *Store) ManualReviewQueue() []ReviewEntry {
	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	out := make([]ReviewEntry, 0, len(s.review))
	for _, entry := range s.review {
		out = append(out, entry)
	}
	return out
}

func tokenKey(tokenID uint64) string {
	return fmt.Sprintf("%020d", tokenID)
}
