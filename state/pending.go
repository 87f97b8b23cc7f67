package state

import (
	"fmt"
	"sort"
	"time"
)

// TrackPending records an in-flight transaction so a restarted relay can
// resume the step without replaying chain history.
func (s *Store) TrackPending(tx PendingTx) error {
	if tx.Hash == "" {
		return fmt.Errorf("state: pending tx hash required")
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = s.now()
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if existing, ok := s.pending[tx.Hash]; ok {
		tx.Attempts = existing.Attempts
		tx.SubmittedAt = existing.SubmittedAt
	}
	if err := s.putJSON(prefixPending, tx.Hash, tx); err != nil {
		return err
	}
	copied := tx
	s.pending[tx.Hash] = &copied
	return nil
}

// ResolvePending marks a tracked transaction as confirmed. Confirmed entries
// are garbage-collected by SweepStalePending once old enough.
func (s *Store) ResolvePending(hash string) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	entry, ok := s.pending[hash]
	if !ok {
		return nil
	}
	entry.Confirmed = true
	entry.ConfirmedAt = s.now()
	return s.putJSON(prefixPending, hash, entry)
}

// AbandonPending marks a tracked transaction as superseded (a replacement was
// issued after re-checking on-chain truth). Abandoned entries are
// garbage-collected like confirmed ones.
func (s *Store) AbandonPending(hash string) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	entry, ok := s.pending[hash]
	if !ok {
		return nil
	}
	entry.Abandoned = true
	return s.putJSON(prefixPending, hash, entry)
}

// IncrementPendingAttempts bumps the retry counter for a tracked transaction
// and returns the new count.
func (s *Store) IncrementPendingAttempts(hash string) (int, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	entry, ok := s.pending[hash]
	if !ok {
		return 0, nil
	}
	entry.Attempts++
	if err := s.putJSON(prefixPending, hash, entry); err != nil {
		return entry.Attempts, err
	}
	return entry.Attempts, nil
}

// PendingTxs returns every unresolved in-flight transaction, oldest first.
func (s *Store) PendingTxs() []PendingTx {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]PendingTx, 0, len(s.pending))
	for _, entry := range s.pending {
		if entry.Confirmed || entry.Abandoned {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// PendingTxByHash looks up one tracked transaction.
func (s *Store) PendingTxByHash(hash string) (PendingTx, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	entry, ok := s.pending[hash]
	if !ok {
		return PendingTx{}, false
	}
	return *entry, true
}

// SweepStalePending garbage-collects confirmed entries older than maxAge and
// returns the unconfirmed entries past the threshold. Stale unconfirmed
// transactions are an operational fault (stuck nonce, underpriced gas) and are
// escalated by the caller rather than dropped here.
func (s *Store) SweepStalePending(maxAge time.Duration) ([]PendingTx, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	now := s.now()
	var escalated []PendingTx
	for hash, entry := range s.pending {
		age := now.Sub(entry.SubmittedAt)
		if age < maxAge {
			continue
		}
		if entry.Confirmed || entry.Abandoned {
			if err := s.db.Delete([]byte(prefixPending+hash), nil); err != nil {
				return escalated, fmt.Errorf("state: gc pending %s: %w", hash, err)
			}
			delete(s.pending, hash)
			continue
		}
		escalated = append(escalated, *entry)
	}
	sort.Slice(escalated, func(i, j int) bool { return escalated[i].SubmittedAt.Before(escalated[j].SubmittedAt) })
	return escalated, nil
}

// MarkProcessed records a dedupe reference (e.g. a source transaction hash)
// as handled. Safe to call twice.
func (s *Store) MarkProcessed(ref string) error {
	if ref == "" {
		return fmt.Errorf("state: dedupe ref required")
	}
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	if _, ok := s.done[ref]; ok {
		return nil
	}
	at := s.now()
	if err := s.putJSON(prefixDone, ref, at); err != nil {
		return err
	}
	s.done[ref] = at
	return nil
}

// AlreadyProcessed reports whether a dedupe reference was handled before.
func (s *Store) AlreadyProcessed(ref string) bool {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	_, ok := s.done[ref]
	return ok
}
