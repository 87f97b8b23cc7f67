package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNotFound marks lookups for loans or tokens neither chain knows about.
var ErrNotFound = errors.New("orchestrator: not found")

// UnmappedError reports a sale or metadata event for a token with no known
// loan mapping. Every minted token is mapped at mint time, so this is an
// anomaly requiring manual backfill, not a retryable fault.
type UnmappedError struct {
	TokenID uint64
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("orchestrator: token %d has no loan mapping", e.TokenID)
}

// IsUnmapped reports whether err is an unmapped-token anomaly.
func IsUnmapped(err error) bool {
	var unmapped *UnmappedError
	return errors.As(err, &unmapped)
}
