package balancer

import (
	"errors"
	"sync"
	"time"
)

// ErrNoHealthyEndpoint is returned when every tracked endpoint is cooling down
// after a reported failure.
var ErrNoHealthyEndpoint = errors.New("balancer: no healthy endpoint")

const defaultCooldown = 30 * time.Second

// ReadBalancer distributes read-only calls round-robin across healthy
// endpoints. An endpoint that reports a failure is skipped until its cooldown
// elapses; if every endpoint is cooling down the least-recently-failed one is
// tried anyway so a full outage still probes for recovery.
type ReadBalancer struct {
	mu       sync.Mutex
	names    []string
	next     int
	failedAt []time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewReadBalancer tracks the provided endpoint names. A non-positive cooldown
// falls back to the default.
func NewReadBalancer(names []string, cooldown time.Duration) (*ReadBalancer, error) {
	if len(names) == 0 {
		return nil, errors.New("balancer: at least one endpoint required")
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &ReadBalancer{
		names:    append([]string(nil), names...),
		failedAt: make([]time.Time, len(names)),
		cooldown: cooldown,
		now:      time.Now,
	}, nil
}

// Pick returns the index of the next endpoint to use for a read.
func (b *ReadBalancer) Pick() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for i := 0; i < len(b.names); i++ {
		idx := b.next
		b.next = (b.next + 1) % len(b.names)
		if b.failedAt[idx].IsZero() || now.Sub(b.failedAt[idx]) >= b.cooldown {
			return idx, nil
		}
	}
	oldest := 0
	for i := 1; i < len(b.names); i++ {
		if b.failedAt[i].Before(b.failedAt[oldest]) {
			oldest = i
		}
	}
	return oldest, nil
}

// ReportFailure starts the cooldown for the endpoint at idx.
func (b *ReadBalancer) ReportFailure(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.failedAt) {
		return
	}
	b.failedAt[idx] = b.now()
}

// ReportSuccess clears any cooldown for the endpoint at idx.
func (b *ReadBalancer) ReportSuccess(idx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.failedAt) {
		return
	}
	b.failedAt[idx] = time.Time{}
}

// Name resolves an index back to the configured endpoint name.
func (b *ReadBalancer) Name(idx int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.names) {
		return ""
	}
	return b.names[idx]
}

// WriteBalancer pins all writes from one signing account to a single endpoint
// so the account's nonce sequence is never split across nodes. The pin only
// moves when the current endpoint reports an error.
type WriteBalancer struct {
	mu      sync.Mutex
	names   []string
	current int
}

// NewWriteBalancer pins the first of the provided endpoint names.
func NewWriteBalancer(names []string) (*WriteBalancer, error) {
	if len(names) == 0 {
		return nil, errors.New("balancer: at least one endpoint required")
	}
	return &WriteBalancer{names: append([]string(nil), names...)}, nil
}

// Current returns the index of the sticky endpoint.
func (b *WriteBalancer) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Rotate advances the sticky endpoint, but only if the reporter still holds
// the endpoint it observed failing. A stale report (another writer already
// rotated) is a no-op so one failure never skips two endpoints.
func (b *WriteBalancer) Rotate(observed int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if observed == b.current {
		b.current = (b.current + 1) % len(b.names)
	}
	return b.current
}

// Name resolves an index back to the configured endpoint name.
func (b *WriteBalancer) Name(idx int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.names) {
		return ""
	}
	return b.names[idx]
}
