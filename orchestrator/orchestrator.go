// Package orchestrator drives each loan through its tokenization lifecycle
// and guarantees every cross-chain side effect happens at most once per
// logical transition. Events about the same loan are processed strictly in
// order; events about different loans run concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"loanbridge/events"
	"loanbridge/observability/metrics"
	"loanbridge/state"
)

const (
	defaultMaxAttempts   = 5
	defaultTickInterval  = 30 * time.Second
	defaultPendingMaxAge = 30 * time.Minute
	defaultCatchUpBatch  = 2000
	defaultShutdownGrace = 2 * time.Minute
	queueBuffer          = 64
)

// Config tunes the orchestration loop.
type Config struct {
	MaxAttempts   int
	TickInterval  time.Duration
	PendingMaxAge time.Duration
	CatchUpBatch  uint64
	ShutdownGrace time.Duration
	GasLimit      uint64
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = defaultPendingMaxAge
	}
	if cfg.CatchUpBatch == 0 {
		cfg.CatchUpBatch = defaultCatchUpBatch
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
}

type task func(ctx context.Context)

// Orchestrator consumes events from both chain connectors, reconciles them
// against the state store, and issues the corresponding cross-chain writes.
type Orchestrator struct {
	src     sourceView
	pub     publicView
	source  Connector
	public  Connector
	store   *state.Store
	metrics *metrics.RelayMetrics
	log     *slog.Logger
	cfg     Config
	feed    Publisher
	now     func() time.Time

	// taskCtx outlives Run's context so a step that already submitted a
	// signed transaction can finish its confirmation wait during shutdown.
	taskCtx    context.Context
	taskCancel context.CancelFunc

	qmu      sync.RWMutex
	queues   map[string]chan task
	stopping bool
	wg       sync.WaitGroup

	catchUpMu sync.Mutex
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithFeed attaches a lifecycle transition publisher.
func WithFeed(feed Publisher) Option {
	return func(o *Orchestrator) { o.feed = feed }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// WithConfig overrides the default tuning knobs.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// New constructs an orchestrator over the two chain connectors and the
// reconciliation state store.
func New(source, public Connector, store *state.Store, opts ...Option) (*Orchestrator, error) {
	if source == nil || public == nil {
		return nil, fmt.Errorf("orchestrator: both connectors required")
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator: state store required")
	}
	taskCtx, taskCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		src:        sourceView{conn: source},
		pub:        publicView{conn: public},
		source:     source,
		public:     public,
		store:      store,
		metrics:    metrics.Relay(),
		log:        slog.Default(),
		now:        time.Now,
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
		queues:     make(map[string]chan task),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.applyDefaults()
	return o, nil
}

// HandleEvent is the intake for both live subscriptions and catch-up batches.
// Processing is serialized per loan; the done callback, when non-nil, fires
// once the event has durably settled. done(false) reports that shutdown
// interrupted handling before settlement.
func (o *Orchestrator) HandleEvent(ev events.Event, done func(settled bool)) {
	key := o.queueKey(ev)
	ok := o.enqueue(key, func(ctx context.Context) {
		o.processEvent(ctx, ev, 0, done)
	})
	if !ok {
		settle(done, false)
	}
}

// queueKey serializes events by loan where the mapping is known, falling back
// to the token id so unmapped-token anomalies still process in order.
func (o *Orchestrator) queueKey(ev events.Event) string {
	switch ev := ev.(type) {
	case events.LoanApproved:
		return ev.LoanID
	case events.ApprovalCancelled:
		return ev.LoanID
	case events.LoanLocked:
		return ev.LoanID
	case events.OwnershipRecorded:
		return ev.LoanID
	case events.NFTMinted:
		return ev.LoanID
	case events.MetadataUpdated:
		return o.tokenQueueKey(ev.TokenID)
	case events.LoanListed:
		return o.tokenQueueKey(ev.TokenID)
	case events.ListingCancelled:
		return o.tokenQueueKey(ev.TokenID)
	case events.LoanSold:
		return o.tokenQueueKey(ev.TokenID)
	case events.PaymentReceived:
		return o.tokenQueueKey(ev.TokenID)
	default:
		return "unknown"
	}
}

func (o *Orchestrator) tokenQueueKey(tokenID uint64) string {
	if loanID, ok := o.store.LoanForToken(tokenID); ok {
		return loanID
	}
	return fmt.Sprintf("token/%d", tokenID)
}

func (o *Orchestrator) enqueue(key string, fn task) bool {
	o.qmu.RLock()
	if o.stopping {
		o.qmu.RUnlock()
		return false
	}
	queue, ok := o.queues[key]
	o.qmu.RUnlock()
	if !ok {
		o.qmu.Lock()
		if o.stopping {
			o.qmu.Unlock()
			return false
		}
		if queue, ok = o.queues[key]; !ok {
			queue = make(chan task, queueBuffer)
			o.queues[key] = queue
			o.wg.Add(1)
			go o.drain(queue)
		}
		o.qmu.Unlock()
	}
	// Holding the read lock across the send orders shutdown's close after
	// every in-progress enqueue, so a send never hits a closed queue.
	o.qmu.RLock()
	defer o.qmu.RUnlock()
	if o.stopping {
		return false
	}
	queue <- fn
	return true
}

func (o *Orchestrator) drain(queue chan task) {
	defer o.wg.Done()
	for fn := range queue {
		fn(o.taskCtx)
	}
}

// Run wires subscriptions, performs the initial catch-up and pending resume,
// then drives the periodic reconciliation tick until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	// runCtx carries taskCtx's values but also dies with ctx, so cancelling
	// Run interrupts catch-up scans without cutting short in-flight
	// confirmation waits on the task queues.
	runCtx, cancel := context.WithCancel(o.taskCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	o.catchUpAll(runCtx)
	o.resumePending()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case <-ticker.C:
			o.tick(runCtx)
		}
	}
}

// Wire registers the orchestrator as consumer of both connectors' live
// streams. Call before Run.
func (o *Orchestrator) Wire() {
	type subscriber interface {
		Subscribe(handler func(events.Event)) error
		OnReconnect(fn func())
	}
	attach := func(conn Connector) {
		sub, ok := conn.(subscriber)
		if !ok {
			return
		}
		if err := sub.Subscribe(func(ev events.Event) { o.HandleEvent(ev, nil) }); err != nil {
			o.log.Warn("no live stream; relying on polling", "chain", conn.Name(), "err", err)
			return
		}
		name := conn.Name()
		sub.OnReconnect(func() {
			o.metrics.ObserveReconnect(name)
			go o.catchUp(o.taskCtx, conn)
		})
	}
	attach(o.source)
	attach(o.public)
}

// shutdown stops intake, lets queued work finish its current step, and
// persists nothing extra: the state store is already write-through.
func (o *Orchestrator) shutdown() error {
	o.qmu.Lock()
	o.stopping = true
	for _, queue := range o.queues {
		close(queue)
	}
	o.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		o.log.Warn("shutdown grace elapsed; cancelling in-flight work")
		o.taskCancel()
		<-done
	}
	o.taskCancel()
	return nil
}

func (o *Orchestrator) tick(ctx context.Context) {
	o.catchUpAll(ctx)
	o.resumePending()
	o.reconcileDrift()
	o.sweepPending()
}

func (o *Orchestrator) catchUpAll(ctx context.Context) {
	if err := o.catchUp(ctx, o.source); err != nil {
		o.metrics.ObserveError("catchup")
		o.log.Error("catch-up failed", "chain", o.source.Name(), "err", err)
	}
	if err := o.catchUp(ctx, o.public); err != nil {
		o.metrics.ObserveError("catchup")
		o.log.Error("catch-up failed", "chain", o.public.Name(), "err", err)
	}
}

// catchUp scans the block range between the chain's sync cursor and its head,
// dispatching every event through the per-loan queues. The cursor advances
// only after every event in a window has durably settled, so a crash
// mid-window replays the window and the per-event dedupe keys make the
// replay harmless.
func (o *Orchestrator) catchUp(ctx context.Context, conn Connector) error {
	o.catchUpMu.Lock()
	defer o.catchUpMu.Unlock()

	head, err := conn.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var from uint64
	if cursor, ok := o.store.CursorFor(conn.Name()); ok {
		if cursor.LastProcessedBlock >= head {
			return nil
		}
		from = cursor.LastProcessedBlock + 1
	}
	for from <= head {
		to := from + o.cfg.CatchUpBatch - 1
		if to > head {
			to = head
		}
		batch, err := conn.QueryEvents(ctx, from, to)
		if err != nil {
			return err
		}
		orderBatch(batch)

		var windowWG sync.WaitGroup
		var unsettled atomic.Bool
		for _, ev := range batch {
			windowWG.Add(1)
			o.HandleEvent(ev, func(settled bool) {
				if !settled {
					unsettled.Store(true)
				}
				windowWG.Done()
			})
		}
		windowWG.Wait()
		if unsettled.Load() {
			return fmt.Errorf("window [%d, %d] on %s interrupted before settlement", from, to, conn.Name())
		}

		if _, err := o.store.UpdateCursor(conn.Name(), to); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

// orderBatch sorts a catch-up window into ledger order, then applies the
// tie-break rule: a sale for a token is always mirrored before a metadata
// update for the same token, because downstream consumers key off ownership
// for access control.
func orderBatch(batch []events.Event) {
	// QueryEvents already returns ledger order; only the tie-break pass is
	// needed here. Each move strictly reduces sale/metadata inversions, so the
	// loop terminates.
	for {
		moved := false
	scan:
		for i, ev := range batch {
			sold, ok := ev.(events.LoanSold)
			if !ok {
				continue
			}
			for j := 0; j < i; j++ {
				if meta, ok := batch[j].(events.MetadataUpdated); ok && meta.TokenID == sold.TokenID {
					copy(batch[j+1:i+1], batch[j:i])
					batch[j] = sold
					moved = true
					break scan
				}
			}
		}
		if !moved {
			return
		}
	}
}

// eventRef uniquely identifies a log so live and catch-up paths surface each
// event to the handlers exactly once.
func eventRef(ev events.Event) string {
	meta := ev.Metadata()
	return fmt.Sprintf("evt/%s/%s/%d", meta.Chain, meta.TxHash.Hex(), meta.LogIndex)
}

func (o *Orchestrator) publish(tr Transition) {
	if o.feed == nil {
		return
	}
	tr.At = o.now()
	o.feed.Publish(tr)
}
