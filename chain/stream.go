package chain

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"loanbridge/events"
)

// StreamState is the resilience state of the event-subscription client.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnected
	StreamReconnecting
)

func (s StreamState) String() string {
	switch s {
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	streamBaseBackoff = time.Second
	streamMaxBackoff  = time.Minute
	streamLogBuffer   = 256
)

// LogStream is the transport behind a live log subscription. ethclient.Client
// satisfies it; tests inject fakes that simulate close and error without a
// live socket.
type LogStream interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	Close()
}

// StreamDialer opens a fresh transport for each (re)connection attempt.
type StreamDialer func(ctx context.Context) (LogStream, error)

func wsDialer(url string) StreamDialer {
	return func(ctx context.Context) (LogStream, error) {
		return ethclient.DialContext(ctx, url)
	}
}

// stream owns the Connected -> Reconnecting -> Connected state machine for one
// connector's subscription client. No events are assumed delivered while
// reconnecting; the orchestrator reconciles the gap from its sync cursor after
// each reconnect hook fires.
type stream struct {
	conn  *Connector
	dial  StreamDialer
	phase atomic.Int32

	mu             sync.Mutex
	handlers       []func(events.Event)
	reconnectHooks []func()
}

func newStream(conn *Connector, wsURL string) *stream {
	return &stream{conn: conn, dial: wsDialer(wsURL)}
}

func (s *stream) state() StreamState {
	return StreamState(s.phase.Load())
}

func (s *stream) setState(state StreamState) {
	s.phase.Store(int32(state))
}

func (s *stream) addHandler(handler func(events.Event)) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

func (s *stream) addReconnectHook(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.reconnectHooks = append(s.reconnectHooks, fn)
	s.mu.Unlock()
}

func (s *stream) dispatch(lg gethtypes.Log) {
	ev, err := s.conn.decoder.Decode(s.conn.name, lg)
	if err != nil {
		return
	}
	s.mu.Lock()
	handlers := make([]func(events.Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(ev)
	}
}

func (s *stream) notifyReconnect() {
	s.mu.Lock()
	hooks := make([]func(), len(s.reconnectHooks))
	copy(hooks, s.reconnectHooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// run drives the subscription until ctx is cancelled. Every registration is
// re-armed against the new transport after a reconnect.
func (s *stream) run(ctx context.Context) error {
	backoff := streamBaseBackoff
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StreamDisconnected)
			return err
		}

		transport, err := s.dial(ctx)
		if err != nil {
			s.setState(StreamReconnecting)
			s.conn.log.Warn("stream dial failed", "err", err, "retry_in", backoff)
			if err := s.conn.sleep(ctx, jitter(backoff)); err != nil {
				s.setState(StreamDisconnected)
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		logsCh := make(chan gethtypes.Log, streamLogBuffer)
		sub, err := transport.SubscribeFilterLogs(ctx, s.conn.filterQuery(), logsCh)
		if err != nil {
			transport.Close()
			s.setState(StreamReconnecting)
			s.conn.log.Warn("stream subscribe failed", "err", err, "retry_in", backoff)
			if err := s.conn.sleep(ctx, jitter(backoff)); err != nil {
				s.setState(StreamDisconnected)
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.setState(StreamConnected)
		backoff = streamBaseBackoff
		s.conn.log.Info("stream connected")
		s.notifyReconnect()

		err = s.consume(ctx, sub, logsCh)
		sub.Unsubscribe()
		transport.Close()
		if ctx.Err() != nil {
			s.setState(StreamDisconnected)
			return ctx.Err()
		}
		s.setState(StreamReconnecting)
		s.conn.log.Warn("stream disconnected", "err", err, "retry_in", backoff)
		if err := s.conn.sleep(ctx, jitter(backoff)); err != nil {
			s.setState(StreamDisconnected)
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *stream) consume(ctx context.Context, sub ethereum.Subscription, logsCh <-chan gethtypes.Log) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-logsCh:
			s.dispatch(lg)
		}
	}
}

func (c *Connector) filterQuery() ethereum.FilterQuery {
	query := ethereum.FilterQuery{}
	for _, addr := range c.addrs {
		query.Addresses = append(query.Addresses, addr)
	}
	return query
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > streamMaxBackoff {
		next = streamMaxBackoff
	}
	return next
}

// jitter spreads reconnect attempts so a fleet of relays does not hammer a
// single RPC provider in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	scale := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * scale)
}
