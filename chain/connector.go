package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"loanbridge/chain/balancer"
	"loanbridge/contracts"
	"loanbridge/events"
)

const (
	defaultGasLimit       = 3_000_000
	defaultMaxAttempts    = 4
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 8 * time.Second
	defaultConfirmTimeout = 90 * time.Second
	defaultConfirmPoll    = 2 * time.Second
)

// EVMClient is the subset of the Ethereum RPC surface the connector drives.
// ethclient.Client satisfies it; tests substitute fakes.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Config captures one ledger's endpoints, signing identity, and deployed
// contract addresses.
type Config struct {
	Name           string
	RPCURLs        []string
	WSURL          string
	ChainID        uint64
	SignerKey      *ecdsa.PrivateKey
	Contracts      map[string]common.Address
	GasLimit       uint64
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	ReadCooldown   time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = defaultConfirmPoll
	}
}

// Receipt summarises a confirmed transaction, with relay events decoded from
// its logs.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Logs        []gethtypes.Log
	Events      []events.Event
}

// Connector is the single point of access to one ledger's RPC endpoints and
// deployed contracts.
type Connector struct {
	name       string
	cfg        Config
	clients    []EVMClient
	readLB     *balancer.ReadBalancer
	writeLB    *balancer.WriteBalancer
	signer     *ecdsa.PrivateKey
	signerAddr common.Address
	chainID    *big.Int
	txSigner   gethtypes.Signer
	addrs      map[string]common.Address
	abis       map[string]abi.ABI
	decoder    *events.Decoder
	stream     *stream
	log        *slog.Logger
	sleep      func(context.Context, time.Duration) error

	// sendMu keeps nonce acquisition and submission atomic for the one
	// signing account this connector owns.
	sendMu sync.Mutex
}

// Option customises connector construction.
type Option func(*Connector)

// WithClients substitutes pre-built RPC clients, one per configured endpoint.
func WithClients(clients []EVMClient) Option {
	return func(c *Connector) { c.clients = clients }
}

// WithStreamDialer overrides the websocket transport used for subscriptions.
func WithStreamDialer(dialer StreamDialer) Option {
	return func(c *Connector) {
		if c.stream != nil {
			c.stream.dial = dialer
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Connector) {
		if log != nil {
			c.log = log
		}
	}
}

// New dials the configured endpoints and verifies the signing identity can
// reach the target network. An unreachable chain at startup is a precondition
// violation, not a transient fault, so the error is fatal to the caller.
func New(ctx context.Context, cfg Config, opts ...Option) (*Connector, error) {
	cfg.applyDefaults()
	if cfg.Name == "" {
		return nil, errors.New("chain: connector name required")
	}
	if cfg.SignerKey == nil {
		return nil, fmt.Errorf("chain %s: signer key required", cfg.Name)
	}
	if len(cfg.Contracts) == 0 {
		return nil, fmt.Errorf("chain %s: contract addresses required", cfg.Name)
	}

	decoder, err := events.NewDecoder()
	if err != nil {
		return nil, err
	}

	c := &Connector{
		name:       cfg.Name,
		cfg:        cfg,
		signer:     cfg.SignerKey,
		signerAddr: gethcrypto.PubkeyToAddress(cfg.SignerKey.PublicKey),
		addrs:      make(map[string]common.Address, len(cfg.Contracts)),
		abis:       make(map[string]abi.ABI, len(cfg.Contracts)),
		decoder:    decoder,
		log:        slog.Default(),
		sleep:      sleepCtx,
	}
	for name, addr := range cfg.Contracts {
		parsed, err := contracts.ABI(name)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", cfg.Name, err)
		}
		c.addrs[name] = addr
		c.abis[name] = parsed
	}
	if cfg.WSURL != "" {
		c.stream = newStream(c, cfg.WSURL)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("chain", cfg.Name)

	if c.clients == nil {
		if len(cfg.RPCURLs) == 0 {
			return nil, fmt.Errorf("chain %s: at least one rpc url required", cfg.Name)
		}
		for _, url := range cfg.RPCURLs {
			client, err := ethclient.DialContext(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("chain %s: dial %s: %w", cfg.Name, url, err)
			}
			c.clients = append(c.clients, client)
		}
	}

	names := make([]string, len(c.clients))
	for i := range names {
		if i < len(cfg.RPCURLs) {
			names[i] = cfg.RPCURLs[i]
		} else {
			names[i] = fmt.Sprintf("client-%d", i)
		}
	}
	if c.readLB, err = balancer.NewReadBalancer(names, cfg.ReadCooldown); err != nil {
		return nil, fmt.Errorf("chain %s: %w", cfg.Name, err)
	}
	if c.writeLB, err = balancer.NewWriteBalancer(names); err != nil {
		return nil, fmt.Errorf("chain %s: %w", cfg.Name, err)
	}

	chainID, err := c.clients[0].ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain %s: verify network: %w", cfg.Name, err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("chain %s: chain id mismatch: node reports %s, config expects %d", cfg.Name, chainID, cfg.ChainID)
	}
	c.chainID = chainID
	c.txSigner = gethtypes.LatestSignerForChainID(chainID)

	// The signing identity must be able to query its own account state.
	if _, err := c.clients[0].PendingNonceAt(ctx, c.signerAddr); err != nil {
		return nil, fmt.Errorf("chain %s: signer %s cannot reach network: %w", cfg.Name, c.signerAddr.Hex(), err)
	}
	return c, nil
}

// Name returns the configured chain name.
func (c *Connector) Name() string { return c.name }

// SignerAddress returns the address bound to outbound transactions.
func (c *Connector) SignerAddress() common.Address { return c.signerAddr }

// Call performs a read-only contract invocation, retried with bounded backoff
// across the read balancer. It never mutates chain state.
func (c *Connector) Call(ctx context.Context, contract, method string, args ...interface{}) ([]interface{}, error) {
	parsed, addr, err := c.resolve(contract)
	if err != nil {
		return nil, err
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain %s: pack %s.%s: %w", c.name, contract, method, err)
	}
	msg := ethereum.CallMsg{From: c.signerAddr, To: &addr, Data: input}

	var output []byte
	err = c.withReadRetry(ctx, fmt.Sprintf("%s.%s", contract, method), func(client EVMClient) error {
		var callErr error
		output, callErr = client.CallContract(ctx, msg, nil)
		return callErr
	})
	if err != nil {
		if isRevert(err) && !IsUnavailable(err) {
			return nil, &RevertError{Chain: c.name, Contract: contract, Method: method, Reason: revertReason(err), Err: err}
		}
		return nil, err
	}
	values, err := parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("chain %s: unpack %s.%s: %w", c.name, contract, method, err)
	}
	return values, nil
}

// Send signs and submits a state-mutating transaction through the sticky write
// endpoint, then waits for confirmation. The connector performs no
// deduplication; idempotency is the caller's responsibility.
//
// On confirmation timeout the returned receipt carries the transaction hash
// and the error is ErrConfirmTimeout: the transaction may still land, so the
// caller must reconcile against on-chain truth before resubmitting.
func (c *Connector) Send(ctx context.Context, contract, method string, gasLimit uint64, args ...interface{}) (*Receipt, error) {
	parsed, addr, err := c.resolve(contract)
	if err != nil {
		return nil, err
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain %s: pack %s.%s: %w", c.name, contract, method, err)
	}
	if gasLimit == 0 {
		gasLimit = c.cfg.GasLimit
	}

	hash, err := c.submit(ctx, contract, method, addr, input, gasLimit)
	if err != nil {
		return nil, err
	}
	return c.awaitConfirmation(ctx, contract, method, hash)
}

func (c *Connector) submit(ctx context.Context, contract, method string, addr common.Address, input []byte, gasLimit uint64) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	delay := c.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		idx := c.writeLB.Current()
		client := c.clients[idx]

		nonce, err := client.PendingNonceAt(ctx, c.signerAddr)
		if err != nil {
			lastErr = err
			c.rotateWrite(idx, "fetch nonce", err)
			if err := c.backoff(ctx, &delay); err != nil {
				return common.Hash{}, err
			}
			continue
		}
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			lastErr = err
			c.rotateWrite(idx, "suggest gas price", err)
			if err := c.backoff(ctx, &delay); err != nil {
				return common.Hash{}, err
			}
			continue
		}
		tx := gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &addr,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     input,
		})
		signed, err := gethtypes.SignTx(tx, c.txSigner, c.signer)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain %s: sign %s.%s: %w", c.name, contract, method, err)
		}
		if err := client.SendTransaction(ctx, signed); err != nil {
			if isRevert(err) {
				return common.Hash{}, &RevertError{Chain: c.name, Contract: contract, Method: method, Reason: revertReason(err), Err: err}
			}
			lastErr = err
			c.rotateWrite(idx, "send transaction", err)
			if err := c.backoff(ctx, &delay); err != nil {
				return common.Hash{}, err
			}
			continue
		}
		return signed.Hash(), nil
	}
	return common.Hash{}, &UnavailableError{Chain: c.name, Op: fmt.Sprintf("send %s.%s", contract, method), Err: lastErr}
}

func (c *Connector) awaitConfirmation(ctx context.Context, contract, method string, hash common.Hash) (*Receipt, error) {
	deadline := time.Now().Add(c.cfg.ConfirmTimeout)
	for {
		receipt, err := c.receipt(ctx, hash)
		if err != nil && !IsUnavailable(err) {
			return &Receipt{TxHash: hash}, err
		}
		if receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return &Receipt{TxHash: hash, BlockNumber: receipt.BlockNumber.Uint64()},
					&RevertError{Chain: c.name, Contract: contract, Method: method}
			}
			return c.buildReceipt(hash, receipt), nil
		}
		if time.Now().After(deadline) {
			return &Receipt{TxHash: hash}, ErrConfirmTimeout
		}
		if err := c.sleep(ctx, c.cfg.ConfirmPoll); err != nil {
			return &Receipt{TxHash: hash}, err
		}
	}
}

// ReceiptOf fetches the confirmed receipt for a previously submitted
// transaction. A nil receipt with nil error means the transaction is still
// unknown to the chain.
func (c *Connector) ReceiptOf(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := c.receipt(ctx, hash)
	if err != nil || receipt == nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return &Receipt{TxHash: hash, BlockNumber: receipt.BlockNumber.Uint64()},
			&RevertError{Chain: c.name, Contract: "", Method: ""}
	}
	return c.buildReceipt(hash, receipt), nil
}

func (c *Connector) receipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	var receipt *gethtypes.Receipt
	err := c.withReadRetry(ctx, "transaction receipt", func(client EVMClient) error {
		r, err := client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

func (c *Connector) buildReceipt(hash common.Hash, receipt *gethtypes.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  hash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		out.Logs = append(out.Logs, *lg)
		ev, err := c.decoder.Decode(c.name, *lg)
		if err != nil {
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

// QueryEvents scans a bounded block range for relay contract events, returned
// in ledger order. Used for live polling windows and reconnect catch-up.
func (c *Connector) QueryEvents(ctx context.Context, from, to uint64) ([]events.Event, error) {
	if to < from {
		return nil, fmt.Errorf("chain %s: invalid block range [%d, %d]", c.name, from, to)
	}
	addresses := make([]common.Address, 0, len(c.addrs))
	for _, addr := range c.addrs {
		addresses = append(addresses, addr)
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
	}
	var logs []gethtypes.Log
	err := c.withReadRetry(ctx, "filter logs", func(client EVMClient) error {
		var filterErr error
		logs, filterErr = client.FilterLogs(ctx, query)
		return filterErr
	})
	if err != nil {
		return nil, err
	}
	decoded := make([]events.Event, 0, len(logs))
	for _, lg := range logs {
		ev, err := c.decoder.Decode(c.name, lg)
		if errors.Is(err, events.ErrUnknownEvent) {
			continue
		}
		if err != nil {
			c.log.Warn("dropping undecodable log", "block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "err", err)
			continue
		}
		decoded = append(decoded, ev)
	}
	sort.SliceStable(decoded, func(i, j int) bool {
		a, b := decoded[i].Metadata(), decoded[j].Metadata()
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	return decoded, nil
}

// BlockNumber returns the chain head as seen by a healthy read endpoint.
func (c *Connector) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.withReadRetry(ctx, "block number", func(client EVMClient) error {
		var blockErr error
		head, blockErr = client.BlockNumber(ctx)
		return blockErr
	})
	return head, err
}

// Subscribe registers a handler for live events. Registrations survive
// reconnects; the stream re-arms them against each new transport.
func (c *Connector) Subscribe(handler func(events.Event)) error {
	if c.stream == nil {
		return fmt.Errorf("chain %s: no streaming endpoint configured", c.name)
	}
	c.stream.addHandler(handler)
	return nil
}

// OnReconnect registers a callback fired after every successful stream
// (re)connection. The orchestrator uses it to reconcile the gap via
// QueryEvents and the sync cursor.
func (c *Connector) OnReconnect(fn func()) {
	if c.stream == nil {
		return
	}
	c.stream.addReconnectHook(fn)
}

// RunStream drives the streaming subscription until ctx is cancelled. It is a
// no-op when no websocket endpoint is configured.
func (c *Connector) RunStream(ctx context.Context) error {
	if c.stream == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.stream.run(ctx)
}

// StreamState reports the resilience state of the streaming client.
func (c *Connector) StreamState() StreamState {
	if c.stream == nil {
		return StreamDisconnected
	}
	return c.stream.state()
}

func (c *Connector) resolve(contract string) (abi.ABI, common.Address, error) {
	parsed, ok := c.abis[contract]
	if !ok {
		return abi.ABI{}, common.Address{}, fmt.Errorf("chain %s: contract %q not configured", c.name, contract)
	}
	return parsed, c.addrs[contract], nil
}

// withReadRetry runs op against the read balancer with bounded exponential
// backoff. Reverts and context cancellation abort immediately.
func (c *Connector) withReadRetry(ctx context.Context, op string, fn func(EVMClient) error) error {
	delay := c.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		idx, err := c.readLB.Pick()
		if err != nil {
			lastErr = err
			if err := c.backoff(ctx, &delay); err != nil {
				return err
			}
			continue
		}
		err = fn(c.clients[idx])
		if err == nil {
			c.readLB.ReportSuccess(idx)
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		c.readLB.ReportFailure(idx)
		c.log.Debug("read endpoint failed", "endpoint", c.readLB.Name(idx), "op", op, "err", err)
		if err := c.backoff(ctx, &delay); err != nil {
			return err
		}
	}
	return &UnavailableError{Chain: c.name, Op: op, Err: lastErr}
}

func (c *Connector) rotateWrite(idx int, op string, err error) {
	next := c.writeLB.Rotate(idx)
	c.log.Warn("rotating sticky write endpoint",
		"from", c.writeLB.Name(idx), "to", c.writeLB.Name(next), "op", op, "err", err)
}

func (c *Connector) backoff(ctx context.Context, delay *time.Duration) error {
	if err := c.sleep(ctx, jitter(*delay)); err != nil {
		return err
	}
	*delay *= 2
	if *delay > c.cfg.RetryMaxDelay {
		*delay = c.cfg.RetryMaxDelay
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
