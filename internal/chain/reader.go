// Package chain is the read-only client for the milestone escrow contract.
//
// A Reader is bound to one network (RPC endpoint, chain ID, contract address)
// and is passed explicitly to whoever needs it; Registry holds one per
// configured network. Amounts are returned as raw base units and status
// codes are mapped through the table in status.go.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/milestonepay/internal/circuitbreaker"
	"github.com/mbd888/milestonepay/internal/fees"
	"github.com/mbd888/milestonepay/internal/retry"
	"github.com/mbd888/milestonepay/internal/traces"
)

// EthClient is the subset of ethclient.Client the reader uses.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var _ EthClient = (*ethclient.Client)(nil)

// Config binds a Reader to one network.
type Config struct {
	Network        string
	ChainID        int64
	RPCURL         string
	EscrowContract string
	TokenA         string
	TokenB         string

	// CallTimeout bounds a single RPC attempt.
	CallTimeout time.Duration
	Retry       retry.Policy
	// MaxBlockSpan caps one event query page.
	MaxBlockSpan uint64
}

// Option configures a Reader.
type Option func(*Reader)

// WithClient injects the RPC client (tests, shared connections).
func WithClient(client EthClient) Option {
	return func(r *Reader) { r.client = client }
}

// WithBreaker shares a circuit breaker between readers.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Reader) { r.breaker = b }
}

// WithLogger sets the reader's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// Reader reads escrow state from one network.
type Reader struct {
	cfg      Config
	client   EthClient
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	escrow   abi.ABI
	erc20    abi.ABI
	contract common.Address
	deployed atomic.Bool
}

// New creates a Reader. Without WithClient it dials cfg.RPCURL.
func New(cfg Config, opts ...Option) (*Reader, error) {
	if cfg.Network == "" {
		return nil, fmt.Errorf("%w: empty network name", ErrNetworkNotConfigured)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 12 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.MaxBlockSpan == 0 {
		cfg.MaxBlockSpan = 5000
	}

	r := &Reader{
		cfg:    cfg,
		escrow: EscrowABI(),
		erc20:  ERC20ABI(),
		logger: slog.Default(),
	}
	if common.IsHexAddress(cfg.EscrowContract) {
		r.contract = common.HexToAddress(cfg.EscrowContract)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = circuitbreaker.New(5, 30*time.Second)
	}

	if r.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: %s has no RPC URL", ErrNetworkNotConfigured, cfg.Network)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s rpc: %w", cfg.Network, err)
		}
		r.client = client
	}
	return r, nil
}

// Network returns the network name this reader is bound to.
func (r *Reader) Network() string { return r.cfg.Network }

// ChainID returns the configured chain ID.
func (r *Reader) ChainID() int64 { return r.cfg.ChainID }

// Close releases the RPC connection.
func (r *Reader) Close() { r.client.Close() }

// ChainOrder is an order as stored by the contract.
type ChainOrder struct {
	EscrowOrderID  uint64
	Client         string
	Builder        string
	TotalAmount    *big.Int
	PlatformFee    *big.Int
	ReleasedAmount *big.Int
	MilestoneCount int
	Status         OrderStatus
}

// ChainMilestone is a milestone as stored by the contract. Zero timestamps
// on chain are returned as nil.
type ChainMilestone struct {
	Index        int
	Amount       *big.Int
	Status       MilestoneStatus
	Deadline     *time.Time
	SubmittedAt  *time.Time
	ApprovedAt   *time.Time
	PaidAt       *time.Time
	AutoApproved bool
}

// Snapshot is an order and all its milestones read at a single block.
type Snapshot struct {
	Order       ChainOrder
	Milestones  []ChainMilestone
	BlockNumber uint64
	BlockTime   time.Time
}

// GetOrder reads one order at the latest block.
func (r *Reader) GetOrder(ctx context.Context, escrowOrderID uint64) (*ChainOrder, error) {
	ctx, span := traces.StartSpan(ctx, "chain.GetOrder", traces.Network(r.cfg.Network), traces.EscrowOrderID(escrowOrderID))
	var err error
	defer func() { traces.End(span, err) }()

	if err = r.ensureDeployed(ctx); err != nil {
		return nil, err
	}
	var o *ChainOrder
	o, err = r.getOrder(ctx, escrowOrderID, nil)
	return o, err
}

// GetMilestone reads one milestone at the latest block.
func (r *Reader) GetMilestone(ctx context.Context, escrowOrderID uint64, index int) (*ChainMilestone, error) {
	ctx, span := traces.StartSpan(ctx, "chain.GetMilestone", traces.Network(r.cfg.Network),
		traces.EscrowOrderID(escrowOrderID), traces.Milestone(index))
	var err error
	defer func() { traces.End(span, err) }()

	if err = r.ensureDeployed(ctx); err != nil {
		return nil, err
	}
	var m *ChainMilestone
	m, err = r.getMilestone(ctx, escrowOrderID, index, nil)
	return m, err
}

// Snapshot reads the order and every milestone pinned to the current head,
// so the merged view is consistent even if blocks arrive mid-read.
func (r *Reader) Snapshot(ctx context.Context, escrowOrderID uint64) (*Snapshot, error) {
	ctx, span := traces.StartSpan(ctx, "chain.Snapshot", traces.Network(r.cfg.Network), traces.EscrowOrderID(escrowOrderID))
	var err error
	defer func() { traces.End(span, err) }()

	if err = r.ensureDeployed(ctx); err != nil {
		return nil, err
	}

	var head *types.Header
	if head, err = r.header(ctx, nil); err != nil {
		return nil, err
	}

	var order *ChainOrder
	if order, err = r.getOrder(ctx, escrowOrderID, head.Number); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Order:       *order,
		Milestones:  make([]ChainMilestone, 0, order.MilestoneCount),
		BlockNumber: head.Number.Uint64(),
		BlockTime:   time.Unix(int64(head.Time), 0).UTC(), //nolint:gosec // block timestamps fit in int64
	}
	for i := 0; i < order.MilestoneCount; i++ {
		var m *ChainMilestone
		if m, err = r.getMilestone(ctx, escrowOrderID, i, head.Number); err != nil {
			return nil, err
		}
		snap.Milestones = append(snap.Milestones, *m)
	}
	return snap, nil
}

// HeadBlock returns the latest block number.
func (r *Reader) HeadBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := r.call(ctx, "blockNumber", func(ctx context.Context) error {
		var err error
		n, err = r.client.BlockNumber(ctx)
		return err
	})
	return n, err
}

// ReceiptStatus is the on-chain outcome of a transaction.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Receipt is the mined state of a transaction.
type Receipt struct {
	TxHash      string
	Status      ReceiptStatus
	BlockNumber uint64
}

// Receipt looks up a transaction. Transactions not yet mined are pending.
func (r *Reader) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "chain.Receipt", traces.Network(r.cfg.Network), traces.TxHash(txHash))
	var err error
	defer func() { traces.End(span, err) }()

	out := &Receipt{TxHash: txHash, Status: ReceiptPending}
	err = r.call(ctx, "receipt", func(ctx context.Context) error {
		rcpt, err := r.client.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out.BlockNumber = rcpt.BlockNumber.Uint64()
		if rcpt.Status == types.ReceiptStatusSuccessful {
			out.Status = ReceiptConfirmed
		} else {
			out.Status = ReceiptFailed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TokenBalances looks up holder's balance of both discount tokens. A token
// with no configured contract counts as a zero balance; lookup failures are
// reported per token so the fee calculator can fail closed.
func (r *Reader) TokenBalances(ctx context.Context, holder string) fees.HolderBalances {
	return fees.HolderBalances{
		TokenA: r.balanceOf(ctx, r.cfg.TokenA, holder),
		TokenB: r.balanceOf(ctx, r.cfg.TokenB, holder),
	}
}

func (r *Reader) balanceOf(ctx context.Context, token, holder string) fees.Balance {
	if token == "" {
		return fees.Balance{Amount: new(big.Int)}
	}
	if !common.IsHexAddress(token) {
		return fees.Balance{Err: fmt.Errorf("%w: bad token address %q", ErrNetworkNotConfigured, token)}
	}
	data, err := r.erc20.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return fees.Balance{Err: err}
	}

	tokenAddr := common.HexToAddress(token)
	var raw []byte
	err = r.call(ctx, "balanceOf", func(ctx context.Context) error {
		var err error
		raw, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
		return err
	})
	if err != nil {
		return fees.Balance{Err: err}
	}
	return fees.Balance{Amount: new(big.Int).SetBytes(raw)}
}

func (r *Reader) getOrder(ctx context.Context, id uint64, block *big.Int) (*ChainOrder, error) {
	data, err := r.escrow.Pack("getOrder", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = r.call(ctx, "getOrder", func(ctx context.Context) error {
		var err error
		raw, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, block)
		return err
	})
	if errors.Is(err, ErrReverted) {
		return nil, r.wrap("getOrder", fmt.Errorf("%w: order %d", ErrOrderNotOnChain, id))
	}
	if err != nil {
		return nil, err
	}

	out, err := r.escrow.Unpack("getOrder", raw)
	if err != nil || len(out) != 7 {
		return nil, r.wrap("getOrder", fmt.Errorf("%w: %v", ErrDecode, err))
	}
	client, ok1 := out[0].(common.Address)
	builder, ok2 := out[1].(common.Address)
	total, ok3 := out[2].(*big.Int)
	fee, ok4 := out[3].(*big.Int)
	released, ok5 := out[4].(*big.Int)
	count, ok6 := out[5].(*big.Int)
	code, ok7 := out[6].(uint8)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 || !count.IsInt64() {
		return nil, r.wrap("getOrder", ErrDecode)
	}
	if client == (common.Address{}) {
		return nil, r.wrap("getOrder", fmt.Errorf("%w: order %d", ErrOrderNotOnChain, id))
	}

	status, err := OrderStatusFromCode(code)
	if err != nil {
		return nil, r.wrap("getOrder", err)
	}
	return &ChainOrder{
		EscrowOrderID:  id,
		Client:         strings.ToLower(client.Hex()),
		Builder:        strings.ToLower(builder.Hex()),
		TotalAmount:    total,
		PlatformFee:    fee,
		ReleasedAmount: released,
		MilestoneCount: int(count.Int64()),
		Status:         status,
	}, nil
}

func (r *Reader) getMilestone(ctx context.Context, id uint64, index int, block *big.Int) (*ChainMilestone, error) {
	data, err := r.escrow.Pack("getMilestone", new(big.Int).SetUint64(id), big.NewInt(int64(index)))
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = r.call(ctx, "getMilestone", func(ctx context.Context) error {
		var err error
		raw, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, block)
		return err
	})
	if errors.Is(err, ErrReverted) {
		return nil, r.wrap("getMilestone", fmt.Errorf("%w: order %d index %d", ErrMilestoneNotOnChain, id, index))
	}
	if err != nil {
		return nil, err
	}

	out, err := r.escrow.Unpack("getMilestone", raw)
	if err != nil || len(out) != 7 {
		return nil, r.wrap("getMilestone", fmt.Errorf("%w: %v", ErrDecode, err))
	}
	amount, ok1 := out[0].(*big.Int)
	code, ok2 := out[1].(uint8)
	deadline, ok3 := out[2].(uint64)
	submitted, ok4 := out[3].(uint64)
	approved, ok5 := out[4].(uint64)
	paid, ok6 := out[5].(uint64)
	auto, ok7 := out[6].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 {
		return nil, r.wrap("getMilestone", ErrDecode)
	}

	status, err := MilestoneStatusFromCode(code)
	if err != nil {
		return nil, r.wrap("getMilestone", err)
	}
	return &ChainMilestone{
		Index:        index,
		Amount:       amount,
		Status:       status,
		Deadline:     unixOrNil(deadline),
		SubmittedAt:  unixOrNil(submitted),
		ApprovedAt:   unixOrNil(approved),
		PaidAt:       unixOrNil(paid),
		AutoApproved: auto,
	}, nil
}

func (r *Reader) header(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := r.call(ctx, "header", func(ctx context.Context) error {
		var err error
		h, err = r.client.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

// ensureDeployed fails with ErrContractNotDeployed when the network has no
// escrow address or no code at it. Success is cached.
func (r *Reader) ensureDeployed(ctx context.Context) error {
	if r.deployed.Load() {
		return nil
	}
	if r.contract == (common.Address{}) {
		err := r.wrap("codeAt", fmt.Errorf("%w: no escrow contract address configured", ErrContractNotDeployed))
		r.logger.Error("escrow contract not configured", "network", r.cfg.Network)
		return err
	}

	var code []byte
	err := r.call(ctx, "codeAt", func(ctx context.Context) error {
		var err error
		code, err = r.client.CodeAt(ctx, r.contract, nil)
		return err
	})
	if err != nil {
		return err
	}
	if len(code) == 0 {
		r.logger.Error("escrow contract has no code", "network", r.cfg.Network, "address", r.contract.Hex())
		return r.wrap("codeAt", fmt.Errorf("%w: no code at %s", ErrContractNotDeployed, r.contract.Hex()))
	}
	r.deployed.Store(true)
	return nil
}

// call runs one RPC operation with a per-attempt timeout, backoff on
// transient failures and the network's circuit breaker.
func (r *Reader) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	policy := r.cfg.Retry
	policy.Retryable = IsTransient
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		retriesTotal.WithLabelValues(r.cfg.Network, op).Inc()
		r.logger.Warn("retrying chain call", "network", r.cfg.Network, "op", op,
			"attempt", attempt, "wait", wait, "error", err)
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		err := r.breaker.Do(r.cfg.Network, IsTransient, func() error {
			cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
			return classify(ctx, fn(cctx))
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(ErrChainUnavailable)
		}
		return err
	})

	callDuration.WithLabelValues(r.cfg.Network, op).Observe(time.Since(start).Seconds())
	callsTotal.WithLabelValues(r.cfg.Network, op, resultLabel(err)).Inc()
	if err != nil {
		return r.wrap(op, err)
	}
	return nil
}

func (r *Reader) wrap(op string, err error) error {
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Op: op, Network: r.cfg.Network, Err: err}
}

func unixOrNil(sec uint64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(int64(sec), 0).UTC() //nolint:gosec // contract timestamps fit in int64
	return &t
}
