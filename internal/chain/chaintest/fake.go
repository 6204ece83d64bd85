// Package chaintest provides an in-memory EthClient that answers escrow and
// ERC-20 calls by ABI-encoding fixture state, so chain.Reader can be tested
// end to end without a node.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/milestonepay/internal/chain"
)

// EscrowAddress is the default contract address used by fixtures.
var EscrowAddress = common.HexToAddress("0x00000000000000000000000000000000000e5c70")

// GenesisTime is the timestamp of block 0; blocks are 12s apart.
const GenesisTime = 1_760_000_000

// Order is the contract's view of an order.
type Order struct {
	Client   common.Address
	Builder  common.Address
	Total    *big.Int
	Fee      *big.Int
	Released *big.Int
	Status   chain.OrderStatus
}

// Milestone is the contract's view of a milestone. Timestamps are unix
// seconds, zero meaning unset.
type Milestone struct {
	Amount       *big.Int
	Status       chain.MilestoneStatus
	Deadline     uint64
	SubmittedAt  uint64
	ApprovedAt   uint64
	PaidAt       uint64
	AutoApproved bool
}

// FakeClient implements chain.EthClient.
type FakeClient struct {
	mu         sync.Mutex
	escrowABI  abi.ABI
	erc20ABI   abi.ABI
	code       map[common.Address][]byte
	orders     map[uint64]*Order
	milestones map[uint64][]*Milestone
	balances   map[common.Address]map[common.Address]*big.Int
	logs       []types.Log
	receipts   map[common.Hash]*types.Receipt
	head       uint64
	failures   []error
	hang       int
	calls      int
}

var _ chain.EthClient = (*FakeClient)(nil)

// NewFakeClient returns a client with the escrow contract deployed at
// EscrowAddress and the head at block 100.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		escrowABI:  chain.EscrowABI(),
		erc20ABI:   chain.ERC20ABI(),
		code:       map[common.Address][]byte{EscrowAddress: {0x60, 0x80}},
		orders:     make(map[uint64]*Order),
		milestones: make(map[uint64][]*Milestone),
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		receipts:   make(map[common.Hash]*types.Receipt),
		head:       100,
	}
}

// BlockTime returns the fixture timestamp of block n.
func BlockTime(n uint64) uint64 { return GenesisTime + n*12 }

// Undeploy removes the contract code.
func (f *FakeClient) Undeploy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.code, EscrowAddress)
}

// SetOrder installs or replaces an order and its milestones.
func (f *FakeClient) SetOrder(id uint64, o Order, ms ...Milestone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	oc := o
	if oc.Released == nil {
		oc.Released = new(big.Int)
	}
	f.orders[id] = &oc
	f.milestones[id] = make([]*Milestone, len(ms))
	for i := range ms {
		m := ms[i]
		f.milestones[id][i] = &m
	}
}

// UpdateOrder mutates an order in place.
func (f *FakeClient) UpdateOrder(id uint64, fn func(o *Order)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.orders[id])
}

// UpdateMilestone mutates one milestone in place.
func (f *FakeClient) UpdateMilestone(id uint64, index int, fn func(m *Milestone)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.milestones[id][index])
}

// SetBalance sets holder's balance of token.
func (f *FakeClient) SetBalance(token, holder common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[token] == nil {
		f.balances[token] = make(map[common.Address]*big.Int)
	}
	f.balances[token][holder] = amount
}

// SetHead moves the chain head.
func (f *FakeClient) SetHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

// Head returns the current head.
func (f *FakeClient) Head() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

// SetReceipt records a mined transaction.
func (f *FakeClient) SetReceipt(txHash string, success bool, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	f.receipts[common.HexToHash(txHash)] = &types.Receipt{
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(block),
		TxHash:      common.HexToHash(txHash),
	}
}

// FailNext makes the next len(errs) RPC calls fail with errs in order.
func (f *FakeClient) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// HangNext makes the next n RPC calls block until their context ends.
func (f *FakeClient) HangNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang += n
}

// Calls returns the number of RPC calls served.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Emit appends an escrow log at block. Indexed orderId and milestoneIndex
// topics are filled from orderID and milestone; other indexed arguments
// (addresses) are zero. nonIndexed are the event's data arguments in order.
func (f *FakeClient) Emit(block uint64, name string, orderID uint64, milestone int, nonIndexed ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := f.escrowABI.Events[name]
	topics := []common.Hash{ev.ID}
	for _, in := range ev.Inputs {
		if !in.Indexed {
			continue
		}
		switch in.Name {
		case "orderId":
			topics = append(topics, common.BigToHash(new(big.Int).SetUint64(orderID)))
		case "milestoneIndex":
			topics = append(topics, common.BigToHash(big.NewInt(int64(milestone))))
		default:
			topics = append(topics, common.Hash{})
		}
	}
	data, err := ev.Inputs.NonIndexed().Pack(nonIndexed...)
	if err != nil {
		panic("chaintest: pack " + name + ": " + err.Error())
	}

	var txHash common.Hash
	txHash[0] = byte(len(f.logs) + 1)
	txHash[31] = byte(block)
	f.logs = append(f.logs, types.Log{
		Address:     EscrowAddress,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       uint(len(f.logs)),
	})
}

// begin applies injected failures; the caller must not hold f.mu.
func (f *FakeClient) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls++
	if f.hang > 0 {
		f.hang--
		f.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if call.To == nil || len(call.Data) < 4 {
		return nil, errors.New("execution reverted")
	}
	if *call.To != EscrowAddress {
		return f.balanceOf(*call.To, call.Data)
	}

	method, err := f.escrowABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, errors.New("execution reverted")
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	id := args[0].(*big.Int).Uint64()

	switch method.Name {
	case "getOrder":
		o, ok := f.orders[id]
		if !ok {
			return method.Outputs.Pack(common.Address{}, common.Address{}, new(big.Int), new(big.Int), new(big.Int), new(big.Int), uint8(0))
		}
		code, _ := o.Status.Code()
		return method.Outputs.Pack(o.Client, o.Builder, o.Total, o.Fee, o.Released,
			big.NewInt(int64(len(f.milestones[id]))), code)
	case "getMilestone":
		idx := int(args[1].(*big.Int).Int64())
		ms := f.milestones[id]
		if idx < 0 || idx >= len(ms) {
			return nil, errors.New("execution reverted: milestone index out of range")
		}
		m := ms[idx]
		code, _ := m.Status.Code()
		return method.Outputs.Pack(m.Amount, code, m.Deadline, m.SubmittedAt, m.ApprovedAt, m.PaidAt, m.AutoApproved)
	}
	return nil, errors.New("execution reverted")
}

// caller holds f.mu
func (f *FakeClient) balanceOf(token common.Address, data []byte) ([]byte, error) {
	method, err := f.erc20ABI.MethodById(data[:4])
	if err != nil {
		return nil, errors.New("execution reverted")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	holder := args[0].(common.Address)
	bal := f.balances[token][holder]
	if bal == nil {
		bal = new(big.Int)
	}
	return method.Outputs.Pack(bal)
}

func (f *FakeClient) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[account], nil
}

func (f *FakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Log
	for _, lg := range f.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchTopics(lg.Topics, q.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func matchTopics(have []common.Hash, want [][]common.Hash) bool {
	for i, alts := range want {
		if len(alts) == 0 {
			continue
		}
		if i >= len(have) {
			return false
		}
		found := false
		for _, a := range alts {
			if have[i] == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *FakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *FakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: BlockTime(n)}, nil
}

func (f *FakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := f.begin(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *FakeClient) Close() {}
