package escrow

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/chain/chaintest"
	"github.com/mbd888/milestonepay/internal/circuitbreaker"
	"github.com/mbd888/milestonepay/internal/retry"
	"github.com/mbd888/milestonepay/internal/units"
	"github.com/stretchr/testify/require"
)

var (
	clientAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	builderAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	tokenA      = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB      = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
)

const (
	chainOrderID = 7
	clientUser   = "user_client"
	builderUser  = "user_builder"
	txHashA      = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	txHashB      = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	txHashC      = "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

// testClock is a settable clock shared by every component of a harness.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	fake    *chaintest.FakeClient
	chains  *chain.Registry
	store   *MemoryStore
	svc     *Service
	rec     *Reconciler
	watcher *TxWatcher
	clock   *testClock
}

func newHarness(t *testing.T, mutate ...func(*chain.Config)) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	cfg := chain.Config{
		Network:        "testnet",
		ChainID:        84532,
		EscrowContract: chaintest.EscrowAddress.Hex(),
		TokenA:         tokenA.Hex(),
		TokenB:         tokenB.Hex(),
		CallTimeout:    50 * time.Millisecond,
		Retry:          retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		MaxBlockSpan:   1000,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	fake := chaintest.NewFakeClient()
	chains := chain.NewRegistry("testnet", circuitbreaker.New(50, time.Minute), logger)
	_, err := chains.Add(cfg, chain.WithClient(fake), chain.WithLogger(logger))
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	svc := NewService(store, chains, logger)
	svc.now = clock.Now
	rec := NewReconciler(store, chains, logger)
	rec.now = clock.Now
	watcher := NewTxWatcher(store, chains, rec, logger)
	watcher.now = clock.Now

	return &harness{
		t:       t,
		fake:    fake,
		chains:  chains,
		store:   store,
		svc:     svc,
		rec:     rec,
		watcher: watcher,
		clock:   clock,
	}
}

// standardRequest is the 1000 order split 400/300/300, created at block 10.
func standardRequest() CreateOrderRequest {
	return CreateOrderRequest{
		Network:        "testnet",
		EscrowOrderID:  chainOrderID,
		ClientID:       clientUser,
		BuilderID:      builderUser,
		ClientAddress:  clientAddr.Hex(),
		BuilderAddress: builderAddr.Hex(),
		BlockNumber:    10,
		Milestones: []MilestoneInput{
			{Amount: "400", Description: "Design"},
			{Amount: "300", Description: "Build"},
			{Amount: "300", Description: "Launch"},
		},
	}
}

// mirror creates the standard order locally and on the fake chain, with
// every milestone pending, and returns the local order.
func (h *harness) mirror() *Order {
	h.t.Helper()
	res, err := h.svc.CreateOrder(context.Background(), standardRequest())
	require.NoError(h.t, err)

	h.fake.SetOrder(chainOrderID, chaintest.Order{
		Client:  clientAddr,
		Builder: builderAddr,
		Total:   units.MustParse("1000"),
		Fee:     units.MustParse("25"),
		Status:  chain.OrderActive,
	},
		chaintest.Milestone{Amount: units.MustParse("390"), Status: chain.MilestonePending},
		chaintest.Milestone{Amount: units.MustParse("292.5"), Status: chain.MilestonePending},
		chaintest.Milestone{Amount: units.MustParse("292.5"), Status: chain.MilestonePending},
	)
	return res.Order
}

// chainMilestone applies fn to a milestone on the fake chain.
func (h *harness) chainMilestone(index int, fn func(m *chaintest.Milestone)) {
	h.fake.UpdateMilestone(chainOrderID, index, fn)
}

// release adds amount to the order's released total on the fake chain.
func (h *harness) release(amount string) {
	h.fake.UpdateOrder(chainOrderID, func(o *chaintest.Order) {
		o.Released = new(big.Int).Add(o.Released, units.MustParse(amount))
	})
}

func (h *harness) milestones(orderID string) []*Milestone {
	h.t.Helper()
	ms, err := h.store.ListMilestones(context.Background(), orderID)
	require.NoError(h.t, err)
	return ms
}

func (h *harness) order(orderID string) *Order {
	h.t.Helper()
	o, err := h.store.GetOrder(context.Background(), orderID)
	require.NoError(h.t, err)
	return o
}

func intPtr(i int) *int { return &i }
