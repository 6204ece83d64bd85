package chain_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mbd888/milestonepay/internal/chain"
	"github.com/mbd888/milestonepay/internal/chain/chaintest"
	"github.com/mbd888/milestonepay/internal/circuitbreaker"
	"github.com/mbd888/milestonepay/internal/fees"
	"github.com/mbd888/milestonepay/internal/retry"
	"github.com/mbd888/milestonepay/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clientAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	builderAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	tokenA      = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	tokenB      = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
)

func testConfig() chain.Config {
	return chain.Config{
		Network:        "testnet",
		ChainID:        84532,
		EscrowContract: chaintest.EscrowAddress.Hex(),
		TokenA:         tokenA.Hex(),
		TokenB:         tokenB.Hex(),
		CallTimeout:    50 * time.Millisecond,
		Retry:          retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		MaxBlockSpan:   50,
	}
}

func newReader(t *testing.T, fake *chaintest.FakeClient, mutate ...func(*chain.Config)) *chain.Reader {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := chain.New(cfg, chain.WithClient(fake), chain.WithBreaker(circuitbreaker.New(10, time.Minute)))
	require.NoError(t, err)
	return r
}

func seedOrder(fake *chaintest.FakeClient) {
	fake.SetOrder(7, chaintest.Order{
		Client:   clientAddr,
		Builder:  builderAddr,
		Total:    units.MustParse("1000"),
		Fee:      units.MustParse("25"),
		Released: units.MustParse("292.5"),
		Status:   chain.OrderActive,
	},
		chaintest.Milestone{
			Amount:      units.MustParse("292.5"),
			Status:      chain.MilestonePaid,
			Deadline:    chaintest.BlockTime(500),
			SubmittedAt: chaintest.BlockTime(10),
			ApprovedAt:  chaintest.BlockTime(20),
			PaidAt:      chaintest.BlockTime(21),
		},
		chaintest.Milestone{
			Amount:   units.MustParse("682.5"),
			Status:   chain.MilestonePending,
			Deadline: chaintest.BlockTime(900),
		},
	)
}

func TestNew_RequiresNetworkName(t *testing.T) {
	_, err := chain.New(chain.Config{}, chain.WithClient(chaintest.NewFakeClient()))
	assert.ErrorIs(t, err, chain.ErrNetworkNotConfigured)

	_, err = chain.New(chain.Config{Network: "testnet"})
	assert.ErrorIs(t, err, chain.ErrNetworkNotConfigured, "no client and no RPC URL")
}

func TestSnapshot(t *testing.T) {
	fake := chaintest.NewFakeClient()
	seedOrder(fake)
	fake.SetHead(120)
	r := newReader(t, fake)

	snap, err := r.Snapshot(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, uint64(120), snap.BlockNumber)
	assert.Equal(t, time.Unix(int64(chaintest.BlockTime(120)), 0).UTC(), snap.BlockTime)

	o := snap.Order
	assert.Equal(t, uint64(7), o.EscrowOrderID)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", o.Client)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", o.Builder)
	assert.Equal(t, "1000", units.Format(o.TotalAmount))
	assert.Equal(t, "25", units.Format(o.PlatformFee))
	assert.Equal(t, "292.5", units.Format(o.ReleasedAmount))
	assert.Equal(t, 2, o.MilestoneCount)
	assert.Equal(t, chain.OrderActive, o.Status)

	require.Len(t, snap.Milestones, 2)
	m0 := snap.Milestones[0]
	assert.Equal(t, 0, m0.Index)
	assert.Equal(t, chain.MilestonePaid, m0.Status)
	require.NotNil(t, m0.PaidAt)
	assert.Equal(t, int64(chaintest.BlockTime(21)), m0.PaidAt.Unix())
	assert.False(t, m0.AutoApproved)

	m1 := snap.Milestones[1]
	assert.Equal(t, chain.MilestonePending, m1.Status)
	assert.Nil(t, m1.SubmittedAt)
	assert.Nil(t, m1.ApprovedAt)
	assert.Nil(t, m1.PaidAt)
	require.NotNil(t, m1.Deadline)
}

func TestGetOrder_NotOnChain(t *testing.T) {
	fake := chaintest.NewFakeClient()
	r := newReader(t, fake)

	_, err := r.GetOrder(context.Background(), 404)
	assert.ErrorIs(t, err, chain.ErrOrderNotOnChain)
	assert.False(t, chain.IsTransient(err))

	var ce *chain.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "getOrder", ce.Op)
	assert.Equal(t, "testnet", ce.Network)
}

func TestGetMilestone(t *testing.T) {
	fake := chaintest.NewFakeClient()
	seedOrder(fake)
	r := newReader(t, fake)

	m, err := r.GetMilestone(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, "682.5", units.Format(m.Amount))

	_, err = r.GetMilestone(context.Background(), 7, 5)
	assert.ErrorIs(t, err, chain.ErrMilestoneNotOnChain)
}

func TestContractNotDeployed(t *testing.T) {
	t.Run("no code", func(t *testing.T) {
		fake := chaintest.NewFakeClient()
		fake.Undeploy()
		r := newReader(t, fake)

		_, err := r.GetOrder(context.Background(), 7)
		assert.ErrorIs(t, err, chain.ErrContractNotDeployed)
		assert.True(t, chain.IsConfiguration(err))
		assert.Equal(t, 1, fake.Calls(), "configuration errors are not retried")
	})

	t.Run("no address", func(t *testing.T) {
		fake := chaintest.NewFakeClient()
		r := newReader(t, fake, func(c *chain.Config) { c.EscrowContract = "" })

		_, err := r.Snapshot(context.Background(), 7)
		assert.ErrorIs(t, err, chain.ErrContractNotDeployed)
		assert.Zero(t, fake.Calls())
	})
}

func TestDeployedCheckIsCached(t *testing.T) {
	fake := chaintest.NewFakeClient()
	seedOrder(fake)
	r := newReader(t, fake)

	_, err := r.GetOrder(context.Background(), 7)
	require.NoError(t, err)
	first := fake.Calls()

	_, err = r.GetOrder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls()-first, "second read skips codeAt")
}

func TestTimeoutIsRetriedThenReported(t *testing.T) {
	fake := chaintest.NewFakeClient()
	seedOrder(fake)
	fake.HangNext(3)
	r := newReader(t, fake)

	_, err := r.GetOrder(context.Background(), 7)
	assert.ErrorIs(t, err, chain.ErrRPCTimeout)
	assert.True(t, chain.IsTransient(err))
	assert.Equal(t, 3, fake.Calls())
}

func TestTransientFailureRecovers(t *testing.T) {
	fake := chaintest.NewFakeClient()
	seedOrder(fake)
	fake.FailNext(rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"})
	r := newReader(t, fake)

	o, err := r.GetOrder(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), o.EscrowOrderID)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fake := chaintest.NewFakeClient()
	seedOrder(fake)
	breaker := circuitbreaker.New(2, time.Minute)
	cfg := testConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 1}
	r, err := chain.New(cfg, chain.WithClient(fake), chain.WithBreaker(breaker))
	require.NoError(t, err)

	unavailable := rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}
	fake.FailNext(unavailable, unavailable)

	for i := 0; i < 2; i++ {
		_, err = r.GetOrder(context.Background(), 7)
		assert.ErrorIs(t, err, chain.ErrRPCUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("testnet"))

	calls := fake.Calls()
	_, err = r.GetOrder(context.Background(), 7)
	assert.ErrorIs(t, err, chain.ErrChainUnavailable)
	assert.True(t, chain.IsTransient(err))
	assert.Equal(t, calls, fake.Calls(), "open circuit short-circuits the RPC")
}

func TestCallerCancellationIsNotTransient(t *testing.T) {
	fake := chaintest.NewFakeClient()
	seedOrder(fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newReader(t, fake)

	_, err := r.GetOrder(ctx, 7)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, chain.IsTransient(err))
}

func TestReceipt(t *testing.T) {
	fake := chaintest.NewFakeClient()
	r := newReader(t, fake)
	ctx := context.Background()

	okHash := "0x" + strings.Repeat("ab", 32)
	failHash := "0x" + strings.Repeat("cd", 32)
	pendingHash := "0x" + strings.Repeat("ef", 32)
	fake.SetReceipt(okHash, true, 90)
	fake.SetReceipt(failHash, false, 91)

	rc, err := r.Receipt(ctx, okHash)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptConfirmed, rc.Status)
	assert.Equal(t, uint64(90), rc.BlockNumber)

	rc, err = r.Receipt(ctx, failHash)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptFailed, rc.Status)

	rc, err = r.Receipt(ctx, pendingHash)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptPending, rc.Status)
}

func TestTokenBalances(t *testing.T) {
	fake := chaintest.NewFakeClient()
	fake.SetBalance(tokenB, clientAddr, big.NewInt(1))
	r := newReader(t, fake)

	got := r.TokenBalances(context.Background(), clientAddr.Hex())
	require.NoError(t, got.TokenA.Err)
	require.NoError(t, got.TokenB.Err)
	assert.False(t, got.TokenA.Held())
	assert.True(t, got.TokenB.Held())
	assert.True(t, got.Holder())

	q, err := fees.Compute(units.MustParse("1000"), got)
	require.NoError(t, err)
	assert.Equal(t, int64(fees.DiscountRateBps), q.RateBps)
}

func TestTokenBalances_UnconfiguredTokenIsZero(t *testing.T) {
	fake := chaintest.NewFakeClient()
	r := newReader(t, fake, func(c *chain.Config) { c.TokenA = ""; c.TokenB = "" })

	got := r.TokenBalances(context.Background(), clientAddr.Hex())
	assert.NoError(t, got.TokenA.Err)
	assert.NoError(t, got.TokenB.Err)
	assert.False(t, got.Holder())
	assert.Zero(t, fake.Calls())
}

func TestTokenBalances_FailureIsReported(t *testing.T) {
	fake := chaintest.NewFakeClient()
	r := newReader(t, fake, func(c *chain.Config) {
		c.TokenB = ""
		c.Retry = retry.Policy{MaxAttempts: 1}
	})
	fake.FailNext(rpc.HTTPError{StatusCode: 502, Status: "502"})

	got := r.TokenBalances(context.Background(), clientAddr.Hex())
	assert.ErrorIs(t, got.TokenA.Err, chain.ErrRPCUnavailable)

	_, err := fees.Compute(units.MustParse("1000"), got)
	assert.ErrorIs(t, err, fees.ErrBalanceUnknown)
}
