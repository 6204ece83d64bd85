package fees

import (
	"errors"
	"math/big"
	"testing"

	"github.com/mbd888/milestonepay/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bal(s string) Balance {
	return Balance{Amount: units.MustParse(s)}
}

func failed() Balance {
	return Balance{Err: errors.New("rpc: connection refused")}
}

func TestCompute_RateIsOrOfHoldings(t *testing.T) {
	tests := []struct {
		name     string
		balances HolderBalances
		wantBps  int64
	}{
		{"non-holder", HolderBalances{TokenA: bal("0"), TokenB: bal("0")}, StandardRateBps},
		{"token A only", HolderBalances{TokenA: bal("5"), TokenB: bal("0")}, DiscountRateBps},
		{"token B only", HolderBalances{TokenA: bal("0"), TokenB: bal("0.000001")}, DiscountRateBps},
		{"both tokens", HolderBalances{TokenA: bal("5"), TokenB: bal("7")}, DiscountRateBps},
		{"A failed B held", HolderBalances{TokenA: failed(), TokenB: bal("1")}, DiscountRateBps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Compute(units.MustParse("1000"), tt.balances)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBps, q.RateBps)
			assert.Equal(t, tt.wantBps == DiscountRateBps, q.Discount)
		})
	}
}

func TestCompute_StandardScenario(t *testing.T) {
	q, err := Compute(units.MustParse("1000"), HolderBalances{TokenA: bal("0"), TokenB: bal("0")})
	require.NoError(t, err)

	assert.Equal(t, "25", units.Format(q.FeeAmount))
	assert.Equal(t, "975", units.Format(q.NetAmount))

	net, err := Allocate([]*big.Int{
		units.MustParse("400"), units.MustParse("300"), units.MustParse("300"),
	}, q)
	require.NoError(t, err)
	assert.Equal(t, "390", units.Format(net[0]))
	assert.Equal(t, "292.5", units.Format(net[1]))
	assert.Equal(t, "292.5", units.Format(net[2]))
	assert.Equal(t, "975", units.Format(units.Sum(net...)))
}

func TestCompute_TokenHolderScenario(t *testing.T) {
	q, err := Compute(units.MustParse("1000"), HolderBalances{TokenA: bal("0"), TokenB: bal("1")})
	require.NoError(t, err)
	assert.Equal(t, "10", units.Format(q.FeeAmount))
	assert.Equal(t, "990", units.Format(q.NetAmount))
}

func TestCompute_FailsClosedWhenBalancesUnknown(t *testing.T) {
	tests := []struct {
		name     string
		balances HolderBalances
	}{
		{"both failed", HolderBalances{TokenA: failed(), TokenB: failed()}},
		{"one failed other zero", HolderBalances{TokenA: bal("0"), TokenB: failed()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Compute(units.MustParse("1000"), tt.balances)
			assert.ErrorIs(t, err, ErrBalanceUnknown)
			assert.Equal(t, int64(StandardRateBps), q.RateBps)
			assert.Equal(t, "25", units.Format(q.FeeAmount))
		})
	}
}

func TestCompute_RejectsNonPositiveTotal(t *testing.T) {
	for _, total := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		_, err := Compute(total, HolderBalances{})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestFeeAt_Truncates(t *testing.T) {
	// 0.000039 * 2.5% = 0.000000975 -> truncated to 0
	assert.Equal(t, int64(0), FeeAt(big.NewInt(39), StandardRateBps).Int64())
	// 0.000041 * 2.5% = 0.000001025 -> 1
	assert.Equal(t, int64(1), FeeAt(big.NewInt(41), StandardRateBps).Int64())
}

func TestAllocate_LastAbsorbsRemainder(t *testing.T) {
	total := big.NewInt(100)
	q, err := Compute(total, HolderBalances{})
	require.NoError(t, err)
	// fee on 100 base units at 2.5% is 2; per-milestone fees on 33/33/34 are 0.
	net, err := Allocate([]*big.Int{big.NewInt(33), big.NewInt(33), big.NewInt(34)}, q)
	require.NoError(t, err)
	assert.Equal(t, []int64{33, 33, 32}, []int64{net[0].Int64(), net[1].Int64(), net[2].Int64()})
}

func TestAllocate_RejectsMismatch(t *testing.T) {
	q, err := Compute(units.MustParse("1000"), HolderBalances{})
	require.NoError(t, err)

	_, err = Allocate([]*big.Int{units.MustParse("400"), units.MustParse("300")}, q)
	assert.ErrorIs(t, err, ErrAllocationMismatch)

	_, err = Allocate(nil, q)
	assert.ErrorIs(t, err, ErrAllocationMismatch)
}
