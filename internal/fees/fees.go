// Package fees computes the platform fee charged on an escrowed order.
//
// Rates are basis points so the arithmetic matches the escrow contract's
// integer math exactly: fee = total * bps / 10000, truncated.
package fees

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// StandardRateBps is 2.5%.
	StandardRateBps = 250
	// DiscountRateBps is 1%, granted to holders of either discount token.
	DiscountRateBps = 100
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000
)

var (
	ErrInvalidAmount = errors.New("fees: total amount must be positive")

	// ErrBalanceUnknown is returned alongside a valid standard-rate quote when
	// holder status could not be established. Callers show "balance unknown"
	// rather than treating it as a hard failure.
	ErrBalanceUnknown = errors.New("fees: token balance unknown")

	ErrAllocationMismatch = errors.New("fees: milestone amounts do not sum to order total")
)

// Balance is the result of one token balance lookup. Err is set when the
// lookup itself failed, in which case Amount is meaningless.
type Balance struct {
	Amount *big.Int
	Err    error
}

// Held reports whether the lookup succeeded and the balance is positive.
func (b Balance) Held() bool {
	return b.Err == nil && b.Amount != nil && b.Amount.Sign() > 0
}

// HolderBalances are the caller's balances of the two discount tokens.
type HolderBalances struct {
	TokenA Balance
	TokenB Balance
}

// Holder reports whether either token proves holdership. Holding both
// confers nothing extra.
func (h HolderBalances) Holder() bool {
	return h.TokenA.Held() || h.TokenB.Held()
}

func (h HolderBalances) anyFailed() bool {
	return h.TokenA.Err != nil || h.TokenB.Err != nil
}

// Quote is the outcome of a fee computation, in base units.
type Quote struct {
	RateBps   int64    `json:"rateBps"`
	FeeAmount *big.Int `json:"-"`
	NetAmount *big.Int `json:"-"`
	Discount  bool     `json:"discount"`
}

// RateFor returns the fee rate implied by the balances.
func RateFor(h HolderBalances) int64 {
	if h.Holder() {
		return DiscountRateBps
	}
	return StandardRateBps
}

// Compute quotes the fee for total given the caller's token balances.
//
// If no successful lookup shows a positive balance and at least one lookup
// failed, the standard rate is applied and ErrBalanceUnknown is returned
// together with the quote.
func Compute(total *big.Int, balances HolderBalances) (Quote, error) {
	if total == nil || total.Sign() <= 0 {
		return Quote{}, ErrInvalidAmount
	}

	rate := RateFor(balances)
	fee := FeeAt(total, rate)
	q := Quote{
		RateBps:   rate,
		FeeAmount: fee,
		NetAmount: new(big.Int).Sub(total, fee),
		Discount:  rate == DiscountRateBps,
	}

	if !balances.Holder() && balances.anyFailed() {
		return q, ErrBalanceUnknown
	}
	return q, nil
}

// FeeAt returns floor(amount * rateBps / 10000).
func FeeAt(amount *big.Int, rateBps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(rateBps))
	return fee.Quo(fee, big.NewInt(BpsDenominator))
}

// Allocate converts contracted gross milestone amounts into the net amounts
// actually escrowed per milestone. Each milestone carries its own truncated
// fee; the last milestone absorbs the rounding difference so the result sums
// to q.NetAmount exactly.
func Allocate(gross []*big.Int, q Quote) ([]*big.Int, error) {
	if len(gross) == 0 {
		return nil, fmt.Errorf("%w: no milestones", ErrAllocationMismatch)
	}

	total := new(big.Int)
	for i, g := range gross {
		if g == nil || g.Sign() <= 0 {
			return nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrAllocationMismatch, i)
		}
		total.Add(total, g)
	}
	if want := new(big.Int).Add(q.NetAmount, q.FeeAmount); total.Cmp(want) != 0 {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrAllocationMismatch, total, want)
	}

	out := make([]*big.Int, len(gross))
	allocated := new(big.Int)
	for i, g := range gross[:len(gross)-1] {
		out[i] = new(big.Int).Sub(g, FeeAt(g, q.RateBps))
		allocated.Add(allocated, out[i])
	}
	last := new(big.Int).Sub(q.NetAmount, allocated)
	if last.Sign() <= 0 {
		return nil, fmt.Errorf("%w: last milestone absorbs non-positive amount", ErrAllocationMismatch)
	}
	out[len(out)-1] = last
	return out, nil
}
