// Package units converts escrow token amounts between their decimal string
// form and integer base units.
//
// The escrow token uses 6 decimal places, matching the NUMERIC(20,6) columns
// in the ledger. Arithmetic is always done on *big.Int base units so that fee
// and allocation math truncates exactly like the contract does.
package units

import (
	"errors"
	"math/big"
	"strings"
)

// Decimals is the fixed precision of every amount the engine handles.
const Decimals = 6

var (
	ErrInvalidAmount = errors.New("units: invalid amount")
	ErrTooPrecise    = errors.New("units: more than 6 decimal places")
	ErrNegative      = errors.New("units: negative amount")
)

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string ("1000", "292.5", "0.000001") into base
// units. Unlike a display parser it never truncates: input with more than
// six fractional digits is rejected, since silently dropping precision would
// change a monetary value.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && (frac == "" || strings.Contains(frac, ".")) {
		return nil, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, ErrInvalidAmount
	}

	// Postgres NUMERIC(20,6) always renders six places; trailing zeros
	// beyond that are still exact.
	trimmed := strings.TrimRight(frac, "0")
	if len(trimmed) > Decimals {
		return nil, ErrTooPrecise
	}
	frac = trimmed + strings.Repeat("0", Decimals-len(trimmed))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders base units as a minimal decimal string: trailing zeros in
// the fraction are dropped ("390", "292.5", "0.000001").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	q, r := new(big.Int).QuoRem(new(big.Int).Abs(amount), scale, new(big.Int))

	out := q.String()
	if r.Sign() != 0 {
		frac := r.String()
		frac = strings.Repeat("0", Decimals-len(frac)) + frac
		out += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// FormatFixed renders base units with exactly six decimals, the form the
// Postgres store binds into NUMERIC(20,6) parameters.
func FormatFixed(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	q, r := new(big.Int).QuoRem(new(big.Int).Abs(amount), scale, new(big.Int))
	frac := r.String()
	out := q.String() + "." + strings.Repeat("0", Decimals-len(frac)) + frac
	if amount.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// Sum adds the given amounts; nil entries count as zero.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// Equal reports whether two decimal strings denote the same amount. Invalid
// input is never equal to anything.
func Equal(a, b string) bool {
	x, err := Parse(a)
	if err != nil {
		return false
	}
	y, err := Parse(b)
	if err != nil {
		return false
	}
	return x.Cmp(y) == 0
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
