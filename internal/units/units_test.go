package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"whole", "1000", 1_000_000_000},
		{"half", "292.5", 292_500_000},
		{"smallest unit", "0.000001", 1},
		{"postgres numeric", "390.000000", 390_000_000},
		{"trailing zeros past precision", "1.50000000", 1_500_000},
		{"leading dot", ".5", 500_000},
		{"zero", "0", 0},
		{"padded", "  25  ", 25_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrInvalidAmount},
		{"negative", "-1", ErrNegative},
		{"two dots", "1.2.3", ErrInvalidAmount},
		{"trailing dot", "1.", ErrInvalidAmount},
		{"letters", "12abc", ErrInvalidAmount},
		{"exponent", "1e6", ErrInvalidAmount},
		{"seven decimals", "0.0000001", ErrTooPrecise},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		amount *big.Int
		want   string
		fixed  string
	}{
		{nil, "0", "0.000000"},
		{big.NewInt(0), "0", "0.000000"},
		{big.NewInt(1), "0.000001", "0.000001"},
		{big.NewInt(292_500_000), "292.5", "292.500000"},
		{big.NewInt(975_000_000), "975", "975.000000"},
		{big.NewInt(-1_250_000), "-1.25", "-1.250000"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.amount))
			assert.Equal(t, tt.fixed, FormatFixed(tt.amount))
		})
	}
}

func TestFormat_RoundTripsParse(t *testing.T) {
	for _, s := range []string{"0", "1", "292.5", "0.000001", "123456789.123456"} {
		v, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, Format(v))
	}
}

func TestSum(t *testing.T) {
	got := Sum(MustParse("390"), MustParse("292.5"), nil, MustParse("292.5"))
	assert.Equal(t, "975", Format(got))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("25", "25.000000"))
	assert.False(t, Equal("25", "25.000001"))
	assert.False(t, Equal("abc", "abc"))
}
