package payout

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

const testTotal = btcutil.Amount(100_000)

func testEnumeration() *Enumeration {
	return &Enumeration{
		Payouts: []EnumerationPayout{
			{Outcome: "A", Offer: 100_000, Accept: 0},
			{Outcome: "B", Offer: 0, Accept: 100_000},
			{Outcome: "C", Offer: 50_000, Accept: 50_000},
		},
	}
}

func TestEnumerationEvaluate(t *testing.T) {
	t.Parallel()

	enum := testEnumeration()
	require.NoError(t, enum.Validate(testTotal))

	offer, accept, err := enum.Evaluate("B")
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(0), offer)
	require.Equal(t, btcutil.Amount(100_000), accept)

	_, _, err = enum.Evaluate("D")
	require.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestEnumerationValidate(t *testing.T) {
	t.Parallel()

	badTotal := testEnumeration()
	badTotal.Payouts[0].Offer = 50_000
	require.ErrorIs(t, badTotal.Validate(testTotal), ErrPayoutOutOfRange)

	dup := testEnumeration()
	dup.Payouts[1].Outcome = "A"
	require.Error(t, dup.Validate(testTotal))
}

// callFunction is a 0..2^20 call with strike 50000 paying 1 sat per point.
func callFunction(t *testing.T) *Function {
	t.Helper()

	f, err := BuildCallOption(testTotal, 50_000, 1, 1<<20, Long)
	require.NoError(t, err)

	return f
}

func TestCallOptionEvaluate(t *testing.T) {
	t.Parallel()

	f := callFunction(t)
	rounding := DefaultRounding()

	testCases := []struct {
		x    uint64
		want btcutil.Amount
	}{
		{x: 0, want: 0},
		{x: 49_999, want: 0},
		// Boundary follows the left edge of the right piece.
		{x: 50_000, want: 0},
		{x: 75_000, want: 25_000},
		{x: 150_000, want: 100_000},
		{x: 1<<20 - 1, want: 100_000},
	}
	for _, tc := range testCases {
		got, err := f.Evaluate(tc.x, rounding, testTotal)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "x=%d", tc.x)
	}
}

func TestPutOptionEvaluate(t *testing.T) {
	t.Parallel()

	f, err := BuildPutOption(testTotal, 50_000, 2, 1<<20, Long)
	require.NoError(t, err)

	rounding := DefaultRounding()

	got, err := f.Evaluate(50_000, rounding, testTotal)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(0), got)

	got, err = f.Evaluate(40_000, rounding, testTotal)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(20_000), got)

	// Cap is reached 50000 points below the strike.
	got, err = f.Evaluate(0, rounding, testTotal)
	require.NoError(t, err)
	require.Equal(t, testTotal, got)
}

func TestRounding(t *testing.T) {
	t.Parallel()

	r := &RoundingIntervals{Intervals: []RoundingInterval{
		{BeginInterval: 0, RoundingMod: 1},
		{BeginInterval: 1000, RoundingMod: 500},
	}}

	// Sat exact below the boundary.
	require.Equal(t, btcutil.Amount(123), r.Round(10, 123.4))

	// Rounded to 500 above it, half to even.
	require.Equal(t, btcutil.Amount(1500), r.Round(2000, 1400))
	require.Equal(t, btcutil.Amount(1000), r.Round(2000, 1250))
	require.Equal(t, btcutil.Amount(2000), r.Round(2000, 1750))
}

func TestToRangePayouts(t *testing.T) {
	t.Parallel()

	const maxValue = uint64(1 << 10)
	total := btcutil.Amount(1000)

	f := &Function{Pieces: []Piece{
		{LeftX: 0, LeftY: 0, RightX: 512, RightY: 0},
		{LeftX: 512, LeftY: 0, RightX: 768, RightY: 1000},
		{LeftX: 768, LeftY: 1000, RightX: maxValue, RightY: 1000},
	}}

	rounding := &RoundingIntervals{Intervals: []RoundingInterval{
		{BeginInterval: 0, RoundingMod: 100},
	}}

	ranges, err := f.ToRangePayouts(maxValue, rounding, total)
	require.NoError(t, err)

	// The ranges must tile the whole domain.
	next := uint64(0)
	for _, r := range ranges {
		require.Equal(t, next, r.Start)
		require.GreaterOrEqual(t, r.Offer, btcutil.Amount(0))
		require.LessOrEqual(t, r.Offer, total)
		next = r.End()
	}
	require.Equal(t, maxValue, next)

	// Every outcome value must evaluate to its range's payout.
	for _, r := range ranges {
		for _, x := range []uint64{r.Start, r.End() - 1} {
			got, err := f.Evaluate(x, rounding, total)
			require.NoError(t, err)
			require.Equal(t, r.Offer, got, "x=%d", x)
		}
	}

	// Adjacent ranges hold distinct payouts, otherwise they'd have been
	// merged.
	for i := 1; i < len(ranges); i++ {
		require.NotEqual(t, ranges[i-1].Offer, ranges[i].Offer)
	}
}
