package payout

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrUnknownOutcome is returned when evaluating an enumeration at an
	// outcome it doesn't contain.
	ErrUnknownOutcome = errors.New("unknown outcome")

	// ErrPayoutOutOfRange is returned when a payout exceeds the total
	// collateral or the pieces of a function are inconsistent.
	ErrPayoutOutOfRange = errors.New("payout out of range")

	// ErrNotContiguous is returned when the pieces of a payout function
	// leave gaps or overlap.
	ErrNotContiguous = errors.New("payout pieces must be contiguous")
)

// EnumerationPayout is the payout pair for a single enumerated outcome.
type EnumerationPayout struct {
	// Outcome is the outcome string the oracle would attest to.
	Outcome string

	// Offer is the amount paid to the offer party for this outcome.
	Offer btcutil.Amount

	// Accept is the amount paid to the accept party for this outcome.
	Accept btcutil.Amount
}

// Enumeration maps each of a fixed set of outcome strings to a payout
// split. Every split must sum to the same total collateral.
type Enumeration struct {
	// Payouts is the full outcome table.
	Payouts []EnumerationPayout
}

// Validate checks that every outcome pays out exactly the given total
// collateral and that no outcome repeats.
func (e *Enumeration) Validate(total btcutil.Amount) error {
	if len(e.Payouts) == 0 {
		return fmt.Errorf("%w: no outcomes", ErrPayoutOutOfRange)
	}

	seen := make(map[string]struct{}, len(e.Payouts))
	for _, p := range e.Payouts {
		if _, ok := seen[p.Outcome]; ok {
			return fmt.Errorf("duplicate outcome %q", p.Outcome)
		}
		seen[p.Outcome] = struct{}{}

		if p.Offer < 0 || p.Accept < 0 || p.Offer+p.Accept != total {
			return fmt.Errorf("%w: outcome %q pays %v+%v, "+
				"total is %v", ErrPayoutOutOfRange, p.Outcome,
				p.Offer, p.Accept, total)
		}
	}

	return nil
}

// Evaluate returns the payout pair for the given outcome.
func (e *Enumeration) Evaluate(outcome string) (btcutil.Amount,
	btcutil.Amount, error) {

	for _, p := range e.Payouts {
		if p.Outcome == outcome {
			return p.Offer, p.Accept, nil
		}
	}

	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
}

// Piece is one segment of a piecewise payout function over the half-open
// interval [LeftX, RightX). The payout to the offer party interpolates
// linearly between LeftY at LeftX and RightY at RightX. A constant piece
// has LeftY == RightY.
type Piece struct {
	LeftX  uint64
	LeftY  btcutil.Amount
	RightX uint64
	RightY btcutil.Amount
}

// evaluate returns the raw (unrounded) offer payout of the piece at x.
func (p *Piece) evaluate(x uint64) float64 {
	if p.RightX == p.LeftX || p.LeftY == p.RightY {
		return float64(p.LeftY)
	}

	slope := float64(p.RightY-p.LeftY) / float64(p.RightX-p.LeftX)
	return float64(p.LeftY) + float64(x-p.LeftX)*slope
}

// Function is a piecewise payout function over [0, maxValue]. Pieces are
// contiguous and ordered; the interval of piece i is
// [pieces[i].LeftX, pieces[i+1].LeftX), with the final piece closed at its
// right edge.
type Function struct {
	// Pieces are the ordered segments of the function.
	Pieces []Piece
}

// Validate checks the pieces cover [0, maxValue] contiguously and stay
// within [0, total].
func (f *Function) Validate(maxValue uint64, total btcutil.Amount) error {
	if len(f.Pieces) == 0 {
		return fmt.Errorf("%w: no pieces", ErrNotContiguous)
	}
	if f.Pieces[0].LeftX != 0 {
		return fmt.Errorf("%w: first piece starts at %d",
			ErrNotContiguous, f.Pieces[0].LeftX)
	}

	for i, p := range f.Pieces {
		if p.RightX <= p.LeftX {
			return fmt.Errorf("%w: piece %d is empty",
				ErrNotContiguous, i)
		}
		if i > 0 && p.LeftX != f.Pieces[i-1].RightX {
			return fmt.Errorf("%w: gap before piece %d",
				ErrNotContiguous, i)
		}
		if p.LeftY < 0 || p.RightY < 0 || p.LeftY > total ||
			p.RightY > total {

			return fmt.Errorf("%w: piece %d pays outside "+
				"[0, %v]", ErrPayoutOutOfRange, i, total)
		}
	}

	if last := f.Pieces[len(f.Pieces)-1]; last.RightX != maxValue {
		return fmt.Errorf("%w: last piece ends at %d, domain ends "+
			"at %d", ErrNotContiguous, last.RightX, maxValue)
	}

	return nil
}

// pieceAt returns the piece whose interval contains x. An x exactly on a
// boundary belongs to the right piece, matching the closed-left, open-right
// interval convention.
func (f *Function) pieceAt(x uint64) (*Piece, error) {
	for i := range f.Pieces {
		p := &f.Pieces[i]
		if x >= p.LeftX && x < p.RightX {
			return p, nil
		}
	}

	// The very last domain value belongs to the final piece.
	if last := &f.Pieces[len(f.Pieces)-1]; x == last.RightX {
		return last, nil
	}

	return nil, fmt.Errorf("%w: x=%d not covered", ErrNotContiguous, x)
}

// Evaluate computes the rounded offer payout at x, clamped to
// [0, total]. The accept payout is total minus the result.
func (f *Function) Evaluate(x uint64, rounding *RoundingIntervals,
	total btcutil.Amount) (btcutil.Amount, error) {

	piece, err := f.pieceAt(x)
	if err != nil {
		return 0, err
	}

	payout := rounding.Round(x, piece.evaluate(x))
	if payout < 0 {
		payout = 0
	}
	if payout > total {
		payout = total
	}

	return payout, nil
}

// RoundingInterval applies a rounding modulus to all outcomes at or above
// BeginInterval, until the next interval starts.
type RoundingInterval struct {
	// BeginInterval is the first outcome value this interval applies to.
	BeginInterval uint64

	// RoundingMod is the value payouts are rounded to a multiple of.
	RoundingMod uint64
}

// RoundingIntervals maps outcome values to a rounding modulus, so that
// different regions of the domain can trade precision against the number
// of adaptor signatures.
type RoundingIntervals struct {
	Intervals []RoundingInterval
}

// DefaultRounding returns sat-exact rounding over the whole domain.
func DefaultRounding() *RoundingIntervals {
	return &RoundingIntervals{
		Intervals: []RoundingInterval{{
			BeginInterval: 0,
			RoundingMod:   1,
		}},
	}
}

// modAt returns the rounding modulus that applies at outcome x.
func (r *RoundingIntervals) modAt(x uint64) uint64 {
	mod := uint64(1)
	for _, iv := range r.Intervals {
		if iv.BeginInterval > x {
			break
		}
		mod = iv.RoundingMod
	}

	if mod == 0 {
		mod = 1
	}

	return mod
}

// nextBoundary returns the first interval boundary strictly after x, or
// the maximum uint64 if none follows.
func (r *RoundingIntervals) nextBoundary(x uint64) uint64 {
	for _, iv := range r.Intervals {
		if iv.BeginInterval > x {
			return iv.BeginInterval
		}
	}

	return ^uint64(0)
}

// Round rounds the raw payout at outcome x to the nearest multiple of the
// applicable rounding modulus, half to even.
func (r *RoundingIntervals) Round(x uint64, payout float64) btcutil.Amount {
	mod := float64(r.modAt(x))
	return btcutil.Amount(math.RoundToEven(payout/mod) * mod)
}
