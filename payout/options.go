package payout

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Direction expresses which side of an option payoff the offer party takes.
type Direction uint8

const (
	// Long means the offer party profits when the outcome rises above
	// the strike.
	Long Direction = iota

	// Short means the offer party profits when the outcome stays below
	// the strike.
	Short
)

// BuildCallOption builds the piecewise payout function of a call option
// over the outcome domain [0, maxValue). The offer party's payout is zero
// (plus direction handling) below the strike and rises by payoutPerPoint
// sats per outcome unit above it, capped at the total collateral.
//
// For Direction Short the curve is mirrored: the offer party keeps the full
// collateral below the strike and loses payoutPerPoint per unit above it.
func BuildCallOption(total btcutil.Amount, strike uint64,
	payoutPerPoint btcutil.Amount, maxValue uint64,
	dir Direction) (*Function, error) {

	if strike >= maxValue {
		return nil, fmt.Errorf("%w: strike %d outside domain [0, %d)",
			ErrPayoutOutOfRange, strike, maxValue)
	}
	if payoutPerPoint <= 0 {
		return nil, fmt.Errorf("%w: payout per point must be "+
			"positive", ErrPayoutOutOfRange)
	}

	// The outcome at which the linear leg hits the collateral cap.
	capDistance := uint64(total / payoutPerPoint)
	if capDistance == 0 {
		capDistance = 1
	}
	capX := strike + capDistance
	if capX > maxValue {
		capX = maxValue
	}

	lowY, highY := btcutil.Amount(0), total
	if dir == Short {
		lowY, highY = total, 0
	}

	capY := lowY + (highY-lowY)*btcutil.Amount(capX-strike)/
		btcutil.Amount(capDistance)

	var pieces []Piece
	if strike > 0 {
		pieces = append(pieces, Piece{
			LeftX: 0, LeftY: lowY, RightX: strike, RightY: lowY,
		})
	}
	pieces = append(pieces, Piece{
		LeftX: strike, LeftY: lowY, RightX: capX, RightY: capY,
	})
	if capX < maxValue {
		pieces = append(pieces, Piece{
			LeftX: capX, LeftY: capY,
			RightX: maxValue, RightY: capY,
		})
	}

	f := &Function{Pieces: pieces}
	if err := f.Validate(maxValue, total); err != nil {
		return nil, err
	}

	return f, nil
}

// BuildPutOption builds the payout function of a put option: a Long offer
// party gains payoutPerPoint sats per outcome unit below the strike, capped
// at the total collateral, and gets nothing at or above it.
func BuildPutOption(total btcutil.Amount, strike uint64,
	payoutPerPoint btcutil.Amount, maxValue uint64,
	dir Direction) (*Function, error) {

	if strike == 0 || strike >= maxValue {
		return nil, fmt.Errorf("%w: strike %d outside domain (0, %d)",
			ErrPayoutOutOfRange, strike, maxValue)
	}
	if payoutPerPoint <= 0 {
		return nil, fmt.Errorf("%w: payout per point must be "+
			"positive", ErrPayoutOutOfRange)
	}

	capDistance := uint64(total / payoutPerPoint)
	if capDistance == 0 {
		capDistance = 1
	}

	floorX := uint64(0)
	if capDistance < strike {
		floorX = strike - capDistance
	}

	// Payout of the long side at the left edge of the linear leg.
	capY := total * btcutil.Amount(strike-floorX) /
		btcutil.Amount(capDistance)
	lowY := btcutil.Amount(0)
	if dir == Short {
		capY, lowY = total-capY, total
	}

	var pieces []Piece
	if floorX > 0 {
		pieces = append(pieces, Piece{
			LeftX: 0, LeftY: capY, RightX: floorX, RightY: capY,
		})
	}
	pieces = append(pieces, Piece{
		LeftX: floorX, LeftY: capY, RightX: strike, RightY: lowY,
	}, Piece{
		LeftX: strike, LeftY: lowY, RightX: maxValue, RightY: lowY,
	})

	f := &Function{Pieces: pieces}
	if err := f.Validate(maxValue, total); err != nil {
		return nil, err
	}

	return f, nil
}
