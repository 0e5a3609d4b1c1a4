package payout

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// RangePayout is a maximal run of consecutive outcome values that all map
// to the same rounded offer payout.
type RangePayout struct {
	// Start is the first outcome value of the run.
	Start uint64

	// Count is the number of consecutive outcome values in the run.
	Count uint64

	// Offer is the rounded offer payout over the run.
	Offer btcutil.Amount
}

// End returns the first outcome value after the run.
func (r *RangePayout) End() uint64 {
	return r.Start + r.Count
}

// ToRangePayouts splits the domain [0, maxValue) into maximal runs of
// constant rounded payout. The runs are the raw material for the digit
// prefix cover: each run is later covered by the smallest possible set of
// digit prefixes.
//
// Within one piece the payout is monotone, so the end of the current run is
// found with a binary search instead of stepping through every outcome
// value.
func (f *Function) ToRangePayouts(maxValue uint64,
	rounding *RoundingIntervals,
	total btcutil.Amount) ([]RangePayout, error) {

	if err := f.Validate(maxValue, total); err != nil {
		return nil, err
	}

	var ranges []RangePayout

	x := uint64(0)
	for x < maxValue {
		current, err := f.Evaluate(x, rounding, total)
		if err != nil {
			return nil, err
		}

		end := x
		for end < maxValue {
			piece, err := f.pieceAt(end)
			if err != nil {
				return nil, err
			}

			pieceEnd := piece.RightX
			if pieceEnd > maxValue {
				pieceEnd = maxValue
			}
			if next := rounding.nextBoundary(end); next < pieceEnd {
				pieceEnd = next
			}

			// Find the first value in [end, pieceEnd) whose
			// rounded payout differs, if any.
			boundary, err := f.searchBoundary(
				end, pieceEnd, current, rounding, total,
			)
			if err != nil {
				return nil, err
			}

			end = boundary
			if boundary < pieceEnd {
				// The payout changed inside this piece.
				break
			}

			// The run extends to the end of the piece, continue
			// into the next one.
		}

		if end == x {
			return nil, fmt.Errorf("empty payout range at %d", x)
		}

		ranges = append(ranges, RangePayout{
			Start: x,
			Count: end - x,
			Offer: current,
		})
		x = end
	}

	return ranges, nil
}

// searchBoundary returns the smallest x in [start, end) whose rounded
// payout differs from want, or end if the payout is constant over the whole
// interval. The interval must lie within a single piece so the payout is
// monotone over it.
func (f *Function) searchBoundary(start, end uint64, want btcutil.Amount,
	rounding *RoundingIntervals,
	total btcutil.Amount) (uint64, error) {

	first, err := f.Evaluate(start, rounding, total)
	if err != nil {
		return 0, err
	}
	if first != want {
		return start, nil
	}

	last, err := f.Evaluate(end-1, rounding, total)
	if err != nil {
		return 0, err
	}
	if last == want {
		return end, nil
	}

	// The interval lies within one piece and one rounding interval, so
	// the rounded payout is monotone over it and bisection finds the
	// first differing value. Invariant: payout(lo) == want,
	// payout(hi) != want.
	lo, hi := start, end-1
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2

		p, err := f.Evaluate(mid, rounding, total)
		if err != nil {
			return 0, err
		}

		if p == want {
			lo = mid
		} else {
			hi = mid
		}
	}

	return hi, nil
}
