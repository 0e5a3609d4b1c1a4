package dlc

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/payout"
)

// OracleSelection names the oracles a contract relies on and how their
// attestations are combined.
type OracleSelection struct {
	// AnnouncementIDs are the ids of the oracle announcements backing
	// the contract, one per oracle.
	AnnouncementIDs []string

	// Threshold is the number of oracles that must attest in agreement,
	// t-of-n.
	Threshold uint16

	// AllowedDiff is the maximum difference between numeric oracle
	// outcomes that still counts as agreement. Zero requires exact
	// agreement.
	AllowedDiff uint64
}

// Validate performs basic consistency checks.
func (o *OracleSelection) Validate() error {
	n := len(o.AnnouncementIDs)
	if n == 0 {
		return Errorf(KindOracleMismatch, "no oracle announcements")
	}
	if o.Threshold == 0 || int(o.Threshold) > n {
		return Errorf(KindOracleMismatch, "invalid threshold %d of "+
			"%d", o.Threshold, n)
	}

	return nil
}

// NumericDescriptor describes a numeric outcome contract: the payout
// function over the digit domain, the rounding configuration and the digit
// decomposition parameters shared with the oracles.
type NumericDescriptor struct {
	// Function is the piecewise payout function for the offer party.
	Function payout.Function

	// Rounding configures payout rounding per outcome region.
	Rounding payout.RoundingIntervals

	// Base is the digit base of the oracle attestations.
	Base uint16

	// NbDigits is the number of digits each oracle attests to.
	NbDigits uint16
}

// MaxValue returns the exclusive upper bound of the outcome domain,
// base^nbDigits.
func (n *NumericDescriptor) MaxValue() uint64 {
	max := uint64(1)
	for i := uint16(0); i < n.NbDigits; i++ {
		max *= uint64(n.Base)
	}

	return max
}

// Descriptor is the outcome model of a contract: exactly one of the two
// variants is set.
type Descriptor struct {
	// Enum is set for enumerated outcome contracts.
	Enum *payout.Enumeration

	// Numeric is set for numeric outcome contracts.
	Numeric *NumericDescriptor
}

// Validate checks that exactly one variant is set and that it is internally
// consistent for the given total collateral.
func (d *Descriptor) Validate(total btcutil.Amount) error {
	switch {
	case d.Enum != nil && d.Numeric != nil:
		return Errorf(KindInvalidParameter, "both enum and numeric "+
			"descriptors set")

	case d.Enum != nil:
		return d.Enum.Validate(total)

	case d.Numeric != nil:
		if d.Numeric.Base < 2 {
			return Errorf(KindInvalidParameter, "numeric base "+
				"%d too small", d.Numeric.Base)
		}
		if d.Numeric.NbDigits == 0 || d.Numeric.NbDigits > 31 {
			return Errorf(KindInvalidParameter, "invalid digit "+
				"count %d", d.Numeric.NbDigits)
		}

		return d.Numeric.Function.Validate(
			d.Numeric.MaxValue(), total,
		)

	default:
		return Errorf(KindInvalidParameter, "no contract descriptor")
	}
}

// ContractInput is the offer-time description of a contract, everything the
// offer party decides before involving the counterparty.
type ContractInput struct {
	// OfferCollateral is the amount the offer party locks up.
	OfferCollateral btcutil.Amount

	// AcceptCollateral is the amount the accept party locks up.
	AcceptCollateral btcutil.Amount

	// FeeRate is the fee rate for all contract transactions, in
	// sats/vbyte.
	FeeRate uint64

	// CetLockTime is the nLockTime of every contract execution
	// transaction.
	CetLockTime uint32

	// RefundLockTime is the nLockTime of the refund transaction. It must
	// be strictly after the CET locktime.
	RefundLockTime uint32

	// Descriptor is the outcome and payout model.
	Descriptor Descriptor

	// Oracles selects the oracles and their combination mode.
	Oracles OracleSelection
}

// TotalCollateral returns the joint collateral of both parties.
func (c *ContractInput) TotalCollateral() btcutil.Amount {
	return c.OfferCollateral + c.AcceptCollateral
}

// Validate checks the contract input for internal consistency.
func (c *ContractInput) Validate() error {
	if c.OfferCollateral <= 0 || c.AcceptCollateral < 0 {
		return Errorf(KindInvalidParameter, "invalid collaterals "+
			"%v/%v", c.OfferCollateral, c.AcceptCollateral)
	}
	if c.FeeRate == 0 {
		return Errorf(KindInvalidParameter, "zero fee rate")
	}
	if c.RefundLockTime <= c.CetLockTime {
		return Errorf(KindInvalidParameter, "refund locktime %d not "+
			"after CET locktime %d", c.RefundLockTime,
			c.CetLockTime)
	}

	if err := c.Oracles.Validate(); err != nil {
		return err
	}

	return c.Descriptor.Validate(c.TotalCollateral())
}
