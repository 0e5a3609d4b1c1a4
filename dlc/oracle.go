package dlc

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/dlcsuite/dlcd/adaptorsig"
)

// Announcement is an oracle's commitment to attest to an event: the oracle
// public key and the nonces it will sign with, one per digit for numeric
// events, a single one for enumerated events.
type Announcement struct {
	// ID identifies the announcement (and the event) with the oracle.
	ID string

	// PubKey is the oracle's x-only signing key (even-y lift).
	PubKey *btcec.PublicKey

	// Nonces are the per-signature nonce points the oracle committed to.
	Nonces []*btcec.PublicKey

	// EventMaturity is the unix timestamp at which the oracle intends to
	// attest.
	EventMaturity uint32

	// Base is the digit base for numeric events, zero for enumerated
	// events.
	Base uint16

	// NbDigits is the number of digits for numeric events, zero for
	// enumerated events.
	NbDigits uint16

	// Outcomes is the list of possible outcomes of an enumerated event,
	// empty for numeric events.
	Outcomes []string
}

// IsNumeric reports whether the announcement covers a numeric event.
func (a *Announcement) IsNumeric() bool {
	return a.Base > 0 && a.NbDigits > 0
}

// Validate checks internal consistency of the announcement.
func (a *Announcement) Validate() error {
	if a.PubKey == nil {
		return Errorf(KindOracleMismatch, "announcement %q missing "+
			"oracle pubkey", a.ID)
	}

	switch {
	case a.IsNumeric():
		if len(a.Nonces) != int(a.NbDigits) {
			return Errorf(KindOracleMismatch, "announcement %q "+
				"has %d nonces for %d digits", a.ID,
				len(a.Nonces), a.NbDigits)
		}

	case len(a.Outcomes) > 0:
		if len(a.Nonces) != 1 {
			return Errorf(KindOracleMismatch, "enum "+
				"announcement %q needs exactly one nonce",
				a.ID)
		}

	default:
		return Errorf(KindOracleMismatch, "announcement %q neither "+
			"numeric nor enumerated", a.ID)
	}

	return nil
}

// Attestation is the oracle's published outcome: one BIP-340 signature per
// committed nonce, alongside the signed outcome strings.
type Attestation struct {
	// ID matches the announcement this attestation resolves.
	ID string

	// Signatures are the outcome signatures, in nonce order.
	Signatures []*schnorr.Signature

	// Outcomes are the signed outcome strings: digit strings for numeric
	// events, a single outcome label for enumerated ones.
	Outcomes []string
}

// Validate checks the attestation against its announcement: signature
// count, use of the committed nonces and signature validity per digit.
func (a *Attestation) Validate(ann *Announcement) error {
	if a.ID != ann.ID {
		return Errorf(KindOracleMismatch, "attestation for %q "+
			"doesn't match announcement %q", a.ID, ann.ID)
	}
	if len(a.Signatures) != len(a.Outcomes) {
		return Errorf(KindOracleMismatch, "attestation %q has %d "+
			"signatures for %d outcomes", a.ID,
			len(a.Signatures), len(a.Outcomes))
	}
	if len(a.Signatures) != len(ann.Nonces) {
		return Errorf(KindOracleMismatch, "attestation %q has %d "+
			"signatures for %d committed nonces", a.ID,
			len(a.Signatures), len(ann.Nonces))
	}

	pubBytes := schnorr.SerializePubKey(ann.PubKey)
	for i, sig := range a.Signatures {
		// The signature must verify and must use the committed
		// nonce, otherwise its s value won't match the anticipation
		// points derived from the announcement.
		msg := adaptorsig.OutcomeHash(a.Outcomes[i])
		ok := sig.Verify(msg[:], ann.PubKey)
		if !ok {
			return Errorf(KindInvalidSignature, "attestation %q "+
				"signature %d invalid", a.ID, i)
		}

		sigNonce := sig.Serialize()[:32]
		wantNonce := schnorr.SerializePubKey(ann.Nonces[i])
		if string(sigNonce) != string(wantNonce) {
			return Errorf(KindOracleMismatch, "attestation %q "+
				"signature %d doesn't use committed nonce "+
				"(key %x)", a.ID, i, pubBytes)
		}
	}

	return nil
}

// NumericValue composes the attested digit outcomes into the numeric
// outcome value, interpreting each outcome string as one digit in the
// announcement's base, most significant digit first.
func (a *Attestation) NumericValue(base uint16) (uint64, error) {
	if base < 2 {
		return 0, Errorf(KindInvalidParameter, "invalid base %d",
			base)
	}

	var value uint64
	for _, outcome := range a.Outcomes {
		digit, err := parseDigit(outcome, base)
		if err != nil {
			return 0, err
		}
		value = value*uint64(base) + uint64(digit)
	}

	return value, nil
}

// Digits parses the attested outcome strings into their digit values.
func (a *Attestation) Digits(base uint16) ([]int, error) {
	digits := make([]int, len(a.Outcomes))
	for i, outcome := range a.Outcomes {
		d, err := parseDigit(outcome, base)
		if err != nil {
			return nil, err
		}
		digits[i] = d
	}

	return digits, nil
}

// parseDigit parses a single digit outcome string.
func parseDigit(s string, base uint16) (int, error) {
	if len(s) != 1 || s[0] < '0' || s[0] > '9' {
		return 0, Errorf(KindOracleMismatch, "invalid digit "+
			"outcome %q", s)
	}

	d := int(s[0] - '0')
	if d >= int(base) {
		return 0, Errorf(KindOracleMismatch, "digit %d out of base "+
			"%d", d, base)
	}

	return d, nil
}
