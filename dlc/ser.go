package dlc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/payout"
)

// The contract blob format: fixed-order fields, big-endian fixed-width
// integers, length-prefixed byte strings. The encoding is deterministic so
// that re-serializing a decoded contract yields identical bytes.

const (
	// maxBlobBytes bounds any single length-prefixed element to guard
	// against corrupt blobs blowing up memory.
	maxBlobBytes = 16 * 1024 * 1024
)

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint8(r io.Reader, v *uint8) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = b[0]

	return nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func readUint16(r io.Reader, v *uint16) error {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint16(b[:])

	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func readUint32(r io.Reader, v *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint32(b[:])

	return nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func readUint64(r io.Reader, v *uint64) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint64(b[:])

	return nil
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeUint8(w, 1)
	}

	return writeUint8(w, 0)
}

func readBool(r io.Reader, v *bool) error {
	var b uint8
	if err := readUint8(r, &b); err != nil {
		return err
	}
	*v = b != 0

	return nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)

	return err
}

func readVarBytes(r io.Reader, b *[]byte) error {
	var l uint32
	if err := readUint32(r, &l); err != nil {
		return err
	}
	if l > maxBlobBytes {
		return fmt.Errorf("element of %d bytes exceeds limit", l)
	}
	if l == 0 {
		*b = nil
		return nil
	}

	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	*b = buf

	return nil
}

func writeString(w io.Writer, s string) error {
	return writeVarBytes(w, []byte(s))
}

func readString(r io.Reader, s *string) error {
	var b []byte
	if err := readVarBytes(r, &b); err != nil {
		return err
	}
	*s = string(b)

	return nil
}

// writePubKey writes a compressed public key, or a zero length marker for
// nil.
func writePubKey(w io.Writer, pub *btcec.PublicKey) error {
	if pub == nil {
		return writeVarBytes(w, nil)
	}

	return writeVarBytes(w, pub.SerializeCompressed())
}

func readPubKey(r io.Reader, pub **btcec.PublicKey) error {
	var b []byte
	if err := readVarBytes(r, &b); err != nil {
		return err
	}
	if len(b) == 0 {
		*pub = nil
		return nil
	}

	key, err := btcec.ParsePubKey(b)
	if err != nil {
		return err
	}
	*pub = key

	return nil
}

// writeTx writes a transaction, or a zero length marker for nil.
func writeTx(w io.Writer, tx *wire.MsgTx) error {
	if tx == nil {
		return writeVarBytes(w, nil)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}

	return writeVarBytes(w, buf.Bytes())
}

func readTx(r io.Reader, tx **wire.MsgTx) error {
	var b []byte
	if err := readVarBytes(r, &b); err != nil {
		return err
	}
	if len(b) == 0 {
		*tx = nil
		return nil
	}

	msgTx := &wire.MsgTx{}
	if err := msgTx.Deserialize(bytes.NewReader(b)); err != nil {
		// A transaction without inputs is written without the segwit
		// marker but reads back as if it had one, so retry without
		// witness data.
		msgTx = &wire.MsgTx{}
		noWitErr := msgTx.DeserializeNoWitness(bytes.NewReader(b))
		if noWitErr != nil {
			return err
		}
	}
	*tx = msgTx

	return nil
}

func writeFundingInput(w io.Writer, in *FundingInput) error {
	if _, err := w.Write(in.OutPoint.Hash[:]); err != nil {
		return err
	}
	if err := writeUint32(w, in.OutPoint.Index); err != nil {
		return err
	}
	if err := writeTx(w, in.PrevTx); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(in.Value)); err != nil {
		return err
	}
	if err := writeUint16(w, in.MaxWitnessLen); err != nil {
		return err
	}
	if err := writeUint64(w, in.InputSerialID); err != nil {
		return err
	}

	return writeVarBytes(w, in.RedeemScript)
}

func readFundingInput(r io.Reader, in *FundingInput) error {
	if _, err := io.ReadFull(r, in.OutPoint.Hash[:]); err != nil {
		return err
	}
	if err := readUint32(r, &in.OutPoint.Index); err != nil {
		return err
	}
	if err := readTx(r, &in.PrevTx); err != nil {
		return err
	}

	var value uint64
	if err := readUint64(r, &value); err != nil {
		return err
	}
	in.Value = btcutil.Amount(value)

	if err := readUint16(r, &in.MaxWitnessLen); err != nil {
		return err
	}
	if err := readUint64(r, &in.InputSerialID); err != nil {
		return err
	}

	return readVarBytes(r, &in.RedeemScript)
}

func writePartyParams(w io.Writer, p *PartyParams) error {
	if err := writePubKey(w, p.FundPubKey); err != nil {
		return err
	}
	if err := writeVarBytes(w, p.ChangeScript); err != nil {
		return err
	}
	if err := writeUint64(w, p.ChangeSerialID); err != nil {
		return err
	}
	if err := writeVarBytes(w, p.PayoutScript); err != nil {
		return err
	}
	if err := writeUint64(w, p.PayoutSerialID); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(p.Inputs))); err != nil {
		return err
	}
	for i := range p.Inputs {
		if err := writeFundingInput(w, &p.Inputs[i]); err != nil {
			return err
		}
	}
	if err := writeUint64(w, uint64(p.InputAmount)); err != nil {
		return err
	}

	return writeUint64(w, uint64(p.Collateral))
}

func readPartyParams(r io.Reader, p *PartyParams) error {
	if err := readPubKey(r, &p.FundPubKey); err != nil {
		return err
	}
	if err := readVarBytes(r, &p.ChangeScript); err != nil {
		return err
	}
	if err := readUint64(r, &p.ChangeSerialID); err != nil {
		return err
	}
	if err := readVarBytes(r, &p.PayoutScript); err != nil {
		return err
	}
	if err := readUint64(r, &p.PayoutSerialID); err != nil {
		return err
	}

	var numInputs uint32
	if err := readUint32(r, &numInputs); err != nil {
		return err
	}
	if numInputs > 100_000 {
		return fmt.Errorf("too many funding inputs: %d", numInputs)
	}
	p.Inputs = make([]FundingInput, numInputs)
	for i := range p.Inputs {
		if err := readFundingInput(r, &p.Inputs[i]); err != nil {
			return err
		}
	}

	var inputAmount, collateral uint64
	if err := readUint64(r, &inputAmount); err != nil {
		return err
	}
	p.InputAmount = btcutil.Amount(inputAmount)

	if err := readUint64(r, &collateral); err != nil {
		return err
	}
	p.Collateral = btcutil.Amount(collateral)

	return nil
}

func writeDescriptor(w io.Writer, d *Descriptor) error {
	switch {
	case d.Enum != nil:
		if err := writeUint8(w, 0); err != nil {
			return err
		}
		numOutcomes := uint32(len(d.Enum.Payouts))
		if err := writeUint32(w, numOutcomes); err != nil {
			return err
		}
		for _, p := range d.Enum.Payouts {
			if err := writeString(w, p.Outcome); err != nil {
				return err
			}
			err := writeUint64(w, uint64(p.Offer))
			if err != nil {
				return err
			}
			err = writeUint64(w, uint64(p.Accept))
			if err != nil {
				return err
			}
		}

		return nil

	case d.Numeric != nil:
		if err := writeUint8(w, 1); err != nil {
			return err
		}
		n := d.Numeric
		numPieces := uint32(len(n.Function.Pieces))
		if err := writeUint32(w, numPieces); err != nil {
			return err
		}
		for _, piece := range n.Function.Pieces {
			if err := writeUint64(w, piece.LeftX); err != nil {
				return err
			}
			err := writeUint64(w, uint64(piece.LeftY))
			if err != nil {
				return err
			}
			if err := writeUint64(w, piece.RightX); err != nil {
				return err
			}
			err = writeUint64(w, uint64(piece.RightY))
			if err != nil {
				return err
			}
		}

		numIntervals := uint32(len(n.Rounding.Intervals))
		if err := writeUint32(w, numIntervals); err != nil {
			return err
		}
		for _, iv := range n.Rounding.Intervals {
			if err := writeUint64(w, iv.BeginInterval); err != nil {
				return err
			}
			if err := writeUint64(w, iv.RoundingMod); err != nil {
				return err
			}
		}

		if err := writeUint16(w, n.Base); err != nil {
			return err
		}

		return writeUint16(w, n.NbDigits)

	default:
		return fmt.Errorf("descriptor has no variant set")
	}
}

func readDescriptor(r io.Reader, d *Descriptor) error {
	var variant uint8
	if err := readUint8(r, &variant); err != nil {
		return err
	}

	switch variant {
	case 0:
		var numOutcomes uint32
		if err := readUint32(r, &numOutcomes); err != nil {
			return err
		}
		if numOutcomes > 1_000_000 {
			return fmt.Errorf("too many outcomes: %d",
				numOutcomes)
		}

		enum := &payout.Enumeration{
			Payouts: make(
				[]payout.EnumerationPayout, numOutcomes,
			),
		}
		for i := range enum.Payouts {
			p := &enum.Payouts[i]
			if err := readString(r, &p.Outcome); err != nil {
				return err
			}

			var offer, accept uint64
			if err := readUint64(r, &offer); err != nil {
				return err
			}
			if err := readUint64(r, &accept); err != nil {
				return err
			}
			p.Offer = btcutil.Amount(offer)
			p.Accept = btcutil.Amount(accept)
		}
		d.Enum = enum

		return nil

	case 1:
		n := &NumericDescriptor{}

		var numPieces uint32
		if err := readUint32(r, &numPieces); err != nil {
			return err
		}
		if numPieces > 1_000_000 {
			return fmt.Errorf("too many pieces: %d", numPieces)
		}
		n.Function.Pieces = make([]payout.Piece, numPieces)
		for i := range n.Function.Pieces {
			piece := &n.Function.Pieces[i]
			if err := readUint64(r, &piece.LeftX); err != nil {
				return err
			}

			var leftY uint64
			if err := readUint64(r, &leftY); err != nil {
				return err
			}
			piece.LeftY = btcutil.Amount(leftY)

			if err := readUint64(r, &piece.RightX); err != nil {
				return err
			}

			var rightY uint64
			if err := readUint64(r, &rightY); err != nil {
				return err
			}
			piece.RightY = btcutil.Amount(rightY)
		}

		var numIntervals uint32
		if err := readUint32(r, &numIntervals); err != nil {
			return err
		}
		if numIntervals > 1_000_000 {
			return fmt.Errorf("too many rounding intervals: %d",
				numIntervals)
		}
		n.Rounding.Intervals = make(
			[]payout.RoundingInterval, numIntervals,
		)
		for i := range n.Rounding.Intervals {
			iv := &n.Rounding.Intervals[i]
			err := readUint64(r, &iv.BeginInterval)
			if err != nil {
				return err
			}
			if err := readUint64(r, &iv.RoundingMod); err != nil {
				return err
			}
		}

		if err := readUint16(r, &n.Base); err != nil {
			return err
		}
		if err := readUint16(r, &n.NbDigits); err != nil {
			return err
		}
		d.Numeric = n

		return nil

	default:
		return fmt.Errorf("unknown descriptor variant %d", variant)
	}
}

func writeContractInput(w io.Writer, in *ContractInput) error {
	if err := writeUint64(w, uint64(in.OfferCollateral)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(in.AcceptCollateral)); err != nil {
		return err
	}
	if err := writeUint64(w, in.FeeRate); err != nil {
		return err
	}
	if err := writeUint32(w, in.CetLockTime); err != nil {
		return err
	}
	if err := writeUint32(w, in.RefundLockTime); err != nil {
		return err
	}
	if err := writeDescriptor(w, &in.Descriptor); err != nil {
		return err
	}

	numIDs := uint32(len(in.Oracles.AnnouncementIDs))
	if err := writeUint32(w, numIDs); err != nil {
		return err
	}
	for _, id := range in.Oracles.AnnouncementIDs {
		if err := writeString(w, id); err != nil {
			return err
		}
	}
	if err := writeUint16(w, in.Oracles.Threshold); err != nil {
		return err
	}

	return writeUint64(w, in.Oracles.AllowedDiff)
}

func readContractInput(r io.Reader, in *ContractInput) error {
	var offer, accept uint64
	if err := readUint64(r, &offer); err != nil {
		return err
	}
	in.OfferCollateral = btcutil.Amount(offer)
	if err := readUint64(r, &accept); err != nil {
		return err
	}
	in.AcceptCollateral = btcutil.Amount(accept)

	if err := readUint64(r, &in.FeeRate); err != nil {
		return err
	}
	if err := readUint32(r, &in.CetLockTime); err != nil {
		return err
	}
	if err := readUint32(r, &in.RefundLockTime); err != nil {
		return err
	}
	if err := readDescriptor(r, &in.Descriptor); err != nil {
		return err
	}

	var numIDs uint32
	if err := readUint32(r, &numIDs); err != nil {
		return err
	}
	if numIDs > 1000 {
		return fmt.Errorf("too many announcement ids: %d", numIDs)
	}
	in.Oracles.AnnouncementIDs = make([]string, numIDs)
	for i := range in.Oracles.AnnouncementIDs {
		err := readString(r, &in.Oracles.AnnouncementIDs[i])
		if err != nil {
			return err
		}
	}
	if err := readUint16(r, &in.Oracles.Threshold); err != nil {
		return err
	}

	return readUint64(r, &in.Oracles.AllowedDiff)
}

func writeAnnouncement(w io.Writer, a *Announcement) error {
	if err := writeString(w, a.ID); err != nil {
		return err
	}
	if err := writePubKey(w, a.PubKey); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(a.Nonces))); err != nil {
		return err
	}
	for _, nonce := range a.Nonces {
		if err := writePubKey(w, nonce); err != nil {
			return err
		}
	}
	if err := writeUint32(w, a.EventMaturity); err != nil {
		return err
	}
	if err := writeUint16(w, a.Base); err != nil {
		return err
	}
	if err := writeUint16(w, a.NbDigits); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(a.Outcomes))); err != nil {
		return err
	}
	for _, outcome := range a.Outcomes {
		if err := writeString(w, outcome); err != nil {
			return err
		}
	}

	return nil
}

func readAnnouncement(r io.Reader, a *Announcement) error {
	if err := readString(r, &a.ID); err != nil {
		return err
	}
	if err := readPubKey(r, &a.PubKey); err != nil {
		return err
	}

	var numNonces uint32
	if err := readUint32(r, &numNonces); err != nil {
		return err
	}
	if numNonces > 1000 {
		return fmt.Errorf("too many nonces: %d", numNonces)
	}
	a.Nonces = make([]*btcec.PublicKey, numNonces)
	for i := range a.Nonces {
		if err := readPubKey(r, &a.Nonces[i]); err != nil {
			return err
		}
	}

	if err := readUint32(r, &a.EventMaturity); err != nil {
		return err
	}
	if err := readUint16(r, &a.Base); err != nil {
		return err
	}
	if err := readUint16(r, &a.NbDigits); err != nil {
		return err
	}

	var numOutcomes uint32
	if err := readUint32(r, &numOutcomes); err != nil {
		return err
	}
	if numOutcomes > 1_000_000 {
		return fmt.Errorf("too many outcomes: %d", numOutcomes)
	}
	a.Outcomes = make([]string, numOutcomes)
	for i := range a.Outcomes {
		if err := readString(r, &a.Outcomes[i]); err != nil {
			return err
		}
	}

	return nil
}

func writeAttestation(w io.Writer, a *Attestation) error {
	if err := writeString(w, a.ID); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(a.Signatures))); err != nil {
		return err
	}
	for _, sig := range a.Signatures {
		if err := writeVarBytes(w, sig.Serialize()); err != nil {
			return err
		}
	}
	if err := writeUint32(w, uint32(len(a.Outcomes))); err != nil {
		return err
	}
	for _, outcome := range a.Outcomes {
		if err := writeString(w, outcome); err != nil {
			return err
		}
	}

	return nil
}

func readAttestation(r io.Reader, a *Attestation) error {
	if err := readString(r, &a.ID); err != nil {
		return err
	}

	var numSigs uint32
	if err := readUint32(r, &numSigs); err != nil {
		return err
	}
	if numSigs > 1000 {
		return fmt.Errorf("too many signatures: %d", numSigs)
	}
	a.Signatures = make([]*schnorr.Signature, numSigs)
	for i := range a.Signatures {
		var sigBytes []byte
		if err := readVarBytes(r, &sigBytes); err != nil {
			return err
		}
		sig, err := schnorr.ParseSignature(sigBytes)
		if err != nil {
			return err
		}
		a.Signatures[i] = sig
	}

	var numOutcomes uint32
	if err := readUint32(r, &numOutcomes); err != nil {
		return err
	}
	if numOutcomes > 1000 {
		return fmt.Errorf("too many outcomes: %d", numOutcomes)
	}
	a.Outcomes = make([]string, numOutcomes)
	for i := range a.Outcomes {
		if err := readString(r, &a.Outcomes[i]); err != nil {
			return err
		}
	}

	return nil
}

// Serialize writes the deterministic blob encoding of the contract.
func (c *Contract) Serialize(w io.Writer) error {
	if _, err := w.Write(c.ID[:]); err != nil {
		return err
	}
	if _, err := w.Write(c.TemporaryID[:]); err != nil {
		return err
	}
	if err := writePubKey(w, c.CounterParty); err != nil {
		return err
	}
	if err := writeBool(w, c.IsOfferParty); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(c.State)); err != nil {
		return err
	}
	if _, err := w.Write(c.ChannelID[:]); err != nil {
		return err
	}
	if err := writeContractInput(w, &c.Input); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(len(c.Announcements))); err != nil {
		return err
	}
	for i := range c.Announcements {
		if err := writeAnnouncement(w, &c.Announcements[i]); err != nil {
			return err
		}
	}

	if err := writeUint32(w, c.FundLockTime); err != nil {
		return err
	}
	if err := writeUint64(w, c.FundOutputSerialID); err != nil {
		return err
	}
	if err := writePartyParams(w, &c.OfferParams); err != nil {
		return err
	}

	hasAccept := c.AcceptParams != nil
	if err := writeBool(w, hasAccept); err != nil {
		return err
	}
	if hasAccept {
		if err := writePartyParams(w, c.AcceptParams); err != nil {
			return err
		}
	}

	if err := writeTx(w, c.FundingTx); err != nil {
		return err
	}
	if err := writeVarBytes(w, c.FundingScript); err != nil {
		return err
	}
	if err := writeUint32(w, c.FundingOutputIndex); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(len(c.CETs))); err != nil {
		return err
	}
	for _, cet := range c.CETs {
		if err := writeTx(w, cet); err != nil {
			return err
		}
	}

	if err := writeTx(w, c.RefundTx); err != nil {
		return err
	}

	numSigs := uint32(len(c.CounterAdaptorSigs))
	if err := writeUint32(w, numSigs); err != nil {
		return err
	}
	for _, sig := range c.CounterAdaptorSigs {
		if err := writeVarBytes(w, sig.Serialize()); err != nil {
			return err
		}
	}

	if err := writeVarBytes(w, c.CounterRefundSig); err != nil {
		return err
	}
	if err := writeTx(w, c.BroadcastCET); err != nil {
		return err
	}

	if err := writeUint32(w, uint32(len(c.Attestations))); err != nil {
		return err
	}
	for i := range c.Attestations {
		if err := writeAttestation(w, &c.Attestations[i]); err != nil {
			return err
		}
	}

	if err := writeString(w, c.OutcomeLabel); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(c.PnL)); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(c.FailureKind)); err != nil {
		return err
	}

	return writeString(w, c.FailureMessage)
}

// DeserializeContract decodes a contract blob written by Serialize.
func DeserializeContract(r io.Reader) (*Contract, error) {
	c := &Contract{}

	if _, err := io.ReadFull(r, c.ID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.TemporaryID[:]); err != nil {
		return nil, err
	}
	if err := readPubKey(r, &c.CounterParty); err != nil {
		return nil, err
	}
	if err := readBool(r, &c.IsOfferParty); err != nil {
		return nil, err
	}

	var state uint8
	if err := readUint8(r, &state); err != nil {
		return nil, err
	}
	c.State = State(state)

	if _, err := io.ReadFull(r, c.ChannelID[:]); err != nil {
		return nil, err
	}
	if err := readContractInput(r, &c.Input); err != nil {
		return nil, err
	}

	var numAnns uint32
	if err := readUint32(r, &numAnns); err != nil {
		return nil, err
	}
	if numAnns > 1000 {
		return nil, fmt.Errorf("too many announcements: %d", numAnns)
	}
	c.Announcements = make([]Announcement, numAnns)
	for i := range c.Announcements {
		if err := readAnnouncement(r, &c.Announcements[i]); err != nil {
			return nil, err
		}
	}

	if err := readUint32(r, &c.FundLockTime); err != nil {
		return nil, err
	}
	if err := readUint64(r, &c.FundOutputSerialID); err != nil {
		return nil, err
	}
	if err := readPartyParams(r, &c.OfferParams); err != nil {
		return nil, err
	}

	var hasAccept bool
	if err := readBool(r, &hasAccept); err != nil {
		return nil, err
	}
	if hasAccept {
		c.AcceptParams = &PartyParams{}
		if err := readPartyParams(r, c.AcceptParams); err != nil {
			return nil, err
		}
	}

	if err := readTx(r, &c.FundingTx); err != nil {
		return nil, err
	}
	if err := readVarBytes(r, &c.FundingScript); err != nil {
		return nil, err
	}
	if err := readUint32(r, &c.FundingOutputIndex); err != nil {
		return nil, err
	}

	var numCETs uint32
	if err := readUint32(r, &numCETs); err != nil {
		return nil, err
	}
	if numCETs > 10_000_000 {
		return nil, fmt.Errorf("too many CETs: %d", numCETs)
	}
	c.CETs = make([]*wire.MsgTx, numCETs)
	for i := range c.CETs {
		if err := readTx(r, &c.CETs[i]); err != nil {
			return nil, err
		}
	}

	if err := readTx(r, &c.RefundTx); err != nil {
		return nil, err
	}

	var numSigs uint32
	if err := readUint32(r, &numSigs); err != nil {
		return nil, err
	}
	if numSigs > 10_000_000 {
		return nil, fmt.Errorf("too many adaptor sigs: %d", numSigs)
	}
	c.CounterAdaptorSigs = make([]*adaptorsig.Signature, numSigs)
	for i := range c.CounterAdaptorSigs {
		var sigBytes []byte
		if err := readVarBytes(r, &sigBytes); err != nil {
			return nil, err
		}
		sig, err := adaptorsig.ParseSignature(sigBytes)
		if err != nil {
			return nil, err
		}
		c.CounterAdaptorSigs[i] = sig
	}

	if err := readVarBytes(r, &c.CounterRefundSig); err != nil {
		return nil, err
	}
	if err := readTx(r, &c.BroadcastCET); err != nil {
		return nil, err
	}

	var numAtts uint32
	if err := readUint32(r, &numAtts); err != nil {
		return nil, err
	}
	if numAtts > 1000 {
		return nil, fmt.Errorf("too many attestations: %d", numAtts)
	}
	c.Attestations = make([]Attestation, numAtts)
	for i := range c.Attestations {
		if err := readAttestation(r, &c.Attestations[i]); err != nil {
			return nil, err
		}
	}

	if err := readString(r, &c.OutcomeLabel); err != nil {
		return nil, err
	}

	var pnl uint64
	if err := readUint64(r, &pnl); err != nil {
		return nil, err
	}
	c.PnL = int64(pnl)

	var kind uint8
	if err := readUint8(r, &kind); err != nil {
		return nil, err
	}
	c.FailureKind = ErrorKind(kind)

	if err := readString(r, &c.FailureMessage); err != nil {
		return nil, err
	}

	return c, nil
}

// Serialize writes the deterministic blob encoding of the channel.
func (c *Channel) Serialize(w io.Writer) error {
	if _, err := w.Write(c.ID[:]); err != nil {
		return err
	}
	if _, err := w.Write(c.OfferTempID[:]); err != nil {
		return err
	}
	if _, err := w.Write(c.AcceptTempID[:]); err != nil {
		return err
	}
	if err := writePubKey(w, c.CounterParty); err != nil {
		return err
	}
	if err := writeBool(w, c.IsOfferParty); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(c.State)); err != nil {
		return err
	}
	if _, err := w.Write(c.ContractID[:]); err != nil {
		return err
	}
	if _, err := w.Write(c.BaseContractID[:]); err != nil {
		return err
	}
	if _, err := w.Write(c.FundingOutPoint.Hash[:]); err != nil {
		return err
	}
	if err := writeUint32(w, c.FundingOutPoint.Index); err != nil {
		return err
	}
	if err := writeVarBytes(w, c.FundingScript); err != nil {
		return err
	}
	if err := writeTx(w, c.BufferTx); err != nil {
		return err
	}
	if err := writeTx(w, c.SettleTx); err != nil {
		return err
	}
	if err := writeUint64(w, c.UpdateIdx); err != nil {
		return err
	}
	if err := writePubKey(w, c.OwnPublishBase); err != nil {
		return err
	}
	if err := writePubKey(w, c.CounterPublishBase); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(c.ProposedCounterPayout)); err != nil {
		return err
	}
	if err := writeUint64(w, c.PendingUpdateIdx); err != nil {
		return err
	}
	if err := writeTx(w, c.PendingSettleTx); err != nil {
		return err
	}
	if err := writeTx(w, c.PendingBufferTx); err != nil {
		return err
	}
	if _, err := w.Write(c.PendingContractID[:]); err != nil {
		return err
	}

	writeOptSig := func(sig *adaptorsig.Signature) error {
		if sig == nil {
			return writeVarBytes(w, nil)
		}

		return writeVarBytes(w, sig.Serialize())
	}
	if err := writeOptSig(c.CounterSettleAdaptorSig); err != nil {
		return err
	}
	if err := writeOptSig(c.CounterBufferAdaptorSig); err != nil {
		return err
	}

	writeRevocations := func(entries []RevocationEntry) error {
		if err := writeUint32(w, uint32(len(entries))); err != nil {
			return err
		}
		for _, e := range entries {
			if err := writeUint64(w, e.UpdateIdx); err != nil {
				return err
			}
			if _, err := w.Write(e.Secret[:]); err != nil {
				return err
			}
		}

		return nil
	}
	if err := writeRevocations(c.CounterRevocations); err != nil {
		return err
	}

	return writeRevocations(c.OwnRevocations)
}

// DeserializeChannel decodes a channel blob written by Serialize.
func DeserializeChannel(r io.Reader) (*Channel, error) {
	c := &Channel{}

	if _, err := io.ReadFull(r, c.ID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.OfferTempID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.AcceptTempID[:]); err != nil {
		return nil, err
	}
	if err := readPubKey(r, &c.CounterParty); err != nil {
		return nil, err
	}
	if err := readBool(r, &c.IsOfferParty); err != nil {
		return nil, err
	}

	var state uint8
	if err := readUint8(r, &state); err != nil {
		return nil, err
	}
	c.State = ChannelState(state)

	if _, err := io.ReadFull(r, c.ContractID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.BaseContractID[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.FundingOutPoint.Hash[:]); err != nil {
		return nil, err
	}
	if err := readUint32(r, &c.FundingOutPoint.Index); err != nil {
		return nil, err
	}
	if err := readVarBytes(r, &c.FundingScript); err != nil {
		return nil, err
	}
	if err := readTx(r, &c.BufferTx); err != nil {
		return nil, err
	}
	if err := readTx(r, &c.SettleTx); err != nil {
		return nil, err
	}
	if err := readUint64(r, &c.UpdateIdx); err != nil {
		return nil, err
	}
	if err := readPubKey(r, &c.OwnPublishBase); err != nil {
		return nil, err
	}
	if err := readPubKey(r, &c.CounterPublishBase); err != nil {
		return nil, err
	}

	var proposedPayout uint64
	if err := readUint64(r, &proposedPayout); err != nil {
		return nil, err
	}
	c.ProposedCounterPayout = btcutil.Amount(proposedPayout)

	if err := readUint64(r, &c.PendingUpdateIdx); err != nil {
		return nil, err
	}
	if err := readTx(r, &c.PendingSettleTx); err != nil {
		return nil, err
	}
	if err := readTx(r, &c.PendingBufferTx); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.PendingContractID[:]); err != nil {
		return nil, err
	}

	readOptSig := func(sig **adaptorsig.Signature) error {
		var b []byte
		if err := readVarBytes(r, &b); err != nil {
			return err
		}
		if len(b) == 0 {
			*sig = nil
			return nil
		}

		parsed, err := adaptorsig.ParseSignature(b)
		if err != nil {
			return err
		}
		*sig = parsed

		return nil
	}
	if err := readOptSig(&c.CounterSettleAdaptorSig); err != nil {
		return nil, err
	}
	if err := readOptSig(&c.CounterBufferAdaptorSig); err != nil {
		return nil, err
	}

	readRevocations := func() ([]RevocationEntry, error) {
		var num uint32
		if err := readUint32(r, &num); err != nil {
			return nil, err
		}
		if num > 1_000_000 {
			return nil, fmt.Errorf("too many revocations: %d",
				num)
		}

		entries := make([]RevocationEntry, num)
		for i := range entries {
			err := readUint64(r, &entries[i].UpdateIdx)
			if err != nil {
				return nil, err
			}
			_, err = io.ReadFull(r, entries[i].Secret[:])
			if err != nil {
				return nil, err
			}
		}

		return entries, nil
	}

	var err error
	if c.CounterRevocations, err = readRevocations(); err != nil {
		return nil, err
	}
	if c.OwnRevocations, err = readRevocations(); err != nil {
		return nil, err
	}

	return c, nil
}
