package dlcmsg

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
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/payout"
)

// The wire encoding: fixed-order fields, big-endian fixed-width integers,
// compact-size prefixed vectors, a TLV stream for extensions at the end of
// every message.

// maxWireElements bounds vector lengths while decoding untrusted input.
const maxWireElements = 1_000_000

func wireWriteU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func wireReadU16(r io.Reader, v *uint16) error {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint16(b[:])

	return nil
}

func wireWriteU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func wireReadU32(r io.Reader, v *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint32(b[:])

	return nil
}

func wireWriteU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func wireReadU64(r io.Reader, v *uint64) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = binary.BigEndian.Uint64(b[:])

	return nil
}

// wireWriteVarInt writes a bitcoin compact-size integer.
func wireWriteVarInt(w io.Writer, v uint64) error {
	return wire.WriteVarInt(w, 0, v)
}

func wireReadVarInt(r io.Reader) (uint64, error) {
	return wire.ReadVarInt(r, 0)
}

func wireWriteBytes(w io.Writer, b []byte) error {
	if err := wireWriteVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)

	return err
}

func wireReadBytes(r io.Reader, b *[]byte) error {
	l, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if l > maxWireElements {
		return fmt.Errorf("wire element of %d bytes too large", l)
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

func wireWriteString(w io.Writer, s string) error {
	return wireWriteBytes(w, []byte(s))
}

func wireReadString(r io.Reader, s *string) error {
	var b []byte
	if err := wireReadBytes(r, &b); err != nil {
		return err
	}
	*s = string(b)

	return nil
}

func wireWriteBool(w io.Writer, v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b)

	return err
}

func wireReadBool(r io.Reader, v *bool) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = b[0] != 0

	return nil
}

func wireWritePubKey(w io.Writer, pub *btcec.PublicKey) error {
	if pub == nil {
		return fmt.Errorf("missing public key")
	}
	_, err := w.Write(pub.SerializeCompressed())

	return err
}

func wireReadPubKey(r io.Reader, pub **btcec.PublicKey) error {
	var b [33]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}

	key, err := btcec.ParsePubKey(b[:])
	if err != nil {
		return err
	}
	*pub = key

	return nil
}

func wireWriteTx(w io.Writer, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if tx != nil {
		if err := tx.Serialize(&buf); err != nil {
			return err
		}
	}

	return wireWriteBytes(w, buf.Bytes())
}

func wireReadTx(r io.Reader, tx **wire.MsgTx) error {
	var b []byte
	if err := wireReadBytes(r, &b); err != nil {
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

func wireWriteFundingInput(w io.Writer, in *dlc.FundingInput) error {
	if _, err := w.Write(in.OutPoint.Hash[:]); err != nil {
		return err
	}
	if err := wireWriteU32(w, in.OutPoint.Index); err != nil {
		return err
	}
	if err := wireWriteTx(w, in.PrevTx); err != nil {
		return err
	}
	if err := wireWriteU64(w, uint64(in.Value)); err != nil {
		return err
	}
	if err := wireWriteU16(w, in.MaxWitnessLen); err != nil {
		return err
	}
	if err := wireWriteU64(w, in.InputSerialID); err != nil {
		return err
	}

	return wireWriteBytes(w, in.RedeemScript)
}

func wireReadFundingInput(r io.Reader, in *dlc.FundingInput) error {
	if _, err := io.ReadFull(r, in.OutPoint.Hash[:]); err != nil {
		return err
	}
	if err := wireReadU32(r, &in.OutPoint.Index); err != nil {
		return err
	}
	if err := wireReadTx(r, &in.PrevTx); err != nil {
		return err
	}

	var value uint64
	if err := wireReadU64(r, &value); err != nil {
		return err
	}
	in.Value = btcutil.Amount(value)

	if err := wireReadU16(r, &in.MaxWitnessLen); err != nil {
		return err
	}
	if err := wireReadU64(r, &in.InputSerialID); err != nil {
		return err
	}

	return wireReadBytes(r, &in.RedeemScript)
}

func wireWritePartyParams(w io.Writer, p *dlc.PartyParams) error {
	if err := wireWritePubKey(w, p.FundPubKey); err != nil {
		return err
	}
	if err := wireWriteBytes(w, p.ChangeScript); err != nil {
		return err
	}
	if err := wireWriteU64(w, p.ChangeSerialID); err != nil {
		return err
	}
	if err := wireWriteBytes(w, p.PayoutScript); err != nil {
		return err
	}
	if err := wireWriteU64(w, p.PayoutSerialID); err != nil {
		return err
	}
	if err := wireWriteVarInt(w, uint64(len(p.Inputs))); err != nil {
		return err
	}
	for i := range p.Inputs {
		if err := wireWriteFundingInput(w, &p.Inputs[i]); err != nil {
			return err
		}
	}
	if err := wireWriteU64(w, uint64(p.InputAmount)); err != nil {
		return err
	}

	return wireWriteU64(w, uint64(p.Collateral))
}

func wireReadPartyParams(r io.Reader, p *dlc.PartyParams) error {
	if err := wireReadPubKey(r, &p.FundPubKey); err != nil {
		return err
	}
	if err := wireReadBytes(r, &p.ChangeScript); err != nil {
		return err
	}
	if err := wireReadU64(r, &p.ChangeSerialID); err != nil {
		return err
	}
	if err := wireReadBytes(r, &p.PayoutScript); err != nil {
		return err
	}
	if err := wireReadU64(r, &p.PayoutSerialID); err != nil {
		return err
	}

	numInputs, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numInputs > maxWireElements {
		return fmt.Errorf("too many funding inputs: %d", numInputs)
	}
	p.Inputs = make([]dlc.FundingInput, numInputs)
	for i := range p.Inputs {
		if err := wireReadFundingInput(r, &p.Inputs[i]); err != nil {
			return err
		}
	}

	var inputAmount, collateral uint64
	if err := wireReadU64(r, &inputAmount); err != nil {
		return err
	}
	p.InputAmount = btcutil.Amount(inputAmount)

	if err := wireReadU64(r, &collateral); err != nil {
		return err
	}
	p.Collateral = btcutil.Amount(collateral)

	return nil
}

func wireWriteAnnouncement(w io.Writer, a *dlc.Announcement) error {
	if err := wireWriteString(w, a.ID); err != nil {
		return err
	}
	if err := wireWritePubKey(w, a.PubKey); err != nil {
		return err
	}
	if err := wireWriteVarInt(w, uint64(len(a.Nonces))); err != nil {
		return err
	}
	for _, nonce := range a.Nonces {
		if err := wireWritePubKey(w, nonce); err != nil {
			return err
		}
	}
	if err := wireWriteU32(w, a.EventMaturity); err != nil {
		return err
	}
	if err := wireWriteU16(w, a.Base); err != nil {
		return err
	}
	if err := wireWriteU16(w, a.NbDigits); err != nil {
		return err
	}
	if err := wireWriteVarInt(w, uint64(len(a.Outcomes))); err != nil {
		return err
	}
	for _, outcome := range a.Outcomes {
		if err := wireWriteString(w, outcome); err != nil {
			return err
		}
	}

	return nil
}

func wireReadAnnouncement(r io.Reader, a *dlc.Announcement) error {
	if err := wireReadString(r, &a.ID); err != nil {
		return err
	}
	if err := wireReadPubKey(r, &a.PubKey); err != nil {
		return err
	}

	numNonces, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numNonces > maxWireElements {
		return fmt.Errorf("too many nonces: %d", numNonces)
	}
	a.Nonces = make([]*btcec.PublicKey, numNonces)
	for i := range a.Nonces {
		if err := wireReadPubKey(r, &a.Nonces[i]); err != nil {
			return err
		}
	}

	if err := wireReadU32(r, &a.EventMaturity); err != nil {
		return err
	}
	if err := wireReadU16(r, &a.Base); err != nil {
		return err
	}
	if err := wireReadU16(r, &a.NbDigits); err != nil {
		return err
	}

	numOutcomes, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numOutcomes > maxWireElements {
		return fmt.Errorf("too many outcomes: %d", numOutcomes)
	}
	a.Outcomes = make([]string, numOutcomes)
	for i := range a.Outcomes {
		if err := wireReadString(r, &a.Outcomes[i]); err != nil {
			return err
		}
	}

	return nil
}

func wireWriteDescriptor(w io.Writer, d *dlc.Descriptor) error {
	switch {
	case d.Enum != nil:
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}

		numPayouts := uint64(len(d.Enum.Payouts))
		if err := wireWriteVarInt(w, numPayouts); err != nil {
			return err
		}
		for _, p := range d.Enum.Payouts {
			if err := wireWriteString(w, p.Outcome); err != nil {
				return err
			}
			err := wireWriteU64(w, uint64(p.Offer))
			if err != nil {
				return err
			}
			err = wireWriteU64(w, uint64(p.Accept))
			if err != nil {
				return err
			}
		}

		return nil

	case d.Numeric != nil:
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}

		n := d.Numeric
		numPieces := uint64(len(n.Function.Pieces))
		if err := wireWriteVarInt(w, numPieces); err != nil {
			return err
		}
		for _, piece := range n.Function.Pieces {
			if err := wireWriteU64(w, piece.LeftX); err != nil {
				return err
			}
			err := wireWriteU64(w, uint64(piece.LeftY))
			if err != nil {
				return err
			}
			if err := wireWriteU64(w, piece.RightX); err != nil {
				return err
			}
			err = wireWriteU64(w, uint64(piece.RightY))
			if err != nil {
				return err
			}
		}

		numIntervals := uint64(len(n.Rounding.Intervals))
		if err := wireWriteVarInt(w, numIntervals); err != nil {
			return err
		}
		for _, iv := range n.Rounding.Intervals {
			if err := wireWriteU64(w, iv.BeginInterval); err != nil {
				return err
			}
			if err := wireWriteU64(w, iv.RoundingMod); err != nil {
				return err
			}
		}

		if err := wireWriteU16(w, n.Base); err != nil {
			return err
		}

		return wireWriteU16(w, n.NbDigits)

	default:
		return fmt.Errorf("descriptor has no variant set")
	}
}

func wireReadDescriptor(r io.Reader, d *dlc.Descriptor) error {
	var variant [1]byte
	if _, err := io.ReadFull(r, variant[:]); err != nil {
		return err
	}

	switch variant[0] {
	case 0:
		numPayouts, err := wireReadVarInt(r)
		if err != nil {
			return err
		}
		if numPayouts > maxWireElements {
			return fmt.Errorf("too many payouts: %d", numPayouts)
		}

		enum := &payout.Enumeration{
			Payouts: make(
				[]payout.EnumerationPayout, numPayouts,
			),
		}
		for i := range enum.Payouts {
			p := &enum.Payouts[i]
			if err := wireReadString(r, &p.Outcome); err != nil {
				return err
			}

			var offer, accept uint64
			if err := wireReadU64(r, &offer); err != nil {
				return err
			}
			if err := wireReadU64(r, &accept); err != nil {
				return err
			}
			p.Offer = btcutil.Amount(offer)
			p.Accept = btcutil.Amount(accept)
		}
		d.Enum = enum

		return nil

	case 1:
		n := &dlc.NumericDescriptor{}

		numPieces, err := wireReadVarInt(r)
		if err != nil {
			return err
		}
		if numPieces > maxWireElements {
			return fmt.Errorf("too many pieces: %d", numPieces)
		}
		n.Function.Pieces = make([]payout.Piece, numPieces)
		for i := range n.Function.Pieces {
			piece := &n.Function.Pieces[i]
			if err := wireReadU64(r, &piece.LeftX); err != nil {
				return err
			}

			var leftY uint64
			if err := wireReadU64(r, &leftY); err != nil {
				return err
			}
			piece.LeftY = btcutil.Amount(leftY)

			if err := wireReadU64(r, &piece.RightX); err != nil {
				return err
			}

			var rightY uint64
			if err := wireReadU64(r, &rightY); err != nil {
				return err
			}
			piece.RightY = btcutil.Amount(rightY)
		}

		numIntervals, err := wireReadVarInt(r)
		if err != nil {
			return err
		}
		if numIntervals > maxWireElements {
			return fmt.Errorf("too many rounding intervals: %d",
				numIntervals)
		}
		n.Rounding.Intervals = make(
			[]payout.RoundingInterval, numIntervals,
		)
		for i := range n.Rounding.Intervals {
			iv := &n.Rounding.Intervals[i]
			err := wireReadU64(r, &iv.BeginInterval)
			if err != nil {
				return err
			}
			if err := wireReadU64(r, &iv.RoundingMod); err != nil {
				return err
			}
		}

		if err := wireReadU16(r, &n.Base); err != nil {
			return err
		}
		if err := wireReadU16(r, &n.NbDigits); err != nil {
			return err
		}
		d.Numeric = n

		return nil

	default:
		return fmt.Errorf("unknown descriptor variant %d",
			variant[0])
	}
}

func wireWriteContractInput(w io.Writer, in *dlc.ContractInput) error {
	if err := wireWriteU64(w, uint64(in.OfferCollateral)); err != nil {
		return err
	}
	if err := wireWriteU64(w, uint64(in.AcceptCollateral)); err != nil {
		return err
	}
	if err := wireWriteU64(w, in.FeeRate); err != nil {
		return err
	}
	if err := wireWriteU32(w, in.CetLockTime); err != nil {
		return err
	}
	if err := wireWriteU32(w, in.RefundLockTime); err != nil {
		return err
	}
	if err := wireWriteDescriptor(w, &in.Descriptor); err != nil {
		return err
	}

	numIDs := uint64(len(in.Oracles.AnnouncementIDs))
	if err := wireWriteVarInt(w, numIDs); err != nil {
		return err
	}
	for _, id := range in.Oracles.AnnouncementIDs {
		if err := wireWriteString(w, id); err != nil {
			return err
		}
	}
	if err := wireWriteU16(w, in.Oracles.Threshold); err != nil {
		return err
	}

	return wireWriteU64(w, in.Oracles.AllowedDiff)
}

func wireReadContractInput(r io.Reader, in *dlc.ContractInput) error {
	var offer, accept uint64
	if err := wireReadU64(r, &offer); err != nil {
		return err
	}
	in.OfferCollateral = btcutil.Amount(offer)
	if err := wireReadU64(r, &accept); err != nil {
		return err
	}
	in.AcceptCollateral = btcutil.Amount(accept)

	if err := wireReadU64(r, &in.FeeRate); err != nil {
		return err
	}
	if err := wireReadU32(r, &in.CetLockTime); err != nil {
		return err
	}
	if err := wireReadU32(r, &in.RefundLockTime); err != nil {
		return err
	}
	if err := wireReadDescriptor(r, &in.Descriptor); err != nil {
		return err
	}

	numIDs, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numIDs > maxWireElements {
		return fmt.Errorf("too many announcement ids: %d", numIDs)
	}
	in.Oracles.AnnouncementIDs = make([]string, numIDs)
	for i := range in.Oracles.AnnouncementIDs {
		err := wireReadString(r, &in.Oracles.AnnouncementIDs[i])
		if err != nil {
			return err
		}
	}
	if err := wireReadU16(r, &in.Oracles.Threshold); err != nil {
		return err
	}

	return wireReadU64(r, &in.Oracles.AllowedDiff)
}

func wireWriteAdaptorSigs(w io.Writer,
	sigs []*adaptorsig.Signature) error {

	if err := wireWriteVarInt(w, uint64(len(sigs))); err != nil {
		return err
	}
	for _, sig := range sigs {
		if _, err := w.Write(sig.Serialize()); err != nil {
			return err
		}
	}

	return nil
}

func wireReadAdaptorSigs(r io.Reader) ([]*adaptorsig.Signature, error) {
	numSigs, err := wireReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if numSigs > maxWireElements {
		return nil, fmt.Errorf("too many adaptor sigs: %d", numSigs)
	}

	sigs := make([]*adaptorsig.Signature, numSigs)
	for i := range sigs {
		var b [adaptorsig.SignatureSize]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		sigs[i], err = adaptorsig.ParseSignature(b[:])
		if err != nil {
			return nil, err
		}
	}

	return sigs, nil
}

func wireWriteAttestation(w io.Writer, a *dlc.Attestation) error {
	if err := wireWriteString(w, a.ID); err != nil {
		return err
	}
	if err := wireWriteVarInt(w, uint64(len(a.Signatures))); err != nil {
		return err
	}
	for _, sig := range a.Signatures {
		if _, err := w.Write(sig.Serialize()); err != nil {
			return err
		}
	}
	if err := wireWriteVarInt(w, uint64(len(a.Outcomes))); err != nil {
		return err
	}
	for _, outcome := range a.Outcomes {
		if err := wireWriteString(w, outcome); err != nil {
			return err
		}
	}

	return nil
}

func wireReadAttestation(r io.Reader, a *dlc.Attestation) error {
	if err := wireReadString(r, &a.ID); err != nil {
		return err
	}

	numSigs, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numSigs > maxWireElements {
		return fmt.Errorf("too many signatures: %d", numSigs)
	}
	a.Signatures = make([]*schnorr.Signature, numSigs)
	for i := range a.Signatures {
		var b [64]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		a.Signatures[i], err = schnorr.ParseSignature(b[:])
		if err != nil {
			return err
		}
	}

	numOutcomes, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numOutcomes > maxWireElements {
		return fmt.Errorf("too many outcomes: %d", numOutcomes)
	}
	a.Outcomes = make([]string, numOutcomes)
	for i := range a.Outcomes {
		if err := wireReadString(r, &a.Outcomes[i]); err != nil {
			return err
		}
	}

	return nil
}

// wireWriteWitnesses writes the witness stacks of the funding inputs.
func wireWriteWitnesses(w io.Writer, witnesses []wire.TxWitness) error {
	if err := wireWriteVarInt(w, uint64(len(witnesses))); err != nil {
		return err
	}
	for _, witness := range witnesses {
		err := wireWriteVarInt(w, uint64(len(witness)))
		if err != nil {
			return err
		}
		for _, element := range witness {
			if err := wireWriteBytes(w, element); err != nil {
				return err
			}
		}
	}

	return nil
}

func wireReadWitnesses(r io.Reader) ([]wire.TxWitness, error) {
	numWitnesses, err := wireReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if numWitnesses > maxWireElements {
		return nil, fmt.Errorf("too many witnesses: %d",
			numWitnesses)
	}

	witnesses := make([]wire.TxWitness, numWitnesses)
	for i := range witnesses {
		numElements, err := wireReadVarInt(r)
		if err != nil {
			return nil, err
		}
		if numElements > maxWireElements {
			return nil, fmt.Errorf("too many witness "+
				"elements: %d", numElements)
		}

		witness := make(wire.TxWitness, numElements)
		for j := range witness {
			if err := wireReadBytes(r, &witness[j]); err != nil {
				return nil, err
			}
		}
		witnesses[i] = witness
	}

	return witnesses, nil
}
