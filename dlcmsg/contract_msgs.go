package dlcmsg

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
)

// Offer proposes a new contract: the full contract description, the
// resolved oracle announcements and the offer party's construction
// parameters.
type Offer struct {
	// TemporaryID is the offer party's random temporary contract id.
	TemporaryID dlc.ContractID

	// ContractInput is the complete contract description.
	ContractInput dlc.ContractInput

	// Announcements are the resolved oracle announcements, aligned with
	// the contract input's announcement ids.
	Announcements []dlc.Announcement

	// OfferParams are the offer party's funding parameters.
	OfferParams dlc.PartyParams

	// FundLockTime is the funding transaction's nLockTime.
	FundLockTime uint32

	// FundOutputSerialID orders the funding output.
	FundOutputSerialID uint64

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

// MsgType returns the offer type tag.
func (o *Offer) MsgType() uint16 {
	return MsgOffer
}

// Encode writes the offer body.
func (o *Offer) Encode(w io.Writer) error {
	if _, err := w.Write(o.TemporaryID[:]); err != nil {
		return err
	}
	if err := wireWriteContractInput(w, &o.ContractInput); err != nil {
		return err
	}

	numAnns := uint64(len(o.Announcements))
	if err := wireWriteVarInt(w, numAnns); err != nil {
		return err
	}
	for i := range o.Announcements {
		err := wireWriteAnnouncement(w, &o.Announcements[i])
		if err != nil {
			return err
		}
	}

	if err := wireWritePartyParams(w, &o.OfferParams); err != nil {
		return err
	}
	if err := wireWriteU32(w, o.FundLockTime); err != nil {
		return err
	}
	if err := wireWriteU64(w, o.FundOutputSerialID); err != nil {
		return err
	}

	return o.ExtraData.Encode(w)
}

// Decode reads the offer body.
func (o *Offer) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, o.TemporaryID[:]); err != nil {
		return err
	}
	if err := wireReadContractInput(r, &o.ContractInput); err != nil {
		return err
	}

	numAnns, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numAnns > 1000 {
		return fmt.Errorf("too many announcements: %d", numAnns)
	}
	o.Announcements = make([]dlc.Announcement, numAnns)
	for i := range o.Announcements {
		err := wireReadAnnouncement(r, &o.Announcements[i])
		if err != nil {
			return err
		}
	}

	if err := wireReadPartyParams(r, &o.OfferParams); err != nil {
		return err
	}
	if err := wireReadU32(r, &o.FundLockTime); err != nil {
		return err
	}
	if err := wireReadU64(r, &o.FundOutputSerialID); err != nil {
		return err
	}

	return o.ExtraData.Decode(r)
}

// Accept answers an offer with the accept party's parameters, its adaptor
// signatures over every CET and its refund signature.
type Accept struct {
	// TemporaryID echoes the offer's temporary contract id.
	TemporaryID dlc.ContractID

	// AcceptParams are the accept party's funding parameters.
	AcceptParams dlc.PartyParams

	// CetAdaptorSigs are the accept party's adaptor signatures, in CET
	// slot order.
	CetAdaptorSigs []*adaptorsig.Signature

	// RefundSig is the accept party's DER encoded signature on the
	// refund transaction.
	RefundSig []byte

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

// MsgType returns the accept type tag.
func (a *Accept) MsgType() uint16 {
	return MsgAccept
}

// Encode writes the accept body.
func (a *Accept) Encode(w io.Writer) error {
	if _, err := w.Write(a.TemporaryID[:]); err != nil {
		return err
	}
	if err := wireWritePartyParams(w, &a.AcceptParams); err != nil {
		return err
	}
	if err := wireWriteAdaptorSigs(w, a.CetAdaptorSigs); err != nil {
		return err
	}
	if err := wireWriteBytes(w, a.RefundSig); err != nil {
		return err
	}

	return a.ExtraData.Encode(w)
}

// Decode reads the accept body.
func (a *Accept) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, a.TemporaryID[:]); err != nil {
		return err
	}
	if err := wireReadPartyParams(r, &a.AcceptParams); err != nil {
		return err
	}

	var err error
	a.CetAdaptorSigs, err = wireReadAdaptorSigs(r)
	if err != nil {
		return err
	}
	if err := wireReadBytes(r, &a.RefundSig); err != nil {
		return err
	}

	return a.ExtraData.Decode(r)
}

// Sign completes the contract handshake: the offer party's adaptor
// signatures, its refund signature and its funding input witnesses.
type Sign struct {
	// ContractID is the final contract id.
	ContractID dlc.ContractID

	// CetAdaptorSigs are the offer party's adaptor signatures, in CET
	// slot order.
	CetAdaptorSigs []*adaptorsig.Signature

	// RefundSig is the offer party's DER encoded signature on the
	// refund transaction.
	RefundSig []byte

	// FundingWitnesses are the witnesses for the offer party's funding
	// inputs, in input serial id order.
	FundingWitnesses []wire.TxWitness

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

// MsgType returns the sign type tag.
func (s *Sign) MsgType() uint16 {
	return MsgSign
}

// Encode writes the sign body.
func (s *Sign) Encode(w io.Writer) error {
	if _, err := w.Write(s.ContractID[:]); err != nil {
		return err
	}
	if err := wireWriteAdaptorSigs(w, s.CetAdaptorSigs); err != nil {
		return err
	}
	if err := wireWriteBytes(w, s.RefundSig); err != nil {
		return err
	}
	if err := wireWriteWitnesses(w, s.FundingWitnesses); err != nil {
		return err
	}

	return s.ExtraData.Encode(w)
}

// Decode reads the sign body.
func (s *Sign) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, s.ContractID[:]); err != nil {
		return err
	}

	var err error
	s.CetAdaptorSigs, err = wireReadAdaptorSigs(r)
	if err != nil {
		return err
	}
	if err := wireReadBytes(r, &s.RefundSig); err != nil {
		return err
	}
	s.FundingWitnesses, err = wireReadWitnesses(r)
	if err != nil {
		return err
	}

	return s.ExtraData.Decode(r)
}

// Reject declines an offered contract.
type Reject struct {
	// TemporaryID is the rejected offer's temporary contract id.
	TemporaryID dlc.ContractID

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

// MsgType returns the reject type tag.
func (r *Reject) MsgType() uint16 {
	return MsgReject
}

// Encode writes the reject body.
func (r *Reject) Encode(w io.Writer) error {
	if _, err := w.Write(r.TemporaryID[:]); err != nil {
		return err
	}

	return r.ExtraData.Encode(w)
}

// Decode reads the reject body.
func (r *Reject) Decode(rd io.Reader) error {
	if _, err := io.ReadFull(rd, r.TemporaryID[:]); err != nil {
		return err
	}

	return r.ExtraData.Decode(rd)
}
