package dlcmsg

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
)

// OfferChannel proposes a new DLC channel: a contract offer plus the
// channel specific publish base and temporary channel id.
type OfferChannel struct {
	// Offer is the initial sub-contract offer.
	Offer Offer

	// TemporaryChannelID is the offer party's random temporary channel
	// id.
	TemporaryChannelID dlc.ContractID

	// PublishBase is the offer party's publish base point for
	// revocation key derivation.
	PublishBase *btcec.PublicKey
}

// MsgType returns the channel offer type tag.
func (o *OfferChannel) MsgType() uint16 {
	return MsgOfferChannel
}

// Encode writes the channel offer body.
func (o *OfferChannel) Encode(w io.Writer) error {
	if _, err := w.Write(o.TemporaryChannelID[:]); err != nil {
		return err
	}
	if err := wireWritePubKey(w, o.PublishBase); err != nil {
		return err
	}

	return o.Offer.Encode(w)
}

// Decode reads the channel offer body.
func (o *OfferChannel) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, o.TemporaryChannelID[:]); err != nil {
		return err
	}
	if err := wireReadPubKey(r, &o.PublishBase); err != nil {
		return err
	}

	return o.Offer.Decode(r)
}

// AcceptChannel answers a channel offer: the contract accept plus the
// accept party's channel fields and its adaptor signature on the buffer
// transaction.
type AcceptChannel struct {
	// Accept is the initial sub-contract accept.
	Accept Accept

	// TemporaryChannelID is the accept party's random temporary channel
	// id.
	TemporaryChannelID dlc.ContractID

	// PublishBase is the accept party's publish base point.
	PublishBase *btcec.PublicKey

	// BufferAdaptorSig is the accept party's adaptor signature on the
	// buffer transaction.
	BufferAdaptorSig *adaptorsig.Signature
}

// MsgType returns the channel accept type tag.
func (a *AcceptChannel) MsgType() uint16 {
	return MsgAcceptChannel
}

// Encode writes the channel accept body.
func (a *AcceptChannel) Encode(w io.Writer) error {
	if _, err := w.Write(a.TemporaryChannelID[:]); err != nil {
		return err
	}
	if err := wireWritePubKey(w, a.PublishBase); err != nil {
		return err
	}
	if _, err := w.Write(a.BufferAdaptorSig.Serialize()); err != nil {
		return err
	}

	return a.Accept.Encode(w)
}

// Decode reads the channel accept body.
func (a *AcceptChannel) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, a.TemporaryChannelID[:]); err != nil {
		return err
	}
	if err := wireReadPubKey(r, &a.PublishBase); err != nil {
		return err
	}

	var sigBytes [adaptorsig.SignatureSize]byte
	if _, err := io.ReadFull(r, sigBytes[:]); err != nil {
		return err
	}
	sig, err := adaptorsig.ParseSignature(sigBytes[:])
	if err != nil {
		return err
	}
	a.BufferAdaptorSig = sig

	return a.Accept.Decode(r)
}

// SignChannel completes the channel handshake: the contract sign plus the
// offer party's buffer adaptor signature.
type SignChannel struct {
	// Sign is the initial sub-contract sign.
	Sign Sign

	// ChannelID is the final channel id.
	ChannelID dlc.ChannelID

	// BufferAdaptorSig is the offer party's adaptor signature on the
	// buffer transaction.
	BufferAdaptorSig *adaptorsig.Signature
}

// MsgType returns the channel sign type tag.
func (s *SignChannel) MsgType() uint16 {
	return MsgSignChannel
}

// Encode writes the channel sign body.
func (s *SignChannel) Encode(w io.Writer) error {
	if _, err := w.Write(s.ChannelID[:]); err != nil {
		return err
	}
	if _, err := w.Write(s.BufferAdaptorSig.Serialize()); err != nil {
		return err
	}

	return s.Sign.Encode(w)
}

// Decode reads the channel sign body.
func (s *SignChannel) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, s.ChannelID[:]); err != nil {
		return err
	}

	var sigBytes [adaptorsig.SignatureSize]byte
	if _, err := io.ReadFull(r, sigBytes[:]); err != nil {
		return err
	}
	sig, err := adaptorsig.ParseSignature(sigBytes[:])
	if err != nil {
		return err
	}
	s.BufferAdaptorSig = sig

	return s.Sign.Decode(r)
}

// channelUpdate is the shared shape of the settle/renew handshake
// messages: the channel id, the proposed update index and a signature
// payload.
type channelUpdate struct {
	// ChannelID identifies the channel.
	ChannelID dlc.ChannelID

	// UpdateIdx is the update index the message proposes or confirms.
	UpdateIdx uint64
}

func (c *channelUpdate) encode(w io.Writer) error {
	if _, err := w.Write(c.ChannelID[:]); err != nil {
		return err
	}

	return wireWriteU64(w, c.UpdateIdx)
}

func (c *channelUpdate) decode(r io.Reader) error {
	if _, err := io.ReadFull(r, c.ChannelID[:]); err != nil {
		return err
	}

	return wireReadU64(r, &c.UpdateIdx)
}

// SettleOffer proposes settling the live sub-contract off-chain with the
// given payout to the counterparty.
type SettleOffer struct {
	channelUpdate

	// CounterPayout is the balance offered to the peer in the settle
	// transaction.
	CounterPayout btcutil.Amount

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

// MsgType returns the settle offer type tag.
func (s *SettleOffer) MsgType() uint16 {
	return MsgSettleOffer
}

// Encode writes the settle offer body.
func (s *SettleOffer) Encode(w io.Writer) error {
	if err := s.encode(w); err != nil {
		return err
	}
	if err := wireWriteU64(w, uint64(s.CounterPayout)); err != nil {
		return err
	}

	return s.ExtraData.Encode(w)
}

// Decode reads the settle offer body.
func (s *SettleOffer) Decode(r io.Reader) error {
	if err := s.decode(r); err != nil {
		return err
	}

	var payoutValue uint64
	if err := wireReadU64(r, &payoutValue); err != nil {
		return err
	}
	s.CounterPayout = btcutil.Amount(payoutValue)

	return s.ExtraData.Decode(r)
}

// adaptorSigMsg is the shared shape of handshake messages that carry a
// single adaptor signature.
type adaptorSigMsg struct {
	channelUpdate

	// AdaptorSig is the adaptor signature on the settle or buffer
	// transaction of the proposed update.
	AdaptorSig *adaptorsig.Signature

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

func (m *adaptorSigMsg) Encode(w io.Writer) error {
	if err := m.encode(w); err != nil {
		return err
	}
	if _, err := w.Write(m.AdaptorSig.Serialize()); err != nil {
		return err
	}

	return m.ExtraData.Encode(w)
}

func (m *adaptorSigMsg) Decode(r io.Reader) error {
	if err := m.decode(r); err != nil {
		return err
	}

	var sigBytes [adaptorsig.SignatureSize]byte
	if _, err := io.ReadFull(r, sigBytes[:]); err != nil {
		return err
	}
	sig, err := adaptorsig.ParseSignature(sigBytes[:])
	if err != nil {
		return err
	}
	m.AdaptorSig = sig

	return m.ExtraData.Decode(r)
}

// SettleAccept accepts a settle offer with the accept side's adaptor
// signature on the new settle transaction.
type SettleAccept struct {
	adaptorSigMsg
}

// MsgType returns the settle accept type tag.
func (s *SettleAccept) MsgType() uint16 {
	return MsgSettleAccept
}

// SettleConfirm carries the settle counter-signature and reveals the
// revocation secret of the superseded state.
type SettleConfirm struct {
	adaptorSigMsg

	// PrevRevocationSecret revokes the state replaced by this settle.
	PrevRevocationSecret [32]byte
}

// MsgType returns the settle confirm type tag.
func (s *SettleConfirm) MsgType() uint16 {
	return MsgSettleConfirm
}

// Encode writes the settle confirm body.
func (s *SettleConfirm) Encode(w io.Writer) error {
	if _, err := w.Write(s.PrevRevocationSecret[:]); err != nil {
		return err
	}

	return s.adaptorSigMsg.Encode(w)
}

// Decode reads the settle confirm body.
func (s *SettleConfirm) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, s.PrevRevocationSecret[:]); err != nil {
		return err
	}

	return s.adaptorSigMsg.Decode(r)
}

// revocationMsg is the shared shape of the handshake finalizers that only
// reveal a revocation secret.
type revocationMsg struct {
	channelUpdate

	// PrevRevocationSecret revokes the superseded state.
	PrevRevocationSecret [32]byte

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

func (m *revocationMsg) Encode(w io.Writer) error {
	if err := m.encode(w); err != nil {
		return err
	}
	if _, err := w.Write(m.PrevRevocationSecret[:]); err != nil {
		return err
	}

	return m.ExtraData.Encode(w)
}

func (m *revocationMsg) Decode(r io.Reader) error {
	if err := m.decode(r); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, m.PrevRevocationSecret[:]); err != nil {
		return err
	}

	return m.ExtraData.Decode(r)
}

// SettleFinalize completes the settle handshake by revealing the offer
// side's revocation secret.
type SettleFinalize struct {
	revocationMsg
}

// MsgType returns the settle finalize type tag.
func (s *SettleFinalize) MsgType() uint16 {
	return MsgSettleFinalize
}

// RenewOffer proposes replacing the settled state with a new sub-contract.
type RenewOffer struct {
	channelUpdate

	// ContractInput describes the proposed new sub-contract.
	ContractInput dlc.ContractInput

	// Announcements are the resolved oracle announcements of the new
	// contract.
	Announcements []dlc.Announcement

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

// MsgType returns the renew offer type tag.
func (m *RenewOffer) MsgType() uint16 {
	return MsgRenewOffer
}

// Encode writes the renew offer body.
func (m *RenewOffer) Encode(w io.Writer) error {
	if err := m.encode(w); err != nil {
		return err
	}
	if err := wireWriteContractInput(w, &m.ContractInput); err != nil {
		return err
	}

	numAnns := uint64(len(m.Announcements))
	if err := wireWriteVarInt(w, numAnns); err != nil {
		return err
	}
	for i := range m.Announcements {
		err := wireWriteAnnouncement(w, &m.Announcements[i])
		if err != nil {
			return err
		}
	}

	return m.ExtraData.Encode(w)
}

// Decode reads the renew offer body.
func (m *RenewOffer) Decode(r io.Reader) error {
	if err := m.decode(r); err != nil {
		return err
	}
	if err := wireReadContractInput(r, &m.ContractInput); err != nil {
		return err
	}

	numAnns, err := wireReadVarInt(r)
	if err != nil {
		return err
	}
	if numAnns > 1000 {
		return fmt.Errorf("too many announcements: %d", numAnns)
	}
	m.Announcements = make([]dlc.Announcement, numAnns)
	for i := range m.Announcements {
		err := wireReadAnnouncement(r, &m.Announcements[i])
		if err != nil {
			return err
		}
	}

	return m.ExtraData.Decode(r)
}

// renewSigsMsg is the shared shape of the renew handshake messages that
// carry the full signature set of the new sub-contract.
type renewSigsMsg struct {
	channelUpdate

	// CetAdaptorSigs are the sender's adaptor signatures on the new
	// contract's CETs.
	CetAdaptorSigs []*adaptorsig.Signature

	// RefundSig is the sender's signature on the new refund
	// transaction.
	RefundSig []byte

	// BufferAdaptorSig is the sender's adaptor signature on the new
	// buffer transaction.
	BufferAdaptorSig *adaptorsig.Signature

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

func (m *renewSigsMsg) Encode(w io.Writer) error {
	if err := m.encode(w); err != nil {
		return err
	}
	if err := wireWriteAdaptorSigs(w, m.CetAdaptorSigs); err != nil {
		return err
	}
	if err := wireWriteBytes(w, m.RefundSig); err != nil {
		return err
	}
	if _, err := w.Write(m.BufferAdaptorSig.Serialize()); err != nil {
		return err
	}

	return m.ExtraData.Encode(w)
}

func (m *renewSigsMsg) Decode(r io.Reader) error {
	if err := m.decode(r); err != nil {
		return err
	}

	var err error
	m.CetAdaptorSigs, err = wireReadAdaptorSigs(r)
	if err != nil {
		return err
	}
	if err := wireReadBytes(r, &m.RefundSig); err != nil {
		return err
	}

	var sigBytes [adaptorsig.SignatureSize]byte
	if _, err := io.ReadFull(r, sigBytes[:]); err != nil {
		return err
	}
	m.BufferAdaptorSig, err = adaptorsig.ParseSignature(sigBytes[:])
	if err != nil {
		return err
	}

	return m.ExtraData.Decode(r)
}

// RenewAccept accepts a renew offer with the accept side's signatures.
type RenewAccept struct {
	renewSigsMsg
}

// MsgType returns the renew accept type tag.
func (m *RenewAccept) MsgType() uint16 {
	return MsgRenewAccept
}

// RenewConfirm answers a renew accept with the offer side's signatures.
type RenewConfirm struct {
	renewSigsMsg
}

// MsgType returns the renew confirm type tag.
func (m *RenewConfirm) MsgType() uint16 {
	return MsgRenewConfirm
}

// RenewFinalize completes the renewal by revealing the accept side's
// revocation secret for the superseded state.
type RenewFinalize struct {
	revocationMsg
}

// MsgType returns the renew finalize type tag.
func (m *RenewFinalize) MsgType() uint16 {
	return MsgRenewFinalize
}

// RenewRevoke closes the renew handshake by revealing the offer side's
// revocation secret.
type RenewRevoke struct {
	revocationMsg
}

// MsgType returns the renew revoke type tag.
func (m *RenewRevoke) MsgType() uint16 {
	return MsgRenewRevoke
}

// CollaborativeCloseOffer proposes closing the channel cooperatively with
// the given payout split, carrying the sender's signature on the close
// transaction.
type CollaborativeCloseOffer struct {
	channelUpdate

	// CounterPayout is the balance paid to the peer by the close
	// transaction.
	CounterPayout btcutil.Amount

	// CloseSig is the sender's DER encoded signature on the close
	// transaction.
	CloseSig []byte

	// ExtraData carries TLV extensions.
	ExtraData ExtraOpaqueData
}

// MsgType returns the collaborative close type tag.
func (m *CollaborativeCloseOffer) MsgType() uint16 {
	return MsgCollaborativeCloseOffer
}

// Encode writes the collaborative close body.
func (m *CollaborativeCloseOffer) Encode(w io.Writer) error {
	if err := m.encode(w); err != nil {
		return err
	}
	if err := wireWriteU64(w, uint64(m.CounterPayout)); err != nil {
		return err
	}
	if err := wireWriteBytes(w, m.CloseSig); err != nil {
		return err
	}

	return m.ExtraData.Encode(w)
}

// Decode reads the collaborative close body.
func (m *CollaborativeCloseOffer) Decode(r io.Reader) error {
	if err := m.decode(r); err != nil {
		return err
	}

	var payoutValue uint64
	if err := wireReadU64(r, &payoutValue); err != nil {
		return err
	}
	m.CounterPayout = btcutil.Amount(payoutValue)
	if err := wireReadBytes(r, &m.CloseSig); err != nil {
		return err
	}

	return m.ExtraData.Decode(r)
}
