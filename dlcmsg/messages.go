package dlcmsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// Message type tags from the DLC specification registry, big-endian 16 bit
// on the wire.
const (
	// MsgOffer is the contract offer message type.
	MsgOffer uint16 = 42778

	// MsgAccept is the contract accept message type.
	MsgAccept uint16 = 42780

	// MsgSign is the contract sign message type.
	MsgSign uint16 = 42782

	// MsgReject is the offer reject message type.
	MsgReject uint16 = 42784

	// MsgOfferChannel is the channel offer message type.
	MsgOfferChannel uint16 = 43000

	// MsgAcceptChannel is the channel accept message type.
	MsgAcceptChannel uint16 = 43002

	// MsgSignChannel is the channel sign message type.
	MsgSignChannel uint16 = 43004

	// MsgSettleOffer proposes an off-chain settlement of the current
	// sub-contract.
	MsgSettleOffer uint16 = 43006

	// MsgSettleAccept answers a settle offer with signatures.
	MsgSettleAccept uint16 = 43008

	// MsgSettleConfirm carries the settle counter-signatures and the
	// previous state's revocation secret.
	MsgSettleConfirm uint16 = 43010

	// MsgSettleFinalize closes the settle handshake with the remaining
	// revocation secret.
	MsgSettleFinalize uint16 = 43012

	// MsgRenewOffer proposes a new sub-contract within the channel.
	MsgRenewOffer uint16 = 43014

	// MsgRenewAccept answers a renew offer with signatures.
	MsgRenewAccept uint16 = 43016

	// MsgRenewConfirm carries the renew counter-signatures.
	MsgRenewConfirm uint16 = 43018

	// MsgRenewFinalize completes the renewal.
	MsgRenewFinalize uint16 = 43020

	// MsgRenewRevoke revokes the pre-renewal state.
	MsgRenewRevoke uint16 = 43022

	// MsgCollaborativeCloseOffer proposes a cooperative channel close.
	MsgCollaborativeCloseOffer uint16 = 43024

	// MsgFragment is the transport-level fragment wrapper for oversized
	// messages.
	MsgFragment uint16 = 43100
)

var (
	// ErrUnknownMessageType is returned when decoding an unknown message
	// type tag.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrUnknownRequiredField is returned when a message carries an
	// unknown even TLV extension, which by convention can't be ignored.
	ErrUnknownRequiredField = errors.New("unknown required tlv field")
)

// Message is a typed DLC wire message.
type Message interface {
	// MsgType returns the message's registry type tag.
	MsgType() uint16

	// Encode writes the message body (without the type tag).
	Encode(w io.Writer) error

	// Decode reads the message body (without the type tag).
	Decode(r io.Reader) error
}

// ExtraOpaqueData is the raw TLV extension stream at the tail of a
// message. It is preserved byte-for-byte across decode and re-encode so
// unknown odd records survive a round trip.
type ExtraOpaqueData []byte

// Encode writes the raw extension bytes.
func (e ExtraOpaqueData) Encode(w io.Writer) error {
	if len(e) == 0 {
		return nil
	}
	_, err := w.Write(e)

	return err
}

// Decode consumes the remainder of the reader as the extension stream and
// validates it: the stream must parse as TLV and must not contain unknown
// even record types.
func (e *ExtraOpaqueData) Decode(r io.Reader) error {
	rest, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		*e = nil
		return nil
	}

	stream, err := tlv.NewStream()
	if err != nil {
		return err
	}
	parsedTypes, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(rest),
	)
	if err != nil {
		return fmt.Errorf("invalid tlv extension stream: %w", err)
	}
	for recordType := range parsedTypes {
		if recordType%2 == 0 {
			return fmt.Errorf("%w: type %d",
				ErrUnknownRequiredField, recordType)
		}
	}

	*e = rest

	return nil
}

// EncodeMessage serializes a message including its big-endian type tag.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := wireWriteU16(&buf, msg.MsgType()); err != nil {
		return nil, err
	}
	if err := msg.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeMessage parses a full message from its wire bytes.
func DecodeMessage(b []byte) (Message, error) {
	r := bytes.NewReader(b)

	var msgType uint16
	if err := wireReadU16(r, &msgType); err != nil {
		return nil, err
	}

	var msg Message
	switch msgType {
	case MsgOffer:
		msg = &Offer{}
	case MsgAccept:
		msg = &Accept{}
	case MsgSign:
		msg = &Sign{}
	case MsgReject:
		msg = &Reject{}
	case MsgOfferChannel:
		msg = &OfferChannel{}
	case MsgAcceptChannel:
		msg = &AcceptChannel{}
	case MsgSignChannel:
		msg = &SignChannel{}
	case MsgSettleOffer:
		msg = &SettleOffer{}
	case MsgSettleAccept:
		msg = &SettleAccept{}
	case MsgSettleConfirm:
		msg = &SettleConfirm{}
	case MsgSettleFinalize:
		msg = &SettleFinalize{}
	case MsgRenewOffer:
		msg = &RenewOffer{}
	case MsgRenewAccept:
		msg = &RenewAccept{}
	case MsgRenewConfirm:
		msg = &RenewConfirm{}
	case MsgRenewFinalize:
		msg = &RenewFinalize{}
	case MsgRenewRevoke:
		msg = &RenewRevoke{}
	case MsgCollaborativeCloseOffer:
		msg = &CollaborativeCloseOffer{}
	case MsgFragment:
		msg = &Fragment{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType,
			msgType)
	}

	if err := msg.Decode(r); err != nil {
		return nil, err
	}

	return msg, nil
}
