package dlc

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptorsig"
)

// State is the lifecycle state of a contract.
type State uint8

const (
	// StateOffered means an offer was sent or received, nothing locked
	// yet.
	StateOffered State = 1

	// StateAccepted means the accept party produced its adaptor
	// signatures and is waiting for the offer party's.
	StateAccepted State = 2

	// StateSigned means both parties hold all signatures and the funding
	// transaction is broadcast or about to be.
	StateSigned State = 3

	// StateConfirmed means the funding transaction reached its
	// confirmation depth.
	StateConfirmed State = 4

	// StatePreClosed means a contract execution transaction was
	// broadcast and is waiting for confirmations.
	StatePreClosed State = 5

	// StateClosed means a contract execution transaction is buried, the
	// contract is settled.
	StateClosed State = 6

	// StateRefunded means the refund transaction was broadcast after the
	// refund locktime.
	StateRefunded State = 7

	// StateFailedAccept is the terminal state for an accept flow that
	// failed verification.
	StateFailedAccept State = 8

	// StateFailedSign is the terminal state for a sign flow that failed
	// verification.
	StateFailedSign State = 9

	// StateRejected means the offer was explicitly rejected.
	StateRejected State = 10
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateOffered:
		return "Offered"
	case StateAccepted:
		return "Accepted"
	case StateSigned:
		return "Signed"
	case StateConfirmed:
		return "Confirmed"
	case StatePreClosed:
		return "PreClosed"
	case StateClosed:
		return "Closed"
	case StateRefunded:
		return "Refunded"
	case StateFailedAccept:
		return "FailedAccept"
	case StateFailedSign:
		return "FailedSign"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transitions can happen.
func (s State) IsTerminal() bool {
	switch s {
	case StateClosed, StateRefunded, StateFailedAccept, StateFailedSign,
		StateRejected:

		return true
	default:
		return false
	}
}

// Contract carries the full state of a contract through its lifecycle. The
// fields that are only populated from a certain state onwards are pointers
// or slices that stay empty before it.
type Contract struct {
	// ID is the final contract id, derived once the funding transaction
	// is fixed. Zero while the contract is only offered.
	ID ContractID

	// TemporaryID is the random id chosen by the offer party.
	TemporaryID ContractID

	// CounterParty is the peer's public key on the transport layer.
	CounterParty *btcec.PublicKey

	// IsOfferParty is true if we initiated the offer.
	IsOfferParty bool

	// State is the current lifecycle state.
	State State

	// ChannelID links a channel sub-contract to its channel, zero for
	// plain contracts. Channel sub-contracts are driven by the channel
	// state machine, not the plain contract checks.
	ChannelID ChannelID

	// Input is the offer-time contract description.
	Input ContractInput

	// Announcements are the resolved oracle announcements, in the order
	// of Input.Oracles.AnnouncementIDs.
	Announcements []Announcement

	// FundLockTime is the nLockTime of the funding transaction.
	FundLockTime uint32

	// FundOutputSerialID orders the funding output among the funding
	// transaction outputs.
	FundOutputSerialID uint64

	// OfferParams are the offer party's construction parameters.
	OfferParams PartyParams

	// AcceptParams are the accept party's construction parameters, set
	// from Accepted on.
	AcceptParams *PartyParams

	// FundingTx is the funding transaction, set from Accepted on, with
	// witnesses populated from Signed on.
	FundingTx *wire.MsgTx

	// FundingScript is the 2-of-2 witness script of the funding output.
	FundingScript []byte

	// FundingOutputIndex locates the funding output in FundingTx.
	FundingOutputIndex uint32

	// CETs are all contract execution transactions, one per enumerated
	// outcome or per digit trie leaf.
	CETs []*wire.MsgTx

	// RefundTx is the timelocked refund transaction.
	RefundTx *wire.MsgTx

	// CounterAdaptorSigs are the counterparty's adaptor signatures, one
	// per CET, verified on receipt.
	CounterAdaptorSigs []*adaptorsig.Signature

	// CounterRefundSig is the counterparty's raw signature on the refund
	// transaction, DER encoded.
	CounterRefundSig []byte

	// BroadcastCET is the executed CET once the contract is pre-closed.
	BroadcastCET *wire.MsgTx

	// Attestations are the oracle attestations the close was based on.
	Attestations []Attestation

	// OutcomeLabel is the attested outcome: the outcome string for
	// enumerated contracts, the decimal outcome value for numeric ones.
	OutcomeLabel string

	// PnL is the realised profit in sats once closed: own payout minus
	// own collateral.
	PnL int64

	// FailureKind and FailureMessage diagnose terminal failure states.
	FailureKind ErrorKind

	// FailureMessage is the human readable failure description.
	FailureMessage string
}

// InChannel reports whether the contract is a channel sub-contract.
func (c *Contract) InChannel() bool {
	return c.ChannelID != ChannelID{}
}

// OwnCollateral returns the collateral this party locked up.
func (c *Contract) OwnCollateral() btcutil.Amount {
	if c.IsOfferParty {
		return c.Input.OfferCollateral
	}

	return c.Input.AcceptCollateral
}

// TotalCollateral returns the joint collateral.
func (c *Contract) TotalCollateral() btcutil.Amount {
	return c.Input.TotalCollateral()
}

// FundingOutPoint returns the outpoint of the funding output. Only valid
// once the funding transaction is set.
func (c *Contract) FundingOutPoint() wire.OutPoint {
	return wire.OutPoint{
		Hash:  c.FundingTx.TxHash(),
		Index: c.FundingOutputIndex,
	}
}

// ComputePnL records the realised profit for the given own payout.
func (c *Contract) ComputePnL(ownPayout btcutil.Amount) {
	c.PnL = int64(ownPayout) - int64(c.OwnCollateral())
}

// StorageID returns the key the contract is stored under: the final id
// once known, the temporary id before that.
func (c *Contract) StorageID() ContractID {
	if !c.ID.IsZero() {
		return c.ID
	}

	return c.TemporaryID
}
