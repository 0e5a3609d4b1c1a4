package dlc

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/adaptorsig"
)

// ChannelState is the lifecycle state of a DLC channel.
type ChannelState uint8

const (
	// ChanOffered means a channel offer was sent or received.
	ChanOffered ChannelState = 1

	// ChanAccepted means the accept party signed the initial contract.
	ChanAccepted ChannelState = 2

	// ChanSigned means both parties hold all initial signatures.
	ChanSigned ChannelState = 3

	// ChanEstablished means the channel funding is confirmed and a
	// sub-contract is live.
	ChanEstablished ChannelState = 4

	// ChanSettleOffered means we proposed settling the current
	// sub-contract off-chain.
	ChanSettleOffered ChannelState = 5

	// ChanSettleReceived means the peer proposed a settlement.
	ChanSettleReceived ChannelState = 6

	// ChanSettleAccepted means the settle handshake is half complete.
	ChanSettleAccepted ChannelState = 7

	// ChanSettleConfirmed means we hold the peer's settle signatures and
	// sent ours.
	ChanSettleConfirmed ChannelState = 8

	// ChanSettled means the current update is a settlement, no contract
	// is live.
	ChanSettled ChannelState = 9

	// ChanRenewOffered means a new sub-contract was proposed.
	ChanRenewOffered ChannelState = 10

	// ChanRenewAccepted means the peer accepted the renewal.
	ChanRenewAccepted ChannelState = 11

	// ChanRenewConfirmed means the renewal handshake awaits the final
	// revocation.
	ChanRenewConfirmed ChannelState = 12

	// ChanClosing means a buffer transaction was broadcast.
	ChanClosing ChannelState = 13

	// ChanClosed means the channel was closed unilaterally.
	ChanClosed ChannelState = 14

	// ChanCollaborativelyClosed means the channel was closed with a
	// cooperative transaction.
	ChanCollaborativelyClosed ChannelState = 15

	// ChanClosedPunished means the peer broadcast a revoked state and we
	// claimed the whole channel balance with the punishment path.
	ChanClosedPunished ChannelState = 16
)

// String returns the state's name.
func (s ChannelState) String() string {
	switch s {
	case ChanOffered:
		return "Offered"
	case ChanAccepted:
		return "Accepted"
	case ChanSigned:
		return "Signed"
	case ChanEstablished:
		return "Established"
	case ChanSettleOffered:
		return "SettleOffered"
	case ChanSettleReceived:
		return "SettleReceived"
	case ChanSettleAccepted:
		return "SettleAccepted"
	case ChanSettleConfirmed:
		return "SettleConfirmed"
	case ChanSettled:
		return "Settled"
	case ChanRenewOffered:
		return "RenewOffered"
	case ChanRenewAccepted:
		return "RenewAccepted"
	case ChanRenewConfirmed:
		return "RenewConfirmed"
	case ChanClosing:
		return "Closing"
	case ChanClosed:
		return "Closed"
	case ChanCollaborativelyClosed:
		return "CollaborativelyClosed"
	case ChanClosedPunished:
		return "ClosedPunished"
	default:
		return "Unknown"
	}
}

// RevocationEntry pairs an update index with the revocation secret for the
// state it replaced.
type RevocationEntry struct {
	// UpdateIdx is the channel update the secret revokes.
	UpdateIdx uint64

	// Secret is the revocation secret.
	Secret [32]byte
}

// Channel is the full state of a DLC channel. A channel funds either a live
// sub-contract or a settle transaction through a revocable buffer output,
// and rotates to a new state on every settle or renew update.
type Channel struct {
	// ID is the channel id derived from the funding outpoint and both
	// temporary ids.
	ID ChannelID

	// OfferTempID and AcceptTempID are the temporary channel ids both
	// parties contributed.
	OfferTempID  ContractID
	AcceptTempID ContractID

	// CounterParty is the peer's transport public key.
	CounterParty *btcec.PublicKey

	// IsOfferParty is true if we initiated the channel.
	IsOfferParty bool

	// State is the current channel state.
	State ChannelState

	// ContractID is the id of the current signed sub-contract, zero
	// while the channel is settled.
	ContractID ContractID

	// BaseContractID always points at the channel's initial contract,
	// whose party parameters and funding transaction anchor every later
	// update.
	BaseContractID ContractID

	// FundingOutPoint is the channel's 2-of-2 funding outpoint.
	FundingOutPoint wire.OutPoint

	// FundingScript is the funding output's witness script.
	FundingScript []byte

	// BufferTx spends the funding output and in turn funds either the
	// current sub-contract or the settle transaction.
	BufferTx *wire.MsgTx

	// SettleTx is the current settle transaction, set while the channel
	// is settled.
	SettleTx *wire.MsgTx

	// UpdateIdx increases by one with every settle or renew update.
	UpdateIdx uint64

	// OwnPublishBase and CounterPublishBase are the publish base points
	// the per-update revocation keys are derived from.
	OwnPublishBase    *btcec.PublicKey
	CounterPublishBase *btcec.PublicKey

	// ProposedCounterPayout is the payout offered to (or by) the peer in
	// the in-flight settle or close handshake.
	ProposedCounterPayout btcutil.Amount

	// PendingUpdateIdx is the update index of the in-flight handshake.
	PendingUpdateIdx uint64

	// PendingSettleTx is the settle transaction of the in-flight settle
	// handshake.
	PendingSettleTx *wire.MsgTx

	// PendingBufferTx is the buffer transaction of the in-flight renew
	// handshake.
	PendingBufferTx *wire.MsgTx

	// PendingContractID is the sub-contract of the in-flight renew
	// handshake.
	PendingContractID ContractID

	// CounterSettleAdaptorSig is the peer's adaptor signature on the
	// current settle transaction, completable with our publish secret.
	CounterSettleAdaptorSig *adaptorsig.Signature

	// CounterBufferAdaptorSig is the peer's adaptor signature on the
	// current buffer transaction.
	CounterBufferAdaptorSig *adaptorsig.Signature

	// CounterRevocations are the peer's revealed revocation secrets for
	// superseded updates, used to punish an old-state broadcast.
	CounterRevocations []RevocationEntry

	// OwnRevocations are our own per-update secrets, revealed to the
	// peer as updates are superseded.
	OwnRevocations []RevocationEntry
}

// CounterRevocationFor returns the peer's revocation secret for the given
// update index, if it was revealed.
func (c *Channel) CounterRevocationFor(idx uint64) ([32]byte, bool) {
	for _, e := range c.CounterRevocations {
		if e.UpdateIdx == idx {
			return e.Secret, true
		}
	}

	return [32]byte{}, false
}
