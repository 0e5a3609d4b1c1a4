package dlcmgr

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcmsg"
)

// Wallet is the on-chain wallet collaborator: key derivation, coin
// selection and funding input signing. The manager only ever passes opaque
// reservations around; the wallet owns UTXO locking.
type Wallet interface {
	// GetNewPubKey derives a fresh funding public key.
	GetNewPubKey(ctx context.Context) (*btcec.PublicKey, error)

	// GetFundingPrivKey returns the private key of a funding public key
	// previously handed out by GetNewPubKey, for CET and refund
	// signing.
	GetFundingPrivKey(ctx context.Context,
		pubKey *btcec.PublicKey) (*btcec.PrivateKey, error)

	// GetChangeScript derives a fresh change output script.
	GetChangeScript(ctx context.Context) ([]byte, error)

	// GetPayoutScript derives a fresh payout output script.
	GetPayoutScript(ctx context.Context) ([]byte, error)

	// ReserveUtxos reserves inputs worth at least the given amount.
	// The inputs stay locked until released or spent.
	ReserveUtxos(ctx context.Context,
		amount btcutil.Amount) ([]dlc.FundingInput, error)

	// ReleaseUtxos releases previously reserved inputs.
	ReleaseUtxos(ctx context.Context, inputs []dlc.FundingInput) error

	// SignPsbt signs all wallet-owned inputs of the packet and returns
	// the finalized witnesses for them, indexed by input position.
	SignPsbt(ctx context.Context,
		packet *psbt.Packet) (map[int]wire.TxWitness, error)
}

// Blockchain is the chain access collaborator.
type Blockchain interface {
	// Broadcast publishes the transaction to the network. Broadcasting
	// an already known transaction is not an error.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// GetTransaction fetches a transaction by id.
	GetTransaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// GetBestHeight returns the current chain tip height.
	GetBestHeight(ctx context.Context) (int32, error)

	// GetConfirmations returns the confirmation count of a transaction.
	// ok is false if the transaction is unknown, zero confirmations
	// with ok true means mempool.
	GetConfirmations(ctx context.Context,
		txid chainhash.Hash) (int32, bool, error)

	// GetSpendingTx returns the transaction spending the outpoint, or
	// nil if unspent.
	GetSpendingTx(ctx context.Context,
		outpoint wire.OutPoint) (*wire.MsgTx, error)
}

// Storage is the system-of-record for contracts and channels. All writes
// are durable before the call returns; a state transition is never
// observable on the wire before it is persisted.
type Storage interface {
	// PutContract inserts or replaces a contract under its storage id.
	PutContract(ctx context.Context, contract *dlc.Contract) error

	// UpdateContractID re-keys a contract from its old storage id to
	// the current one and stores the update.
	UpdateContractID(ctx context.Context, oldID dlc.ContractID,
		contract *dlc.Contract) error

	// GetContract loads a contract by id.
	GetContract(ctx context.Context,
		id dlc.ContractID) (*dlc.Contract, error)

	// DeleteContract removes a contract.
	DeleteContract(ctx context.Context, id dlc.ContractID) error

	// ListByState returns all contracts in the given state.
	ListByState(ctx context.Context,
		state dlc.State) ([]*dlc.Contract, error)

	// ListByCounterparty returns all contracts with the given peer.
	ListByCounterparty(ctx context.Context,
		counterparty *btcec.PublicKey) ([]*dlc.Contract, error)

	// PutChannel inserts or replaces a channel.
	PutChannel(ctx context.Context, channel *dlc.Channel) error

	// GetChannel loads a channel by id.
	GetChannel(ctx context.Context,
		id dlc.ChannelID) (*dlc.Channel, error)

	// DeleteChannel removes a channel, used when a provisional record
	// is re-keyed to its final channel id.
	DeleteChannel(ctx context.Context, id dlc.ChannelID) error

	// ListChannels returns all channels.
	ListChannels(ctx context.Context) ([]*dlc.Channel, error)
}

// Oracle fetches announcements and attestations by announcement id.
type Oracle interface {
	// GetAnnouncement returns the announcement with the given id.
	GetAnnouncement(ctx context.Context,
		id string) (*dlc.Announcement, error)

	// GetAttestation returns the attestation for the announcement id,
	// or a NotFound kinded error before the oracle attests.
	GetAttestation(ctx context.Context,
		id string) (*dlc.Attestation, error)
}

// PeerTransport delivers wire messages to counterparties, in order per
// (peer, contract) pair. Segmentation of oversized messages happens below
// this interface.
type PeerTransport interface {
	// SendMessage delivers the message to the peer.
	SendMessage(ctx context.Context, peer *btcec.PublicKey,
		msg dlcmsg.Message) error
}

// Config bundles the collaborators and tuning knobs of the manager.
type Config struct {
	// Wallet is the on-chain wallet.
	Wallet Wallet

	// Blockchain is the chain backend.
	Blockchain Blockchain

	// Store is the contract database.
	Store Storage

	// Oracle resolves announcements and attestations.
	Oracle Oracle

	// Transport delivers outbound messages.
	Transport PeerTransport

	// NumConfirmations is the funding depth for Signed to Confirmed.
	NumConfirmations int32

	// CetReorgDepth is the CET depth for PreClosed to Closed.
	CetReorgDepth int32

	// RefundSafetyBlocks is the cushion before the refund locktime at
	// which an unconfirmed funding is reported as expired.
	RefundSafetyBlocks uint32

	// FundLockTime is the nLockTime applied to funding transactions.
	FundLockTime uint32

	// CheckInterval is the period of the automatic periodic check.
	CheckInterval time.Duration

	// SignerConcurrency caps the goroutines used to sign or verify the
	// adaptor signatures of one contract. Zero uses the number of CPUs.
	SignerConcurrency int
}

const (
	// DefaultNumConfirmations is the default funding confirmation
	// depth.
	DefaultNumConfirmations = 6

	// DefaultCetReorgDepth is the default CET confirmation depth.
	DefaultCetReorgDepth = 6

	// DefaultRefundSafetyBlocks is the default refund locktime cushion.
	DefaultRefundSafetyBlocks = 144

	// DefaultCheckInterval is the default periodic check period.
	DefaultCheckInterval = 30 * time.Second
)

// fillDefaults replaces zero values with the documented defaults.
func (c *Config) fillDefaults() {
	if c.NumConfirmations == 0 {
		c.NumConfirmations = DefaultNumConfirmations
	}
	if c.CetReorgDepth == 0 {
		c.CetReorgDepth = DefaultCetReorgDepth
	}
	if c.RefundSafetyBlocks == 0 {
		c.RefundSafetyBlocks = DefaultRefundSafetyBlocks
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
}
