package test

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcmsg"
)

// Wallet is a deterministic in-memory wallet: fresh keys and scripts per
// call, synthetic UTXOs minted on demand.
type Wallet struct {
	mu sync.Mutex

	keyCounter    byte
	scriptCounter byte
	serialCounter uint64

	keys map[string]*btcec.PrivateKey

	reserved map[wire.OutPoint]struct{}
	released map[wire.OutPoint]struct{}
}

// NewWallet creates a wallet whose key stream is derived from the seed
// byte, so two wallets in one test never collide.
func NewWallet(seed byte) *Wallet {
	return &Wallet{
		keyCounter:    seed,
		scriptCounter: seed,
		serialCounter: uint64(seed) * 1000,
		keys:          make(map[string]*btcec.PrivateKey),
		reserved:      make(map[wire.OutPoint]struct{}),
		released:      make(map[wire.OutPoint]struct{}),
	}
}

// GetNewPubKey implements the wallet interface.
func (w *Wallet) GetNewPubKey(context.Context) (*btcec.PublicKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.keyCounter++

	var keyBytes [32]byte
	keyBytes[0] = w.keyCounter
	keyBytes[31] = 0x01
	priv, pub := btcec.PrivKeyFromBytes(keyBytes[:])

	w.keys[string(pub.SerializeCompressed())] = priv

	return pub, nil
}

// GetFundingPrivKey implements the wallet interface.
func (w *Wallet) GetFundingPrivKey(_ context.Context,
	pubKey *btcec.PublicKey) (*btcec.PrivateKey, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	priv, ok := w.keys[string(pubKey.SerializeCompressed())]
	if !ok {
		return nil, fmt.Errorf("unknown funding key")
	}

	return priv, nil
}

// nextScript derives a fresh P2WPKH-shaped script.
func (w *Wallet) nextScript() []byte {
	w.scriptCounter++

	script := make([]byte, 22)
	script[0] = 0x00
	script[1] = 0x14
	script[2] = w.scriptCounter

	return script
}

// GetChangeScript implements the wallet interface.
func (w *Wallet) GetChangeScript(context.Context) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.nextScript(), nil
}

// GetPayoutScript implements the wallet interface.
func (w *Wallet) GetPayoutScript(context.Context) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.nextScript(), nil
}

// ReserveUtxos mints a synthetic input comfortably above the requested
// amount.
func (w *Wallet) ReserveUtxos(_ context.Context,
	amount btcutil.Amount) ([]dlc.FundingInput, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	w.serialCounter++
	value := amount + 100_000

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Index: uint32(w.serialCounter),
	}, nil, nil))
	prevTx.AddTxOut(wire.NewTxOut(int64(value), w.nextScript()))

	outpoint := wire.OutPoint{Hash: prevTx.TxHash(), Index: 0}
	w.reserved[outpoint] = struct{}{}

	return []dlc.FundingInput{{
		OutPoint:      outpoint,
		PrevTx:        prevTx,
		Value:         value,
		MaxWitnessLen: 107,
		InputSerialID: w.serialCounter,
	}}, nil
}

// ReleaseUtxos implements the wallet interface.
func (w *Wallet) ReleaseUtxos(_ context.Context,
	inputs []dlc.FundingInput) error {

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, in := range inputs {
		delete(w.reserved, in.OutPoint)
		w.released[in.OutPoint] = struct{}{}
	}

	return nil
}

// NumReleased returns how many inputs were released back.
func (w *Wallet) NumReleased() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.released)
}

// SignPsbt stamps a placeholder witness on every input that carries a
// witness utxo.
func (w *Wallet) SignPsbt(_ context.Context,
	packet *psbt.Packet) (map[int]wire.TxWitness, error) {

	witnesses := make(map[int]wire.TxWitness)
	for i, input := range packet.Inputs {
		if input.WitnessUtxo == nil {
			continue
		}

		witnesses[i] = wire.TxWitness{
			bytes.Repeat([]byte{0x30}, 71),
			bytes.Repeat([]byte{0x02}, 33),
		}
	}

	return witnesses, nil
}

// Chain is a scriptable blockchain backend. Tests drive it by minting
// confirmations and registering spends.
type Chain struct {
	mu sync.Mutex

	height int32

	txs        map[chainhash.Hash]*wire.MsgTx
	confs      map[chainhash.Hash]int32
	spenders   map[wire.OutPoint]*wire.MsgTx
	broadcasts map[chainhash.Hash]int
}

// NewChain creates a chain at the given height.
func NewChain(height int32) *Chain {
	return &Chain{
		height:     height,
		txs:        make(map[chainhash.Hash]*wire.MsgTx),
		confs:      make(map[chainhash.Hash]int32),
		spenders:   make(map[wire.OutPoint]*wire.MsgTx),
		broadcasts: make(map[chainhash.Hash]int),
	}
}

// Broadcast implements the blockchain interface: the transaction lands in
// the mempool.
func (c *Chain) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txid := tx.TxHash()
	c.broadcasts[txid]++
	c.txs[txid] = tx
	if _, ok := c.confs[txid]; !ok {
		c.confs[txid] = 0
	}

	return nil
}

// NumBroadcasts returns how often the transaction was broadcast.
func (c *Chain) NumBroadcasts(txid chainhash.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.broadcasts[txid]
}

// Confirm sets the confirmation depth of a transaction and registers the
// spends of its inputs.
func (c *Chain) Confirm(tx *wire.MsgTx, confs int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txid := tx.TxHash()
	c.txs[txid] = tx
	c.confs[txid] = confs

	for _, txIn := range tx.TxIn {
		c.spenders[txIn.PreviousOutPoint] = tx
	}
}

// Reorg drops a transaction out of the chain and mempool and unwinds its
// spends.
func (c *Chain) Reorg(tx *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txid := tx.TxHash()
	delete(c.confs, txid)
	delete(c.txs, txid)

	for _, txIn := range tx.TxIn {
		delete(c.spenders, txIn.PreviousOutPoint)
	}
}

// SetHeight moves the chain tip.
func (c *Chain) SetHeight(height int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.height = height
}

// GetTransaction implements the blockchain interface.
func (c *Chain) GetTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[txid]
	if !ok {
		return nil, dlc.Errorf(dlc.KindNotFound, "unknown tx %v",
			txid)
	}

	return tx, nil
}

// GetBestHeight implements the blockchain interface.
func (c *Chain) GetBestHeight(context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.height, nil
}

// GetConfirmations implements the blockchain interface.
func (c *Chain) GetConfirmations(_ context.Context,
	txid chainhash.Hash) (int32, bool, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	confs, ok := c.confs[txid]

	return confs, ok, nil
}

// GetSpendingTx implements the blockchain interface.
func (c *Chain) GetSpendingTx(_ context.Context,
	outpoint wire.OutPoint) (*wire.MsgTx, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.spenders[outpoint], nil
}

// Store is an in-memory storage backend that round-trips every contract
// and channel through the deterministic blob codec, the way the sqlite
// store does.
type Store struct {
	mu sync.Mutex

	contracts map[dlc.ContractID][]byte
	channels  map[dlc.ChannelID][]byte
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		contracts: make(map[dlc.ContractID][]byte),
		channels:  make(map[dlc.ChannelID][]byte),
	}
}

// PutContract implements the storage interface.
func (s *Store) PutContract(_ context.Context,
	contract *dlc.Contract) error {

	var buf bytes.Buffer
	if err := contract.Serialize(&buf); err != nil {
		return dlc.NewError(dlc.KindStorageError, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.contracts[contract.StorageID()] = buf.Bytes()

	return nil
}

// UpdateContractID implements the storage interface.
func (s *Store) UpdateContractID(ctx context.Context,
	oldID dlc.ContractID, contract *dlc.Contract) error {

	s.mu.Lock()
	if oldID != contract.StorageID() {
		delete(s.contracts, oldID)
	}
	s.mu.Unlock()

	return s.PutContract(ctx, contract)
}

// GetContract implements the storage interface.
func (s *Store) GetContract(_ context.Context,
	id dlc.ContractID) (*dlc.Contract, error) {

	s.mu.Lock()
	blob, ok := s.contracts[id]
	s.mu.Unlock()

	if !ok {
		return nil, dlc.Errorf(dlc.KindNotFound, "no contract %v",
			id)
	}

	return dlc.DeserializeContract(bytes.NewReader(blob))
}

// DeleteContract implements the storage interface.
func (s *Store) DeleteContract(_ context.Context,
	id dlc.ContractID) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.contracts, id)

	return nil
}

// ListByState implements the storage interface.
func (s *Store) ListByState(_ context.Context,
	state dlc.State) ([]*dlc.Contract, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	var contracts []*dlc.Contract
	for _, blob := range s.contracts {
		contract, err := dlc.DeserializeContract(
			bytes.NewReader(blob),
		)
		if err != nil {
			return nil, err
		}
		if contract.State == state {
			contracts = append(contracts, contract)
		}
	}

	return contracts, nil
}

// ListByCounterparty implements the storage interface.
func (s *Store) ListByCounterparty(_ context.Context,
	counterparty *btcec.PublicKey) ([]*dlc.Contract, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	var contracts []*dlc.Contract
	for _, blob := range s.contracts {
		contract, err := dlc.DeserializeContract(
			bytes.NewReader(blob),
		)
		if err != nil {
			return nil, err
		}
		if contract.CounterParty.IsEqual(counterparty) {
			contracts = append(contracts, contract)
		}
	}

	return contracts, nil
}

// PutChannel implements the storage interface.
func (s *Store) PutChannel(_ context.Context,
	channel *dlc.Channel) error {

	var buf bytes.Buffer
	if err := channel.Serialize(&buf); err != nil {
		return dlc.NewError(dlc.KindStorageError, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels[channel.ID] = buf.Bytes()

	return nil
}

// GetChannel implements the storage interface.
func (s *Store) GetChannel(_ context.Context,
	id dlc.ChannelID) (*dlc.Channel, error) {

	s.mu.Lock()
	blob, ok := s.channels[id]
	s.mu.Unlock()

	if !ok {
		return nil, dlc.Errorf(dlc.KindNotFound, "no channel %v", id)
	}

	return dlc.DeserializeChannel(bytes.NewReader(blob))
}

// DeleteChannel implements the storage interface.
func (s *Store) DeleteChannel(_ context.Context, id dlc.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.channels, id)

	return nil
}

// ListChannels implements the storage interface.
func (s *Store) ListChannels(
	_ context.Context) ([]*dlc.Channel, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	var channels []*dlc.Channel
	for _, blob := range s.channels {
		channel, err := dlc.DeserializeChannel(
			bytes.NewReader(blob),
		)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}

	return channels, nil
}

// Transport records outbound messages for the test to pump between
// managers.
type Transport struct {
	mu sync.Mutex

	// Sent holds the outbound messages in send order.
	Sent []SentMessage
}

// SentMessage pairs a message with its destination.
type SentMessage struct {
	Peer *btcec.PublicKey
	Msg  dlcmsg.Message
}

// SendMessage implements the peer transport interface.
func (t *Transport) SendMessage(_ context.Context, peer *btcec.PublicKey,
	msg dlcmsg.Message) error {

	t.mu.Lock()
	defer t.mu.Unlock()

	t.Sent = append(t.Sent, SentMessage{Peer: peer, Msg: msg})

	return nil
}

// Pop removes and returns the oldest outbound message, or nil.
func (t *Transport) Pop() *SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.Sent) == 0 {
		return nil
	}

	msg := t.Sent[0]
	t.Sent = t.Sent[1:]

	return &msg
}
