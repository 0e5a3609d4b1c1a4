package dlc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ContractID is the 32 byte identifier of a contract. Before the funding
// transaction is known it is the random temporary id chosen by the offer
// party; afterwards it is derived from the funding outpoint.
type ContractID [32]byte

// String returns the hex encoding of the id.
func (c ContractID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the id is all zeroes.
func (c ContractID) IsZero() bool {
	return c == ContractID{}
}

// NewTemporaryContractID draws a fresh random temporary contract id.
func NewTemporaryContractID() (ContractID, error) {
	var id ContractID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("unable to draw temporary id: %w", err)
	}

	return id, nil
}

// ComputeContractID derives the final contract id from the funding txid,
// the funding output index and the temporary id: the txid and temporary id
// are XORed byte-wise, and the output index is folded into the last two
// bytes. Both parties compute the same id once the funding transaction is
// fixed.
func ComputeContractID(fundTxid chainhash.Hash, fundOutputIndex uint16,
	tempID ContractID) ContractID {

	var id ContractID
	for i := 0; i < 32; i++ {
		id[i] = fundTxid[i] ^ tempID[i]
	}
	id[30] ^= byte(fundOutputIndex >> 8)
	id[31] ^= byte(fundOutputIndex)

	return id
}

// ChannelID is the 32 byte identifier of a DLC channel.
type ChannelID [32]byte

// String returns the hex encoding of the id.
func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// ComputeChannelID derives the channel id from the funding outpoint and
// both parties' temporary channel ids.
func ComputeChannelID(fundingOutpoint wire.OutPoint, offerTempID,
	acceptTempID ContractID) ChannelID {

	h := sha256.New()
	h.Write(fundingOutpoint.Hash[:])

	var idx [4]byte
	idx[0] = byte(fundingOutpoint.Index >> 24)
	idx[1] = byte(fundingOutpoint.Index >> 16)
	idx[2] = byte(fundingOutpoint.Index >> 8)
	idx[3] = byte(fundingOutpoint.Index)
	h.Write(idx[:])

	h.Write(offerTempID[:])
	h.Write(acceptTempID[:])

	var id ChannelID
	copy(id[:], h.Sum(nil))

	return id
}
