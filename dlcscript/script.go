package dlcscript

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// FundingScript builds the 2-of-2 multisig witness script of the funding
// output. The public keys are sorted lexicographically by their compressed
// encoding, so both parties derive the identical script regardless of which
// side they're on.
func FundingScript(a, b *btcec.PublicKey) ([]byte, error) {
	first, second := a.SerializeCompressed(), b.SerializeCompressed()
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(first).
		AddData(second).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}

// FundingScriptPubKey wraps the funding witness script into its P2WSH
// output script.
func FundingScriptPubKey(witnessScript []byte) ([]byte, error) {
	sum := sha256.Sum256(witnessScript)
	scriptHash := sum[:]

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash).
		Script()
}

// SigHash computes the segwit v0 signature hash for the input of tx that
// spends the funding output.
func SigHash(tx *wire.MsgTx, inputIndex int, witnessScript []byte,
	value btcutil.Amount) ([32]byte, error) {

	var hash [32]byte

	sigHashes := txscript.NewTxSigHashes(
		tx, txscript.NewCannedPrevOutputFetcher(nil, 0),
	)
	h, err := txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll, tx,
		inputIndex, int64(value),
	)
	if err != nil {
		return hash, fmt.Errorf("unable to compute sighash: %w", err)
	}

	copy(hash[:], h)

	return hash, nil
}

// SpendWitness assembles the witness stack that spends the 2-of-2 funding
// output: the signatures in the order of the sorted public keys, preceded
// by the empty CHECKMULTISIG dummy element and followed by the witness
// script.
func SpendWitness(witnessScript []byte, pubA *btcec.PublicKey, sigA []byte,
	pubB *btcec.PublicKey, sigB []byte) wire.TxWitness {

	first, second := sigA, sigB
	if bytes.Compare(
		pubA.SerializeCompressed(), pubB.SerializeCompressed(),
	) > 0 {

		first, second = sigB, sigA
	}

	return wire.TxWitness{nil, first, second, witnessScript}
}
