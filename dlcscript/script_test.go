package dlcscript

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestFundingScriptSymmetry(t *testing.T) {
	t.Parallel()

	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	scriptAB, err := FundingScript(privA.PubKey(), privB.PubKey())
	require.NoError(t, err)
	scriptBA, err := FundingScript(privB.PubKey(), privA.PubKey())
	require.NoError(t, err)

	// Both parties must derive the same script regardless of argument
	// order.
	require.Equal(t, scriptAB, scriptBA)

	pkScript, err := FundingScriptPubKey(scriptAB)
	require.NoError(t, err)
	require.Len(t, pkScript, 34)
	require.Equal(t, byte(txscript.OP_0), pkScript[0])
	require.True(t, txscript.IsPayToWitnessScriptHash(pkScript))
}

func TestSpendWitnessOrder(t *testing.T) {
	t.Parallel()

	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	script, err := FundingScript(privA.PubKey(), privB.PubKey())
	require.NoError(t, err)

	sigA := []byte{0x0a}
	sigB := []byte{0x0b}

	w1 := SpendWitness(script, privA.PubKey(), sigA, privB.PubKey(), sigB)
	w2 := SpendWitness(script, privB.PubKey(), sigB, privA.PubKey(), sigA)

	require.Len(t, w1, 4)
	require.Nil(t, w1[0])
	require.Equal(t, script, w1[3])

	// The signature order must match the sorted key order, regardless of
	// the order the arguments arrive in.
	require.Equal(t, w1, w2)
}

func TestSigHashDeterminism(t *testing.T) {
	t.Parallel()

	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	script, err := FundingScript(privA.PubKey(), privB.PubKey())
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(99_000, []byte{0x00, 0x14, 0x01}))

	h1, err := SigHash(tx, 0, script, 100_000)
	require.NoError(t, err)
	h2, err := SigHash(tx, 0, script, 100_000)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	// A different input value changes the segwit digest.
	h3, err := SigHash(tx, 0, script, 100_001)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}
