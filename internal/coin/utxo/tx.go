package utxo

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingswap/internal/backend"
	"github.com/Klingon-tech/klingswap/internal/coin"
)

// Estimated virtual sizes in vbytes.
const (
	txOverheadVSize   = 11
	p2wpkhInputVSize  = 68
	p2wpkhOutputVSize = 31
	p2wshOutputVSize  = 43

	// 2-of-2 spend of the funding into the taker payment.
	fundingSpendVSize = 180
	// Maker spend of the taker payment: secret, two signatures, up to
	// three outputs.
	paymentSpendVSize = 225
	// Our claim of the maker payment with the secret.
	makerClaimVSize = 145
	// Timelock refund of any of the three HTLCs.
	refundVSize = 135
)

// htlcSequence keeps nLockTime enforced on HTLC spends.
const htlcSequence = wire.MaxTxInSequenceNum - 1

func fundingTxVSize(inputs int) uint64 {
	return uint64(txOverheadVSize + inputs*p2wpkhInputVSize + p2wshOutputVSize + p2wpkhOutputVSize)
}

// selectUTXOs picks the largest outputs first until target plus the
// funding transaction fee is covered.
func selectUTXOs(utxos []backend.UTXO, target, feeRate uint64) ([]backend.UTXO, uint64, uint64, error) {
	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var total uint64
	for i, u := range sorted {
		total += u.Amount
		fee := fundingTxVSize(i+1) * feeRate
		if total >= target+fee {
			return sorted[:i+1], total, fee, nil
		}
	}
	need := target + fundingTxVSize(max(len(sorted), 1))*feeRate
	return nil, 0, 0, fmt.Errorf("%w: need %d, have %d", coin.ErrInsufficientFunds, need, total)
}

// buildFundingTx pays value to pkScript from the selected outputs of our
// P2WPKH address. Change above dust returns to the same address. The
// returned previous outputs are needed for signing.
func buildFundingTx(selected []backend.UTXO, total, fee uint64, pkScript []byte, value uint64, ourScript []byte, dust uint64) (*wire.MsgTx, map[wire.OutPoint]*wire.TxOut, error) {
	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))

	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
		}
		op := wire.NewOutPoint(hash, u.Vout)
		in := wire.NewTxIn(op, nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2 // RBF
		tx.AddTxIn(in)
		prevOuts[*op] = wire.NewTxOut(int64(u.Amount), ourScript)
	}

	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))
	if change := total - value - fee; change > dust {
		tx.AddTxOut(wire.NewTxOut(int64(change), ourScript))
	}
	return tx, prevOuts, nil
}

// signP2WPKHInputs signs every input of tx as a P2WPKH spend by key.
func signP2WPKHInputs(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut, key *btcec.PrivateKey) error {
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if prev == nil {
			return fmt.Errorf("previous output of input %d not found", i)
		}
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, prev.Value, prev.PkScript,
			txscript.SigHashAll, key, true)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		in.Witness = witness
	}
	return nil
}

// newHTLCSpend spends one P2WSH output.
func newHTLCSpend(prev wire.OutPoint, locktime uint64, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&prev, nil, nil)
	in.Sequence = htlcSequence
	tx.AddTxIn(in)
	tx.LockTime = uint32(locktime)
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

// htlcSigHash is the BIP143 sighash of input idx spending a P2WSH output of
// script worth amount.
func htlcSigHash(tx *wire.MsgTx, idx int, script []byte, amount int64) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(P2WSHScriptPubKey(script), amount)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(script, sigHashes, txscript.SigHashAll, tx, idx, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	return hash, nil
}

// signHTLC returns a witness signature over input idx.
func signHTLC(tx *wire.MsgTx, idx int, script []byte, amount int64, key *btcec.PrivateKey) ([]byte, error) {
	hash, err := htlcSigHash(tx, idx, script, amount)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.Sign(key, hash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// findOutput returns the first output of tx paying pkScript.
func findOutput(tx *wire.MsgTx, pkScript []byte) (uint32, int64, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), out.Value, true
		}
	}
	return 0, 0, false
}

// verifyInput runs the script engine over input idx. It is the final
// check before broadcasting a transaction we assembled from a
// counterparty's signature.
func verifyInput(tx *wire.MsgTx, idx int, pkScript []byte, amount int64) error {
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, amount)
	vm, err := txscript.NewEngine(pkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), amount, fetcher)
	if err != nil {
		return err
	}
	return vm.Execute()
}
