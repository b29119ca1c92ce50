package utxo

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingswap/internal/coin"
)

// hashOp is the opcode that commits a secret under algo.
func hashOp(algo coin.SecretHashAlgo) byte {
	if algo == coin.SHA256 {
		return txscript.OP_SHA256
	}
	return txscript.OP_HASH160
}

func checkHTLCInputs(hash []byte, algo coin.SecretHashAlgo, pubs ...[]byte) error {
	if len(hash) != algo.HashLen() {
		return fmt.Errorf("secret hash must be %d bytes for %s, got %d", algo.HashLen(), algo, len(hash))
	}
	for _, pub := range pubs {
		if len(pub) != 33 {
			return fmt.Errorf("pubkey must be 33 bytes (compressed), got %d", len(pub))
		}
	}
	return nil
}

// addSecretCheck pushes OP_SIZE 32 OP_EQUALVERIFY <hash op> <hash> OP_EQUALVERIFY.
func addSecretCheck(b *txscript.ScriptBuilder, hash []byte, algo coin.SecretHashAlgo) {
	b.AddOp(txscript.OP_SIZE)
	b.AddInt64(32)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(hashOp(algo))
	b.AddData(hash)
	b.AddOp(txscript.OP_EQUALVERIFY)
}

func addTimelockCheck(b *txscript.ScriptBuilder, locktime uint64, pub []byte) {
	b.AddInt64(int64(locktime))
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddData(pub)
	b.AddOp(txscript.OP_CHECKSIG)
}

func addMultisig(b *txscript.ScriptBuilder, takerPub, makerPub []byte) {
	b.AddOp(txscript.OP_2)
	b.AddData(takerPub)
	b.AddData(makerPub)
	b.AddOp(txscript.OP_2)
	b.AddOp(txscript.OP_CHECKMULTISIG)
}

// FundingScript locks the taker funding.
//
//	OP_IF
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP <taker_pub> OP_CHECKSIG
//	OP_ELSE
//	    OP_IF
//	        <taker secret check> <maker_pub> OP_CHECKSIG
//	    OP_ELSE
//	        OP_2 <taker_pub> <maker_pub> OP_2 OP_CHECKMULTISIG
//	    OP_ENDIF
//	OP_ENDIF
//
// The 2-of-2 branch is how the funding becomes the taker payment.
func FundingScript(locktime uint64, takerPub, makerPub, takerSecretHash []byte, algo coin.SecretHashAlgo) ([]byte, error) {
	if err := checkHTLCInputs(takerSecretHash, algo, takerPub, makerPub); err != nil {
		return nil, err
	}

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	addTimelockCheck(b, locktime, takerPub)
	b.AddOp(txscript.OP_ELSE)
	b.AddOp(txscript.OP_IF)
	addSecretCheck(b, takerSecretHash, algo)
	b.AddData(makerPub)
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ELSE)
	addMultisig(b, takerPub, makerPub)
	b.AddOp(txscript.OP_ENDIF)
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

// PaymentScript locks the taker payment.
//
//	OP_IF
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP <taker_pub> OP_CHECKSIG
//	OP_ELSE
//	    <maker secret check> OP_2 <taker_pub> <maker_pub> OP_2 OP_CHECKMULTISIG
//	OP_ENDIF
//
// The maker can only spend it with our signature and its own secret, so the
// spend reveals the secret that unlocks the maker payment.
func PaymentScript(locktime uint64, takerPub, makerPub, makerSecretHash []byte, algo coin.SecretHashAlgo) ([]byte, error) {
	if err := checkHTLCInputs(makerSecretHash, algo, takerPub, makerPub); err != nil {
		return nil, err
	}

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	addTimelockCheck(b, locktime, takerPub)
	b.AddOp(txscript.OP_ELSE)
	addSecretCheck(b, makerSecretHash, algo)
	addMultisig(b, takerPub, makerPub)
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

// MakerPaymentScript locks the maker payment.
//
//	OP_IF
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP <maker_pub> OP_CHECKSIG
//	OP_ELSE
//	    <maker secret check> <taker_pub> OP_CHECKSIG
//	OP_ENDIF
func MakerPaymentScript(locktime uint64, makerPub, takerPub, secretHash []byte, algo coin.SecretHashAlgo) ([]byte, error) {
	if err := checkHTLCInputs(secretHash, algo, makerPub, takerPub); err != nil {
		return nil, err
	}

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	addTimelockCheck(b, locktime, makerPub)
	b.AddOp(txscript.OP_ELSE)
	addSecretCheck(b, secretHash, algo)
	b.AddData(takerPub)
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

// P2WSHScriptPubKey creates the scriptPubKey for a P2WSH output.
// Format: OP_0 <32-byte-script-hash>
func P2WSHScriptPubKey(script []byte) []byte {
	h := sha256.Sum256(script)
	pkScript, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
	return pkScript
}

// P2WSHAddress derives the address of script.
func P2WSHAddress(script []byte, params *chaincfg.Params) (string, error) {
	h := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(h[:], params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// P2WPKHScriptPubKey pays the hash of a serialized public key. The key is
// not parsed, so configured fee keys only need to be 33 bytes.
func P2WPKHScriptPubKey(pub []byte) []byte {
	pkScript, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pub)).
		Script()
	return pkScript
}

// Witness stacks, bottom to top. An empty element selects OP_ELSE and 0x01
// selects OP_IF.

func timelockWitness(sig, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, {0x01}, script}
}

func fundingMultisigWitness(takerSig, makerSig, script []byte) wire.TxWitness {
	return wire.TxWitness{{}, takerSig, makerSig, {}, {}, script}
}

func paymentSpendWitness(takerSig, makerSig, secret, script []byte) wire.TxWitness {
	return wire.TxWitness{{}, takerSig, makerSig, secret, {}, script}
}

func makerPaymentClaimWitness(sig, secret, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, secret, {}, script}
}
