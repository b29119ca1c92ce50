package utxo

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingswap/internal/chain"
	"github.com/Klingon-tech/klingswap/internal/coin"
)

// PubKey is a compressed secp256k1 key.
type PubKey struct {
	*btcec.PublicKey
}

// Bytes returns the 33-byte compressed encoding.
func (p PubKey) Bytes() []byte { return p.SerializeCompressed() }

// Address is a decoded address on the adapter's network.
type Address struct {
	btcutil.Address
}

func (a Address) String() string { return a.EncodeAddress() }

// Tx is a parsed transaction.
type Tx struct {
	*wire.MsgTx
}

// TxHex returns the serialized transaction.
func (t Tx) TxHex() []byte { return serializeTx(t.MsgTx) }

// TxHash returns the txid in internal byte order.
func (t Tx) TxHash() []byte {
	h := t.MsgTx.TxHash()
	return h[:]
}

// TxID returns the txid as explorers print it.
func (t Tx) TxID() string { return t.MsgTx.TxHash().String() }

// Preimage is an unsigned transaction.
type Preimage struct {
	*wire.MsgTx
}

// Bytes returns the serialized transaction.
func (p Preimage) Bytes() []byte { return serializeTx(p.MsgTx) }

// Signature is a DER ECDSA signature followed by its sighash type byte.
type Signature struct {
	sig *ecdsa.Signature
	raw []byte
}

// Bytes returns the witness encoding.
func (s Signature) Bytes() []byte { return s.raw }

func serializeTx(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	// Writes to a bytes.Buffer do not fail.
	_ = tx.Serialize(&buf)
	return buf.Bytes()
}

func deserializeTx(b []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

func parsePubKey(b []byte) (PubKey, error) {
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return PubKey{}, fmt.Errorf("%w: %v", coin.ErrInvalidPubKey, err)
	}
	return PubKey{pub}, nil
}

func parseAddress(s string, params *chaincfg.Params) (Address, error) {
	addr, err := chain.DecodeAddress(s, params)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", coin.ErrInvalidAddress, err)
	}
	if !addr.IsForNet(params) {
		return Address{}, fmt.Errorf("%w: %s is for another network", coin.ErrInvalidAddress, s)
	}
	return Address{addr}, nil
}

func parseTx(b []byte) (Tx, error) {
	tx, err := deserializeTx(b)
	if err != nil {
		return Tx{}, fmt.Errorf("%w: %v", coin.ErrInvalidTx, err)
	}
	return Tx{tx}, nil
}

func parseSignature(b []byte) (Signature, error) {
	if len(b) < 9 {
		return Signature{}, fmt.Errorf("%w: %d bytes", coin.ErrInvalidSignature, len(b))
	}
	hashType := txscript.SigHashType(b[len(b)-1])
	if hashType != txscript.SigHashAll {
		return Signature{}, fmt.Errorf("%w: sighash type %#x", coin.ErrInvalidSignature, byte(hashType))
	}
	sig, err := ecdsa.ParseDERSignature(b[:len(b)-1])
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", coin.ErrInvalidSignature, err)
	}
	return Signature{sig: sig, raw: append([]byte(nil), b...)}, nil
}

// asTx converts a coin.Tx produced by any adapter into a parsed Tx.
func asTx(t coin.Tx) (Tx, error) {
	if tx, ok := t.(Tx); ok {
		return tx, nil
	}
	return parseTx(t.TxHex())
}

func asPreimage(p coin.Preimage) (Preimage, error) {
	if pre, ok := p.(Preimage); ok {
		return pre, nil
	}
	tx, err := deserializeTx(p.Bytes())
	if err != nil {
		return Preimage{}, fmt.Errorf("%w: %v", coin.ErrInvalidPreimage, err)
	}
	return Preimage{tx}, nil
}

func asSignature(s coin.Signature) (Signature, error) {
	if sig, ok := s.(Signature); ok {
		return sig, nil
	}
	return parseSignature(s.Bytes())
}

func asPubKey(p coin.PubKey) (PubKey, error) {
	if pub, ok := p.(PubKey); ok {
		return pub, nil
	}
	return parsePubKey(p.Bytes())
}
