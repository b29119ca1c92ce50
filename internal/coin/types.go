package coin

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// TransactionIdentifier is the persisted form of a transaction.
type TransactionIdentifier struct {
	TxHex  helpers.HexBytes `json:"tx_hex"`
	TxHash helpers.HexBytes `json:"tx_hash"`
}

// IdentifierOf captures tx for persistence.
func IdentifierOf(tx Tx) TransactionIdentifier {
	return TransactionIdentifier{
		TxHex:  helpers.CloneBytes(tx.TxHex()),
		TxHash: helpers.CloneBytes(tx.TxHash()),
	}
}

// DexFee is the protocol fee paid by the taker. Fee goes to the collector,
// Burn to the burn output. Both zero means no fee.
type DexFee struct {
	Fee  uint64 `json:"fee"`
	Burn uint64 `json:"burn"`
}

// NoFee is the zero dex fee.
var NoFee = DexFee{}

// Total returns the full amount the taker pays.
func (d DexFee) Total() uint64 {
	return d.Fee + d.Burn
}

// IsZero reports whether no fee is due.
func (d DexFee) IsZero() bool {
	return d.Total() == 0
}

// SecretHashAlgo selects how secrets are committed to. Persisted as one byte.
type SecretHashAlgo uint8

const (
	// DHASH160 is ripemd160(sha256(x)), 20 bytes, checked with OP_HASH160.
	DHASH160 SecretHashAlgo = 1
	// SHA256 is sha256(x), 32 bytes, checked with OP_SHA256.
	SHA256 SecretHashAlgo = 2
)

// Hash commits to secret.
func (a SecretHashAlgo) Hash(secret []byte) []byte {
	switch a {
	case SHA256:
		h := sha256.Sum256(secret)
		return h[:]
	default:
		return btcutil.Hash160(secret)
	}
}

// HashLen is the digest size in bytes.
func (a SecretHashAlgo) HashLen() int {
	if a == SHA256 {
		return sha256.Size
	}
	return 20
}

// Valid reports whether a is a known algorithm.
func (a SecretHashAlgo) Valid() bool {
	return a == DHASH160 || a == SHA256
}

func (a SecretHashAlgo) String() string {
	switch a {
	case DHASH160:
		return "DHASH160"
	case SHA256:
		return "SHA256"
	default:
		return fmt.Sprintf("SecretHashAlgo(%d)", uint8(a))
	}
}

// AlgoForHashLen maps a secret hash length to the algorithm that produces it.
func AlgoForHashLen(n int) (SecretHashAlgo, bool) {
	switch n {
	case 20:
		return DHASH160, true
	case sha256.Size:
		return SHA256, true
	default:
		return 0, false
	}
}
