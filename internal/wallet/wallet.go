// Package wallet derives the daemon's ledger keys from a BIP39 seed along
// BIP84 paths.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/klingswap/internal/chain"
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey // derivation path -> key
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// The master key encoding is irrelevant for derivation; per-chain
	// params are applied when encoding addresses.
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network (mainnet/testnet).
func (w *Wallet) Network() chain.Network {
	return w.network
}

// Params returns the chain params for symbol on the wallet's network.
func (w *Wallet) Params(symbol string) (*chain.Params, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	return params, nil
}

// DeriveKey derives the extended key at m/purpose'/coin'/account'/change/index
// for symbol.
func (w *Wallet) DeriveKey(symbol string, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	params, err := w.Params(symbol)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := params.DerivationPathString(account, change, index)
	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	key := w.masterKey
	for _, child := range params.DerivationPath(account, change, index) {
		if key, err = key.Derive(child); err != nil {
			return nil, fmt.Errorf("derive %s: %w", path, err)
		}
	}
	w.cache[path] = key
	return key, nil
}

// DerivePrivateKey derives the private key for symbol.
func (w *Wallet) DerivePrivateKey(symbol string, account, change, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(symbol, account, change, index)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// DeriveAddress derives the P2WPKH address for symbol.
func (w *Wallet) DeriveAddress(symbol string, account, change, index uint32) (string, error) {
	params, err := w.Params(symbol)
	if err != nil {
		return "", err
	}
	key, err := w.DeriveKey(symbol, account, change, index)
	if err != nil {
		return "", err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}
	return P2WPKHAddress(pubKey, params)
}

// P2WPKHAddress encodes pubKey as a native SegWit address.
func P2WPKHAddress(pubKey *btcec.PublicKey, params *chain.Params) (string, error) {
	hash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params.NetParams())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
