// Package chain holds the network parameters of the UTXO ledgers the swap
// daemon trades. Values are compiled in; nothing here is configurable.
package chain

import (
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"  // Legacy (1...)
	AddressP2SH   AddressType = "p2sh"   // Script hash (3...)
	AddressP2WPKH AddressType = "p2wpkh" // Native SegWit (bc1q...)
	AddressP2WSH  AddressType = "p2wsh"  // SegWit script (bc1q...)
)

// Params contains the parameters of one Bitcoin-family ledger.
type Params struct {
	Symbol   string
	Name     string
	Decimals uint8

	// BIP44 derivation
	CoinType       uint32 // 0=BTC, 2=LTC, 1 on every testnet
	DefaultPurpose uint32 // 84 for native SegWit

	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte

	// BIP32 magic bytes for xprv/xpub serialization.
	HDPrivateKeyID [4]byte
	HDPublicKeyID  [4]byte

	// DustLimit is the smallest output the network relays, in satoshis.
	DustLimit uint64
	// MinRelayFeeRate is the floor fee rate in sat/vB.
	MinRelayFeeRate uint64

	DefaultAddressType AddressType
}

// DerivationPath returns the BIP84 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	u := func(n uint32) string { return strconv.FormatUint(uint64(n), 10) }
	return "m/" + u(p.DefaultPurpose) + "'/" + u(p.CoinType) + "'/" + u(account) + "'/" + u(change) + "/" + u(index)
}

// NetParams converts p to btcd's chaincfg.Params for address and key
// encoding.
func (p *Params) NetParams() *chaincfg.Params {
	return &chaincfg.Params{
		Name:             p.Name,
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
		PrivateKeyID:     p.WIF,
		Bech32HRPSegwit:  p.Bech32HRP,
		HDPrivateKeyID:   p.HDPrivateKeyID,
		HDPublicKeyID:    p.HDPublicKeyID,
		HDCoinType:       p.CoinType,
	}
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols, sorted.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}
