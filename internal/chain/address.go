package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
)

// ErrUnknownAddressFormat is returned for strings that are neither a segwit
// address of the network nor a base58 address btcutil understands.
var ErrUnknownAddressFormat = errors.New("unknown address format")

// DecodeAddress decodes s for net.
//
// btcutil.DecodeAddress only accepts bech32 prefixes registered with
// chaincfg, which Litecoin's are not, so segwit addresses carrying net's HRP
// are decoded here.
func DecodeAddress(s string, net *chaincfg.Params) (btcutil.Address, error) {
	hrp := strings.ToLower(net.Bech32HRPSegwit)
	if hrp != "" && strings.HasPrefix(strings.ToLower(s), hrp+"1") {
		return decodeSegwit(s, hrp, net)
	}
	return btcutil.DecodeAddress(s, net)
}

func decodeSegwit(s, hrp string, net *chaincfg.Params) (btcutil.Address, error) {
	gotHRP, data, version, err := bech32.DecodeGeneric(s)
	if err != nil {
		return nil, fmt.Errorf("decode bech32: %w", err)
	}
	if gotHRP != hrp {
		return nil, fmt.Errorf("%w: hrp %s", ErrUnknownAddressFormat, gotHRP)
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty witness program", ErrUnknownAddressFormat)
	}

	witnessVersion := data[0]
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("invalid witness program: %w", err)
	}

	switch {
	case witnessVersion == 0 && version == bech32.Version0 && len(program) == 20:
		return btcutil.NewAddressWitnessPubKeyHash(program, net)
	case witnessVersion == 0 && version == bech32.Version0 && len(program) == 32:
		return btcutil.NewAddressWitnessScriptHash(program, net)
	case witnessVersion == 1 && version == bech32.VersionM && len(program) == 32:
		return btcutil.NewAddressTaproot(program, net)
	}
	return nil, fmt.Errorf("%w: witness v%d, %d byte program", ErrUnknownAddressFormat, witnessVersion, len(program))
}
