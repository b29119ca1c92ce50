// Package utxo implements the ledger adapter for Bitcoin-family chains:
// P2WSH HTLCs spent with ECDSA witness signatures, chain state read from a
// block explorer.
package utxo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingswap/internal/backend"
	"github.com/Klingon-tech/klingswap/internal/chain"
	"github.com/Klingon-tech/klingswap/internal/coin"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// DefaultPollInterval paces explorer polling when Config leaves it unset.
const DefaultPollInterval = 15 * time.Second

// Config wires a Coin.
type Config struct {
	Params  *chain.Params
	Backend backend.Backend

	// Key owns MyAddress and seeds the per-swap HTLC keys.
	Key *btcec.PrivateKey

	// DexFee supplies the collector and burn keys of the dex fee outputs.
	DexFee config.DexFeeConfig

	PollInterval time.Duration
}

// Coin is the Bitcoin-family coin.Coin.
type Coin struct {
	params  *chain.Params
	net     *chaincfg.Params
	backend backend.Backend
	key     *btcec.PrivateKey

	address  string
	pkScript []byte

	collectorScript []byte
	burnScript      []byte

	pollInterval time.Duration

	// mu serializes coin selection so concurrent swaps never pick the
	// same outputs.
	mu sync.Mutex

	log *logging.Logger
}

var (
	_ coin.Coin          = (*Coin)(nil)
	_ coin.IdentityKeyer = (*Coin)(nil)
)

// New creates the adapter.
func New(cfg Config) (*Coin, error) {
	if cfg.Params == nil || cfg.Backend == nil || cfg.Key == nil {
		return nil, errors.New("utxo: params, backend and key are required")
	}
	net := cfg.Params.NetParams()

	c := &Coin{
		params:       cfg.Params,
		net:          net,
		backend:      cfg.Backend,
		key:          cfg.Key,
		pollInterval: cfg.PollInterval,
		log:          logging.GetDefault().Component("utxo").With("coin", cfg.Params.Symbol),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	c.pkScript = P2WPKHScriptPubKey(cfg.Key.PubKey().SerializeCompressed())
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(c.pkScript, net)
	if err != nil || len(addrs) != 1 {
		return nil, fmt.Errorf("utxo: derive address: %v", err)
	}
	c.address = addrs[0].EncodeAddress()

	if c.collectorScript, err = feeScript(cfg.DexFee.CollectorPubKey); err != nil {
		return nil, fmt.Errorf("utxo: dex fee collector key: %w", err)
	}
	if c.burnScript, err = feeScript(cfg.DexFee.BurnPubKey); err != nil {
		return nil, fmt.Errorf("utxo: dex fee burn key: %w", err)
	}
	return c, nil
}

func feeScript(pubHex string) ([]byte, error) {
	if pubHex == "" {
		return nil, nil
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, err
	}
	if len(pub) != 33 {
		return nil, fmt.Errorf("want 33 bytes, got %d", len(pub))
	}
	return P2WPKHScriptPubKey(pub), nil
}

func (c *Coin) Ticker() string { return c.params.Symbol }

func (c *Coin) MyAddress() string { return c.address }

// MyPubKey returns the wallet key behind MyAddress.
func (c *Coin) MyPubKey() []byte { return c.key.PubKey().SerializeCompressed() }

func (c *Coin) SkipPaymentSpendPreimage() bool { return false }

func (c *Coin) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	h, err := c.backend.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(h), nil
}

// MyBalance sums every unspent output of MyAddress, confirmed or not.
func (c *Coin) MyBalance(ctx context.Context) (uint64, error) {
	utxos, err := c.backend.GetAddressUTXOs(ctx, c.address)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

// feeRate is the half-hour estimate in sat/vB, never below the relay floor.
func (c *Coin) feeRate(ctx context.Context) (uint64, error) {
	est, err := c.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("fee estimates: %w", err)
	}
	return max(est.HalfHourFee, c.params.MinRelayFeeRate, 1), nil
}

func (c *Coin) SenderTradeFee(ctx context.Context, _ uint64) (uint64, error) {
	rate, err := c.feeRate(ctx)
	if err != nil {
		return 0, err
	}
	return (fundingTxVSize(2) + fundingSpendVSize) * rate, nil
}

func (c *Coin) ReceiverTradeFee(ctx context.Context) (uint64, error) {
	rate, err := c.feeRate(ctx)
	if err != nil {
		return 0, err
	}
	return makerClaimVSize * rate, nil
}

// htlcKey is sha256(wallet key || uniqueData), so every swap signs its
// HTLCs with a fresh key that the seed can always recover.
func (c *Coin) htlcKey(uniqueData []byte) *btcec.PrivateKey {
	h := sha256.New()
	h.Write(c.key.Serialize())
	h.Write(uniqueData)
	priv, _ := btcec.PrivKeyFromBytes(h.Sum(nil))
	return priv
}

func (c *Coin) DeriveHTLCPubKey(uniqueData []byte) coin.PubKey {
	return PubKey{c.htlcKey(uniqueData).PubKey()}
}

func (c *Coin) ParsePubKey(b []byte) (coin.PubKey, error) { return parsePubKey(b) }

func (c *Coin) ParseAddress(s string) (coin.Address, error) { return parseAddress(s, c.net) }

func (c *Coin) ParseTx(b []byte) (coin.Tx, error) { return parseTx(b) }

func (c *Coin) ParsePreimage(b []byte) (coin.Preimage, error) {
	tx, err := deserializeTx(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coin.ErrInvalidPreimage, err)
	}
	return Preimage{tx}, nil
}

func (c *Coin) ParseSignature(b []byte) (coin.Signature, error) { return parseSignature(b) }

// fundingScript rebuilds the funding HTLC of p.
func (c *Coin) fundingScript(p coin.FundingParams) ([]byte, error) {
	takerPub := c.htlcKey(p.SwapUnique).PubKey().SerializeCompressed()
	return FundingScript(p.FundingTimeLock, takerPub, p.MakerPub.Bytes(), p.TakerSecretHash, p.HashAlgo)
}

// paymentScript rebuilds the taker payment HTLC of p.
func (c *Coin) paymentScript(p coin.FundingParams) ([]byte, error) {
	algo, ok := coin.AlgoForHashLen(len(p.MakerSecretHash))
	if !ok {
		return nil, fmt.Errorf("maker secret hash has unexpected length %d", len(p.MakerSecretHash))
	}
	takerPub := c.htlcKey(p.SwapUnique).PubKey().SerializeCompressed()
	return PaymentScript(p.PaymentTimeLock, takerPub, p.MakerPub.Bytes(), p.MakerSecretHash, algo)
}

// paymentValue is the least the taker payment must carry.
func paymentValue(p coin.FundingParams) uint64 {
	return p.TradingAmount + p.Premium + p.DexFee.Total()
}

// SendFunding locks the payment value plus the fee of the funding spend
// into the funding HTLC.
func (c *Coin) SendFunding(ctx context.Context, p coin.FundingParams) (coin.Tx, error) {
	script, err := c.fundingScript(p)
	if err != nil {
		return nil, err
	}
	rate, err := c.feeRate(ctx)
	if err != nil {
		return nil, err
	}
	value := paymentValue(p) + fundingSpendVSize*rate

	c.mu.Lock()
	defer c.mu.Unlock()

	utxos, err := c.backend.GetAddressUTXOs(ctx, c.address)
	if err != nil {
		return nil, err
	}
	selected, total, fee, err := selectUTXOs(utxos, value, rate)
	if err != nil {
		return nil, err
	}
	tx, prevOuts, err := buildFundingTx(selected, total, fee, P2WSHScriptPubKey(script), value, c.pkScript, c.params.DustLimit)
	if err != nil {
		return nil, err
	}
	if err := signP2WPKHInputs(tx, prevOuts, c.key); err != nil {
		return nil, err
	}
	return c.broadcast(ctx, "taker funding", tx)
}

// fundingSpend is a validated funding spend preimage.
type fundingSpend struct {
	tx       *wire.MsgTx
	script   []byte
	pkScript []byte
	amount   int64
	makerSig Signature
}

func (c *Coin) checkFundingSpend(funding coin.Tx, p coin.FundingParams, preimage coin.Preimage, sig coin.Signature) (*fundingSpend, error) {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", coin.ErrValidationFailed, fmt.Sprintf(format, args...))
	}

	fundingTx, err := asTx(funding)
	if err != nil {
		return nil, err
	}
	script, err := c.fundingScript(p)
	if err != nil {
		return nil, err
	}
	pkScript := P2WSHScriptPubKey(script)
	idx, amount, ok := findOutput(fundingTx.MsgTx, pkScript)
	if !ok {
		return nil, fail("funding %s has no HTLC output", fundingTx.TxID())
	}

	pre, err := asPreimage(preimage)
	if err != nil {
		return nil, err
	}
	if len(pre.TxIn) != 1 || len(pre.TxOut) != 1 {
		return nil, fail("preimage has %d inputs and %d outputs, want 1 and 1", len(pre.TxIn), len(pre.TxOut))
	}
	want := wire.OutPoint{Hash: fundingTx.MsgTx.TxHash(), Index: idx}
	if pre.TxIn[0].PreviousOutPoint != want {
		return nil, fail("preimage spends %s, want %s", pre.TxIn[0].PreviousOutPoint, want)
	}

	payScript, err := c.paymentScript(p)
	if err != nil {
		return nil, err
	}
	out := pre.TxOut[0]
	if !bytes.Equal(out.PkScript, P2WSHScriptPubKey(payScript)) {
		return nil, fail("preimage output does not pay the taker payment script")
	}
	if out.Value < 0 || uint64(out.Value) < paymentValue(p) {
		return nil, fail("taker payment value %d below %d", out.Value, paymentValue(p))
	}

	makerSig, err := asSignature(sig)
	if err != nil {
		return nil, err
	}
	makerPub, err := asPubKey(p.MakerPub)
	if err != nil {
		return nil, err
	}
	hash, err := htlcSigHash(pre.MsgTx, 0, script, amount)
	if err != nil {
		return nil, err
	}
	if !makerSig.sig.Verify(hash, makerPub.PublicKey) {
		return nil, fmt.Errorf("%w: %w", coin.ErrValidationFailed, coin.ErrInvalidSignature)
	}

	return &fundingSpend{tx: pre.MsgTx, script: script, pkScript: pkScript, amount: amount, makerSig: makerSig}, nil
}

// ValidateFundingSpendPreimage checks the maker's preimage spends our
// funding into the agreed taker payment and carries the maker's valid
// signature.
func (c *Coin) ValidateFundingSpendPreimage(_ context.Context, funding coin.Tx, p coin.FundingParams, preimage coin.Preimage, sig coin.Signature) error {
	_, err := c.checkFundingSpend(funding, p, preimage, sig)
	return err
}

// SignAndBroadcastFundingSpend completes the 2-of-2 spend of the funding
// and broadcasts the resulting taker payment.
func (c *Coin) SignAndBroadcastFundingSpend(ctx context.Context, funding coin.Tx, p coin.FundingParams, preimage coin.Preimage, sig coin.Signature) (coin.Tx, error) {
	spend, err := c.checkFundingSpend(funding, p, preimage, sig)
	if err != nil {
		return nil, err
	}
	tx := spend.tx.Copy()
	takerSig, err := signHTLC(tx, 0, spend.script, spend.amount, c.htlcKey(p.SwapUnique))
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = fundingMultisigWitness(takerSig, spend.makerSig.Bytes(), spend.script)
	if err := verifyInput(tx, 0, spend.pkScript, spend.amount); err != nil {
		return nil, fmt.Errorf("taker payment script check: %w", err)
	}
	return c.broadcast(ctx, "taker payment", tx)
}

// RefundFunding spends the funding back to us through its timelock branch.
// If the funding was already refunded, that refund is returned.
func (c *Coin) RefundFunding(ctx context.Context, funding coin.Tx, p coin.FundingParams) (coin.Tx, error) {
	script, err := c.fundingScript(p)
	if err != nil {
		return nil, err
	}
	return c.refund(ctx, "taker funding refund", funding, script, p.FundingTimeLock, c.htlcKey(p.SwapUnique))
}

// RefundPayment spends the taker payment back to us through its timelock
// branch.
func (c *Coin) RefundPayment(ctx context.Context, payment coin.Tx, p coin.FundingParams) (coin.Tx, error) {
	script, err := c.paymentScript(p)
	if err != nil {
		return nil, err
	}
	return c.refund(ctx, "taker payment refund", payment, script, p.PaymentTimeLock, c.htlcKey(p.SwapUnique))
}

func (c *Coin) refund(ctx context.Context, what string, prev coin.Tx, script []byte, locktime uint64, key *btcec.PrivateKey) (coin.Tx, error) {
	prevTx, err := asTx(prev)
	if err != nil {
		return nil, err
	}
	pkScript := P2WSHScriptPubKey(script)
	idx, amount, ok := findOutput(prevTx.MsgTx, pkScript)
	if !ok {
		return nil, fmt.Errorf("%s: %s has no HTLC output", what, prevTx.TxID())
	}

	// A refund broadcast before a restart is returned instead of rebuilt.
	spend, err := c.findSpend(ctx, prevTx.TxID(), idx)
	if err != nil {
		return nil, fmt.Errorf("%s: look up spend: %w", what, err)
	}
	if spend != nil {
		return existingRefund(what, spend, script)
	}

	rate, err := c.feeRate(ctx)
	if err != nil {
		return nil, err
	}
	value, err := c.afterFee(amount, refundVSize*rate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}

	tx := newHTLCSpend(wire.OutPoint{Hash: prevTx.MsgTx.TxHash(), Index: idx}, locktime,
		wire.NewTxOut(value, c.pkScript))
	sig, err := signHTLC(tx, 0, script, amount, key)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = timelockWitness(sig, script)
	return c.broadcast(ctx, what, tx)
}

// existingRefund accepts spend only if it went through the timelock branch
// of script.
func existingRefund(what string, spend coin.Tx, script []byte) (coin.Tx, error) {
	tx, err := asTx(spend)
	if err != nil {
		return nil, err
	}
	for _, in := range tx.TxIn {
		w := in.Witness
		if len(w) == 3 && bytes.Equal(w[1], []byte{0x01}) && bytes.Equal(w[2], script) {
			return tx, nil
		}
	}
	return nil, fmt.Errorf("%s: %w by %s", what, coin.ErrAlreadySpent, tx.TxID())
}

// afterFee subtracts fee from amount, refusing dust results.
func (c *Coin) afterFee(amount int64, fee uint64) (int64, error) {
	if amount <= int64(fee) || uint64(amount)-fee <= c.params.DustLimit {
		return 0, fmt.Errorf("%w: output %d cannot pay fee %d", coin.ErrInsufficientFunds, amount, fee)
	}
	return amount - int64(fee), nil
}

// SignPaymentSpendPreimage builds the maker's spend of the taker payment:
// the trading amount to the maker, the dex fee to the collector and burn
// keys, and signs it with our HTLC key.
func (c *Coin) SignPaymentSpendPreimage(ctx context.Context, payment coin.Tx, p coin.FundingParams, makerAddr coin.Address) (coin.Preimage, coin.Signature, error) {
	paymentTx, err := asTx(payment)
	if err != nil {
		return nil, nil, err
	}
	script, err := c.paymentScript(p)
	if err != nil {
		return nil, nil, err
	}
	idx, amount, ok := findOutput(paymentTx.MsgTx, P2WSHScriptPubKey(script))
	if !ok {
		return nil, nil, fmt.Errorf("%w: taker payment %s has no HTLC output", coin.ErrValidationFailed, paymentTx.TxID())
	}

	addr, err := parseAddress(makerAddr.String(), c.net)
	if err != nil {
		return nil, nil, err
	}
	makerScript, err := txscript.PayToAddrScript(addr.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", coin.ErrInvalidAddress, err)
	}

	rate, err := c.feeRate(ctx)
	if err != nil {
		return nil, nil, err
	}
	if uint64(amount) < p.DexFee.Total() {
		return nil, nil, fmt.Errorf("%w: payment %d below dex fee %d", coin.ErrInsufficientFunds, amount, p.DexFee.Total())
	}
	makerValue, err := c.afterFee(amount-int64(p.DexFee.Total()), paymentSpendVSize*rate)
	if err != nil {
		return nil, nil, err
	}

	outs := []*wire.TxOut{wire.NewTxOut(makerValue, makerScript)}
	if p.DexFee.Fee > 0 {
		if c.collectorScript == nil {
			return nil, nil, errors.New("dex fee collector key not configured")
		}
		outs = append(outs, wire.NewTxOut(int64(p.DexFee.Fee), c.collectorScript))
	}
	if p.DexFee.Burn > 0 {
		if c.burnScript == nil {
			return nil, nil, errors.New("dex fee burn key not configured")
		}
		outs = append(outs, wire.NewTxOut(int64(p.DexFee.Burn), c.burnScript))
	}

	tx := newHTLCSpend(wire.OutPoint{Hash: paymentTx.MsgTx.TxHash(), Index: idx}, 0, outs...)
	raw, err := signHTLC(tx, 0, script, amount, c.htlcKey(p.SwapUnique))
	if err != nil {
		return nil, nil, err
	}
	sig, err := parseSignature(raw)
	if err != nil {
		return nil, nil, err
	}
	return Preimage{tx}, sig, nil
}

// FindPaymentSpend polls the explorer for the spender of the taker payment.
// Validated payments have a single output, so the HTLC is output 0.
func (c *Coin) FindPaymentSpend(ctx context.Context, payment coin.Tx, fromHeight uint64, deadline time.Time) (coin.Tx, error) {
	paymentTx, err := asTx(payment)
	if err != nil {
		return nil, err
	}
	txid := paymentTx.TxID()
	c.log.Debug("Watching taker payment", "txid", txid, "from_height", fromHeight, "deadline", deadline)

	for {
		spend, err := c.findSpend(ctx, txid, 0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("Spend lookup failed", "txid", txid, "error", err)
		case spend != nil:
			return spend, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", coin.ErrSpendNotFound, txid)
		}
		if err := sleep(ctx, min(c.pollInterval, time.Until(deadline))); err != nil {
			return nil, err
		}
	}
}

func (c *Coin) findSpend(ctx context.Context, txid string, vout uint32) (coin.Tx, error) {
	out, err := c.backend.GetOutspend(ctx, txid, vout)
	if err != nil || !out.Spent {
		return nil, err
	}
	raw, err := c.backend.GetRawTransaction(ctx, out.TxID)
	if err != nil {
		return nil, err
	}
	return parseTx(raw)
}

// ExtractSecret finds the preimage of secretHash among the witness items of
// spend.
func (c *Coin) ExtractSecret(_ context.Context, secretHash []byte, spend coin.Tx) ([]byte, error) {
	algo, ok := coin.AlgoForHashLen(len(secretHash))
	if !ok {
		return nil, fmt.Errorf("%w: hash of %d bytes", coin.ErrSecretNotFound, len(secretHash))
	}
	tx, err := asTx(spend)
	if err != nil {
		return nil, err
	}
	for _, in := range tx.TxIn {
		for _, item := range in.Witness {
			if len(item) == 32 && bytes.Equal(algo.Hash(item), secretHash) {
				return append([]byte(nil), item...), nil
			}
		}
	}
	return nil, coin.ErrSecretNotFound
}

func (c *Coin) makerPaymentScript(p coin.MakerPaymentParams) ([]byte, error) {
	takerPub := c.htlcKey(p.SwapUnique).PubKey().SerializeCompressed()
	return MakerPaymentScript(p.TimeLock, p.MakerPub.Bytes(), takerPub, p.SecretHash, p.HashAlgo)
}

// ValidateMakerPayment checks the maker payment pays at least the agreed
// amount into the agreed HTLC and is known to the network.
func (c *Coin) ValidateMakerPayment(ctx context.Context, payment coin.Tx, p coin.MakerPaymentParams) error {
	tx, err := asTx(payment)
	if err != nil {
		return err
	}
	script, err := c.makerPaymentScript(p)
	if err != nil {
		return fmt.Errorf("%w: %v", coin.ErrValidationFailed, err)
	}
	_, value, ok := findOutput(tx.MsgTx, P2WSHScriptPubKey(script))
	if !ok {
		return fmt.Errorf("%w: maker payment %s has no output to the expected HTLC", coin.ErrValidationFailed, tx.TxID())
	}
	if value < 0 || uint64(value) < p.Amount {
		return fmt.Errorf("%w: maker payment carries %d, expected %d", coin.ErrValidationFailed, value, p.Amount)
	}

	if _, err := c.backend.GetTransaction(ctx, tx.TxID()); err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return fmt.Errorf("%w: maker payment %s not broadcast", coin.ErrValidationFailed, tx.TxID())
		}
		return err
	}
	return nil
}

// SpendMakerPayment claims the maker payment with the secret.
func (c *Coin) SpendMakerPayment(ctx context.Context, payment coin.Tx, p coin.MakerPaymentParams, secret []byte) (coin.Tx, error) {
	if !bytes.Equal(p.HashAlgo.Hash(secret), p.SecretHash) {
		return nil, fmt.Errorf("%w: secret does not match hash", coin.ErrInvalidPreimage)
	}
	paymentTx, err := asTx(payment)
	if err != nil {
		return nil, err
	}
	script, err := c.makerPaymentScript(p)
	if err != nil {
		return nil, err
	}
	pkScript := P2WSHScriptPubKey(script)
	idx, amount, ok := findOutput(paymentTx.MsgTx, pkScript)
	if !ok {
		return nil, fmt.Errorf("%w: maker payment %s has no HTLC output", coin.ErrValidationFailed, paymentTx.TxID())
	}
	rate, err := c.feeRate(ctx)
	if err != nil {
		return nil, err
	}
	value, err := c.afterFee(amount, makerClaimVSize*rate)
	if err != nil {
		return nil, err
	}

	tx := newHTLCSpend(wire.OutPoint{Hash: paymentTx.MsgTx.TxHash(), Index: idx}, 0,
		wire.NewTxOut(value, c.pkScript))
	sig, err := signHTLC(tx, 0, script, amount, c.htlcKey(p.SwapUnique))
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = makerPaymentClaimWitness(sig, secret, script)
	if err := verifyInput(tx, 0, pkScript, amount); err != nil {
		return nil, fmt.Errorf("maker payment script check: %w", err)
	}
	return c.broadcast(ctx, "maker payment spend", tx)
}

// WaitForConfirmations polls until args.Tx has the required confirmations.
// Bitcoin-family chains have no notarization; only depth is checked.
func (c *Coin) WaitForConfirmations(ctx context.Context, args coin.ConfirmArgs) error {
	tx, err := asTx(args.Tx)
	if err != nil {
		return err
	}
	if args.Confirmations == 0 {
		return nil
	}
	every := args.CheckEvery
	if every <= 0 {
		every = c.pollInterval
	}
	txid := tx.TxID()

	for {
		info, err := c.backend.GetTransaction(ctx, txid)
		switch {
		case err == nil && uint64(info.Confirmations) >= args.Confirmations:
			return nil
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil && !errors.Is(err, backend.ErrTxNotFound):
			c.log.Warn("Confirmation check failed", "txid", txid, "error", err)
		}

		if !time.Now().Before(args.WaitUntil) {
			return fmt.Errorf("%w: %s", coin.ErrNotConfirmed, txid)
		}
		if err := sleep(ctx, min(every, time.Until(args.WaitUntil))); err != nil {
			return err
		}
	}
}

// CanRefundNow compares locktime with the median time past of the tip,
// which is what the next block checks nLockTime against.
func (c *Coin) CanRefundNow(ctx context.Context, locktime uint64) (coin.RefundReadiness, error) {
	tip, err := c.backend.GetTip(ctx)
	if err != nil {
		return coin.RefundReadiness{}, err
	}
	mtp := uint64(tip.MedianTime)
	if mtp > locktime {
		return coin.RefundReadiness{Ready: true}, nil
	}
	return coin.RefundReadiness{Wait: time.Duration(locktime-mtp+1) * time.Second}, nil
}

func (c *Coin) broadcast(ctx context.Context, what string, tx *wire.MsgTx) (coin.Tx, error) {
	txid, err := c.backend.BroadcastTransaction(ctx, hex.EncodeToString(serializeTx(tx)))
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", what, err)
	}
	c.log.Info("Broadcast transaction", "kind", what, "txid", txid)
	return Tx{tx}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
