package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Option configures a MempoolBackend.
type Option func(*MempoolBackend)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *MempoolBackend) { m.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *MempoolBackend) { m.httpClient = c }
}

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space, litecoinspace.org, and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string, opts ...Option) *MempoolBackend {
	m := &MempoolBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// GetAddressUTXOs returns unspent outputs for an address.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string   `json:"txid"`
		Vout   uint32   `json:"vout"`
		Status txStatus `json:"status"`
		Value  uint64   `json:"value"`
	}
	if err := m.get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		return nil, err
	}

	// Without a tip height confirmed outputs count as one confirmation.
	tip, _ := m.GetBlockHeight(ctx)

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations(u.Status, tip),
			BlockHeight:   u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		return nil, notFoundAs(err, ErrTxNotFound)
	}

	tx := result.convert()
	if tx.Confirmed {
		tip, err := m.GetBlockHeight(ctx)
		if err == nil {
			tx.Confirmations = confirmations(result.Status, tip)
		}
	}
	return tx, nil
}

// GetRawTransaction returns the serialized transaction.
func (m *MempoolBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := m.getText(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		return nil, notFoundAs(err, ErrTxNotFound)
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode tx %s: %w", txID, err)
	}
	return raw, nil
}

// GetOutspend reports the spender of an output.
func (m *MempoolBackend) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	var result struct {
		Spent  bool     `json:"spent"`
		TxID   string   `json:"txid"`
		Vin    uint32   `json:"vin"`
		Status txStatus `json:"status"`
	}
	path := "/tx/" + txID + "/outspend/" + strconv.FormatUint(uint64(vout), 10)
	if err := m.get(ctx, path, &result); err != nil {
		return nil, notFoundAs(err, ErrTxNotFound)
	}
	return &Outspend{
		Spent:       result.Spent,
		TxID:        result.TxID,
		Vin:         result.Vin,
		Confirmed:   result.Status.Confirmed,
		BlockHeight: result.Status.BlockHeight,
	}, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns its txid.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := m.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(body, 10, 64)
}

// GetTip returns the header of the best block.
func (m *MempoolBackend) GetTip(ctx context.Context) (*BlockHeader, error) {
	hash, err := m.getText(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}

	var result struct {
		ID         string `json:"id"`
		Height     int64  `json:"height"`
		Timestamp  int64  `json:"timestamp"`
		MedianTime int64  `json:"mediantime"`
	}
	if err := m.get(ctx, "/block/"+hash, &result); err != nil {
		return nil, err
	}
	return &BlockHeader{
		Hash:       result.ID,
		Height:     result.Height,
		Timestamp:  result.Timestamp,
		MedianTime: result.MedianTime,
	}, nil
}

// GetFeeEstimates returns fee estimates for different confirmation targets.
func (m *MempoolBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := m.get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  uint64(result["fastestFee"]),
		HalfHourFee: uint64(result["halfHourFee"]),
		HourFee:     uint64(result["hourFee"]),
		EconomyFee:  uint64(result["economyFee"]),
		MinimumFee:  uint64(result["minimumFee"]),
	}, nil
}

// get performs a GET request and decodes the JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result any) error {
	resp, err := m.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(result)
}

// getText performs a GET request and returns the trimmed body.
func (m *MempoolBackend) getText(ctx context.Context, path string) (string, error) {
	resp, err := m.do(ctx, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (m *MempoolBackend) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func notFoundAs(err, target error) error {
	if errors.Is(err, ErrNotFound) {
		return target
	}
	return err
}

func confirmations(s txStatus, tip int64) int64 {
	if !s.Confirmed || s.BlockHeight <= 0 {
		return 0
	}
	if tip < s.BlockHeight {
		return 1
	}
	return tip - s.BlockHeight + 1
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string   `json:"txid"`
	Version  int32    `json:"version"`
	LockTime uint32   `json:"locktime"`
	Weight   int64    `json:"weight"`
	Fee      uint64   `json:"fee"`
	Status   txStatus `json:"status"`
	Vin      []struct {
		TxID     string   `json:"txid"`
		Vout     uint32   `json:"vout"`
		Witness  []string `json:"witness"`
		Sequence uint32   `json:"sequence"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

func (mt *mempoolTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		Weight:      mt.Weight,
		VSize:       (mt.Weight + 3) / 4,
		LockTime:    mt.LockTime,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		BlockTime:   mt.Status.BlockTime,
		Inputs:      make([]TxInput, len(mt.Vin)),
		Outputs:     make([]TxOutput, len(mt.Vout)),
	}
	for i, vin := range mt.Vin {
		tx.Inputs[i] = TxInput{
			TxID:     vin.TxID,
			Vout:     vin.Vout,
			Witness:  vin.Witness,
			Sequence: vin.Sequence,
		}
	}
	for i, vout := range mt.Vout {
		tx.Outputs[i] = TxOutput{
			ScriptPubKey:     vout.ScriptPubKey,
			ScriptPubKeyAddr: vout.ScriptPubKeyAddr,
			Value:            vout.Value,
		}
	}
	return tx
}

var _ Backend = (*MempoolBackend)(nil)
