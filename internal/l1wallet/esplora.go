package l1wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// EsploraClient implements Indexer against an Esplora-compatible HTTP
// API, the indexer family the reference deployment runs against.
type EsploraClient struct {
	baseURL string
	http    *http.Client
}

// NewEsploraClient builds a client against the given Esplora base URL,
// e.g. "https://blockstream.info/signet/api".
func NewEsploraClient(baseURL string) *EsploraClient {
	return &EsploraClient{baseURL: baseURL, http: &http.Client{}}
}

// FeeRateSatPerVByte fetches the fee estimate for inclusion within the
// next couple of blocks.
func (c *EsploraClient) FeeRateSatPerVByte(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fee-estimates", nil)
	if err != nil {
		return 0, fmt.Errorf("l1wallet: building fee-estimates request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("l1wallet: fetching fee estimates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("l1wallet: fee-estimates returned %s", resp.Status)
	}

	var estimates map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&estimates); err != nil {
		return 0, fmt.Errorf("l1wallet: decoding fee estimates: %w", err)
	}
	rate, ok := estimates["2"]
	if !ok {
		for _, v := range estimates {
			rate = v
			break
		}
	}
	if rate <= 0 {
		return 0, fmt.Errorf("l1wallet: no usable fee estimate returned")
	}
	return int64(rate) + 1, nil
}

type esploraUTXO struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

// ListUnspent fetches every unspent output for the addresses a ranged
// descriptor covers. Esplora doesn't understand output descriptors
// natively, so the descriptor's addresses must already have been
// registered with the indexer out of band (the reference deployment does
// this via its indexer's address-subscription endpoint); this method
// queries the indexer's UTXO endpoint per already-known address.
func (c *EsploraClient) ListUnspent(ctx context.Context, addresses []string) ([]UTXO, error) {
	var out []UTXO
	for _, addr := range addresses {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/address/"+addr+"/utxo", nil)
		if err != nil {
			return nil, fmt.Errorf("l1wallet: building utxo request for %s: %w", addr, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("l1wallet: fetching utxos for %s: %w", addr, err)
		}
		var raw []esploraUTXO
		decodeErr := json.NewDecoder(resp.Body).Decode(&raw)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("l1wallet: utxo lookup for %s returned %s", addr, resp.Status)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("l1wallet: decoding utxos for %s: %w", addr, decodeErr)
		}
		for _, u := range raw {
			hash, err := chainhashFromHex(u.TxID)
			if err != nil {
				return nil, err
			}
			out = append(out, UTXO{TxID: hash, Vout: u.Vout, Value: btcutil.Amount(u.Value)})
		}
	}
	return out, nil
}

// Broadcast submits tx's raw serialization to the indexer's broadcast
// endpoint.
func (c *EsploraClient) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("l1wallet: serializing tx: %w", err)
	}
	body := hex.EncodeToString(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("l1wallet: building broadcast request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("l1wallet: broadcasting tx: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("l1wallet: broadcast returned %s", resp.Status)
	}
	return nil
}
