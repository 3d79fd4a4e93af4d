package bitcoin

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// scanUnspent is one confirmed output reported by a scantxoutset scan.
type scanUnspent struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Amount       float64 `json:"amount"`
	Height       uint64  `json:"height"`
}

// scanResult is the portion of the scantxoutset response this package uses.
// Height is the chain tip at scan time, which anchors confirmation counts.
type scanResult struct {
	Success  bool          `json:"success"`
	Height   uint64        `json:"height"`
	Unspents []scanUnspent `json:"unspents"`
}

// scanAddressUnspents scans the UTXO set for confirmed outputs held by an
// address. scantxoutset reads the chainstate directly, so outputs at
// runtime-derived addresses are visible without any wallet import. bitcoind
// runs at most one scan at a time, so scans are serialized process-wide.
//
// Parameters:
// - client: the Bitcoin Core RPC client.
// - address: the address whose outputs to find.
//
// Returns:
// - *scanResult: the confirmed outputs and the tip height at scan time.
// - error: an error if the scan could not be run or did not complete.
func (b *bitcoin) scanAddressUnspents(client *rpcclient.Client, address string) (*scanResult, error) {
	action, err := json.Marshal("start")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal scan action")
	}

	descriptors, err := json.Marshal([]string{fmt.Sprintf("addr(%s)", address)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal scan descriptors")
	}

	b.scanMutex.Lock()
	raw, err := client.RawRequest("scantxoutset", []json.RawMessage{action, descriptors})
	b.scanMutex.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan utxo set")
	}

	return parseScanResult(raw)
}

// parseScanResult decodes a scantxoutset response. An unsuccessful scan is
// an observation failure, never an empty result.
func parseScanResult(raw []byte) (*scanResult, error) {
	var result scanResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode scan result")
	}

	if !result.Success {
		return nil, errors.New("utxo set scan did not complete")
	}

	return &result, nil
}

// bestDeposit returns the most confirmed output of at least minAmount, or
// nil when no output qualifies.
func (r *scanResult) bestDeposit(minAmount *big.Int) *types.DepositInfo {
	var best *types.DepositInfo
	for _, utxo := range r.Unspents {
		amount, err := btcutil.NewAmount(utxo.Amount)
		if err != nil {
			continue
		}

		sats := big.NewInt(int64(amount))
		if sats.Cmp(minAmount) < 0 {
			continue
		}

		confirmations := uint64(1)
		if utxo.Height > 0 && utxo.Height <= r.Height {
			confirmations = r.Height - utxo.Height + 1
		}

		if best != nil && best.Confirmations >= confirmations {
			continue
		}

		best = &types.DepositInfo{
			TxRef:         utxo.TxID,
			Amount:        sats,
			BlockHeight:   utxo.Height,
			Confirmations: confirmations,
			DetectedAt:    time.Now().UTC(),
		}
	}

	return best
}
