package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// TxStatus returns the confirmation status of a transaction. Bitcoin Core
// reports zero or negative confirmations for transactions that left the
// canonical chain, which is surfaced as NOT_FOUND so the watcher can retract
// the deposit.
//
// Parameters:
// - ctx: the context for managing the request.
// - txRef: the transaction id.
//
// Returns:
// - types.TxStatus: the observed status.
// - error: an error if chain state could not be observed. The returned
//   status is UNKNOWN in that case, never a fabricated depth.
func (b *bitcoin) TxStatus(_ context.Context, txRef string) (types.TxStatus, error) {
	b.clientMutex.RLock()
	client := b.client
	b.clientMutex.RUnlock()

	if client == nil {
		return types.TxStatus{State: types.TxStateUnknown}, errors.New("client not initialized")
	}

	hash, err := chainhash.NewHashFromStr(txRef)
	if err != nil {
		return types.TxStatus{State: types.TxStateUnknown}, errors.Wrap(err, "failed to parse transaction id")
	}

	tx, err := client.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return types.TxStatus{State: types.TxStateNotFound}, nil
		}
		return types.TxStatus{State: types.TxStateUnknown}, errors.Wrap(err, "failed to get transaction")
	}

	if tx.Confirmations == 0 && tx.BlockHash == "" {
		// In mempool only.
		return types.TxStatus{State: types.TxStateConfirmed, Confirmations: 0}, nil
	}

	return types.TxStatus{
		State:         types.TxStateConfirmed,
		Confirmations: tx.Confirmations,
		BlockHash:     tx.BlockHash,
	}, nil
}
