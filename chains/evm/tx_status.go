package evm

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// TxStatus returns the confirmation status of a transaction. The inclusion
// block's canonical hash is re-checked on every call so a deposit whose
// block was reorganized away reports NOT_FOUND instead of a stale depth.
//
// Parameters:
// - ctx: the context for managing the request.
// - txRef: the transaction hash.
//
// Returns:
// - types.TxStatus: the observed status.
// - error: an error if chain state could not be observed. The returned
//   status is UNKNOWN in that case, never a fabricated depth.
func (e *evm) TxStatus(ctx context.Context, txRef string) (types.TxStatus, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return types.TxStatus{State: types.TxStateUnknown}, errors.New("client not initialized")
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return types.TxStatus{State: types.TxStateNotFound}, nil
		}
		return types.TxStatus{State: types.TxStateUnknown}, errors.Wrap(err, "failed to get transaction receipt")
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return types.TxStatus{State: types.TxStateUnknown}, errors.Wrap(err, "failed to get current block number")
	}

	// Reorg check: the block the receipt points at must still be canonical.
	header, err := client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return types.TxStatus{State: types.TxStateUnknown}, errors.Wrap(err, "failed to get header at receipt height")
	}
	if header.Hash() != receipt.BlockHash {
		return types.TxStatus{State: types.TxStateNotFound}, nil
	}

	blockNumber := receipt.BlockNumber.Uint64()
	confirmations := uint64(0)
	if head >= blockNumber {
		confirmations = head - blockNumber + 1
	}

	return types.TxStatus{
		State:         types.TxStateConfirmed,
		Confirmations: confirmations,
		BlockHash:     receipt.BlockHash.Hex(),
	}, nil
}
