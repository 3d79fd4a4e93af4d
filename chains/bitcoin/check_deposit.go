package bitcoin

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// CheckDeposit looks for a confirmed UTXO of at least minAmount at the
// address, using a UTXO-set scan so deposits to runtime-derived addresses
// are visible without a wallet import. Mempool-only deposits are not
// reported; they surface once mined, well before reaching the confirmation
// threshold. Only the native asset exists on Bitcoin; token identifiers
// other than native are rejected.
//
// Parameters:
// - ctx: the context for managing the request.
// - address: the deposit address to inspect.
// - token: must be the native identifier.
// - minAmount: the minimum acceptable deposit amount in satoshis.
//
// Returns:
// - *types.DepositInfo: the most confirmed matching UTXO, nil if absent.
// - error: an error if chain state could not be observed.
func (b *bitcoin) CheckDeposit(_ context.Context, address string, token types.TokenIdentifier, minAmount *big.Int) (*types.DepositInfo, error) {
	b.clientMutex.RLock()
	client := b.client
	b.clientMutex.RUnlock()

	if client == nil {
		return nil, errors.New("client not initialized")
	}

	if !token.IsNative() {
		return nil, errors.New("only native deposits are supported on bitcoin")
	}

	if _, err := btcutil.DecodeAddress(address, b.params); err != nil {
		return nil, errors.Wrap(err, "failed to decode address")
	}

	scan, err := b.scanAddressUnspents(client, address)
	if err != nil {
		return nil, err
	}

	return scan.bestDeposit(minAmount), nil
}

// LatestHeight returns the current chain tip height.
func (b *bitcoin) LatestHeight(_ context.Context) (uint64, error) {
	b.clientMutex.RLock()
	client := b.client
	b.clientMutex.RUnlock()

	if client == nil {
		return 0, errors.New("client not initialized")
	}

	count, err := client.GetBlockCount()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get block count")
	}
	return uint64(count), nil
}
