package bitcoin

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// GetBalance sums the confirmed unspent outputs held by the given address,
// found by a UTXO-set scan so derived addresses need no wallet import.
//
// Parameters:
// - ctx: the context for managing the request
// - address: the address to check balance for
// - token: must be the native identifier
//
// Returns:
// - *big.Int: the balance in satoshis
// - error: an error if the balance check fails
func (b *bitcoin) GetBalance(_ context.Context, address string, token types.TokenIdentifier) (*big.Int, error) {
	b.clientMutex.RLock()
	client := b.client
	b.clientMutex.RUnlock()

	if client == nil {
		return nil, errors.New("client not initialized")
	}

	if !token.IsNative() {
		return nil, errors.New("only native balances exist on bitcoin")
	}

	if _, err := btcutil.DecodeAddress(address, b.params); err != nil {
		return nil, errors.Wrap(err, "failed to decode address")
	}

	scan, err := b.scanAddressUnspents(client, address)
	if err != nil {
		return nil, err
	}

	balance := new(big.Int)
	for _, utxo := range scan.Unspents {
		amount, err := btcutil.NewAmount(utxo.Amount)
		if err != nil {
			continue
		}
		balance.Add(balance, big.NewInt(int64(amount)))
	}

	return balance, nil
}
