package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// GetBalance gets the balance of token held by the given address.
// For native balances, pass the native token identifier.
//
// Parameters:
// - ctx: the context for managing the request
// - address: the address to check balance for
// - token: the asset whose balance to read
//
// Returns:
// - *big.Int: the balance
// - error: an error if the balance check fails
func (e *evm) GetBalance(ctx context.Context, address string, token types.TokenIdentifier) (*big.Int, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return nil, errors.New("client not initialized")
	}

	// Check if requesting native token balance
	if token.IsNative() {
		balance, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get native token balance")
		}
		return balance, nil
	}

	// For ERC20 tokens
	tokenAbi, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse token ABI")
	}

	data, err := tokenAbi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack balanceOf data")
	}

	tokenAddr := common.HexToAddress(token.Address)
	result, err := client.CallContract(ctx, ethereum.CallMsg{
		To:   &tokenAddr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to call balanceOf")
	}

	return new(big.Int).SetBytes(result), nil
}
