package evm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
)

// transferTopic is the keccak hash of the ERC20 Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// CheckDeposit looks for an ERC20 transfer of at least minAmount to the
// address within the scan window. Native deposits are not supported on EVM
// chains; the swappable EVM assets are tokens.
//
// Parameters:
// - ctx: the context for managing the request.
// - address: the deposit address to inspect.
// - token: the token expected at the address.
// - minAmount: the minimum acceptable deposit amount.
//
// Returns:
// - *types.DepositInfo: the most confirmed matching transfer, nil if absent.
// - error: an error if chain state could not be observed.
func (e *evm) CheckDeposit(ctx context.Context, address string, token types.TokenIdentifier, minAmount *big.Int) (*types.DepositInfo, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return nil, errors.New("client not initialized")
	}

	if token.IsNative() {
		return nil, errors.New("native deposits are not supported on EVM chains")
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get current block number")
	}

	fromBlock := uint64(0)
	if head > depositLookbackBlocks {
		fromBlock = head - depositLookbackBlocks
	}

	recipient := common.HexToAddress(address)
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{common.HexToAddress(token.Address)},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	}

	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to filter transfer logs")
	}

	var best *types.DepositInfo
	for _, log := range logs {
		if log.Removed || len(log.Data) == 0 {
			continue
		}

		amount := new(big.Int).SetBytes(log.Data)
		if amount.Cmp(minAmount) < 0 {
			continue
		}

		confirmations := head - log.BlockNumber + 1
		if best != nil && best.Confirmations >= confirmations {
			continue
		}

		best = &types.DepositInfo{
			TxRef:         log.TxHash.Hex(),
			Amount:        amount,
			BlockHeight:   log.BlockNumber,
			BlockHash:     log.BlockHash.Hex(),
			Confirmations: confirmations,
			DetectedAt:    time.Now().UTC(),
		}
	}

	return best, nil
}

// LatestHeight returns the current chain tip height.
func (e *evm) LatestHeight(ctx context.Context) (uint64, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return 0, errors.New("client not initialized")
	}

	return client.BlockNumber(ctx)
}
