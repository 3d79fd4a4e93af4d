package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tee-otc/settle-lib/common/types"
)

// SendFunds signs and broadcasts a transfer from the derived wallet. The
// signing key is reconstructed from the wallet's bytes for the duration of
// this call only.
//
// Parameters:
// - ctx: the context for managing the request.
// - w: the transiently derived wallet holding the funds.
// - to: the destination address.
// - token: the asset to move.
// - amount: the amount in smallest units.
//
// Returns:
// - string: the broadcast transaction hash.
// - error: an error if signing or broadcast fails.
func (e *evm) SendFunds(ctx context.Context, w *types.Wallet, to string, token types.TokenIdentifier, amount *big.Int) (string, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return "", errors.New("client not initialized")
	}

	privKey, err := crypto.ToECDSA(w.PrivateKey())
	if err != nil {
		return "", errors.Wrap(err, "failed to reconstruct signing key")
	}
	from := crypto.PubkeyToAddress(privKey.PublicKey)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", errors.Wrap(err, "failed to get nonce")
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to get gas price")
	}

	var tx *ethtypes.Transaction
	if token.IsNative() {
		tx = ethtypes.NewTransaction(
			nonce,
			common.HexToAddress(to),
			amount,
			nativeTransferGasLimit,
			gasPrice,
			nil,
		)
	} else {
		tokenAbi, err := abi.JSON(strings.NewReader(ERC20ABI))
		if err != nil {
			return "", errors.Wrap(err, "failed to parse token ABI")
		}

		data, err := tokenAbi.Pack("transfer", common.HexToAddress(to), amount)
		if err != nil {
			return "", errors.Wrap(err, "failed to pack transfer data")
		}

		tx = ethtypes.NewTransaction(
			nonce,
			common.HexToAddress(token.Address),
			big.NewInt(0),
			tokenTransferGasLimit,
			gasPrice,
			data,
		)
	}

	chainID := new(big.Int).SetUint64(e.config.ChainID)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), privKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign transaction")
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return "", errors.Wrap(err, "failed to broadcast transaction")
	}

	e.logger.WithFields(logrus.Fields{
		"chain":  e.config.Name,
		"txHash": signedTx.Hash().Hex(),
		"to":     to,
	}).Info("Broadcast transaction")

	return signedTx.Hash().Hex(), nil
}
