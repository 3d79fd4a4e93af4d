package evm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
	"github.com/tee-otc/settle-lib/wallet"
)

// DeriveWallet derives the deposit wallet for a (swap, role, salt) triple on
// the EVM chain. The derivation is pure; the resulting private key lives
// only in the returned wallet and must be wiped by the caller after signing.
//
// Parameters:
// - masterKey: the enclave master key.
// - swapID: the swap the wallet belongs to.
// - role: which side of the swap the wallet holds.
// - salt: the per-swap secret salt.
//
// Returns:
// - *types.Wallet: the derived wallet.
// - error: an error if key derivation fails or the derived bytes are not a
//   valid secp256k1 scalar.
func (e *evm) DeriveWallet(masterKey []byte, swapID uuid.UUID, role types.DepositRole, salt []byte) (*types.Wallet, error) {
	key, err := wallet.DeriveKey(masterKey, salt, wallet.Info(swapID, role, types.ETHEREUM))
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}

	privKey, err := crypto.ToECDSA(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "derived bytes are not a valid private key")
	}

	address := crypto.PubkeyToAddress(privKey.PublicKey)

	return types.NewWallet(address.Hex(), key[:]), nil
}

// ValidateAddress reports whether the address is a valid hex EVM address.
func (e *evm) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}
