package bitcoin

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tee-otc/settle-lib/common/types"
	"github.com/tee-otc/settle-lib/wallet"
)

// DeriveWallet derives the P2WPKH deposit wallet for a (swap, role, salt)
// triple on the Bitcoin chain. The derivation is pure; the resulting private
// key lives only in the returned wallet and must be wiped by the caller
// after signing.
//
// Parameters:
// - masterKey: the enclave master key.
// - swapID: the swap the wallet belongs to.
// - role: which side of the swap the wallet holds.
// - salt: the per-swap secret salt.
//
// Returns:
// - *types.Wallet: the derived wallet.
// - error: an error if key derivation or address encoding fails.
func (b *bitcoin) DeriveWallet(masterKey []byte, swapID uuid.UUID, role types.DepositRole, salt []byte) (*types.Wallet, error) {
	key, err := wallet.DeriveKey(masterKey, salt, wallet.Info(swapID, role, types.BITCOIN))
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}

	_, pubKey := btcec.PrivKeyFromBytes(key[:])

	address, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()),
		b.params,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode address")
	}

	return types.NewWallet(address.EncodeAddress(), key[:]), nil
}

// ValidateAddress reports whether the address parses and belongs to the
// configured network.
func (b *bitcoin) ValidateAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(b.params)
}
