// Package wallet implements deterministic per-swap key derivation. A swap's
// deposit keys are never stored: they are re-derived on demand from the
// enclave master key and the swap's secret salt, with the swap id, role, and
// chain mixed into the derivation so the same salt can never map to the same
// key twice.
package wallet

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/tee-otc/settle-lib/common/types"
)

const (
	// SaltSize is the size of a deposit salt in bytes.
	SaltSize = 32
	// NonceSize is the size of the market maker payment nonce in bytes.
	NonceSize = 16
)

// DeriveKey derives a 32-byte private key from the master key, the swap
// salt, and a derivation info string. The derivation is pure and cheap, so
// it can be repeated for verification without risk.
//
// Parameters:
// - masterKey: the enclave master key.
// - salt: the per-swap secret salt.
// - info: the derivation path built by Info.
//
// Returns:
// - [32]byte: the derived private key.
// - error: an error if the key material could not be expanded.
func DeriveKey(masterKey, salt []byte, info string) ([32]byte, error) {
	var key [32]byte

	hk := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return key, errors.Wrap(err, "failed to expand key material")
	}

	return key, nil
}

// Info builds the derivation path for a (swap, role, chain) triple. Mixing
// the swap id in makes derivations collision-resistant across swaps even if
// two swaps were ever issued identical salts.
func Info(swapID uuid.UUID, role types.DepositRole, chain types.ChainType) string {
	return fmt.Sprintf("settle/v1/%s/%s/%s", swapID, role, chain)
}

// NewSalt generates a fresh random deposit salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}
	return salt, nil
}

// NewNonce generates a fresh random market maker payment nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return nonce, nil
}
