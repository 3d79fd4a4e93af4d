package wallet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tee-otc/settle-lib/common/types"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0xAB}, 32)
	salt := bytes.Repeat([]byte{0x01}, SaltSize)
	info := Info(uuid.New(), types.RoleUser, types.BITCOIN)

	first, err := DeriveKey(masterKey, salt, info)
	require.NoError(t, err)

	second, err := DeriveKey(masterKey, salt, info)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDeriveKeyDomainSeparation(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0xAB}, 32)
	salt := bytes.Repeat([]byte{0x01}, SaltSize)

	swapA := uuid.New()
	swapB := uuid.New()

	infos := []string{
		Info(swapA, types.RoleUser, types.BITCOIN),
		Info(swapA, types.RoleUser, types.ETHEREUM),
		Info(swapA, types.RoleMM, types.BITCOIN),
		Info(swapB, types.RoleUser, types.BITCOIN),
	}

	seen := make(map[[32]byte]string, len(infos))
	for _, info := range infos {
		key, err := DeriveKey(masterKey, salt, info)
		require.NoError(t, err)

		prev, dup := seen[key]
		require.False(t, dup, "info %q collides with %q", info, prev)
		seen[key] = info
	}
}

func TestDeriveKeyVariesWithInputs(t *testing.T) {
	info := Info(uuid.New(), types.RoleUser, types.ETHEREUM)

	base, err := DeriveKey(bytes.Repeat([]byte{0xAB}, 32), bytes.Repeat([]byte{0x01}, SaltSize), info)
	require.NoError(t, err)

	otherMaster, err := DeriveKey(bytes.Repeat([]byte{0xAC}, 32), bytes.Repeat([]byte{0x01}, SaltSize), info)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherMaster)

	otherSalt, err := DeriveKey(bytes.Repeat([]byte{0xAB}, 32), bytes.Repeat([]byte{0x02}, SaltSize), info)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSalt)
}

func TestNewSaltAndNonce(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)

	other, err := NewSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt, other)

	nonce, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)
}

func TestWalletNeverExposesKey(t *testing.T) {
	key := []byte("super-secret-private-key-bytes!!")
	wallet := types.NewWallet("0x8ba1f109551bD432803012645Ac136ddd64DBA72", key)

	rendered := fmt.Sprintf("%v %s %#v", wallet, wallet, wallet)
	assert.NotContains(t, rendered, "super-secret")
	assert.Contains(t, rendered, wallet.Address())

	encoded, err := json.Marshal(wallet)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "super-secret")

	wallet.Wipe()
	assert.Nil(t, wallet.PrivateKey())
	for _, b := range key {
		assert.Zero(t, b)
	}
}
