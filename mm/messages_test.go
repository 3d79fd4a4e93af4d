package mm

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

func TestCompatibleVersion(t *testing.T) {
	assert.True(t, CompatibleVersion(ProtocolVersion))
	assert.True(t, CompatibleVersion("1.2.3"))
	assert.False(t, CompatibleVersion("2.0.0"))
	assert.False(t, CompatibleVersion(""))
	assert.False(t, CompatibleVersion("one"))
}

func TestDecodeResponseRoundTrip(t *testing.T) {
	original := &QuoteValidated{
		Type:      TypeQuoteValidated,
		RequestID: uuid.New(),
		QuoteID:   uuid.New(),
		Accepted:  true,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := DecodeResponse(raw)
	require.NoError(t, err)

	validated, ok := decoded.(*QuoteValidated)
	require.True(t, ok)
	assert.Equal(t, original.RequestID, validated.CorrelationID())
	assert.True(t, validated.Accepted)
}

func TestDecodeResponseUnknownType(t *testing.T) {
	_, err := DecodeResponse([]byte(`{"type":"telepathy","request_id":"x"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrUnknownPayload))
}

func TestDecodeResponseMalformed(t *testing.T) {
	_, err := DecodeResponse([]byte(`not json`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, commonerrors.ErrUnknownPayload))
}

func TestNewValidateQuoteCarriesHash(t *testing.T) {
	quote := &types.Quote{
		ID:            uuid.New(),
		MarketMakerID: uuid.New(),
		From: types.Currency{
			Chain:    types.BITCOIN,
			Token:    types.Native(),
			Amount:   big.NewInt(100000),
			Decimals: 8,
		},
		To: types.Currency{
			Chain:    types.ETHEREUM,
			Token:    types.Native(),
			Amount:   big.NewInt(200000),
			Decimals: 18,
		},
		ExpiresAt: time.Now().Add(time.Minute),
	}

	request := NewValidateQuote(quote, "0x8ba1f109551bD432803012645Ac136ddd64DBA72")

	assert.Equal(t, TypeValidateQuote, request.Type)
	assert.Equal(t, quote.ID, request.QuoteID)
	assert.Len(t, request.QuoteHash, 64)

	// The same quote always hashes the same way.
	again := NewValidateQuote(quote, "0x8ba1f109551bD432803012645Ac136ddd64DBA72")
	assert.Equal(t, request.QuoteHash, again.QuoteHash)
}
