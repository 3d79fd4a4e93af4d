package types

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func hashableQuote() *Quote {
	id, _ := uuid.Parse("11111111-1111-1111-1111-111111111111")
	mmID, _ := uuid.Parse("22222222-2222-2222-2222-222222222222")

	return &Quote{
		ID:            id,
		MarketMakerID: mmID,
		From: Currency{
			Chain:    BITCOIN,
			Token:    Native(),
			Amount:   big.NewInt(100000),
			Decimals: 8,
		},
		To: Currency{
			Chain:    ETHEREUM,
			Token:    Token("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
			Amount:   big.NewInt(200000),
			Decimals: 18,
		},
		ExpiresAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestQuoteHashStable(t *testing.T) {
	assert.Equal(t, hashableQuote().Hash(), hashableQuote().Hash())
}

func TestQuoteHashCoversPricedTerms(t *testing.T) {
	base := hashableQuote().Hash()

	amount := hashableQuote()
	amount.To.Amount = big.NewInt(200001)
	assert.NotEqual(t, base, amount.Hash())

	token := hashableQuote()
	token.To.Token = Native()
	assert.NotEqual(t, base, token.Hash())

	expiry := hashableQuote()
	expiry.ExpiresAt = expiry.ExpiresAt.Add(time.Second)
	assert.NotEqual(t, base, expiry.Hash())

	maker := hashableQuote()
	maker.MarketMakerID = uuid.New()
	assert.NotEqual(t, base, maker.Hash())
}

func TestQuoteExpiry(t *testing.T) {
	quote := hashableQuote()

	assert.False(t, quote.IsExpired(quote.ExpiresAt.Add(-time.Second)))
	assert.True(t, quote.IsExpired(quote.ExpiresAt.Add(time.Second)))
}

func TestTokenIdentifierRoundTrip(t *testing.T) {
	assert.True(t, Native().IsNative())
	assert.Equal(t, NativeToken, Native().String())

	assert.Equal(t, Native(), ParseToken(NativeToken))
	assert.Equal(t, Native(), ParseToken(""))

	dai := Token("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	assert.False(t, dai.IsNative())
	assert.Equal(t, dai, ParseToken(dai.String()))
}

func TestStatusTerminality(t *testing.T) {
	terminal := []SwapStatus{StatusCompleted, StatusFailed}
	for _, status := range terminal {
		assert.True(t, status.IsTerminal(), "%s", status)
	}

	active := []SwapStatus{
		StatusWaitingUserDeposit,
		StatusWaitingMMDeposit,
		StatusWaitingConfirmations,
		StatusSettling,
		StatusRefundingUser,
		StatusRefundingBoth,
	}
	for _, status := range active {
		assert.False(t, status.IsTerminal(), "%s", status)
	}
}
