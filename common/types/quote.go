package types

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Currency describes an asset and amount on a specific chain.
type Currency struct {
	Chain    ChainType
	Token    TokenIdentifier
	Amount   *big.Int
	Decimals uint8
}

// Quote is a time-bounded, priced offer to exchange a source amount for a
// destination amount. Quotes are immutable once issued and are consumed by
// exactly one swap.
type Quote struct {
	ID            uuid.UUID
	MarketMakerID uuid.UUID

	// From is the currency the user will send.
	From Currency

	// To is the currency the user will receive.
	To Currency

	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired reports whether the quote has expired at the given time.
func (q *Quote) IsExpired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Hash returns a digest of the quote's priced terms. It is sent along with
// quote validation requests so the market maker can verify the terms it is
// being asked to fill.
func (q *Quote) Hash() [32]byte {
	h := sha256.New()
	h.Write(q.ID[:])
	h.Write(q.MarketMakerID[:])
	writeCurrency(h, &q.From)
	writeCurrency(h, &q.To)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(q.ExpiresAt.Unix()))
	h.Write(ts[:])

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func writeCurrency(h interface{ Write([]byte) (int, error) }, c *Currency) {
	h.Write([]byte(c.Chain))
	h.Write([]byte{0})
	h.Write([]byte(c.Token.String()))
	h.Write([]byte{0})
	if c.Amount != nil {
		h.Write(c.Amount.Bytes())
	}
	h.Write([]byte{0, c.Decimals})
}
