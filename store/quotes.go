package store

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// CreateQuote inserts a newly issued quote.
//
// Parameters:
// - ctx: the context for managing the request.
// - quote: the quote to insert.
//
// Returns:
// - error: an error if the database operation fails.
func (s *Store) CreateQuote(ctx context.Context, quote *types.Quote) error {
	_, err := s.db.ExecContext(ctx, `
       INSERT INTO quotes (
           id,
           market_maker_id,
           from_chain,
           from_token,
           from_amount,
           from_decimals,
           to_chain,
           to_token,
           to_amount,
           to_decimals,
           expires_at,
           created_at
       ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		quote.ID,
		quote.MarketMakerID,
		string(quote.From.Chain),
		quote.From.Token.String(),
		quote.From.Amount.String(),
		quote.From.Decimals,
		string(quote.To.Chain),
		quote.To.Token.String(),
		quote.To.Amount.String(),
		quote.To.Decimals,
		quote.ExpiresAt,
		quote.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert quote")
	}

	return nil
}

// GetQuote loads a quote by id.
func (s *Store) GetQuote(ctx context.Context, id uuid.UUID) (*types.Quote, error) {
	row := s.db.QueryRowContext(ctx, `
       SELECT id, market_maker_id,
              from_chain, from_token, from_amount, from_decimals,
              to_chain, to_token, to_amount, to_decimals,
              expires_at, created_at
       FROM quotes
       WHERE id = $1`, id)

	quote, err := scanQuote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(commonerrors.ErrQuoteNotFound, "quote %s", id)
		}
		return nil, err
	}

	return quote, nil
}

// ConsumeQuote marks a quote consumed. At most one caller ever succeeds.
func (s *Store) ConsumeQuote(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
       UPDATE quotes
       SET consumed_at = NOW()
       WHERE id = $1 AND consumed_at IS NULL`, id)
	if err != nil {
		return errors.Wrap(err, "failed to consume quote")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if affected == 0 {
		if _, getErr := s.GetQuote(ctx, id); getErr != nil {
			return getErr
		}
		return errors.Wrapf(commonerrors.ErrQuoteConsumed, "quote %s", id)
	}

	return nil
}

// DeleteExpiredQuotes removes unconsumed quotes that expired before the
// cutoff.
func (s *Store) DeleteExpiredQuotes(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
       DELETE FROM quotes
       WHERE consumed_at IS NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired quotes")
	}

	return result.RowsAffected()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanQuote reads one quote row.
func scanQuote(row rowScanner) (*types.Quote, error) {
	var (
		quote                  types.Quote
		fromChain, toChain     string
		fromToken, toToken     string
		fromAmount, toAmount   string
	)

	err := row.Scan(
		&quote.ID, &quote.MarketMakerID,
		&fromChain, &fromToken, &fromAmount, &quote.From.Decimals,
		&toChain, &toToken, &toAmount, &quote.To.Decimals,
		&quote.ExpiresAt, &quote.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	quote.From.Chain = types.ChainType(fromChain)
	quote.From.Token = types.ParseToken(fromToken)
	quote.To.Chain = types.ChainType(toChain)
	quote.To.Token = types.ParseToken(toToken)

	var ok bool
	if quote.From.Amount, ok = new(big.Int).SetString(fromAmount, 10); !ok {
		return nil, errors.Errorf("malformed source amount %q", fromAmount)
	}
	if quote.To.Amount, ok = new(big.Int).SetString(toAmount, 10); !ok {
		return nil, errors.Errorf("malformed destination amount %q", toAmount)
	}

	return &quote, nil
}
