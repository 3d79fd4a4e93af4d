package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
	"github.com/tee-otc/settle-lib/common/types"
)

// swapColumns is the select list shared by every swap query, joined with
// the originating quote.
const swapColumns = `
       s.id, s.quote_id, s.market_maker_id,
       s.user_deposit_salt, s.mm_deposit_salt, s.mm_nonce,
       s.user_destination_address, s.user_refund_address, s.mm_refund_address,
       s.user_deposit_address, s.mm_deposit_address,
       s.status, s.user_deposit, s.mm_deposit, s.settlement,
       s.failure_reason, s.timeout_at, s.mm_notified_at, s.mm_key_release_at,
       s.created_at, s.updated_at,
       q.id, q.market_maker_id,
       q.from_chain, q.from_token, q.from_amount, q.from_decimals,
       q.to_chain, q.to_token, q.to_amount, q.to_decimals,
       q.expires_at, q.created_at`

// CreateSwap inserts a newly created swap.
//
// Parameters:
// - ctx: the context for managing the request.
// - swap: the swap aggregate to insert.
//
// Returns:
// - error: an error if the database operation fails.
func (s *Store) CreateSwap(ctx context.Context, swap *types.Swap) error {
	userDeposit, mmDeposit, settlement, err := marshalSwapState(swap)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
       INSERT INTO swaps (
           id,
           quote_id,
           market_maker_id,
           user_deposit_salt,
           mm_deposit_salt,
           mm_nonce,
           user_destination_address,
           user_refund_address,
           mm_refund_address,
           user_deposit_address,
           mm_deposit_address,
           status,
           user_deposit,
           mm_deposit,
           settlement,
           failure_reason,
           timeout_at,
           mm_notified_at,
           mm_key_release_at,
           created_at,
           updated_at
       ) VALUES (
           $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
           $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
       )`,
		swap.ID,
		swap.QuoteID,
		swap.MarketMakerID,
		swap.UserDepositSalt,
		swap.MMDepositSalt,
		swap.MMNonce,
		swap.UserDestinationAddress,
		swap.UserRefundAddress,
		swap.MMRefundAddress,
		swap.UserDepositAddress,
		swap.MMDepositAddress,
		swap.Status.String(),
		userDeposit,
		mmDeposit,
		settlement,
		swap.FailureReason,
		swap.TimeoutAt,
		swap.MMNotifiedAt,
		swap.MMKeyReleaseAt,
		swap.CreatedAt,
		swap.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert swap")
	}

	return nil
}

// GetSwap loads a swap with its quote by id.
func (s *Store) GetSwap(ctx context.Context, id uuid.UUID) (*types.Swap, error) {
	row := s.db.QueryRowContext(ctx, `
       SELECT `+swapColumns+`
       FROM swaps s
       JOIN quotes q ON q.id = s.quote_id
       WHERE s.id = $1`, id)

	swap, err := scanSwap(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(commonerrors.ErrSwapNotFound, "swap %s", id)
		}
		return nil, err
	}

	return swap, nil
}

// UpdateSwap persists the swap's mutable fields, guarded by the expected
// current status. A mismatch means another instance transitioned the swap
// first and yields ErrStatusConflict.
func (s *Store) UpdateSwap(ctx context.Context, swap *types.Swap, expected types.SwapStatus) error {
	userDeposit, mmDeposit, settlement, err := marshalSwapState(swap)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
       UPDATE swaps
       SET status = $1,
           user_deposit = $2,
           mm_deposit = $3,
           settlement = $4,
           failure_reason = $5,
           mm_refund_address = $6,
           mm_notified_at = $7,
           mm_key_release_at = $8,
           updated_at = $9
       WHERE id = $10 AND status = $11`,
		swap.Status.String(),
		userDeposit,
		mmDeposit,
		settlement,
		swap.FailureReason,
		swap.MMRefundAddress,
		swap.MMNotifiedAt,
		swap.MMKeyReleaseAt,
		swap.UpdatedAt,
		swap.ID,
		expected.String(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update swap")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}

	if affected == 0 {
		if _, getErr := s.GetSwap(ctx, swap.ID); getErr != nil {
			return getErr
		}
		return errors.Wrapf(commonerrors.ErrStatusConflict,
			"swap %s no longer in status %s", swap.ID, expected)
	}

	return nil
}

// SwapsByStatus lists swaps in any of the given statuses.
func (s *Store) SwapsByStatus(ctx context.Context, statuses ...types.SwapStatus) ([]*types.Swap, error) {
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, status.String())
	}

	rows, err := s.db.QueryContext(ctx, `
       SELECT `+swapColumns+`
       FROM swaps s
       JOIN quotes q ON q.id = s.quote_id
       WHERE s.status = ANY($1)
       ORDER BY s.created_at`, pq.Array(names))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query swaps by status")
	}
	defer rows.Close()

	return collectSwaps(rows)
}

// SwapsByMarketMaker lists swaps belonging to one market maker.
func (s *Store) SwapsByMarketMaker(ctx context.Context, mmID uuid.UUID) ([]*types.Swap, error) {
	rows, err := s.db.QueryContext(ctx, `
       SELECT `+swapColumns+`
       FROM swaps s
       JOIN quotes q ON q.id = s.quote_id
       WHERE s.market_maker_id = $1
       ORDER BY s.created_at`, mmID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query swaps by market maker")
	}
	defer rows.Close()

	return collectSwaps(rows)
}

// SwapsNearTimeout lists active swaps whose deadline falls within the
// window from now.
func (s *Store) SwapsNearTimeout(ctx context.Context, within time.Duration) ([]*types.Swap, error) {
	cutoff := time.Now().UTC().Add(within)

	rows, err := s.db.QueryContext(ctx, `
       SELECT `+swapColumns+`
       FROM swaps s
       JOIN quotes q ON q.id = s.quote_id
       WHERE s.timeout_at <= $1
         AND s.status NOT IN ($2, $3)
       ORDER BY s.timeout_at`,
		cutoff,
		types.StatusCompleted.String(),
		types.StatusFailed.String(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query swaps near timeout")
	}
	defer rows.Close()

	return collectSwaps(rows)
}

// marshalSwapState encodes the nullable JSON columns of a swap.
func marshalSwapState(swap *types.Swap) ([]byte, []byte, []byte, error) {
	encode := func(v interface{}, isNil bool) ([]byte, error) {
		if isNil {
			return nil, nil
		}
		return json.Marshal(v)
	}

	userDeposit, err := encode(depositToJSON(swap.UserDeposit), swap.UserDeposit == nil)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to encode user deposit")
	}

	mmDeposit, err := encode(depositToJSON(swap.MMDeposit), swap.MMDeposit == nil)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to encode market maker deposit")
	}

	settlement, err := encode(settlementToJSON(swap.Settlement), swap.Settlement == nil)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to encode settlement")
	}

	return userDeposit, mmDeposit, settlement, nil
}

// scanSwap reads one joined swap row.
func scanSwap(row rowScanner) (*types.Swap, error) {
	var (
		swap                 types.Swap
		quote                types.Quote
		status               string
		userDepositRaw       []byte
		mmDepositRaw         []byte
		settlementRaw        []byte
		fromChain, toChain   string
		fromToken, toToken   string
		fromAmount, toAmount string
	)

	err := row.Scan(
		&swap.ID, &swap.QuoteID, &swap.MarketMakerID,
		&swap.UserDepositSalt, &swap.MMDepositSalt, &swap.MMNonce,
		&swap.UserDestinationAddress, &swap.UserRefundAddress, &swap.MMRefundAddress,
		&swap.UserDepositAddress, &swap.MMDepositAddress,
		&status, &userDepositRaw, &mmDepositRaw, &settlementRaw,
		&swap.FailureReason, &swap.TimeoutAt, &swap.MMNotifiedAt, &swap.MMKeyReleaseAt,
		&swap.CreatedAt, &swap.UpdatedAt,
		&quote.ID, &quote.MarketMakerID,
		&fromChain, &fromToken, &fromAmount, &quote.From.Decimals,
		&toChain, &toToken, &toAmount, &quote.To.Decimals,
		&quote.ExpiresAt, &quote.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	swap.Status = types.SwapStatus(status)

	quote.From.Chain = types.ChainType(fromChain)
	quote.From.Token = types.ParseToken(fromToken)
	quote.To.Chain = types.ChainType(toChain)
	quote.To.Token = types.ParseToken(toToken)

	var ok bool
	if quote.From.Amount, ok = newBigInt(fromAmount); !ok {
		return nil, errors.Errorf("malformed source amount %q", fromAmount)
	}
	if quote.To.Amount, ok = newBigInt(toAmount); !ok {
		return nil, errors.Errorf("malformed destination amount %q", toAmount)
	}
	swap.Quote = &quote

	if swap.UserDeposit, err = decodeDeposit(userDepositRaw); err != nil {
		return nil, errors.Wrap(err, "failed to decode user deposit")
	}
	if swap.MMDeposit, err = decodeDeposit(mmDepositRaw); err != nil {
		return nil, errors.Wrap(err, "failed to decode market maker deposit")
	}
	if swap.Settlement, err = decodeSettlement(settlementRaw); err != nil {
		return nil, errors.Wrap(err, "failed to decode settlement")
	}

	return &swap, nil
}

// collectSwaps drains a result set.
func collectSwaps(rows *sql.Rows) ([]*types.Swap, error) {
	var swaps []*types.Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}

	return swaps, rows.Err()
}

func decodeDeposit(raw []byte) (*types.DepositRecord, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var stored depositJSON
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}

	return depositFromJSON(&stored)
}

func decodeSettlement(raw []byte) (*types.SettlementRecord, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var stored settlementJSON
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}

	return settlementFromJSON(&stored), nil
}
