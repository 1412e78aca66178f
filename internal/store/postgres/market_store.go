package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbfeed/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Upsert inserts or updates a single market.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (id, exchange, question, token_ids, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), NOW())
		ON CONFLICT (id) DO UPDATE SET
			exchange   = EXCLUDED.exchange,
			question   = EXCLUDED.question,
			token_ids  = EXCLUDED.token_ids,
			status     = EXCLUDED.status,
			updated_at = NOW()`

	var createdAt any
	if !m.CreatedAt.IsZero() {
		createdAt = m.CreatedAt
	}
	status := m.Status
	if status == "" {
		status = domain.MarketStatusActive
	}

	_, err := s.pool.Exec(ctx, query,
		string(m.ID), m.Exchange, m.Question, tokenStrings(m.TokenIDs), string(status), createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// ActiveTokenIDs returns the subscription keys of the most recently updated
// active markets on exchange, deduplicated in order. limit <= 0 means no
// limit.
func (s *MarketStore) ActiveTokenIDs(ctx context.Context, exchange string, limit int) ([]domain.TokenID, error) {
	query := `
		SELECT token_ids FROM markets
		WHERE exchange = $1 AND status = $2
		ORDER BY updated_at DESC`
	args := []any{exchange, string(domain.MarketStatusActive)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: active tokens %s: %w", exchange, err)
	}
	defer rows.Close()

	seen := make(map[domain.TokenID]struct{})
	var out []domain.TokenID
	for rows.Next() {
		var tokens []string
		if err := rows.Scan(&tokens); err != nil {
			return nil, fmt.Errorf("postgres: scan active tokens: %w", err)
		}
		for _, t := range domain.TokenIDs(tokens) {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate active tokens: %w", err)
	}
	return out, nil
}

// MarkSettled flags a market as settled so it is no longer streamed.
func (s *MarketStore) MarkSettled(ctx context.Context, id domain.MarketID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = NOW() WHERE id = $1`,
		string(id), string(domain.MarketStatusSettled))
	if err != nil {
		return fmt.Errorf("postgres: mark settled %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func tokenStrings(ids []domain.TokenID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
