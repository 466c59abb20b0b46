// README: Tenant registry backed by PostgreSQL (tenants + legacy aliases).
package tenant

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Lookup resolves candidate either as a canonical id or as a registered alias.
func (s *Store) Lookup(ctx context.Context, candidate string) (Tenant, error) {
	row := s.db.QueryRow(ctx, `
		SELECT t.id, t.display_name, t.order_prefix, t.currency,
		       t.default_delivery_fee, t.minimum_order
		FROM tenants t
		WHERE t.active
		  AND (t.id = $1 OR t.id = (SELECT a.tenant_id FROM tenant_aliases a WHERE a.alias = $1))`,
		candidate,
	)
	var t Tenant
	var currency string
	err := row.Scan(&t.ID, &t.DisplayName, &t.OrderPrefix, &currency,
		&t.Pricing.DefaultDeliveryFee.Amount, &t.Pricing.MinimumOrder.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotRegistered
	}
	if err != nil {
		return Tenant{}, err
	}
	t.Pricing.Currency = currency
	t.Pricing.DefaultDeliveryFee.Currency = currency
	t.Pricing.MinimumOrder.Currency = currency
	return t, nil
}

// Get loads a tenant by canonical id only.
func (s *Store) Get(ctx context.Context, id types.ID) (Tenant, error) {
	t, err := s.Lookup(ctx, string(id))
	if err != nil {
		return Tenant{}, err
	}
	if t.ID != id {
		return Tenant{}, ErrNotRegistered
	}
	return t, nil
}
