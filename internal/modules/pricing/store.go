// README: Delivery zone store backed by PostgreSQL.
package pricing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ListZones(ctx context.Context, tenantID types.ID) ([]Zone, error) {
	rows, err := s.db.Query(ctx, `
		SELECT z.id, z.tenant_id, z.label, z.fee, z.minimum_order, t.currency
		FROM delivery_zones z
		JOIN tenants t ON t.id = z.tenant_id
		WHERE z.tenant_id = $1
		ORDER BY z.label`, string(tenantID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var z Zone
		var currency string
		if err := rows.Scan(&z.ID, &z.TenantID, &z.Label, &z.Fee.Amount, &z.MinimumOrder.Amount, &currency); err != nil {
			return nil, err
		}
		z.Fee.Currency = currency
		z.MinimumOrder.Currency = currency
		zones = append(zones, z)
	}
	return zones, rows.Err()
}
