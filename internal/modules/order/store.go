// README: Order store backed by PostgreSQL (orders, line items, status events).
package order

import (
	"context"
	"errors"
	"time"

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

const orderColumns = `
	id, tenant_id, number, status, status_version,
	subtotal, delivery_fee, total, currency, payment_method, fulfillment, zone_id,
	customer_name, customer_phone, customer_email, customer_address,
	dest_lat, dest_lng, agent_id, created_at, updated_at`

func (s *Store) Create(ctx context.Context, o *Order, first Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var destLat, destLng *float64
		if o.Destination != nil {
			destLat, destLng = &o.Destination.Lat, &o.Destination.Lng
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			        $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			string(o.ID), string(o.TenantID), o.Number, string(o.Status), o.StatusVersion,
			o.Subtotal.Amount, o.DeliveryFee.Amount, o.Total.Amount, o.Total.Currency,
			o.PaymentMethod, string(o.Fulfillment), toStringPtr(o.ZoneID),
			o.Customer.Name, o.Customer.Phone, o.Customer.Email, o.Customer.Address,
			destLat, destLng, toStringPtr(o.AgentID), o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return err
		}
		for i, item := range o.Items {
			_, err := tx.Exec(ctx, `
				INSERT INTO order_items (order_id, position, product_id, name, quantity, variant, unit_price, line_total)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				string(o.ID), i, item.ProductID, item.Name, item.Quantity, item.Variant,
				item.UnitPrice.Amount, item.LineTotal.Amount,
			)
			if err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, &first)
	})
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) GetByNumber(ctx context.Context, tenantID types.ID, number string) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE tenant_id = $1 AND number = $2`,
		string(tenantID), number)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) NextNumber(ctx context.Context, tenantID types.ID) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO tenant_order_counters (tenant_id, last_value) VALUES ($1, 1)
		ON CONFLICT (tenant_id) DO UPDATE SET last_value = tenant_order_counters.last_value + 1
		RETURNING last_value`, string(tenantID),
	).Scan(&n)
	return n, err
}

// UpdateStatus moves the order from -> ev.Status guarded by the version and
// appends the event in the same transaction. It reports false when another
// writer got there first.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from Status, version int, ev Event) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $1,
			    status_version = status_version + 1,
			    updated_at = $2
			WHERE id = $3 AND status = $4 AND status_version = $5`,
			string(ev.Status), ev.CreatedAt, string(id), string(from), version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		applied = true
		return appendEvent(ctx, tx, &ev)
	})
	return applied, err
}

func (s *Store) SetAgent(ctx context.Context, id types.ID, agentID types.ID, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET agent_id = $1, status_version = status_version + 1, updated_at = NOW()
		WHERE id = $2 AND status_version = $3`,
		string(agentID), string(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, status, note, actor_type, actor_id, created_at
		FROM order_status_events
		WHERE order_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var from, actorID *string
		if err := rows.Scan(&e.ID, &e.OrderID, &from, &e.Status, &e.Note, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			e.FromStatus = Status(*from)
		}
		e.ActorID = fromStringPtr(actorID)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListUnassigned returns delivery orders in status that have no agent yet,
// oldest first.
func (s *Store) ListUnassigned(ctx context.Context, status Status, limit int) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND fulfillment = $2 AND agent_id IS NULL
		ORDER BY created_at
		LIMIT $3`, string(status), string(types.FulfillmentDelivery), limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) loadItems(ctx context.Context, o *Order) error {
	rows, err := s.db.Query(ctx, `
		SELECT product_id, name, quantity, variant, unit_price, line_total
		FROM order_items WHERE order_id = $1 ORDER BY position`, string(o.ID))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Quantity, &it.Variant, &it.UnitPrice.Amount, &it.LineTotal.Amount); err != nil {
			return err
		}
		it.UnitPrice.Currency = o.Total.Currency
		it.LineTotal.Currency = o.Total.Currency
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	var from *string
	if e.FromStatus != "" {
		v := string(e.FromStatus)
		from = &v
	}
	return tx.QueryRow(ctx, `
		INSERT INTO order_status_events (order_id, from_status, status, note, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(e.OrderID), from, string(e.Status), e.Note, e.ActorType, toStringPtr(e.ActorID), e.CreatedAt,
	).Scan(&e.ID)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var currency string
	var zoneID, agentID *string
	var destLat, destLng *float64
	err := row.Scan(
		&o.ID, &o.TenantID, &o.Number, &o.Status, &o.StatusVersion,
		&o.Subtotal.Amount, &o.DeliveryFee.Amount, &o.Total.Amount, &currency,
		&o.PaymentMethod, &o.Fulfillment, &zoneID,
		&o.Customer.Name, &o.Customer.Phone, &o.Customer.Email, &o.Customer.Address,
		&destLat, &destLng, &agentID, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Subtotal.Currency = currency
	o.DeliveryFee.Currency = currency
	o.Total.Currency = currency
	o.ZoneID = fromStringPtr(zoneID)
	o.AgentID = fromStringPtr(agentID)
	if destLat != nil && destLng != nil {
		o.Destination = &types.Point{Lat: *destLat, Lng: *destLng}
	}
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func fromStringPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
