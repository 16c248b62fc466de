package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/database"
	"github.com/jmoiron/sqlx"
)

var ErrNotEditable = errors.New("order can no longer be edited")

const orderColumns = `order_id, shop_id, cart_token, currency, total, current_status, email,
	customer_id, receipt_sent, expires_at, created_at, updated_at`

const itemColumns = `item_id, order_id, product_id, name, product_type, price, quantity,
	current_status, stock_committed, created_at`

// Create inserts the order, its items and the initial WAITING_FOR_PAYMENT
// event. It must run inside a transaction.
func Create(ctx context.Context, tx sqlx.ExtContext, o Order) error {
	const q = `
	INSERT INTO orders (order_id, shop_id, cart_token, currency, total, current_status, email,
		expires_at, created_at, updated_at)
	VALUES (:order_id, :shop_id, :cart_token, :currency, :total, :current_status, :email,
		:expires_at, :created_at, :updated_at)`

	o.Status = StatusWaitingForPayment
	if _, err := sqlx.NamedExecContext(ctx, tx, q, o); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}

	const qe = `INSERT INTO order_status_events (order_id, status, created_at) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, qe, o.ID, StatusWaitingForPayment, o.CreatedAt); err != nil {
		return fmt.Errorf("inserting initial status of order[%s]: %w", o.ID, err)
	}

	for _, it := range o.Items {
		it.OrderID = o.ID
		if err := CreateItem(ctx, tx, it); err != nil {
			return err
		}
	}
	return nil
}

func CreateItem(ctx context.Context, tx sqlx.ExtContext, it Item) error {
	const q = `
	INSERT INTO order_items (item_id, order_id, product_id, name, product_type, price, quantity,
		current_status, created_at)
	VALUES (:item_id, :order_id, :product_id, :name, :product_type, :price, :quantity,
		:current_status, :created_at)`

	it.Status = ItemPending
	if _, err := sqlx.NamedExecContext(ctx, tx, q, it); err != nil {
		return fmt.Errorf("inserting item of order[%s]: %w", it.OrderID, err)
	}

	const qe = `INSERT INTO order_item_status_events (item_id, status, created_at) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, qe, it.ID, ItemPending, it.CreatedAt); err != nil {
		return fmt.Errorf("inserting initial status of item[%s]: %w", it.ID, err)
	}
	return nil
}

func CreateVisitorData(ctx context.Context, tx sqlx.ExtContext, vd VisitorData) error {
	const q = `
	INSERT INTO order_visitor_data (order_id, ip_address, using_vpn, latitude, longitude, city,
		region, postal_code, country, user_agent, created_at)
	VALUES (:order_id, :ip_address, :using_vpn, :latitude, :longitude, :city,
		:region, :postal_code, :country, :user_agent, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, tx, q, vd); err != nil {
		return fmt.Errorf("inserting visitor data of order[%s]: %w", vd.OrderID, err)
	}
	return nil
}

func FetchVisitorData(ctx context.Context, db sqlx.ExtContext, id string) (VisitorData, error) {
	const q = `
	SELECT order_id, ip_address, using_vpn, latitude, longitude, city, region, postal_code,
		country, user_agent, created_at
	FROM order_visitor_data
	WHERE order_id = $1`

	var vd VisitorData
	if err := sqlx.GetContext(ctx, db, &vd, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VisitorData{}, fmt.Errorf("visitor data of order[%s]: %w", id, ErrNotFound)
		}
		return VisitorData{}, fmt.Errorf("selecting visitor data of order[%s]: %w", id, err)
	}
	return vd, nil
}

// Fetch returns the order with its items.
func Fetch(ctx context.Context, db sqlx.ExtContext, id string) (Order, error) {
	return fetch(ctx, db, id, false)
}

func fetch(ctx context.Context, db sqlx.ExtContext, id string, lock bool) (Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = $1`
	if lock {
		q += ` FOR UPDATE`
	}

	var o Order
	if err := sqlx.GetContext(ctx, db, &o, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, fmt.Errorf("order[%s]: %w", id, ErrNotFound)
		}
		return Order{}, fmt.Errorf("selecting order[%s]: %w", id, err)
	}

	items, err := FetchItems(ctx, db, id)
	if err != nil {
		return Order{}, err
	}
	o.Items = items

	return o, nil
}

func FetchItems(ctx context.Context, db sqlx.ExtContext, orderID string) ([]Item, error) {
	q := `SELECT ` + itemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY created_at, item_id`

	items := []Item{}
	if err := sqlx.SelectContext(ctx, db, &items, q, orderID); err != nil {
		return nil, fmt.Errorf("selecting items of order[%s]: %w", orderID, err)
	}
	return items, nil
}

// LockItem selects the item for update; the caller must hold a transaction.
func LockItem(ctx context.Context, tx sqlx.ExtContext, itemID string) (Item, error) {
	q := `SELECT ` + itemColumns + ` FROM order_items WHERE item_id = $1 FOR UPDATE`

	var it Item
	if err := sqlx.GetContext(ctx, tx, &it, q, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, fmt.Errorf("item[%s]: %w", itemID, ErrNotFound)
		}
		return Item{}, fmt.Errorf("selecting item[%s]: %w", itemID, err)
	}
	return it, nil
}

// AppendStatus is the only way an order changes status. It locks the order,
// checks the edge against the status graph, then records the event and moves
// the cached current_status in a single statement. It must run inside a
// transaction so the check and the write see the same row version.
func AppendStatus(ctx context.Context, tx sqlx.ExtContext, id string, to Status) (Order, error) {
	o, err := fetch(ctx, tx, id, true)
	if err != nil {
		return Order{}, err
	}

	if !o.Status.CanTransition(to) {
		return o, &TransitionError{ID: "order[" + id + "]", From: o.Status.String(), To: to.String()}
	}

	const q = `
	WITH ev AS (
		INSERT INTO order_status_events (order_id, status, created_at)
		SELECT $1::uuid, $2::int, GREATEST(clock_timestamp(), max(created_at))
		FROM order_status_events
		WHERE order_id = $1::uuid
		RETURNING created_at
	)
	UPDATE orders SET current_status = $2, updated_at = (SELECT created_at FROM ev)
	WHERE order_id = $1
	RETURNING updated_at`

	var at time.Time
	if err := sqlx.GetContext(ctx, tx, &at, q, id, to); err != nil {
		return o, fmt.Errorf("appending status %s to order[%s]: %w", to, id, err)
	}

	o.Status = to
	o.UpdatedAt = at
	return o, nil
}

// AppendItemStatus mirrors AppendStatus for a single order item.
func AppendItemStatus(ctx context.Context, tx sqlx.ExtContext, itemID string, to ItemStatus) (Item, error) {
	it, err := LockItem(ctx, tx, itemID)
	if err != nil {
		return Item{}, err
	}

	if !it.Status.CanTransition(to) {
		return it, &TransitionError{ID: "item[" + itemID + "]", From: it.Status.String(), To: to.String()}
	}

	const q = `
	WITH ev AS (
		INSERT INTO order_item_status_events (item_id, status, created_at)
		SELECT $1::uuid, $2::int, GREATEST(clock_timestamp(), max(created_at))
		FROM order_item_status_events
		WHERE item_id = $1::uuid
		RETURNING item_id
	)
	UPDATE order_items SET current_status = $2
	WHERE item_id = (SELECT item_id FROM ev)`

	if _, err := tx.ExecContext(ctx, q, itemID, to); err != nil {
		return it, fmt.Errorf("appending status %s to item[%s]: %w", to, itemID, err)
	}

	it.Status = to
	return it, nil
}

// Transition runs AppendStatus in its own transaction.
func Transition(ctx context.Context, db *sqlx.DB, id string, to Status) (Order, error) {
	var o Order
	err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		var err error
		o, err = AppendStatus(ctx, tx, id, to)
		return err
	})
	return o, err
}

// TransitionItem runs AppendItemStatus in its own transaction after making
// sure the item belongs to the order.
func TransitionItem(ctx context.Context, db *sqlx.DB, orderID, itemID string, to ItemStatus) (Item, error) {
	var it Item
	err := database.Transaction(ctx, db, func(tx sqlx.ExtContext) error {
		cur, err := LockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if cur.OrderID != orderID {
			return fmt.Errorf("item[%s] of order[%s]: %w", itemID, orderID, ErrNotFound)
		}

		it, err = AppendItemStatus(ctx, tx, itemID, to)
		return err
	})
	return it, err
}

func SetStockCommitted(ctx context.Context, tx sqlx.ExtContext, itemID string, committed bool) error {
	const q = `UPDATE order_items SET stock_committed = $2 WHERE item_id = $1`

	if _, err := tx.ExecContext(ctx, q, itemID, committed); err != nil {
		return fmt.Errorf("flagging stock of item[%s]: %w", itemID, err)
	}
	return nil
}

// ReleaseItem returns the stock and keys held by an item to the catalog and
// clears its committed flag. The flag is read from the locked row, so a
// release never races a commit of the same item. Must run inside a
// transaction.
func ReleaseItem(ctx context.Context, tx sqlx.ExtContext, itemID string) (Item, error) {
	it, err := LockItem(ctx, tx, itemID)
	if err != nil {
		return Item{}, err
	}
	if !it.StockCommitted {
		return it, nil
	}

	if it.ProductType == catalog.Virtual {
		if _, err := catalog.ReleaseKeys(ctx, tx, it.ID); err != nil {
			return it, err
		}
	}
	if err := catalog.IncrementStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
		return it, fmt.Errorf("releasing stock of item[%s]: %w", it.ID, err)
	}
	if err := SetStockCommitted(ctx, tx, it.ID, false); err != nil {
		return it, err
	}

	it.StockCommitted = false
	return it, nil
}

// Cancel moves the order to CANCELLED, cancels its pending items and
// releases whatever they hold. Must run inside a transaction.
func Cancel(ctx context.Context, tx sqlx.ExtContext, id string) (Order, error) {
	o, err := AppendStatus(ctx, tx, id, StatusCancelled)
	if err != nil {
		return o, err
	}

	for i, it := range o.Items {
		if it.Status.CanTransition(ItemCancelled) {
			up, err := AppendItemStatus(ctx, tx, it.ID, ItemCancelled)
			if err != nil {
				return o, err
			}
			o.Items[i].Status = up.Status
		}

		up, err := ReleaseItem(ctx, tx, it.ID)
		if err != nil {
			return o, err
		}
		o.Items[i].StockCommitted = up.StockCommitted
	}

	return o, nil
}

func UpdateEmail(ctx context.Context, db sqlx.ExtContext, id, email string) error {
	const q = `
	UPDATE orders SET email = $2, updated_at = $3
	WHERE order_id = $1 AND current_status IN ($4, $5)`

	res, err := db.ExecContext(ctx, q, id, email, time.Now().UTC(), StatusWaitingForPayment, StatusDenied)
	if err != nil {
		return fmt.Errorf("updating email of order[%s]: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := Fetch(ctx, db, id); err != nil {
			return err
		}
		return fmt.Errorf("order[%s]: %w", id, ErrNotEditable)
	}
	return nil
}

func SetCustomer(ctx context.Context, db sqlx.ExtContext, id, customerID string) error {
	const q = `UPDATE orders SET customer_id = $2 WHERE order_id = $1`

	if _, err := db.ExecContext(ctx, q, id, customerID); err != nil {
		return fmt.Errorf("binding customer to order[%s]: %w", id, err)
	}
	return nil
}

func MarkReceiptSent(ctx context.Context, db sqlx.ExtContext, id string) error {
	const q = `UPDATE orders SET receipt_sent = true WHERE order_id = $1`

	if _, err := db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("flagging receipt of order[%s]: %w", id, err)
	}
	return nil
}

// FetchExpired returns ids of unpaid orders whose expiry has passed.
func FetchExpired(ctx context.Context, db sqlx.ExtContext, now time.Time, limit int) ([]string, error) {
	const q = `
	SELECT order_id FROM orders
	WHERE current_status IN ($1, $2) AND expires_at < $3
	ORDER BY expires_at
	LIMIT $4`

	ids := []string{}
	if err := sqlx.SelectContext(ctx, db, &ids, q, StatusWaitingForPayment, StatusDenied, now, limit); err != nil {
		return nil, fmt.Errorf("selecting expired orders: %w", err)
	}
	return ids, nil
}

func History(ctx context.Context, db sqlx.ExtContext, id string) ([]StatusEvent, error) {
	const q = `
	SELECT event_id, order_id, status, created_at
	FROM order_status_events
	WHERE order_id = $1
	ORDER BY event_id`

	evs := []StatusEvent{}
	if err := sqlx.SelectContext(ctx, db, &evs, q, id); err != nil {
		return nil, fmt.Errorf("selecting history of order[%s]: %w", id, err)
	}
	return evs, nil
}

func ItemHistory(ctx context.Context, db sqlx.ExtContext, itemID string) ([]ItemStatusEvent, error) {
	const q = `
	SELECT event_id, item_id, status, created_at
	FROM order_item_status_events
	WHERE item_id = $1
	ORDER BY event_id`

	evs := []ItemStatusEvent{}
	if err := sqlx.SelectContext(ctx, db, &evs, q, itemID); err != nil {
		return nil, fmt.Errorf("selecting history of item[%s]: %w", itemID, err)
	}
	return evs, nil
}

func ListByShop(ctx context.Context, db sqlx.ExtContext, shopID string, f Filter) ([]Order, error) {
	where := []string{"shop_id = $1"}
	args := []any{shopID}

	if f.Email != "" {
		args = append(args, "%"+f.Email+"%")
		where = append(where, fmt.Sprintf("email ILIKE $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("current_status = $%d", len(args)))
	}

	size := f.PageSize
	if size <= 0 || size > 100 {
		size = 25
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	args = append(args, size, (page-1)*size)

	q := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	orders := []Order{}
	if err := sqlx.SelectContext(ctx, db, &orders, q, args...); err != nil {
		return nil, fmt.Errorf("selecting orders of shop[%s]: %w", shopID, err)
	}
	return orders, nil
}
