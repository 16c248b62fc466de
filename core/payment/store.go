package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var ErrAlreadyCaptured = errors.New("order already has a captured payment")

const sessionColumns = `session_id, order_id, provider, provider_ref, status, redirect_url, client_secret,
	payload, created_at, updated_at`

func CreateSession(ctx context.Context, db sqlx.ExtContext, s Session) error {
	const q = `
	INSERT INTO payment_sessions (session_id, order_id, provider, provider_ref, status, redirect_url,
		client_secret, payload, created_at, updated_at)
	VALUES (:session_id, :order_id, :provider, :provider_ref, :status, :redirect_url,
		:client_secret, :payload, :created_at, :updated_at)`

	if len(s.Payload) == 0 {
		s.Payload = []byte("{}")
	}
	if _, err := sqlx.NamedExecContext(ctx, db, q, s); err != nil {
		return fmt.Errorf("inserting %s session of order[%s]: %w", s.Provider, s.OrderID, err)
	}
	return nil
}

// UpdateSession records a new canonical status for a provider session along
// with the provider object that produced it.
func UpdateSession(ctx context.Context, db sqlx.ExtContext, p Provider, ref string, status SessionStatus, payload []byte) (Session, error) {
	const q = `
	UPDATE payment_sessions SET
		status = $3,
		payload = COALESCE($4, payload),
		updated_at = $5
	WHERE provider = $1 AND provider_ref = $2
	RETURNING ` + sessionColumns

	var raw any
	if len(payload) > 0 {
		raw = string(payload)
	}

	var s Session
	if err := sqlx.GetContext(ctx, db, &s, q, p, ref, status, raw, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("%s session[%s]: %w", p, ref, ErrNotFound)
		}
		return Session{}, fmt.Errorf("updating %s session[%s]: %w", p, ref, err)
	}
	return s, nil
}

func FetchSessionByRef(ctx context.Context, db sqlx.ExtContext, p Provider, ref string) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE provider = $1 AND provider_ref = $2`

	var s Session
	if err := sqlx.GetContext(ctx, db, &s, q, p, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("%s session[%s]: %w", p, ref, ErrNotFound)
		}
		return Session{}, fmt.Errorf("selecting %s session[%s]: %w", p, ref, err)
	}
	return s, nil
}

// LatestSession returns the most recent session of the order, optionally
// restricted to one provider.
func LatestSession(ctx context.Context, db sqlx.ExtContext, orderID string, p *Provider) (Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE order_id = $1`
	args := []any{orderID}
	if p != nil {
		q += ` AND provider = $2`
		args = append(args, *p)
	}
	q += ` ORDER BY created_at DESC LIMIT 1`

	var s Session
	if err := sqlx.GetContext(ctx, db, &s, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session of order[%s]: %w", orderID, ErrNotFound)
		}
		return Session{}, fmt.Errorf("selecting session of order[%s]: %w", orderID, err)
	}
	return s, nil
}

func CreatePayment(ctx context.Context, db sqlx.ExtContext, p Payment) error {
	const q = `
	INSERT INTO payments (payment_id, order_id, provider, provider_ref, status, amount, fee, refunded,
		refund_due, payload, created_at)
	VALUES (:payment_id, :order_id, :provider, :provider_ref, :status, :amount, :fee, :refunded,
		:refund_due, :payload, :created_at)`

	if len(p.Payload) == 0 {
		p.Payload = []byte("{}")
	}
	if _, err := sqlx.NamedExecContext(ctx, db, q, p); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("order[%s]: %w", p.OrderID, ErrAlreadyCaptured)
		}
		return fmt.Errorf("inserting payment of order[%s]: %w", p.OrderID, err)
	}
	return nil
}

const paymentColumns = `payment_id, order_id, provider, provider_ref, status, amount, fee, refunded,
	refund_due, payload, created_at`

func FetchPayments(ctx context.Context, db sqlx.ExtContext, orderID string) ([]Payment, error) {
	q := `
	SELECT ` + paymentColumns + `
	FROM payments
	WHERE order_id = $1
	ORDER BY created_at`

	ps := []Payment{}
	if err := sqlx.SelectContext(ctx, db, &ps, q, orderID); err != nil {
		return nil, fmt.Errorf("selecting payments of order[%s]: %w", orderID, err)
	}
	return ps, nil
}

// LockCapturedPayment returns the captured payment of the order, locked for
// the rest of the transaction.
func LockCapturedPayment(ctx context.Context, tx sqlx.ExtContext, orderID string) (Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 AND status = $2 FOR UPDATE`

	var p Payment
	if err := sqlx.GetContext(ctx, tx, &p, q, orderID, PaymentCaptured); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, fmt.Errorf("captured payment of order[%s]: %w", orderID, ErrNotFound)
		}
		return Payment{}, fmt.Errorf("selecting captured payment of order[%s]: %w", orderID, err)
	}
	return p, nil
}

// SetRefunds stores what was handed back to the buyer and what is still owed.
func SetRefunds(ctx context.Context, tx sqlx.ExtContext, paymentID string, refunded, due int64) error {
	const q = `UPDATE payments SET refunded = $2, refund_due = $3 WHERE payment_id = $1`

	if _, err := tx.ExecContext(ctx, q, paymentID, refunded, due); err != nil {
		return fmt.Errorf("updating refunds of payment[%s]: %w", paymentID, err)
	}
	return nil
}

const accountColumns = `account_id, shop_id, provider, account_ref, onboarded, status, metadata,
	balance, created_at, updated_at`

func CreateAccount(ctx context.Context, db sqlx.ExtContext, a Account) error {
	const q = `
	INSERT INTO payment_providers (account_id, shop_id, provider, account_ref, onboarded, status,
		metadata, balance, created_at, updated_at)
	VALUES (:account_id, :shop_id, :provider, :account_ref, :onboarded, :status,
		:metadata, :balance, :created_at, :updated_at)`

	if len(a.Metadata) == 0 {
		a.Metadata = []byte("{}")
	}
	if _, err := sqlx.NamedExecContext(ctx, db, q, a); err != nil {
		return fmt.Errorf("inserting %s account of shop[%s]: %w", a.Provider, a.ShopID, err)
	}
	return nil
}

// FetchAccount returns the active account of the shop for the provider.
func FetchAccount(ctx context.Context, db sqlx.ExtContext, shopID string, p Provider) (Account, error) {
	q := `SELECT ` + accountColumns + ` FROM payment_providers
	WHERE shop_id = $1 AND provider = $2 AND status = $3`

	var a Account
	if err := sqlx.GetContext(ctx, db, &a, q, shopID, p, AccountActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, fmt.Errorf("%s account of shop[%s]: %w", p, shopID, ErrNotOnboarded)
		}
		return Account{}, fmt.Errorf("selecting %s account of shop[%s]: %w", p, shopID, err)
	}
	return a, nil
}

// LockAccount selects the account for update; the caller must hold a
// transaction.
func LockAccount(ctx context.Context, tx sqlx.ExtContext, id string) (Account, error) {
	q := `SELECT ` + accountColumns + ` FROM payment_providers WHERE account_id = $1 FOR UPDATE`

	var a Account
	if err := sqlx.GetContext(ctx, tx, &a, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, fmt.Errorf("account[%s]: %w", id, ErrNotFound)
		}
		return Account{}, fmt.Errorf("selecting account[%s]: %w", id, err)
	}
	return a, nil
}

// UpdateOnboarding flags the active accounts bound to the provider account
// reference. It reports how many rows changed.
func UpdateOnboarding(ctx context.Context, db sqlx.ExtContext, p Provider, ref string, onboarded bool, metadata []byte) (int64, error) {
	const q = `
	UPDATE payment_providers SET
		onboarded = $3,
		metadata = COALESCE($4, metadata),
		updated_at = $5
	WHERE provider = $1 AND account_ref = $2 AND status = $6`

	var raw any
	if len(metadata) > 0 {
		raw = string(metadata)
	}

	res, err := db.ExecContext(ctx, q, p, ref, onboarded, raw, time.Now().UTC(), AccountActive)
	if err != nil {
		return 0, fmt.Errorf("updating onboarding of %s account[%s]: %w", p, ref, err)
	}
	return res.RowsAffected()
}

// PostLedger writes the entries and moves the account balance by delta in
// the caller's transaction.
func PostLedger(ctx context.Context, tx sqlx.ExtContext, accountID string, delta decimal.Decimal, entries ...LedgerEntry) error {
	const q = `
	INSERT INTO ledger_entries (shop_id, provider, order_id, kind, amount, created_at)
	VALUES (:shop_id, :provider, :order_id, :kind, :amount, :created_at)`

	for _, e := range entries {
		if _, err := sqlx.NamedExecContext(ctx, tx, q, e); err != nil {
			return fmt.Errorf("inserting %s ledger entry of order[%s]: %w", e.Kind, e.OrderID, err)
		}
	}

	const qb = `UPDATE payment_providers SET balance = balance + $2, updated_at = $3 WHERE account_id = $1`
	if _, err := tx.ExecContext(ctx, qb, accountID, delta, time.Now().UTC()); err != nil {
		return fmt.Errorf("moving balance of account[%s]: %w", accountID, err)
	}
	return nil
}

func FetchLedger(ctx context.Context, db sqlx.ExtContext, shopID string, p Provider) ([]LedgerEntry, error) {
	const q = `
	SELECT entry_id, shop_id, provider, order_id, kind, amount, created_at
	FROM ledger_entries
	WHERE shop_id = $1 AND provider = $2
	ORDER BY entry_id`

	es := []LedgerEntry{}
	if err := sqlx.SelectContext(ctx, db, &es, q, shopID, p); err != nil {
		return nil, fmt.Errorf("selecting ledger of shop[%s]: %w", shopID, err)
	}
	return es, nil
}

func EventSeen(ctx context.Context, db sqlx.ExtContext, p Provider, id string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)`

	var seen bool
	if err := sqlx.GetContext(ctx, db, &seen, q, p, id); err != nil {
		return false, fmt.Errorf("checking %s event[%s]: %w", p, id, err)
	}
	return seen, nil
}

// MarkEventSeen records the delivery id. It reports false when another
// delivery of the same event got there first.
func MarkEventSeen(ctx context.Context, db sqlx.ExtContext, p Provider, id, typ string) (bool, error) {
	const q = `
	INSERT INTO webhook_events (provider, event_id, event_type, received_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (provider, event_id) DO NOTHING`

	res, err := db.ExecContext(ctx, q, p, id, typ, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("recording %s event[%s]: %w", p, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
