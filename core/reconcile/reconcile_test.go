package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/irsalhamdi/storefront/core/fee"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// waiting builds an unpaid order with one item per price, or a single item
// worth the whole total when no prices are given.
func waiting(id string, total int64, prices ...int64) order.Order {
	if len(prices) == 0 {
		prices = []int64{total}
	}
	o := order.Order{
		ID:       id,
		ShopID:   "shop-1",
		Currency: "USD",
		Total:    total,
		Status:   order.StatusWaitingForPayment,
		Email:    "buyer@example.com",
	}
	for i, price := range prices {
		o.Items = append(o.Items, order.Item{ID: fmt.Sprintf("%s-i%d", id, i+1), OrderID: id, Price: price, Quantity: 1})
	}
	return o
}

func newProcessor(store *memStore) (*Processor, *fakeFulfiller) {
	f := &fakeFulfiller{store: store, outOfStock: map[string]bool{}}
	return NewProcessor(store, f, fee.NewCalculator([]string{"BR"}), quietLogger()), f
}

func event(id, orderID, ref string, kind payment.Kind, amount int64) payment.Event {
	fe := fakeEffect{Kind: kind, Amount: amount}
	body, _ := json.Marshal(fe)
	return payment.Event{ID: id, Type: kind.String(), OrderID: orderID, ProviderRef: ref, Payload: body, Data: fe}
}

func TestCaptureRecordsPaymentAndFulfills(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 10000))
	store.addSession(payment.Session{OrderID: "o1", Provider: payment.ProviderStripe, ProviderRef: "pi_1", Status: payment.SessionPending})
	p, f := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}

	err := p.Process(context.Background(), a, event("evt_1", "", "pi_1", payment.KindCaptured, 10000))
	require.NoError(t, err)

	require.Equal(t, order.StatusComplete, store.status("o1"))
	require.Equal(t, payment.SessionCaptured, store.session(payment.ProviderStripe, "pi_1").Status)
	require.Len(t, store.payments, 1)
	require.Equal(t, int64(10000), store.payments[0].Amount)
	require.Equal(t, int64(200), store.payments[0].Fee)
	require.Equal(t, 1, f.calls)
	require.True(t, store.seen["stripe/evt_1"])
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 10000))
	p, f := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}
	ev := event("evt_1", "o1", "pi_1", payment.KindCaptured, 10000)

	require.NoError(t, p.Process(context.Background(), a, ev))
	require.NoError(t, p.Process(context.Background(), a, ev))

	require.Len(t, store.payments, 1)
	require.Equal(t, 1, f.calls)
	require.Equal(t, []order.Status{order.StatusPaymentConfirmed, order.StatusPending, order.StatusComplete}, store.history["o1"])
}

func TestCaptureRetriedAfterFulfillmentFailure(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 10000))
	p, f := newProcessor(store)
	f.err = errors.New("smtp down")
	a := &fakeAdapter{provider: payment.ProviderStripe}

	err := p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindCaptured, 10000))
	require.Error(t, err)
	require.False(t, store.seen["stripe/evt_1"])
	require.Equal(t, order.StatusPaymentConfirmed, store.status("o1"))

	f.err = nil
	require.NoError(t, p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindCaptured, 10000)))
	require.Equal(t, order.StatusComplete, store.status("o1"))
	require.Len(t, store.payments, 1)
}

func TestWalletCaptureCarriesNoFee(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 5000))
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderPaypal}

	require.NoError(t, p.Process(context.Background(), a, event("WH-1", "o1", "PP-1", payment.KindCaptured, 5000)))

	require.Equal(t, order.StatusComplete, store.status("o1"))
	require.Len(t, store.payments, 1)
	require.Zero(t, store.payments[0].Fee)
}

func TestCaptureAfterCancelIsRejected(t *testing.T) {
	store := newMemStore()
	o := waiting("o1", 5000)
	o.Status = order.StatusCancelled
	store.addOrder(o)
	p, f := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}

	err := p.Process(context.Background(), a, event("evt_late", "o1", "pi_1", payment.KindCaptured, 5000))
	require.ErrorIs(t, err, order.ErrInvalidTransition)

	require.Equal(t, order.StatusCancelled, store.status("o1"))
	require.Empty(t, store.payments)
	require.Zero(t, f.calls)
	require.True(t, store.seen["stripe/evt_late"])
}

func TestCryptoCaptureBooksLedger(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 12345))
	store.addAccount(payment.Account{ID: "acct-1", ShopID: "shop-1", Provider: payment.ProviderBTCPay, Onboarded: true, Balance: decimal.Zero})
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderBTCPay}

	require.NoError(t, p.Process(context.Background(), a, event("dlv-1", "o1", "inv-1", payment.KindCaptured, 12345)))

	require.Len(t, store.payments, 1)
	require.Equal(t, int64(247), store.payments[0].Fee)

	require.Len(t, store.ledger, 2)
	require.Equal(t, payment.LedgerMerchantNet, store.ledger[0].Kind)
	require.True(t, store.ledger[0].Amount.Equal(decimal.RequireFromString("12098.1")), store.ledger[0].Amount.String())
	require.Equal(t, payment.LedgerOperatorFee, store.ledger[1].Kind)
	require.True(t, store.ledger[1].Amount.Equal(decimal.RequireFromString("246.9")), store.ledger[1].Amount.String())
	require.True(t, store.accounts[payment.ProviderBTCPay].Balance.Equal(decimal.RequireFromString("246.9")))
}

func TestAuthorizationCapturesDeliverablePart(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 10000, 6000, 4000))
	store.addAccount(payment.Account{ID: "acct-1", ShopID: "shop-1", Provider: payment.ProviderStripe, AccountRef: "acct_x", Onboarded: true})
	store.addSession(payment.Session{OrderID: "o1", Provider: payment.ProviderStripe, ProviderRef: "pi_1"})
	p, f := newProcessor(store)
	f.outOfStock["o1-i2"] = true
	a := &fakeCapturer{fakeAdapter: fakeAdapter{provider: payment.ProviderStripe}}

	require.NoError(t, p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindAuthorized, 10000)))

	require.Equal(t, []capture{{ref: "pi_1", amount: 6000, fee: 120}}, a.captures)
	require.Empty(t, a.voids)
	require.Equal(t, order.StatusComplete, store.status("o1"))
	require.Equal(t, int64(6000), store.payments[0].Amount)
	require.Zero(t, store.payments[0].RefundDue)
}

func TestAuthorizationWithNothingDeliverableVoids(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 10000))
	store.addAccount(payment.Account{ID: "acct-1", ShopID: "shop-1", Provider: payment.ProviderStripe, AccountRef: "acct_x", Onboarded: true})
	p, f := newProcessor(store)
	f.outOfStock["o1-i1"] = true
	a := &fakeCapturer{fakeAdapter: fakeAdapter{provider: payment.ProviderStripe}}

	require.NoError(t, p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindAuthorized, 10000)))

	require.Empty(t, a.captures)
	require.Equal(t, []string{"pi_1"}, a.voids)
	require.Equal(t, order.StatusCancelled, store.status("o1"))
	require.Zero(t, f.calls)
}

func TestAuthorizationOnPaidOrderIsIgnored(t *testing.T) {
	store := newMemStore()
	o := waiting("o1", 10000)
	o.Status = order.StatusComplete
	store.addOrder(o)
	p, _ := newProcessor(store)
	a := &fakeCapturer{fakeAdapter: fakeAdapter{provider: payment.ProviderStripe}}

	require.NoError(t, p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindAuthorized, 10000)))
	require.Empty(t, a.captures)
	require.Empty(t, a.voids)
}

func TestDeniedPaymentCanBeRetried(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 3000))
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}

	require.NoError(t, p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindDenied, 3000)))
	require.Equal(t, order.StatusDenied, store.status("o1"))
	require.Equal(t, payment.PaymentCanceled, store.payments[0].Status)

	require.NoError(t, p.Process(context.Background(), a, event("evt_2", "o1", "pi_2", payment.KindCaptured, 3000)))
	require.Equal(t, order.StatusComplete, store.status("o1"))
}

func TestDenialAfterCaptureIsIgnored(t *testing.T) {
	store := newMemStore()
	o := waiting("o1", 3000)
	o.Status = order.StatusComplete
	store.addOrder(o)
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}

	require.NoError(t, p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindDenied, 3000)))
	require.Equal(t, order.StatusComplete, store.status("o1"))
	require.Empty(t, store.payments)
}

func TestChargebackLifecycle(t *testing.T) {
	store := newMemStore()
	o := waiting("o1", 3000)
	o.Status = order.StatusComplete
	store.addOrder(o)
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, a, event("evt_1", "o1", "pi_1", payment.KindChargeback, 0)))
	require.Equal(t, order.StatusChargebackPending, store.status("o1"))

	require.NoError(t, p.Process(ctx, a, event("evt_2", "o1", "pi_1", payment.KindChargebackWon, 0)))
	require.Equal(t, order.StatusChargebackWon, store.status("o1"))

	err := p.Process(ctx, a, event("evt_3", "o1", "pi_1", payment.KindRefunded, 0))
	require.ErrorIs(t, err, order.ErrInvalidTransition)
	require.Equal(t, order.StatusChargebackWon, store.status("o1"))
}

func TestExpiredSessionCancelsUnpaidOrder(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 3000))
	store.addSession(payment.Session{OrderID: "o1", Provider: payment.ProviderBTCPay, ProviderRef: "inv-1"})
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderBTCPay}

	require.NoError(t, p.Process(context.Background(), a, event("dlv-1", "", "inv-1", payment.KindCanceled, 0)))
	require.Equal(t, order.StatusCancelled, store.status("o1"))
	require.Equal(t, payment.SessionCanceled, store.session(payment.ProviderBTCPay, "inv-1").Status)
}

func TestOnboardingFlagsAccount(t *testing.T) {
	store := newMemStore()
	store.addAccount(payment.Account{ID: "acct-1", ShopID: "shop-1", Provider: payment.ProviderStripe, AccountRef: "acct_x"})
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}

	ev := event("evt_1", "", "", payment.KindOnboarding, 1)
	ev.AccountRef = "acct_x"
	require.NoError(t, p.Process(context.Background(), a, ev))
	require.True(t, store.accounts[payment.ProviderStripe].Onboarded)
}

func TestUnknownOrderIsAcknowledged(t *testing.T) {
	store := newMemStore()
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}

	require.NoError(t, p.Process(context.Background(), a, event("evt_1", "missing", "pi_9", payment.KindCaptured, 100)))
	require.True(t, store.seen["stripe/evt_1"])
	require.Empty(t, store.payments)
}

func TestSessionBoundToAnotherOrderFails(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 3000))
	store.addOrder(waiting("o2", 3000))
	store.addSession(payment.Session{OrderID: "o1", Provider: payment.ProviderStripe, ProviderRef: "pi_1"})
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe}

	err := p.Process(context.Background(), a, event("evt_1", "o2", "pi_1", payment.KindCaptured, 3000))
	require.Error(t, err)
	require.Equal(t, order.StatusWaitingForPayment, store.status("o1"))
	require.Equal(t, order.StatusWaitingForPayment, store.status("o2"))
	require.False(t, store.seen["stripe/evt_1"])
}

func TestAdapterFailureLeavesEventUnseen(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 3000))
	p, _ := newProcessor(store)
	a := &fakeAdapter{provider: payment.ProviderStripe, applyErr: &payment.ProviderError{Provider: payment.ProviderStripe, Op: "fetch", Err: errors.New("timeout")}}

	err := p.Process(context.Background(), a, event("evt_1", "o1", "pi_1", payment.KindCaptured, 3000))
	require.ErrorIs(t, err, payment.ErrProvider)
	require.False(t, store.seen["stripe/evt_1"])
}

func TestWalletCaptureRefundsWhatWasNotReserved(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 6000, 3000, 3000))
	store.addAccount(payment.Account{ID: "acct-1", ShopID: "shop-1", Provider: payment.ProviderPaypal, AccountRef: "M-1", Onboarded: true})
	p, f := newProcessor(store)
	f.outOfStock["o1-i2"] = true
	a := &fakeCapturer{fakeAdapter: fakeAdapter{provider: payment.ProviderPaypal}, full: 6000}

	require.NoError(t, p.Process(context.Background(), a, event("approval:PP-1", "o1", "PP-1", payment.KindAuthorized, 6000)))

	require.Equal(t, []capture{{ref: "PP-1", amount: 3000}}, a.captures)
	require.Equal(t, order.StatusComplete, store.status("o1"))
	require.Len(t, store.payments, 1)
	require.Equal(t, int64(6000), store.payments[0].Amount)
	require.Equal(t, int64(3000), store.payments[0].Refunded)
	require.Zero(t, store.payments[0].RefundDue)

	// The capture webhook that follows reports the gross amount only.
	require.NoError(t, p.Process(context.Background(), a, event("WH-2", "o1", "PP-1", payment.KindCaptured, 6000)))
	require.Len(t, store.payments, 1)
	require.Equal(t, int64(3000), store.payments[0].Refunded)
	require.Zero(t, store.payments[0].RefundDue)
}

func TestFailedRefundIsFlaggedAsDue(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 6000, 3000, 3000))
	store.addAccount(payment.Account{ID: "acct-1", ShopID: "shop-1", Provider: payment.ProviderPaypal, AccountRef: "M-1", Onboarded: true})
	log, hook := test.NewNullLogger()
	f := &fakeFulfiller{store: store, outOfStock: map[string]bool{"o1-i2": true}}
	p := NewProcessor(store, f, fee.NewCalculator(nil), log)
	a := &fakeCapturer{fakeAdapter: fakeAdapter{provider: payment.ProviderPaypal}, full: 6000, refundFails: true}

	require.NoError(t, p.Process(context.Background(), a, event("approval:PP-1", "o1", "PP-1", payment.KindAuthorized, 6000)))

	require.Equal(t, int64(6000), store.payments[0].Amount)
	require.Zero(t, store.payments[0].Refunded)
	require.Equal(t, int64(3000), store.payments[0].RefundDue)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["refund_due"] == int64(3000) {
			warned = true
		}
	}
	require.True(t, warned, "expected a refund_due warning")
}

func TestCryptoShortfallBooksRefundDue(t *testing.T) {
	store := newMemStore()
	store.addOrder(waiting("o1", 12345, 10000, 2345))
	store.addAccount(payment.Account{ID: "acct-1", ShopID: "shop-1", Provider: payment.ProviderBTCPay, Onboarded: true, Balance: decimal.Zero})
	p, f := newProcessor(store)
	f.outOfStock["o1-i2"] = true
	a := &fakeAdapter{provider: payment.ProviderBTCPay}

	require.NoError(t, p.Process(context.Background(), a, event("dlv-1", "o1", "inv-1", payment.KindCaptured, 12345)))
	require.NoError(t, p.Process(context.Background(), a, event("dlv-2", "o1", "inv-1", payment.KindCaptured, 12345)))

	require.Len(t, store.payments, 1)
	require.Equal(t, int64(2345), store.payments[0].RefundDue)

	require.Len(t, store.ledger, 3)
	require.Equal(t, payment.LedgerRefundDue, store.ledger[2].Kind)
	require.True(t, store.ledger[2].Amount.Equal(decimal.NewFromInt(-2345)), store.ledger[2].Amount.String())
	require.True(t, store.accounts[payment.ProviderBTCPay].Balance.Equal(decimal.RequireFromString("246.9")))
}
