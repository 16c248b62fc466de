package test

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/irsalhamdi/storefront/api/web"
	mock "github.com/stripe/stripe-mock/param"
)

type intent struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	AmountCapturable int64             `json:"amount_capturable"`
	AmountReceived   int64             `json:"amount_received"`
	ClientSecret     string            `json:"client_secret"`
	ReceiptEmail     string            `json:"receipt_email"`
	Metadata         map[string]string `json:"metadata"`
}

// mockStripe answers the payment intent calls of the card adapter and
// remembers what was asked of it.
type mockStripe struct {
	mu       sync.Mutex
	intents  map[string]*intent
	accounts []string
	fees     []int64
}

func newMockStripe() *mockStripe {
	return &mockStripe{intents: map[string]*intent{}}
}

func (m *mockStripe) intent(id string) intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.intents[id]
}

func (m *mockStripe) handle() http.Handler {
	create := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := mock.ParseParams(r)
		if err != nil {
			web.Respond(context.Background(), w, nil, 400)
			return
		}

		amount, err := strconv.ParseInt(fmt.Sprint(params["amount"]), 10, 64)
		if err != nil || params["capture_method"] != "manual" {
			web.Respond(context.Background(), w, nil, 400)
			return
		}

		md := map[string]string{}
		if raw, ok := params["metadata"].(map[string]any); ok {
			for k, v := range raw {
				md[k] = fmt.Sprint(v)
			}
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		id := fmt.Sprintf("pi_%d", len(m.intents)+1)
		pi := &intent{
			ID:           id,
			Object:       "payment_intent",
			Status:       "requires_payment_method",
			Amount:       amount,
			ClientSecret: id + "_secret",
			ReceiptEmail: fmt.Sprint(params["receipt_email"]),
			Metadata:     md,
		}
		m.intents[id] = pi
		m.accounts = append(m.accounts, r.Header.Get("Stripe-Account"))
		web.Respond(context.Background(), w, pi, 200)
	})

	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := mock.ParseParams(r)
		if err != nil {
			web.Respond(context.Background(), w, nil, 400)
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		pi, ok := m.intents[mux.Vars(r)["id"]]
		if !ok {
			web.Respond(context.Background(), w, nil, 404)
			return
		}

		amount, err := strconv.ParseInt(fmt.Sprint(params["amount_to_capture"]), 10, 64)
		if err != nil || amount > pi.AmountCapturable {
			web.Respond(context.Background(), w, nil, 400)
			return
		}
		fee, _ := strconv.ParseInt(fmt.Sprint(params["application_fee_amount"]), 10, 64)
		m.fees = append(m.fees, fee)

		pi.Status = "succeeded"
		pi.AmountReceived = amount
		pi.AmountCapturable = 0
		web.Respond(context.Background(), w, pi, 200)
	})

	r := mux.NewRouter()
	r.Handle("/v1/payment_intents", create).Methods("POST")
	r.Handle("/v1/payment_intents/{id}/capture", capture).Methods("POST")
	return r
}

// authorize marks the intent as authorized for its full amount, as the
// buyer confirming the card would.
func (m *mockStripe) authorize(id string) intent {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi := m.intents[id]
	pi.Status = "requires_capture"
	pi.AmountCapturable = pi.Amount
	return *pi
}
