package email

import (
	"strings"
	"testing"
)

func TestRenderReceipt(t *testing.T) {
	r := Receipt{
		OrderID:  "ord-1",
		ShopName: "Keys & Co",
		Currency: "USD",
		Total:    1250,
		Link:     "https://shop.test/checkout/ord-1",
		Items: []ReceiptItem{
			{Name: "Game key", Quantity: 2, Price: 1250, Keys: []string{"AAAA-BBBB", "CCCC-DDDD"}},
			{Name: "Poster", Quantity: 1, Price: 900, Cancelled: true},
		},
	}

	body, err := RenderReceipt(r)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"Keys &amp; Co", "AAAA-BBBB", "CCCC-DDDD", "12.50 USD", "out of stock, not charged"} {
		if !strings.Contains(body, want) {
			t.Fatalf("receipt body missing %q:\n%s", want, body)
		}
	}
}
