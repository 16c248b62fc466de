package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/irsalhamdi/storefront/config"
	"github.com/shopspring/decimal"
	"gopkg.in/gomail.v2"
)

type Receipt struct {
	OrderID  string
	ShopName string
	Currency string
	Total    int64
	Link     string
	Items    []ReceiptItem
}

type ReceiptItem struct {
	Name      string
	Quantity  int
	Price     int64
	Cancelled bool
	Keys      []string
}

var receiptTmpl = template.Must(template.New("receipt").Funcs(template.FuncMap{
	"money": func(amount int64, currency string) string {
		return decimal.New(amount, -2).StringFixed(2) + " " + currency
	},
}).Parse(`<h2>Thanks for your order at {{.ShopName}}</h2>
<p>Order <a href="{{.Link}}">{{.OrderID}}</a></p>
<table>
{{- range .Items}}
<tr>
<td>{{.Name}} x {{.Quantity}}</td>
<td>{{if .Cancelled}}out of stock, not charged{{else}}{{money .Price $.Currency}}{{end}}</td>
</tr>
{{- range .Keys}}
<tr><td colspan="2"><code>{{.}}</code></td></tr>
{{- end}}
{{- end}}
</table>
<p>Total: {{money .Total .Currency}}</p>
`))

type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

func New(cfg config.Email) *Mailer {
	return &Mailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		from:   cfg.From,
	}
}

func RenderReceipt(r Receipt) (string, error) {
	var buf bytes.Buffer
	if err := receiptTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("rendering receipt: %w", err)
	}
	return buf.String(), nil
}

func (m *Mailer) SendReceipt(ctx context.Context, to string, r Receipt) error {
	body, err := RenderReceipt(r)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", fmt.Sprintf("Your order from %s", r.ShopName))
	msg.SetBody("text/html", body)

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending receipt for order[%s] to %s: %w", r.OrderID, to, err)
	}
	return nil
}
