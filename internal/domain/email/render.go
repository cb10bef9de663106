package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

//go:embed templates/*.html
var templateFS embed.FS

// Payload is the data every template renders.
type Payload struct {
	OrderNumber  string        `json:"order_number"`
	CustomerName string        `json:"customer_name"`
	Locale       string        `json:"locale"`
	Items        []PayloadItem `json:"items"`
	Subtotal     int64         `json:"subtotal"`
	Discount     int64         `json:"discount"`
	Shipping     int64         `json:"shipping"`
	ArtistLevy   int64         `json:"artist_levy"`
	Total        int64         `json:"total"`
	Refunded     int64         `json:"refunded,omitempty"`
	Carrier      string        `json:"carrier,omitempty"`
	TrackingNo   string        `json:"tracking_number,omitempty"`
	TrackingURL  string        `json:"tracking_url,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	AdminURL     string        `json:"admin_url,omitempty"`
}

// PayloadItem is an order line in a payload.
type PayloadItem struct {
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// LineTotal is used by templates.
func (i PayloadItem) LineTotal() int64 { return i.UnitPrice * int64(i.Quantity) }

var subjects = map[Type]string{
	TypeOrderConfirmation:    "Order confirmation %s",
	TypeAdminNewOrder:        "New order %s",
	TypeInventoryAlert:       "Inventory alert for order %s",
	TypeShippingNotification: "Your order %s has shipped",
	TypeRefundConfirmation:   "Refund for order %s",
	TypeOrderCancelled:       "Order %s cancelled",
}

// Renderer renders email subjects and HTML bodies.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("email").
		Funcs(template.FuncMap{"nok": FormatNOK}).
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "parse email templates")
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Subject returns the subject line for t.
func (r *Renderer) Subject(t Type, p *Payload) (string, error) {
	format, ok := subjects[t]
	if !ok {
		return "", errors.Errorf("unknown email type %q", t)
	}
	return fmt.Sprintf(format, p.OrderNumber), nil
}

// Body renders the HTML body for t.
func (r *Renderer) Body(t Type, p *Payload) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, string(t)+".html", p); err != nil {
		return "", errors.Wrapf(err, "render %s", t)
	}
	return buf.String(), nil
}

// FormatNOK formats øre as Norwegian kroner, e.g. 159900 -> "1 599,00 kr".
func FormatNOK(ore int64) string {
	sign := ""
	if ore < 0 {
		sign = "-"
		ore = -ore
	}
	kroner := strconv.FormatInt(ore/100, 10)

	var b strings.Builder
	for i, c := range kroner {
		if i > 0 && (len(kroner)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(c)
	}
	return fmt.Sprintf("%s%s,%02d kr", sign, b.String(), ore%100)
}
