package stripe

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/popkunst/storefront/internal/domain/payment"
)

// Stripe limits metadata values to 500 characters, so the item list is
// split across items_0, items_1, ...
const metadataValueMax = 500

func encodeMetadata(oc *payment.OrderContext) map[string]string {
	md := map[string]string{
		"customer_email":  oc.Customer.Email,
		"customer_name":   oc.Customer.Name,
		"customer_phone":  oc.Customer.Phone,
		"address_line1":   oc.Address.Line1,
		"address_line2":   oc.Address.Line2,
		"postal_code":     oc.Address.PostalCode,
		"city":            oc.Address.City,
		"country":         oc.Address.Country,
		"locale":          oc.Locale,
		"discount_code":   oc.DiscountCode,
		"subtotal":        strconv.FormatInt(oc.Subtotal, 10),
		"discount_amount": strconv.FormatInt(oc.DiscountAmount, 10),
		"shipping_cost":   strconv.FormatInt(oc.ShippingCost, 10),
		"artist_levy":     strconv.FormatInt(oc.ArtistLevy, 10),
		"total":           strconv.FormatInt(oc.Total, 10),
	}

	var e jx.Encoder
	e.ArrStart()
	for _, it := range oc.Items {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ProductID)
		e.FieldStart("t")
		e.Str(it.Title)
		e.FieldStart("k")
		e.Str(it.Kind)
		e.FieldStart("q")
		e.Int(it.Quantity)
		e.FieldStart("p")
		e.Int64(it.UnitPrice)
		if it.ImageRef != "" {
			e.FieldStart("i")
			e.Str(it.ImageRef)
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	items := e.String()
	for i := 0; len(items) > 0; i++ {
		n := min(len(items), metadataValueMax)
		for n < len(items) && !utf8.RuneStart(items[n]) {
			n--
		}
		md[fmt.Sprintf("items_%d", i)] = items[:n]
		items = items[n:]
	}
	return md
}

func decodeMetadata(md map[string]string) (*payment.OrderContext, error) {
	oc := &payment.OrderContext{
		Customer: payment.Customer{
			Email: md["customer_email"],
			Name:  md["customer_name"],
			Phone: md["customer_phone"],
		},
		Address: payment.Address{
			Line1:      md["address_line1"],
			Line2:      md["address_line2"],
			PostalCode: md["postal_code"],
			City:       md["city"],
			Country:    md["country"],
		},
		Locale:       md["locale"],
		DiscountCode: md["discount_code"],
	}

	for key, dst := range map[string]*int64{
		"subtotal":        &oc.Subtotal,
		"discount_amount": &oc.DiscountAmount,
		"shipping_cost":   &oc.ShippingCost,
		"artist_levy":     &oc.ArtistLevy,
		"total":           &oc.Total,
	} {
		v, err := strconv.ParseInt(md[key], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "metadata %s", key)
		}
		*dst = v
	}

	var b strings.Builder
	for i := 0; ; i++ {
		chunk, ok := md[fmt.Sprintf("items_%d", i)]
		if !ok {
			break
		}
		b.WriteString(chunk)
	}
	if b.Len() == 0 {
		return nil, errors.New("metadata has no items")
	}

	d := jx.DecodeStr(b.String())
	if err := d.Arr(func(d *jx.Decoder) error {
		var it payment.Item
		if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
			var err error
			switch string(key) {
			case "id":
				it.ProductID, err = d.Str()
			case "t":
				it.Title, err = d.Str()
			case "k":
				it.Kind, err = d.Str()
			case "q":
				it.Quantity, err = d.Int()
			case "p":
				it.UnitPrice, err = d.Int64()
			case "i":
				it.ImageRef, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		oc.Items = append(oc.Items, it)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode metadata items")
	}
	return oc, nil
}
