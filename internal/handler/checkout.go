package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/popkunst/storefront/internal/domain/checkout"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/pricing"
)

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CheckoutToken handles GET /api/checkout/token.
func (h *Handler) CheckoutToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.tokens.Issue(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt})
}

type cartItem struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	Image     string `json:"image"`
}

type shippingAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
}

type checkoutRequest struct {
	Items           []cartItem      `json:"items"`
	CustomerEmail   string          `json:"customerEmail"`
	CustomerName    string          `json:"customerName"`
	CustomerPhone   string          `json:"customerPhone"`
	ShippingAddress shippingAddress `json:"shippingAddress"`
	DiscountCode    string          `json:"discountCode"`
	ShippingCost    *int64          `json:"shippingCost"`
	CheckoutToken   string          `json:"checkoutToken"`
	Locale          string          `json:"locale"`
}

func (c *checkoutRequest) toDomain() checkout.Request {
	lines := make([]pricing.CartLine, len(c.Items))
	for i, it := range c.Items {
		lines[i] = pricing.CartLine{
			ProductID: it.ProductID,
			Title:     it.Title,
			UnitPrice: it.Price,
			Quantity:  it.Quantity,
			ImageRef:  it.Image,
		}
	}
	return checkout.Request{
		Lines: lines,
		Customer: payment.Customer{
			Email: c.CustomerEmail,
			Name:  c.CustomerName,
			Phone: c.CustomerPhone,
		},
		Address: payment.Address{
			Line1:      c.ShippingAddress.Line1,
			Line2:      c.ShippingAddress.Line2,
			PostalCode: c.ShippingAddress.PostalCode,
			City:       c.ShippingAddress.City,
			Country:    c.ShippingAddress.Country,
		},
		DiscountCode: c.DiscountCode,
		ShippingCost: c.ShippingCost,
		Token:        c.CheckoutToken,
		Locale:       c.Locale,
	}
}

type stripeCheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type redirectResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

// InitiateCheckout handles POST /api/checkout/{provider}.
func (h *Handler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	provider := payment.Provider(chi.URLParam(r, "provider"))
	if _, err := h.payments.Get(provider); err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.checkout.Initiate(r.Context(), provider, req.toDomain())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if provider == payment.ProviderStripe {
		writeJSON(w, http.StatusOK, stripeCheckoutResponse{SessionID: res.Reference, URL: res.RedirectURL})
		return
	}
	writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: res.RedirectURL})
}
