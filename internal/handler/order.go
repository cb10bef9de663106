package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/popkunst/storefront/internal/domain/order"
)

type paymentActionRequest struct {
	Reference string `json:"reference"`
	Action    string `json:"action"`
	Amount    int64  `json:"amount"`
}

type orderResponse struct {
	ID             string     `json:"id"`
	OrderNumber    string     `json:"orderNumber"`
	PaymentStatus  string     `json:"paymentStatus"`
	Status         string     `json:"status"`
	Total          int64      `json:"total"`
	CapturedAmount int64      `json:"capturedAmount"`
	RefundedAmount int64      `json:"refundedAmount"`
	ShippedAt      *time.Time `json:"shippedAt,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	return orderResponse{
		ID:             o.ID,
		OrderNumber:    o.Number,
		PaymentStatus:  string(o.PaymentStatus),
		Status:         string(o.Status),
		Total:          o.Total,
		CapturedAmount: o.CapturedAmount,
		RefundedAmount: o.RefundedAmount,
		ShippedAt:      o.ShippedAt,
	}
}

// PaymentAction handles POST /api/admin/payments. A zero amount captures the
// order total or refunds the remaining captured amount.
func (h *Handler) PaymentAction(w http.ResponseWriter, r *http.Request) {
	var req paymentActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "reference: required")
		return
	}
	action, ok := order.ParseAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, "validation_error", "action: must be capture, cancel or refund")
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "amount: must not be negative")
		return
	}

	o, err := h.orders.PaymentAction(r.Context(), reference, action, req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type shipRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
	TrackingURL    string `json:"trackingUrl"`
}

// ShipOrder handles POST /api/admin/orders/{id}/ship.
func (h *Handler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "order_not_found", "Order not found")
		return
	}
	var req shipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tracking := order.Tracking{
		Carrier: strings.TrimSpace(req.Carrier),
		Number:  strings.TrimSpace(req.TrackingNumber),
		URL:     strings.TrimSpace(req.TrackingURL),
	}
	if tracking.Carrier == "" || tracking.Number == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "carrier and trackingNumber are required")
		return
	}

	o, err := h.orders.Ship(r.Context(), id.String(), tracking)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}
