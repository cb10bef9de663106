package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/checkout"
	"github.com/popkunst/storefront/internal/domain/order"
	"github.com/popkunst/storefront/internal/domain/payment"
	"github.com/popkunst/storefront/internal/domain/pricing"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// decodeJSON reads a bounded JSON body into v. It writes the 400 response
// itself and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON")
		return false
	}
	return true
}

// writeDomainError maps domain errors to responses. Unrecognized errors are
// logged and answered with a generic 500 so internals do not leak.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *checkout.ValidationError
		transitionErr *order.TransitionError
		shippingErr   *pricing.ShippingMismatchError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "validation_error", validationErr.Error())
	case errors.As(err, &shippingErr):
		writeError(w, http.StatusBadRequest, "shipping_mismatch", "Shipping cost has changed, please review your order")
	case pricing.IsRejection(err):
		writeError(w, http.StatusBadRequest, "invalid_cart", rootMessage(err))
	case errors.Is(err, checkout.ErrCheckoutExpired):
		writeError(w, http.StatusForbidden, "checkout_expired", "Checkout session expired, please try again")
	case errors.Is(err, payment.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown_provider", "Unknown payment provider")
	case errors.Is(err, payment.ErrUnsupported):
		writeError(w, http.StatusBadRequest, "unsupported", "Operation not supported by the payment provider")
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order_not_found", "Order not found")
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, "invalid_transition", transitionErr.Error())
	case errors.Is(err, order.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "Order was modified concurrently, please retry")
	case errors.Is(err, order.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", "Amount is outside the allowed range")
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

// rootMessage returns the innermost error text, which for rejections is the
// user-facing reason without wrapping context.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
