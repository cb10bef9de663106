package handler

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/order"
	"github.com/popkunst/storefront/internal/domain/payment"
)

const maxWebhookBytes = 1 << 20

type webhookResponse struct {
	Received    bool   `json:"received"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	OrderNumber string `json:"orderNumber,omitempty"`
}

// StripeWebhook handles POST /api/webhooks/stripe. Only a verified signature
// leads to any effect; ignored event types are acknowledged with 200.
// Processing failures answer 500 so Stripe redelivers.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	adapter, err := h.payments.Get(payment.ProviderStripe)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Unable to read request body")
		return
	}

	ev, err := adapter.ParseEvent(ctx, payment.RawEvent{
		Payload:   body,
		Signature: r.Header.Get("Stripe-Signature"),
	})
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		lg.Warn("Stripe webhook signature rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_signature", "Invalid signature")
		return
	case errors.Is(err, payment.ErrIgnoredEvent):
		lg.Debug("Stripe webhook ignored", zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
		return
	case err != nil:
		lg.Warn("Stripe webhook malformed", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_event", "Malformed event")
		return
	}

	res, err := h.reconciler.Handle(ctx, ev)
	if err != nil {
		writeDomainError(w, r, errors.Wrap(err, "handle stripe event"))
		return
	}
	resp := webhookResponse{Received: true}
	if res != nil {
		resp.Duplicate = res.IsDuplicate
		resp.OrderNumber = res.OrderNumber
	}
	writeJSON(w, http.StatusOK, resp)
}

// VippsCallback handles GET /api/vipps/callback, where Vipps returns the
// browser after the customer leaves the app. The redirect parameters prove
// nothing; the payment state is always fetched from Vipps.
//
// The customer is sent to the success page whenever the payment may have
// gone through, even if confirming it failed: such orders are parked in
// pending_verification and settled by the verify-payments job.
func (h *Handler) VippsCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	locale := h.locale(q.Get("locale"))
	reference := strings.TrimSpace(q.Get("reference"))
	lg := zctx.From(ctx).With(zap.String("reference", reference))

	if reference == "" {
		h.redirectCheckout(w, r, locale, "missing_reference")
		return
	}
	adapter, err := h.payments.Get(payment.ProviderVipps)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	ev, err := adapter.ParseEvent(ctx, payment.RawEvent{Reference: reference})
	if err != nil {
		lg.Warn("Vipps payment status unavailable", zap.Error(err))
		h.holdOrFail(w, r, locale, reference)
		return
	}

	switch ev.Outcome {
	case payment.OutcomeAuthorized, payment.OutcomeCaptured:
		res, err := h.reconciler.Handle(ctx, ev)
		if err != nil {
			lg.Error("Reconcile Vipps payment", zap.Error(err))
			h.holdOrFail(w, r, locale, reference)
			return
		}
		if res != nil {
			lg.Info("Vipps payment reconciled",
				zap.String("order_number", res.OrderNumber),
				zap.Bool("duplicate", res.IsDuplicate),
			)
		}
		h.redirectSuccess(w, r, locale)
	case payment.OutcomeCancelled, payment.OutcomeExpired:
		if _, err := h.reconciler.Handle(ctx, ev); err != nil {
			lg.Error("Cancel abandoned Vipps order", zap.Error(err))
		}
		h.redirectCheckout(w, r, locale, "payment_cancelled")
	case payment.OutcomePending:
		h.redirectCheckout(w, r, locale, "payment_incomplete")
	default:
		h.redirectCheckout(w, r, locale, "payment_failed")
	}
}

// holdOrFail parks the order for later verification and shows success, or
// sends the customer back to checkout when there is no order to park or its
// payment has already failed.
func (h *Handler) holdOrFail(w http.ResponseWriter, r *http.Request, locale, reference string) {
	err := h.reconciler.MarkPendingVerification(r.Context(), reference)
	var tErr *order.TransitionError
	if errors.As(err, &tErr) && tErr.PaymentStatus.Promising() {
		// Held by an earlier callback or already paid.
		err = nil
	}
	if err != nil {
		zctx.From(r.Context()).Warn("Unable to mark order pending verification",
			zap.String("reference", reference),
			zap.Error(err),
		)
		h.redirectCheckout(w, r, locale, "payment_failed")
		return
	}
	h.redirectSuccess(w, r, locale)
}

func (h *Handler) redirectSuccess(w http.ResponseWriter, r *http.Request, locale string) {
	http.Redirect(w, r, fmt.Sprintf("%s/%s/checkout/success", h.baseURL(), locale), http.StatusSeeOther)
}

func (h *Handler) redirectCheckout(w http.ResponseWriter, r *http.Request, locale, code string) {
	target := fmt.Sprintf("%s/%s/checkout?error=%s", h.baseURL(), locale, url.QueryEscape(code))
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) baseURL() string {
	return strings.TrimRight(h.cfg.PublicBaseURL, "/")
}

// locale returns l if it is configured, otherwise the default locale.
func (h *Handler) locale(l string) string {
	for _, known := range h.cfg.Locales {
		if l == known {
			return l
		}
	}
	return h.cfg.DefaultLocale
}
