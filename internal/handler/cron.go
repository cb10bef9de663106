package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

type emailsResponse struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cleaned   int `json:"cleaned"`
}

// CronEmails handles POST /api/cron/emails: delivers due emails, then purges
// old rows and releases stuck ones.
func (h *Handler) CronEmails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.emails.DrainPending(ctx, h.cfg.EmailBatch)
	if err != nil && report.Processed == 0 {
		writeDomainError(w, r, errors.Wrap(err, "drain emails"))
		return
	}
	if err != nil {
		// Some rows could not be updated; the rest of the batch still counts.
		zctx.From(ctx).Error("Drain emails", zap.Int("processed", report.Processed), zap.Error(err))
	}
	cleaned, err := h.emails.Purge(ctx)
	if err != nil {
		// Delivery already happened; report it and retry cleanup next run.
		zctx.From(ctx).Error("Purge email queue", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, emailsResponse{
		Processed: report.Processed,
		Sent:      report.Sent,
		Failed:    report.Failed,
		Cleaned:   cleaned,
	})
}

// CronDeliveries handles POST /api/cron/deliveries.
func (h *Handler) CronDeliveries(w http.ResponseWriter, r *http.Request) {
	n, err := h.orders.ConfirmDeliveries(r.Context(), h.cfg.DeliveryAfter, h.cfg.DeliveryLimit)
	if err != nil {
		writeDomainError(w, r, errors.Wrap(err, "confirm deliveries"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

// CronVerifyPayments handles POST /api/cron/verify-payments.
func (h *Handler) CronVerifyPayments(w http.ResponseWriter, r *http.Request) {
	n, err := h.reconciler.VerifyPending(r.Context(), h.payments, h.cfg.VerifyLimit)
	if err != nil {
		writeDomainError(w, r, errors.Wrap(err, "verify payments"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"checked": n})
}
