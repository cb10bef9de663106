package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name        string
		payment     PaymentStatus
		status      Status
		action      Action
		wantPayment PaymentStatus
		wantStatus  Status
		wantErr     bool
	}{
		{"capture authorized", PaymentAuthorized, StatusPaid, ActionCapture, PaymentCaptured, StatusProcessing, false},
		{"capture captured", PaymentCaptured, StatusPaid, ActionCapture, "", "", true},
		{"capture pending", PaymentPending, StatusPending, ActionCapture, "", "", true},
		{"cancel authorized", PaymentAuthorized, StatusPaid, ActionCancel, PaymentCancelled, StatusCancelled, false},
		{"cancel captured", PaymentCaptured, StatusProcessing, ActionCancel, "", "", true},
		{"refund captured", PaymentCaptured, StatusProcessing, ActionRefund, PaymentRefunded, StatusRefunded, false},
		{"refund authorized", PaymentAuthorized, StatusPaid, ActionRefund, "", "", true},
		{"refund delivered", PaymentCaptured, StatusDelivered, ActionRefund, "", "", true},
		{"ship paid", PaymentCaptured, StatusPaid, ActionShip, PaymentCaptured, StatusShipped, false},
		{"ship processing", PaymentCaptured, StatusProcessing, ActionShip, PaymentCaptured, StatusShipped, false},
		{"ship uncaptured", PaymentAuthorized, StatusPaid, ActionShip, "", "", true},
		{"deliver shipped", PaymentCaptured, StatusShipped, ActionDeliver, PaymentCaptured, StatusDelivered, false},
		{"deliver processing", PaymentCaptured, StatusProcessing, ActionDeliver, "", "", true},
		{"void pending", PaymentPending, StatusPending, ActionVoid, PaymentCancelled, StatusCancelled, false},
		{"void unverified", PaymentPendingVerification, StatusPending, ActionVoid, PaymentCancelled, StatusCancelled, false},
		{"void paid", PaymentAuthorized, StatusPaid, ActionVoid, "", "", true},
		{"hold pending", PaymentPending, StatusPending, ActionHold, PaymentPendingVerification, StatusPending, false},
		{"hold authorized", PaymentAuthorized, StatusPaid, ActionHold, "", "", true},
		{"anything cancelled", PaymentCancelled, StatusCancelled, ActionRefund, "", "", true},
		{"unknown action", PaymentAuthorized, StatusPaid, Action("explode"), "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{PaymentStatus: tt.payment, Status: tt.status}
			ch, err := Transition(o, tt.action)
			if tt.wantErr {
				var tErr *TransitionError
				require.ErrorAs(t, err, &tErr)
				assert.Equal(t, tt.action, tErr.Action)
				assert.Equal(t, tt.payment, o.PaymentStatus, "order must not change")
				assert.Equal(t, tt.status, o.Status, "order must not change")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.payment, ch.FromPayment)
			assert.Equal(t, tt.status, ch.FromStatus)
			assert.Equal(t, tt.wantPayment, ch.ToPayment)
			assert.Equal(t, tt.wantStatus, ch.ToStatus)
		})
	}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"capture", "cancel", "refund"} {
		a, ok := ParseAction(s)
		assert.True(t, ok)
		assert.Equal(t, Action(s), a)
	}
	_, ok := ParseAction("ship")
	assert.False(t, ok)
}
