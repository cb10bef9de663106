package order

import "fmt"

// Action is an operation that moves an order between statuses.
type Action string

const (
	ActionCapture Action = "capture"
	ActionCancel  Action = "cancel"
	ActionRefund  Action = "refund"
	ActionShip    Action = "ship"
	ActionDeliver Action = "deliver"
	// ActionVoid closes a pending order whose payment was abandoned.
	ActionVoid Action = "void"
	// ActionHold parks a pending order whose payment state could not be
	// confirmed with the provider.
	ActionHold Action = "hold"
)

// ParseAction parses an admin payment action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionCapture, ActionCancel, ActionRefund:
		return a, true
	default:
		return "", false
	}
}

// TransitionError is returned for an action that is not valid from the
// order's current state.
type TransitionError struct {
	Action        Action
	PaymentStatus PaymentStatus
	Status        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s order with payment status %q and order status %q",
		e.Action, e.PaymentStatus, e.Status)
}

// Transition computes the status change for applying a to o. It does not
// modify o.
func Transition(o *Order, a Action) (Change, error) {
	ch := Change{
		Action:       a,
		FromPayment:  o.PaymentStatus,
		FromStatus:   o.Status,
		FromRefunded: o.RefundedAmount,
		ToPayment:    o.PaymentStatus,
		ToStatus:     o.Status,
	}
	reject := &TransitionError{Action: a, PaymentStatus: o.PaymentStatus, Status: o.Status}

	if o.Status.Terminal() {
		return Change{}, reject
	}

	switch a {
	case ActionCapture:
		if o.PaymentStatus != PaymentAuthorized {
			return Change{}, reject
		}
		ch.ToPayment, ch.ToStatus = PaymentCaptured, StatusProcessing
	case ActionCancel:
		if o.PaymentStatus != PaymentAuthorized {
			return Change{}, reject
		}
		ch.ToPayment, ch.ToStatus = PaymentCancelled, StatusCancelled
	case ActionRefund:
		// Full refund. Service keeps the statuses for a partial one.
		if o.PaymentStatus != PaymentCaptured {
			return Change{}, reject
		}
		ch.ToPayment, ch.ToStatus = PaymentRefunded, StatusRefunded
	case ActionShip:
		if o.PaymentStatus != PaymentCaptured || (o.Status != StatusPaid && o.Status != StatusProcessing) {
			return Change{}, reject
		}
		ch.ToStatus = StatusShipped
	case ActionDeliver:
		if o.Status != StatusShipped {
			return Change{}, reject
		}
		ch.ToStatus = StatusDelivered
	case ActionVoid:
		if !o.PaymentStatus.Claimable() || o.Status != StatusPending {
			return Change{}, reject
		}
		ch.ToPayment, ch.ToStatus = PaymentCancelled, StatusCancelled
	case ActionHold:
		if o.PaymentStatus != PaymentPending || o.Status != StatusPending {
			return Change{}, reject
		}
		ch.ToPayment = PaymentPendingVerification
	default:
		return Change{}, reject
	}
	return ch, nil
}

// apply mirrors a stored change onto the in-memory order.
func (ch Change) apply(o *Order) {
	o.PaymentStatus = ch.ToPayment
	o.Status = ch.ToStatus
	if ch.CapturedAmount != nil {
		o.CapturedAmount = *ch.CapturedAmount
	}
	if ch.RefundedAmount != nil {
		o.RefundedAmount = *ch.RefundedAmount
	}
	if ch.Tracking != nil {
		o.Tracking = ch.Tracking
	}
}
