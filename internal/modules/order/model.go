// README: Order aggregate, status definitions and the lifecycle state machine.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/types"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusPreparing  Status = "preparing"
	StatusReady      Status = "ready"
	StatusPickedUp   Status = "picked_up"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
)

// lifecycle is the forward order of the main flow. The index is the rank.
var lifecycle = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusPickedUp,
	StatusDelivering,
	StatusDelivered,
	StatusCompleted,
}

// Rank returns the position of s in the forward flow, or -1 for the side
// exits and unknown values.
func Rank(s Status) int {
	for i, v := range lifecycle {
		if v == s {
			return i
		}
	}
	return -1
}

func (s Status) Valid() bool {
	return Rank(s) >= 0 || s == StatusCancelled || s == StatusRejected
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

func (s Status) isExit() bool {
	return s == StatusCancelled || s == StatusRejected
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrBadRequest, v)
	}
	return s, nil
}

type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type LineItem struct {
	ProductID string            `json:"product_id"`
	Name      string            `json:"name"`
	Quantity  int               `json:"quantity"`
	Variant   map[string]string `json:"variant,omitempty"`
	UnitPrice types.Money       `json:"unit_price"`
	LineTotal types.Money       `json:"line_total"`
}

type Order struct {
	ID            types.ID          `json:"id"`
	Number        string            `json:"number"`
	TenantID      types.ID          `json:"tenant_id"`
	Status        Status            `json:"status"`
	StatusVersion int               `json:"status_version"`
	Subtotal      types.Money       `json:"subtotal"`
	DeliveryFee   types.Money       `json:"delivery_fee"`
	Total         types.Money       `json:"total"`
	PaymentMethod string            `json:"payment_method"`
	Fulfillment   types.Fulfillment `json:"fulfillment"`
	ZoneID        *types.ID         `json:"zone_id,omitempty"`
	Customer      Customer          `json:"customer"`
	Destination   *types.Point      `json:"destination,omitempty"`
	AgentID       *types.ID         `json:"agent_id,omitempty"`
	Items         []LineItem        `json:"items"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Event is one StatusEvent row. Events are append-only.
type Event struct {
	ID         int64     `json:"id"`
	OrderID    types.ID  `json:"order_id"`
	FromStatus Status    `json:"from_status,omitempty"`
	Status     Status    `json:"status"`
	Note       string    `json:"note,omitempty"`
	ActorType  string    `json:"actor_type,omitempty"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	ErrAlreadyTerminal   = errors.New("order already terminal")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TransitionError is returned for any rejected status change. The order is
// left unchanged.
type TransitionError struct {
	From   Status
	To     Status
	reason error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", e.reason, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.reason }

// CanTransition reports whether from -> to is a legal, state-changing move.
func CanTransition(from, to Status) bool {
	return checkTransition(from, to) == nil && from != to
}

func checkTransition(from, to Status) error {
	if from.Terminal() {
		return &TransitionError{From: from, To: to, reason: ErrAlreadyTerminal}
	}
	if from == StatusDelivered {
		// Delivered only closes out to completed.
		if to == StatusCompleted {
			return nil
		}
		return &TransitionError{From: from, To: to, reason: ErrAlreadyTerminal}
	}
	if !to.Valid() {
		return &TransitionError{From: from, To: to, reason: ErrInvalidTransition}
	}
	if to.isExit() || to == from {
		return nil
	}
	if Rank(to) != Rank(from)+1 {
		return &TransitionError{From: from, To: to, reason: ErrInvalidTransition}
	}
	return nil
}

// Transition validates a requested status against o and, when it is a real
// change, applies it and returns the event to append. A request for the
// current status is a duplicate: it returns changed=false and no event.
func Transition(o *Order, to Status, note string, at time.Time) (Event, bool, error) {
	if err := checkTransition(o.Status, to); err != nil {
		return Event{}, false, err
	}
	if o.Status == to {
		return Event{}, false, nil
	}
	ev := Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		Status:     to,
		Note:       note,
		CreatedAt:  at,
	}
	o.Status = to
	o.StatusVersion++
	o.UpdatedAt = at
	return ev, true, nil
}

// CanAssignAgent reports whether an agent may be attached to an order in s.
func CanAssignAgent(s Status) bool {
	return Rank(s) >= Rank(StatusConfirmed) && s != StatusDelivered && !s.Terminal()
}
