// README: Dispatch picks the nearest free agent for delivery orders waiting on one.
package dispatch

import (
	"errors"
	"time"

	"courier/internal/modules/order"
)

const (
	// candidatePoolSize is how many nearby agents are looked at per order.
	candidatePoolSize = 10
	// scanBatch caps how many waiting orders one scheduler tick handles per status.
	scanBatch = 50
	// claimTTL bounds how long an agent stays booked if the order is never
	// closed through this service.
	claimTTL = 12 * time.Hour
	// declineTTL is how long an agent's refusal of an order is remembered.
	declineTTL = 24 * time.Hour
)

// scanStatuses are visited in order on every tick; orders that are ready to
// leave the kitchen go first.
var scanStatuses = []order.Status{order.StatusReady, order.StatusPreparing, order.StatusConfirmed}

var (
	ErrNotDispatchable  = errors.New("order cannot be dispatched")
	ErrNoDestination    = errors.New("order has no destination")
	ErrNoAgentAvailable = errors.New("no free agent nearby")
	ErrAlreadyHeld      = errors.New("agent already holds the order")
)
