// README: Canonical tenant identity and validation errors.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"courier/internal/modules/pricing"
	"courier/internal/types"
)

// Tenant is the registry's view of a merchant. ID is always the canonical
// identifier returned by the registry, unless Degraded is set.
type Tenant struct {
	ID          types.ID         `json:"id"`
	DisplayName string           `json:"display_name"`
	OrderPrefix string           `json:"order_prefix"`
	Pricing     pricing.Settings `json:"pricing"`
	// Degraded marks a tenant built from an unvalidated candidate after the
	// registry could not be reached.
	Degraded bool `json:"degraded,omitempty"`
}

var (
	ErrMissingIdentifier   = errors.New("missing tenant identifier")
	ErrMalformedIdentifier = errors.New("malformed tenant identifier")
	ErrNotRegistered       = errors.New("tenant not registered")
	ErrRegistryUnavailable = errors.New("tenant registry unavailable")
)

// ValidationError is returned when a candidate identifier is rejected.
type ValidationError struct {
	Candidate string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate tenant %q: %v", e.Candidate, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnavailableError is returned after the registry stayed unreachable for
// every attempt. Callers decide between failing and Degraded.
type UnavailableError struct {
	Candidate string
	Attempts  int
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRegistryUnavailable, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrRegistryUnavailable, e.Err} }

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)

// CheckFormat performs the offline format check on a candidate.
func CheckFormat(candidate string) error {
	c := strings.TrimSpace(candidate)
	if c == "" {
		return ErrMissingIdentifier
	}
	if !identifierPattern.MatchString(c) {
		return ErrMalformedIdentifier
	}
	return nil
}

// Degraded builds a best-effort tenant from an unvalidated candidate. Only
// call it after an UnavailableError, as an explicit policy choice.
func Degraded(candidate string) Tenant {
	return Tenant{ID: types.ID(strings.TrimSpace(candidate)), Degraded: true}
}
