package watchduty

import "fmt"

// Kind classifies a failure of a dispatch, confirmation or sweep call.
type Kind string

const (
	KindAlreadyAssigned    Kind = "already_assigned"
	KindNoWorkersAvailable Kind = "no_workers_available"
	KindWorkerNotFound     Kind = "worker_not_found"
	KindIdentityMismatch   Kind = "identity_mismatch"
	KindLeaseNotFound      Kind = "lease_not_found"
	KindLeaseExpired       Kind = "lease_expired"
	KindOrderNotFound      Kind = "order_not_found"
	KindStoreUnavailable   Kind = "store_unavailable"
)

// Error is a structured failure carrying its kind and a human-readable
// reason. Callers match on kind with errors.Is against the sentinel values
// below.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches two Errors by kind, so wrapped call-site errors compare equal
// to the package sentinels.
func (e *Error) Is(target error) bool {
	var other, ok = target.(*Error)
	return ok && e.Kind == other.Kind
}

// newError builds a kind-tagged failure with a formatted reason.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

var (
	// ErrAlreadyAssigned is returned when an order already holds an assigned lease.
	ErrAlreadyAssigned = &Error{Kind: KindAlreadyAssigned, Reason: "order already has an assigned lease"}

	// ErrNoWorkersAvailable is returned when the eligible worker set is empty.
	ErrNoWorkersAvailable = &Error{Kind: KindNoWorkersAvailable, Reason: "no active workers available"}

	// ErrWorkerNotFound is returned when the claimed worker is unknown or inactive.
	ErrWorkerNotFound = &Error{Kind: KindWorkerNotFound, Reason: "worker is unknown or inactive"}

	// ErrIdentityMismatch is returned when the claimed name does not match the registered one.
	ErrIdentityMismatch = &Error{Kind: KindIdentityMismatch, Reason: "claimed name does not match the registered worker"}

	// ErrLeaseNotFound is returned when no assigned lease exists for the order/worker pair.
	ErrLeaseNotFound = &Error{Kind: KindLeaseNotFound, Reason: "no assigned lease found"}

	// ErrLeaseExpired is returned when a confirmation arrives past the lease TTL.
	ErrLeaseExpired = &Error{Kind: KindLeaseExpired, Reason: "lease expired before confirmation"}

	// ErrOrderNotFound is returned when the order collaborator does not know the order.
	ErrOrderNotFound = &Error{Kind: KindOrderNotFound, Reason: "order does not exist"}

	// ErrStoreUnavailable is returned when the store stays unreachable after one retry.
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable, Reason: "store unavailable"}
)
