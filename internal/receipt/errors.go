package receipt

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("receipt not found")
	ErrOwnerRequired      = errors.New("receipt owner is required")
	ErrOwnerAlreadySet    = errors.New("receipt owner already set")
	ErrNotOwner           = errors.New("receipt belongs to another user")
	ErrInvalidReceipt     = errors.New("receipt must have at least one item and a positive total")
	ErrQuantityBelowClaim = errors.New("item quantity is below the quantity already claimed")
	ErrLockNotObtained    = errors.New("receipt is locked by another request")
	ErrUsernameRequired   = errors.New("a username is required to share a receipt")

	ErrOverCapacity          = errors.New("claimed quantity exceeds item quantity")
	ErrAlreadyFullyAllocated = errors.New("item is already fully split")
	ErrWouldExceedCapacity   = errors.New("claim would exceed item quantity")
	ErrInvalidChoice         = errors.New("claim needs a participant and a positive quantity")
)

// AllocationError is returned when a claim cannot be applied to an item.
// The item is left unchanged.
type AllocationError struct {
	ItemID      string
	Product     string
	Participant string
	Requested   int
	Available   int
	Reason      error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("splitting %q for %s: %v (requested %d, available %d)",
		e.Product, e.Participant, e.Reason, e.Requested, e.Available)
}

func (e *AllocationError) Unwrap() error {
	return e.Reason
}

// Is lets a fully allocated item also match ErrWouldExceedCapacity, since
// any positive claim on it would exceed the quantity.
func (e *AllocationError) Is(target error) bool {
	return e.Reason == ErrAlreadyFullyAllocated && target == ErrWouldExceedCapacity
}

// RecognitionError wraps any failure of the receipt scanner
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognizing receipt: %v", e.Err)
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}
