package gobilling

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the parent of every "record does not exist" error
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is the parent of every "caller supplied a bad request" error
	ErrInvalidInput = errors.New("invalid input")

	// ErrRemoteFailure is returned when a provider call is rejected or the transport fails
	ErrRemoteFailure = errors.New("remote provider failure")

	// ErrEntityNotFound is returned when the first-party entity does not exist
	ErrEntityNotFound = fmt.Errorf("entity %w", ErrNotFound)

	// ErrCustomerNotFound is returned when no customer mirror exists
	ErrCustomerNotFound = fmt.Errorf("customer %w", ErrNotFound)

	// ErrContractNotFound is returned when the expected contract does not exist
	ErrContractNotFound = fmt.Errorf("contract %w", ErrNotFound)

	// ErrInvoiceNotFound is returned when an invoice does not exist
	ErrInvoiceNotFound = fmt.Errorf("invoice %w", ErrNotFound)

	// ErrInvalidTier is returned for a tier that is not in the catalog
	ErrInvalidTier = fmt.Errorf("%w: invalid tier", ErrInvalidInput)

	// ErrInvalidBillingPeriod is returned for an unknown billing period
	ErrInvalidBillingPeriod = fmt.Errorf("%w: invalid billing period", ErrInvalidInput)

	// ErrAlreadyOnTier is returned when a tier change would change nothing
	ErrAlreadyOnTier = fmt.Errorf("%w: already on tier", ErrInvalidInput)

	// ErrAlreadyActive is returned when reactivating a customer that has an active contract
	ErrAlreadyActive = fmt.Errorf("%w: subscription already active", ErrInvalidInput)

	// ErrInvalidContractPeriod is returned when a contract's end does not follow its start
	ErrInvalidContractPeriod = fmt.Errorf("%w: contract period has no length", ErrInvalidInput)

	// ErrMissingField is returned when a required field is empty
	ErrMissingField = fmt.Errorf("%w: missing required field", ErrInvalidInput)

	// ErrNoPaymentProvider is returned by payment-method operations when no payment provider is configured
	ErrNoPaymentProvider = errors.New("payment provider not configured")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// RemoteError wraps a provider error so it matches ErrRemoteFailure
// while keeping the original error in the chain.
func RemoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRemoteFailure) || errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteFailure, err)
}

// IsNotFound reports whether err is any "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput reports whether err is any invalid input condition
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
