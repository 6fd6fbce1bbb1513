package billing

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/agent-ledger/internal/pricing"
)

var (
	// ErrConfiguration is the pricing/capability configuration error kind.
	ErrConfiguration = pricing.ErrConfiguration

	// ErrUnauthorizedSeller is returned when a purchase comes from a seller
	// other than the configured one.
	ErrUnauthorizedSeller = errors.New("unauthorized seller")

	// ErrStorage marks durable-write and read failures. Use errors.Is.
	ErrStorage = errors.New("storage error")

	// ErrDuplicateEvent is returned by stores when a purchase (seller_id, sale_id)
	// has already been recorded.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidRecord is returned for usage records that break a record invariant.
	ErrInvalidRecord = errors.New("invalid usage record")

	// ErrInvalidPayload is returned for purchase payloads missing required fields.
	ErrInvalidPayload = errors.New("invalid purchase payload")
)

// StorageError wraps a failure of the storage collaborator.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageError(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// errorKind is the metrics label for an accounting error.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrUnauthorizedSeller):
		return "authorization"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case errors.Is(err, ErrInvalidRecord), errors.Is(err, ErrInvalidPayload), errors.Is(err, pricing.ErrInvalidMeasurement):
		return "invalid"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "unknown"
	}
}
