package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	ReservationID  ReservationID
	Amount         Credits
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLocker serializes mutations per account through the given locker.
func WithLocker(locker Locker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}

// WithRetryPolicy bounds how often a mutation is retried after ErrConcurrentUpdate.
func WithRetryPolicy(attempts int, backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.retryAttempts = attempts
		}
		if backoff >= 0 {
			service.retryBackoff = backoff
		}
	}
}
