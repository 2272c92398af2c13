package ledger

import "time"

const (
	operationCredit     = "credit"
	operationReserve    = "reserve"
	operationSettle     = "settle"
	operationRefund     = "refund"
	operationReconcile  = "reconcile"
	operationDeactivate = "deactivate"
	operationSubscribe  = "subscription"
	operationEmail      = "email"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"
	operationStatusNoop      = "noop"

	idempotencyKeyDelimiter  = ":"
	idempotencyPrefixReserve = "reserve"
	idempotencyPrefixRefund  = "refund"

	defaultReserveReason = "generation reservation"
	defaultRefundReason  = "generation refund"

	defaultRetryAttempts = 5
	defaultRetryBackoff  = 25 * time.Millisecond

	defaultOpenReservationLimit = 100

	accountLockPrefix = "account"
)
