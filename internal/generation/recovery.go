package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"go.uber.org/zap"
)

const (
	DefaultRecoveryAge      = 15 * time.Minute
	DefaultRecoveryInterval = 5 * time.Minute
	defaultRecoveryBatch    = 100

	reasonRecoveredSettle = "generation recovered"
	reasonRecoveredRefund = "generation recovered refund"
)

var ErrInvalidRecoveryConfig = errors.New("invalid recovery config")

// RecoveryLedger lists and closes reservations that an interrupted request left open.
type RecoveryLedger interface {
	OpenReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Reservation, error)
	Settle(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, consumed ledger.Credits, reason ledger.Reason) (ledger.Reservation, error)
	Refund(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, reason ledger.Reason) (ledger.Reservation, error)
}

// ReservationPhotos finds the photo set a reservation paid for.
// It reports photos.ErrNotFound when no set was stored.
type ReservationPhotos interface {
	FindByReservation(ctx context.Context, accountID string, reservationID string) (photos.PhotoSet, error)
}

// RecoveryReport counts what one sweep did.
type RecoveryReport struct {
	Examined        int
	Settled         int
	Refunded        int
	Failed          int
	RefundedCredits int64
}

// Recovery closes reservations still open after MaxAge.
// A reservation with a stored photo set is settled for the images in that set; any other is refunded in full.
type Recovery struct {
	ledger    RecoveryLedger
	photoSets ReservationPhotos
	logger    *zap.Logger
	maxAge    time.Duration
	batch     int
	now       func() time.Time
}

// NewRecovery wires a Recovery. maxAge must exceed the longest time a request can hold its reservation.
func NewRecovery(ledgerService RecoveryLedger, photoSets ReservationPhotos, logger *zap.Logger, maxAge time.Duration) (*Recovery, error) {
	switch {
	case ledgerService == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidRecoveryConfig)
	case photoSets == nil:
		return nil, fmt.Errorf("%w: photo set lookup is nil", ErrInvalidRecoveryConfig)
	}
	if maxAge <= 0 {
		maxAge = DefaultRecoveryAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{
		ledger:    ledgerService,
		photoSets: photoSets,
		logger:    logger,
		maxAge:    maxAge,
		batch:     defaultRecoveryBatch,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sweep closes one batch of stale reservations, oldest first.
func (recovery *Recovery) Sweep(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	cutoff := recovery.now().Add(-recovery.maxAge).Unix()
	reservations, err := recovery.ledger.OpenReservations(ctx, cutoff, recovery.batch)
	if err != nil {
		return report, err
	}
	var failures []error
	for _, reservation := range reservations {
		report.Examined++
		refunded, settled, err := recovery.close(ctx, reservation)
		if err != nil {
			report.Failed++
			failures = append(failures, fmt.Errorf("reservation %s: %w", reservation.ReservationID(), err))
			recovery.logger.Error("reservation recovery failed",
				zap.String("account_id", reservation.AccountID().String()),
				zap.String("reservation_id", reservation.ReservationID().String()),
				zap.Error(err),
			)
			continue
		}
		if settled {
			report.Settled++
		} else {
			report.Refunded++
		}
		report.RefundedCredits += refunded
		recovery.logger.Info("reservation recovered",
			zap.String("account_id", reservation.AccountID().String()),
			zap.String("reservation_id", reservation.ReservationID().String()),
			zap.Bool("settled", settled),
			zap.Int64("refunded", refunded),
		)
	}
	return report, errors.Join(failures...)
}

// Run sweeps immediately and then on every tick until ctx is done.
func (recovery *Recovery) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := recovery.Sweep(ctx); err != nil && ctx.Err() == nil {
			recovery.logger.Warn("reservation sweep incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (recovery *Recovery) close(ctx context.Context, reservation ledger.Reservation) (int64, bool, error) {
	accountID := reservation.AccountID()
	reservationID := reservation.ReservationID()
	photoSet, err := recovery.photoSets.FindByReservation(ctx, accountID.String(), reservationID.String())
	switch {
	case err == nil:
		consumed := min(photoSet.CreditsUsed, reservation.Amount().Int64())
		reason, _ := ledger.NewReason(reasonRecoveredSettle)
		closed, err := recovery.ledger.Settle(ctx, accountID, reservationID, ledger.Credits(consumed), reason)
		if err != nil {
			return 0, true, err
		}
		return closed.Refunded().Int64(), true, nil
	case errors.Is(err, photos.ErrNotFound):
		reason, _ := ledger.NewReason(reasonRecoveredRefund)
		closed, err := recovery.ledger.Refund(ctx, accountID, reservationID, reason)
		if err != nil {
			return 0, false, err
		}
		return closed.Refunded().Int64(), false, nil
	default:
		return 0, false, err
	}
}
