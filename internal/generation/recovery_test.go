package generation

import (
	"context"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var _ ReservationPhotos = (*gormstore.PhotoSetStore)(nil)

// recovery returns a Recovery whose clock runs advance ahead of the wall clock.
func (f fixture) recovery(t *testing.T, advance time.Duration) *Recovery {
	t.Helper()
	recovery, err := NewRecovery(f.ledger, f.photoSets, zap.NewNop(), DefaultRecoveryAge)
	require.NoError(t, err)
	recovery.now = func() time.Time { return time.Now().UTC().Add(advance) }
	return recovery
}

func (f fixture) openReservation(t *testing.T, raw string, amount int64) ledger.ReservationID {
	t.Helper()
	reservationID, err := ledger.NewReservationID(raw)
	require.NoError(t, err)
	credits, err := ledger.NewPositiveCredits(amount)
	require.NoError(t, err)
	_, err = f.ledger.Reserve(context.Background(), f.accountID, credits, reservationID, ledger.MetadataJSON{})
	require.NoError(t, err)
	return reservationID
}

func TestSweepLeavesFreshReservationsAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	f.openReservation(t, "rsv_in_flight", 4)

	report, err := f.recovery(t, 0).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{}, report)
	assert.Equal(t, int64(6), f.balance(t))
}

func TestSweepRefundsStaleReservationWithoutPhotos(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	reservationID := f.openReservation(t, "rsv_interrupted", 4)

	report, err := f.recovery(t, time.Hour).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Examined: 1, Refunded: 1, RefundedCredits: 4}, report)
	assert.Equal(t, int64(10), f.balance(t))

	open, err := f.ledger.OpenReservations(context.Background(), time.Now().Add(time.Hour).Unix(), 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	entries, err := f.ledger.ListEntries(context.Background(), f.accountID, 0, 10)
	require.NoError(t, err)
	var refundedFor []string
	for _, entry := range entries {
		if entry.Kind() == ledger.EntryRefunded {
			id, _ := entry.ReservationID()
			refundedFor = append(refundedFor, id.String())
		}
	}
	assert.Equal(t, []string{reservationID.String()}, refundedFor)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	f.openReservation(t, "rsv_abandoned", 3)
	recovery := f.recovery(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		recovery.Run(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		account, err := f.ledger.Balance(context.Background(), f.accountID)
		return err == nil && account.Credits().Int64() == 10
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestNewRecoveryValidatesDependencies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)
	_, err := NewRecovery(nil, f.photoSets, nil, 0)
	require.ErrorIs(t, err, ErrInvalidRecoveryConfig)
	_, err = NewRecovery(f.ledger, nil, nil, 0)
	require.ErrorIs(t, err, ErrInvalidRecoveryConfig)
	recovery, err := NewRecovery(f.ledger, f.photoSets, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRecoveryAge, recovery.maxAge)
}
