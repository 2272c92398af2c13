// Package generation runs a themed photo batch as a saga: reserve credits, fan out provider calls,
// store the results, then settle or refund.
package generation

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/catalog"
	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/MarkoPoloResearchLab/photovault/internal/usage"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
)

var (
	ErrInvalidRequest        = errors.New("invalid generation request")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrStorageFailure        = errors.New("generation results could not be stored")
	ErrRefundPending         = errors.New("refund pending recovery")
	ErrInvalidConfig         = errors.New("invalid orchestrator config")
)

// State is the terminal or intermediate state of a generation request.
type State string

const (
	StateRequested          State = "requested"
	StateReserved           State = "reserved"
	StateDispatched         State = "dispatched"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
)

// Provider produces one image from a source image and a prompt.
type Provider interface {
	Generate(ctx context.Context, source photos.Image, prompt string) (photos.Image, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, source photos.Image, prompt string) (photos.Image, error)

// Generate calls the function.
func (fn ProviderFunc) Generate(ctx context.Context, source photos.Image, prompt string) (photos.Image, error) {
	return fn(ctx, source, prompt)
}

// Ledger is the reservation half of the ledger service.
type Ledger interface {
	Reserve(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, reservationID ledger.ReservationID, metadata ledger.MetadataJSON) (ledger.Reservation, error)
	Settle(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, consumed ledger.Credits, reason ledger.Reason) (ledger.Reservation, error)
	Refund(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, reason ledger.Reason) (ledger.Reservation, error)
}

// PhotoStore loads uploaded sources and persists generated sets.
type PhotoStore interface {
	LoadSource(ctx context.Context, accountID string, ref string) (photos.Image, error)
	Store(ctx context.Context, request photos.StoreRequest) (photos.PhotoSet, error)
}

// ThemeCatalog resolves theme ids to prompts.
type ThemeCatalog interface {
	Theme(id string) (catalog.Theme, bool)
}

// UsageRecorder appends audit lines.
type UsageRecorder interface {
	Record(ctx context.Context, accountID string, action usage.Action, creditsInvolved int64, detail string, metadata map[string]any) error
}

// Observer receives one callback per finished request.
type Observer interface {
	ObserveGeneration(theme string, requested int, succeeded int, state State, elapsed time.Duration)
}

// Request asks for Count variations of the uploaded source in one theme.
type Request struct {
	AccountID ledger.AccountID
	SourceRef string
	Theme     string
	Count     int
	Guidance  string
}

// Result describes a finished request.
type Result struct {
	PhotoSet      photos.PhotoSet
	ReservationID string
	Requested     int
	Succeeded     int
	Refunded      int64
	State         State
	// RefundPending is set when the reservation could not be closed; recovery closes it later.
	RefundPending bool
}
