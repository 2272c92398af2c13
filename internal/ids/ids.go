// Package ids mints prefix-qualified, sortable identifiers ("pset_01h2...") for photovault entities.
package ids

import (
	"errors"
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an identifier.
type Prefix string

const (
	PrefixPhotoSet    Prefix = "pset"
	PrefixReservation Prefix = "rsv"
)

// ErrInvalidID reports an identifier that does not parse or carries the wrong prefix.
var ErrInvalidID = errors.New("invalid identifier")

// New generates a new identifier with the given prefix.
func New(prefix Prefix) (string, error) {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		return "", fmt.Errorf("ids: generate %q: %w", prefix, err)
	}
	return tid.String(), nil
}

// NewPhotoSetID generates a photo set identifier.
func NewPhotoSetID() (string, error) {
	return New(PrefixPhotoSet)
}

// NewReservationID generates a reservation identifier.
func NewReservationID() (string, error) {
	return New(PrefixReservation)
}

// Validate checks that raw parses and carries the expected prefix.
func Validate(raw string, expected Prefix) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidID)
	}
	tid, err := typeid.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if tid.Prefix() != string(expected) {
		return fmt.Errorf("%w: expected prefix %q, got %q", ErrInvalidID, expected, tid.Prefix())
	}
	return nil
}
