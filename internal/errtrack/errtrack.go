// Package errtrack counts classified errors per user inside a reset window.
package errtrack

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/bridge-keeper/internal/model"
)

// Tracker keeps one ErrorRecord per (user, kind).
type Tracker interface {
	// Record adds one error and returns the count inside the current window.
	// A window older than the reset interval starts over at 1.
	Record(ctx context.Context, userID uuid.UUID, kind model.ErrorKind) (int, error)
	// Reset clears the counter, typically after a success of the same kind.
	Reset(ctx context.Context, userID uuid.UUID, kind model.ErrorKind) error
	// Count returns the current count; an expired window counts as zero.
	Count(ctx context.Context, userID uuid.UUID, kind model.ErrorKind) (int, error)
}
