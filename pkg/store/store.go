package store

import (
	"context"
	"errors"

	"github.com/nstogner/gemchat/pkg/domain"
)

// ErrUnavailable indicates the backing medium could not complete an
// operation. The in-memory state remains the only valid copy; callers must
// surface the failure rather than crash or silently drop the transcript.
var ErrUnavailable = errors.New("storage unavailable")

// ErrNotFound indicates the requested thread does not exist.
var ErrNotFound = errors.New("thread not found")

// ThreadStore durably persists threads keyed by ID.
type ThreadStore interface {
	// Save upserts a thread, including its full message list. The write is
	// atomic: a concurrent LoadAll never observes a half-written thread.
	Save(ctx context.Context, t *domain.Thread) error

	// LoadAll returns every stored thread with its messages in conversation
	// order, threads ordered by UpdatedAt descending.
	LoadAll(ctx context.Context) ([]domain.Thread, error)

	// Delete removes a thread and all of its messages atomically.
	Delete(ctx context.Context, id string) error
}
