// Package arbitrator disseminates learned baselines between replicas
// protecting the same resource. A stored snapshot is replaced by a push of
// equal or higher rank (Ready outranks Learning); there is no merging.
package arbitrator

import (
	"context"
	"errors"

	"github.com/nshruti113/dos-protect/internal/models"
)

// ErrNotFound is returned by Pull when no baseline is stored for a resource.
var ErrNotFound = errors.New("baseline not found")

// Store is the arbitrated baseline registry.
type Store interface {
	// Push offers b for id and reports whether it replaced the stored snapshot.
	Push(ctx context.Context, id models.ResourceID, b models.Baseline) (bool, error)
	Pull(ctx context.Context, id models.ResourceID) (models.Baseline, error)
	// Attach and Detach reference-count the replicas of a resource; the
	// snapshot is discarded when the last replica detaches.
	Attach(ctx context.Context, id models.ResourceID, replica string) error
	Detach(ctx context.Context, id models.ResourceID, replica string) error
}

// Notifier is implemented by stores that announce accepted pushes.
type Notifier interface {
	// Subscribe delivers the id of every resource whose snapshot changed
	// until ctx is done.
	Subscribe(ctx context.Context) (<-chan models.ResourceID, error)
}

// accepts is the arbitration rule: rank first, then the last write wins.
func accepts(current *models.Baseline, offered models.Baseline) bool {
	return current == nil || offered.Supersedes(*current)
}
