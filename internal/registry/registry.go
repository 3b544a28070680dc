package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/store"
)

// OwnerIndex resolves a normalized plate to its owner
type OwnerIndex interface {
	OwnerByPlate(ctx context.Context, normalizedPlate string) (*db.Owner, error)
}

// Registration is the registry's answer for one plate. The zero value is
// an unregistered vehicle.
type Registration struct {
	OwnerID   uuid.NullUUID
	OwnerName string
	GPSStatus db.GPSStatus
}

// Registered reports whether the plate belongs to a known owner
func (r Registration) Registered() bool {
	return r.OwnerID.Valid
}

// Registry looks up vehicle registrations with a bounded timeout
type Registry struct {
	index   OwnerIndex
	timeout time.Duration
}

// NewRegistry creates a registry over index. A zero timeout means no extra deadline.
func NewRegistry(index OwnerIndex, timeout time.Duration) *Registry {
	return &Registry{index: index, timeout: timeout}
}

// Lookup resolves normalizedPlate. An unknown plate is not an error; any
// other failure is returned as domain.UpstreamError.
func (r *Registry) Lookup(ctx context.Context, normalizedPlate string) (Registration, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	owner, err := r.index.OwnerByPlate(ctx, normalizedPlate)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Registration{}, nil
		}
		return Registration{}, domain.UpstreamError{Service: "vehicle registry", Err: err}
	}

	return Registration{
		OwnerID:   uuid.NullUUID{UUID: owner.ID, Valid: true},
		OwnerName: owner.Name,
		GPSStatus: owner.GPSStatus,
	}, nil
}
