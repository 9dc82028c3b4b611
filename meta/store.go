package meta

import "context"

// Store is the metadata store every entity lives in. Implementations
// must provide atomic read-modify-write for Package and Event updates;
// everything else is last-writer-wins.
type Store interface {
	Name() string

	SaveSpace(ctx context.Context, s *Space) error
	GetSpace(ctx context.Context, uuid string) (*Space, error)
	ListSpaces(ctx context.Context) ([]*Space, error)
	// DeleteSpace refuses to remove a Space that any Location still
	// references.
	DeleteSpace(ctx context.Context, uuid string) error

	SaveLocation(ctx context.Context, l *Location) error
	GetLocation(ctx context.Context, uuid string) (*Location, error)
	ListLocations(ctx context.Context) ([]*Location, error)
	LocationsByPurpose(ctx context.Context, purpose Purpose) ([]*Location, error)

	// SetDefaultLocation records the deployment default for a purpose.
	// The first value written wins; later writes for the same purpose
	// are ignored so concurrent initializers stay idempotent.
	SetDefaultLocation(ctx context.Context, purpose Purpose, locationUUID string) error
	DefaultLocation(ctx context.Context, purpose Purpose) (string, error)

	CreatePackage(ctx context.Context, p *Package) error
	GetPackage(ctx context.Context, uuid string) (*Package, error)
	// UpdatePackage applies mutate inside an atomic read-modify-write
	// of the Package row.
	UpdatePackage(ctx context.Context, uuid string, mutate func(*Package) error) (*Package, error)
	DeletePackage(ctx context.Context, uuid string) error
	PackagesAtLocation(ctx context.Context, locationUUID string) ([]*Package, error)
	// ReplicasOf lists Packages whose ReplicatedPackage references uuid.
	ReplicasOf(ctx context.Context, uuid string) ([]*Package, error)

	CreateEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, uuid string) (*Event, error)
	UpdateEvent(ctx context.Context, uuid string, mutate func(*Event) error) (*Event, error)
	// PendingDeletionEvent returns the oldest SUBMITTED deletion Event
	// for the Package, or ErrNotFound.
	PendingDeletionEvent(ctx context.Context, packageUUID string) (*Event, error)

	CreateAsync(ctx context.Context) (*Async, error)
	GetAsync(ctx context.Context, id int64) (*Async, error)
	// CompleteAsync transitions the record to completed exactly once.
	// Exactly one of result/errMsg must be non-empty.
	CompleteAsync(ctx context.Context, id int64, result, errMsg string) error
	TouchAsync(ctx context.Context, id int64) error

	SaveCallback(ctx context.Context, c *Callback) error
	CallbacksForEvent(ctx context.Context, event CallbackEvent) ([]*Callback, error)

	AppendFixityLog(ctx context.Context, l *FixityLog) error
	FixityLogs(ctx context.Context, packageUUID string) ([]*FixityLog, error)

	// TryLock acquires the named advisory lock without blocking. When
	// the lock is already held it returns ok=false and no error: losing
	// the race is expected, not a failure.
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)

	Close() error
}
