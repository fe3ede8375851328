package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the operation is not allowed in the record's current state.
	ErrConflict = errors.New("conflict")
)

// Store defines the interface for experiment storage operations
type Store interface {
	// Test operations
	CreateTest(ctx context.Context, test *Experiment) error
	GetTest(ctx context.Context, id string) (*Experiment, error)
	ListTests(ctx context.Context, filter ListFilter) ([]*Experiment, int, error)
	// UpdateTest applies the update unless the test is completed or archived.
	UpdateTest(ctx context.Context, id string, update TestUpdate, at time.Time) (*Experiment, error)
	// TransitionTest moves the test to status "to" only if its current status
	// is one of "from". Moving to running sets the start date if unset; moving
	// to completed sets the end date.
	TransitionTest(ctx context.Context, id string, from []TestStatus, to TestStatus, at time.Time) (*Experiment, error)
	// DeleteTest removes a test with its variants, assignments and
	// conversions. Running tests cannot be deleted.
	DeleteTest(ctx context.Context, id string) error

	// Assignment operations
	GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error)
	// CreateAssignmentIfAbsent stores a unless an assignment for the same
	// (test, user) already exists. It returns the assignment on record and
	// whether this call created it.
	CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error)
	CountAssignments(ctx context.Context, testID, variantID string) (int, error)

	// Conversion operations
	RecordConversion(ctx context.Context, c *Conversion) error
	CountUniqueConverters(ctx context.Context, testID, variantID string) (int, error)
	ListConversions(ctx context.Context, testID string) ([]*Conversion, error)

	// Lifecycle
	Close() error
}

// Pinger is implemented by stores backed by a remote or on-disk database.
type Pinger interface {
	Ping(ctx context.Context) error
}
