// Package experiment runs A/B tests: lifecycle, deterministic variant
// assignment, conversion attribution and results.
//
// The Service holds no locks of its own. The one race that matters, two
// first-time assignment requests for the same user, is settled by the
// store's atomic create-if-absent.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/headline-goat/splitgoat/internal/stats"
	"github.com/headline-goat/splitgoat/internal/store"
)

// DefaultCacheSize is the number of assignments kept in the advisory cache.
const DefaultCacheSize = 10000

// Service is the experiment orchestrator. It is safe for concurrent use.
type Service struct {
	store           store.Store
	logger          *slog.Logger
	cache           *assignmentCache
	results         singleflight.Group
	confidenceLevel float64
	now             func() time.Time
	newID           func() string
	cacheSize       int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithCacheSize sets the assignment cache size; 0 disables the cache.
func WithCacheSize(size int) Option {
	return func(s *Service) { s.cacheSize = size }
}

// WithConfidenceLevel sets the level used by GetResults.
func WithConfidenceLevel(level float64) Option {
	return func(s *Service) { s.confidenceLevel = level }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// New creates a Service backed by st.
func New(st store.Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:           st,
		logger:          slog.New(slog.DiscardHandler),
		confidenceLevel: stats.DefaultConfidenceLevel,
		now:             time.Now,
		newID:           uuid.NewString,
		cacheSize:       DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.confidenceLevel <= 0 || s.confidenceLevel >= 1 {
		return nil, fmt.Errorf("confidence level must be in (0, 1), got %v", s.confidenceLevel)
	}

	cache, err := newAssignmentCache(s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment cache: %w", err)
	}
	s.cache = cache

	return s, nil
}

// timestamp returns the current time at the precision the stores keep.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// CreateTest validates params and persists a new draft test.
func (s *Service) CreateTest(ctx context.Context, params CreateTestParams) (*store.Experiment, error) {
	variants, err := validateCreate(params)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	test := &store.Experiment{
		ID:          s.newID(),
		Name:        strings.TrimSpace(params.Name),
		Description: params.Description,
		Status:      store.StatusDraft,
		Audience:    params.Audience.Clone(),
		StartDate:   truncated(params.StartDate),
		EndDate:     truncated(params.EndDate),
		CreatedBy:   params.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, v := range variants {
		test.Variants = append(test.Variants, store.Variant{
			ID:          s.newID(),
			TestID:      test.ID,
			Name:        v.Name,
			Description: v.Description,
			Allocation:  v.Allocation,
			IsControl:   v.IsControl,
			Config:      v.Config,
		})
	}

	if err := s.store.CreateTest(ctx, test); err != nil {
		s.logger.Error("create test failed", "name", test.Name, "error", err)
		return nil, &StoreError{Op: "create test", Err: err}
	}

	s.logger.Info("test created", "test_id", test.ID, "name", test.Name, "variants", len(test.Variants))
	return test, nil
}

// GetTest returns a test by id.
func (s *Service) GetTest(ctx context.Context, id string) (*store.Experiment, error) {
	test, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, translate("get test", id, err)
	}
	return test, nil
}

// Ping checks that the store is reachable. Stores without a connection
// always pass.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(store.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return &StoreError{Op: "ping", Err: err}
		}
	}
	return nil
}

// ListTests returns one page of tests and the total match count.
func (s *Service) ListTests(ctx context.Context, filter store.ListFilter) ([]*store.Experiment, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, validationf("status", "unknown status %q", filter.Status)
	}
	tests, total, err := s.store.ListTests(ctx, filter)
	if err != nil {
		return nil, 0, &StoreError{Op: "list tests", Err: err}
	}
	return tests, total, nil
}

// UpdateTest changes the mutable fields of a test that is not completed or archived.
func (s *Service) UpdateTest(ctx context.Context, id string, update store.TestUpdate) (*store.Experiment, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, validationf("name", "name cannot be empty")
	}
	if err := validateAudience(update.Audience); err != nil {
		return nil, err
	}

	current, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, translate("get test", id, err)
	}
	if current.Status.IsTerminal() {
		return nil, &ConflictError{Message: fmt.Sprintf("test '%s' is %s and cannot be modified", id, current.Status)}
	}
	if !update.ClearEndDate {
		if err := validateDates(current.StartDate, update.EndDate); err != nil {
			return nil, err
		}
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		update.Name = &name
	}
	update.EndDate = truncated(update.EndDate)

	test, err := s.store.UpdateTest(ctx, id, update, s.timestamp())
	if err != nil {
		return nil, translate("update test", id, err)
	}
	return test, nil
}

// DeleteTest removes a test and all of its records. Running tests must be
// paused or ended first.
func (s *Service) DeleteTest(ctx context.Context, id string) error {
	current, err := s.store.GetTest(ctx, id)
	if err != nil {
		return translate("get test", id, err)
	}
	if current.Status == store.StatusRunning {
		return &ConflictError{Message: fmt.Sprintf("test '%s' is running; pause or end it before deleting", id)}
	}

	if err := s.store.DeleteTest(ctx, id); err != nil {
		return translate("delete test", id, err)
	}
	s.cache.purgeTest(id)

	s.logger.Info("test deleted", "test_id", id)
	return nil
}

// transition describes one lifecycle action.
type transition struct {
	action string
	from   []store.TestStatus
	to     store.TestStatus
}

var (
	startTransition = transition{"start", []store.TestStatus{store.StatusDraft, store.StatusPaused}, store.StatusRunning}
	pauseTransition = transition{"pause", []store.TestStatus{store.StatusRunning}, store.StatusPaused}
	endTransition   = transition{"end", []store.TestStatus{store.StatusDraft, store.StatusRunning, store.StatusPaused}, store.StatusCompleted}
)

// StartTest moves a draft or paused test to running.
func (s *Service) StartTest(ctx context.Context, id string) (*store.Experiment, error) {
	return s.applyTransition(ctx, id, startTransition)
}

// PauseTest moves a running test to paused.
func (s *Service) PauseTest(ctx context.Context, id string) (*store.Experiment, error) {
	return s.applyTransition(ctx, id, pauseTransition)
}

// EndTest completes a test. Completed tests accept no further changes.
func (s *Service) EndTest(ctx context.Context, id string) (*store.Experiment, error) {
	return s.applyTransition(ctx, id, endTransition)
}

func (s *Service) applyTransition(ctx context.Context, id string, t transition) (*store.Experiment, error) {
	current, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, translate("get test", id, err)
	}
	if !slices.Contains(t.from, current.Status) {
		return nil, validationf("status", "cannot %s test in status %s", t.action, current.Status)
	}

	// The store re-checks the source status so concurrent admin actions
	// cannot push the test through an invalid transition.
	test, err := s.store.TransitionTest(ctx, id, t.from, t.to, s.timestamp())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &ConflictError{Message: fmt.Sprintf("test '%s' changed status concurrently; cannot %s", id, t.action), Err: err}
		}
		return nil, translate(t.action+" test", id, err)
	}

	transitionsTotal.WithLabelValues(string(t.to)).Inc()
	s.logger.Info("test status changed", "test_id", id, "from", current.Status, "to", test.Status)
	return test, nil
}

func truncated(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC().Truncate(time.Millisecond)
	return &c
}
