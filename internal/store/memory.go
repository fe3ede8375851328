package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Compile-time contract assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all state in process memory. It is used for tests and
// ephemeral runs; every method is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	tests       map[string]*Experiment
	assignments map[string]*Assignment // keyed by testID + "\x00" + userID
	conversions map[string][]*Conversion
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:       make(map[string]*Experiment),
		assignments: make(map[string]*Assignment),
		conversions: make(map[string][]*Conversion),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateTest(ctx context.Context, test *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tests[test.ID]; exists {
		return fmt.Errorf("%w: test %s already exists", ErrConflict, test.ID)
	}
	s.tests[test.ID] = test.Clone()
	return nil
}

func (s *MemoryStore) GetTest(ctx context.Context, id string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	test, ok := s.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return test.Clone(), nil
}

func (s *MemoryStore) ListTests(ctx context.Context, filter ListFilter) ([]*Experiment, int, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	var matched []*Experiment
	for _, test := range s.tests {
		if filter.Status != "" && test.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && test.CreatedBy != filter.CreatedBy {
			continue
		}
		matched = append(matched, test.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(filter.offset(), total)
	end := min(start+filter.PageSize, total)
	return matched[start:end], total, nil
}

func (s *MemoryStore) UpdateTest(ctx context.Context, id string, update TestUpdate, at time.Time) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	test, ok := s.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if test.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: test %s is %s", ErrConflict, id, test.Status)
	}

	if update.Name != nil {
		test.Name = *update.Name
	}
	if update.Description != nil {
		test.Description = *update.Description
	}
	if update.ClearAudience {
		test.Audience = nil
	} else if update.Audience != nil {
		test.Audience = update.Audience.Clone()
	}
	if update.ClearEndDate {
		test.EndDate = nil
	} else if update.EndDate != nil {
		test.EndDate = cloneTime(update.EndDate)
	}
	test.UpdatedAt = at

	return test.Clone(), nil
}

func (s *MemoryStore) TransitionTest(ctx context.Context, id string, from []TestStatus, to TestStatus, at time.Time) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	test, ok := s.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, test.Status) {
		return nil, fmt.Errorf("%w: test %s is %s", ErrConflict, id, test.Status)
	}

	test.Status = to
	switch to {
	case StatusRunning:
		if test.StartDate == nil {
			test.StartDate = &at
		}
	case StatusCompleted:
		test.EndDate = &at
	}
	test.UpdatedAt = at

	return test.Clone(), nil
}

func (s *MemoryStore) DeleteTest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	test, ok := s.tests[id]
	if !ok {
		return ErrNotFound
	}
	if test.Status == StatusRunning {
		return fmt.Errorf("%w: test %s is running", ErrConflict, id)
	}

	delete(s.tests, id)
	delete(s.conversions, id)
	for key, a := range s.assignments {
		if a.TestID == id {
			delete(s.assignments, key)
		}
	}
	return nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey(testID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	key := assignmentKey(a.TestID, a.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.assignments[key]; ok {
		c := *existing
		return &c, false, nil
	}
	if _, ok := s.tests[a.TestID]; !ok {
		return nil, false, ErrNotFound
	}

	stored := *a
	s.assignments[key] = &stored
	c := stored
	return &c, true, nil
}

func (s *MemoryStore) CountAssignments(ctx context.Context, testID, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.assignments {
		if a.TestID == testID && a.VariantID == variantID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecordConversion(ctx context.Context, c *Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[c.TestID]; !ok {
		return ErrNotFound
	}
	s.conversions[c.TestID] = append(s.conversions[c.TestID], cloneConversion(c))
	return nil
}

func (s *MemoryStore) CountUniqueConverters(ctx context.Context, testID, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[string]struct{})
	for _, c := range s.conversions[testID] {
		if c.VariantID == variantID {
			users[c.UserID] = struct{}{}
		}
	}
	return len(users), nil
}

func (s *MemoryStore) ListConversions(ctx context.Context, testID string) ([]*Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.conversions[testID]
	out := make([]*Conversion, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, cloneConversion(stored[i]))
	}
	return out, nil
}

func assignmentKey(testID, userID string) string {
	return testID + "\x00" + userID
}

func cloneConversion(c *Conversion) *Conversion {
	out := *c
	if c.Value != nil {
		v := *c.Value
		out.Value = &v
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
