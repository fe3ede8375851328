package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/splitgoat/internal/store"
)

// Every backend must satisfy the same contract.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	return map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newExperiment(id string, status store.TestStatus) *store.Experiment {
	pct := 50.0
	return &store.Experiment{
		ID:          id,
		Name:        "hero " + id,
		Description: "headline copy",
		Status:      status,
		Variants: []store.Variant{
			{ID: id + "-a", TestID: id, Name: "A", Allocation: 60, IsControl: true},
			{ID: id + "-b", TestID: id, Name: "B", Allocation: 40, Config: json.RawMessage(`{"color":"red"}`)},
		},
		Audience:  &store.AudienceFilter{UserIDs: []string{"u1", "u2"}, Percentage: &pct},
		CreatedBy: "alice",
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

func TestCreateAndGetTest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusDraft)))

		got, err := s.GetTest(ctx, "t1")
		require.NoError(t, err)

		assert.Equal(t, "hero t1", got.Name)
		assert.Equal(t, "headline copy", got.Description)
		assert.Equal(t, store.StatusDraft, got.Status)
		assert.Equal(t, "alice", got.CreatedBy)
		assert.True(t, got.CreatedAt.Equal(baseTime))
		assert.Nil(t, got.StartDate)
		assert.Nil(t, got.EndDate)

		require.Len(t, got.Variants, 2)
		assert.Equal(t, "A", got.Variants[0].Name)
		assert.True(t, got.Variants[0].IsControl)
		assert.Equal(t, 60.0, got.Variants[0].Allocation)
		assert.Equal(t, "B", got.Variants[1].Name)
		assert.False(t, got.Variants[1].IsControl)
		assert.JSONEq(t, `{"color":"red"}`, string(got.Variants[1].Config))

		require.NotNil(t, got.Audience)
		assert.Equal(t, []string{"u1", "u2"}, got.Audience.UserIDs)
		require.NotNil(t, got.Audience.Percentage)
		assert.Equal(t, 50.0, *got.Audience.Percentage)
	})
}

func TestGetTest_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		_, err := s.GetTest(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestListTests_FilterAndPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			e := newExperiment(fmt.Sprintf("t%d", i), store.StatusDraft)
			e.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
			if i%2 == 0 {
				e.Status = store.StatusRunning
			}
			if i == 4 {
				e.CreatedBy = "bob"
			}
			require.NoError(t, s.CreateTest(ctx, e))
		}

		all, total, err := s.ListTests(ctx, store.ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, all, 5)
		assert.Equal(t, "t4", all[0].ID, "newest first")
		assert.Len(t, all[0].Variants, 2)

		running, total, err := s.ListTests(ctx, store.ListFilter{Status: store.StatusRunning})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, running, 3)

		bobs, total, err := s.ListTests(ctx, store.ListFilter{CreatedBy: "bob"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, bobs, 1)
		assert.Equal(t, "t4", bobs[0].ID)

		page2, total, err := s.ListTests(ctx, store.ListFilter{Page: 2, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page2, 2)
		assert.Equal(t, "t2", page2[0].ID)
		assert.Equal(t, "t1", page2[1].ID)

		beyond, _, err := s.ListTests(ctx, store.ListFilter{Page: 10, PageSize: 2})
		require.NoError(t, err)
		assert.Empty(t, beyond)
	})
}

func TestUpdateTest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusDraft)))

		name := "renamed"
		end := baseTime.Add(48 * time.Hour)
		later := baseTime.Add(time.Hour)
		got, err := s.UpdateTest(ctx, "t1", store.TestUpdate{Name: &name, EndDate: &end, ClearAudience: true}, later)
		require.NoError(t, err)

		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, "headline copy", got.Description)
		assert.Nil(t, got.Audience)
		require.NotNil(t, got.EndDate)
		assert.True(t, got.EndDate.Equal(end))
		assert.True(t, got.UpdatedAt.Equal(later))
	})
}

func TestUpdateTest_TerminalRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("done", store.StatusCompleted)))
		require.NoError(t, s.CreateTest(ctx, newExperiment("old", store.StatusArchived)))

		name := "x"
		_, err := s.UpdateTest(ctx, "done", store.TestUpdate{Name: &name}, baseTime)
		assert.ErrorIs(t, err, store.ErrConflict)
		_, err = s.UpdateTest(ctx, "old", store.TestUpdate{Name: &name}, baseTime)
		assert.ErrorIs(t, err, store.ErrConflict)
		_, err = s.UpdateTest(ctx, "missing", store.TestUpdate{Name: &name}, baseTime)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestTransitionTest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusDraft)))

		started := baseTime.Add(time.Hour)
		got, err := s.TransitionTest(ctx, "t1", []store.TestStatus{store.StatusDraft}, store.StatusRunning, started)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRunning, got.Status)
		require.NotNil(t, got.StartDate)
		assert.True(t, got.StartDate.Equal(started))

		_, err = s.TransitionTest(ctx, "t1", []store.TestStatus{store.StatusRunning}, store.StatusPaused, started.Add(time.Hour))
		require.NoError(t, err)

		// Resuming keeps the original start date
		got, err = s.TransitionTest(ctx, "t1", []store.TestStatus{store.StatusPaused}, store.StatusRunning, started.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, got.StartDate.Equal(started))

		ended := started.Add(3 * time.Hour)
		got, err = s.TransitionTest(ctx, "t1", []store.TestStatus{store.StatusRunning}, store.StatusCompleted, ended)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, got.Status)
		require.NotNil(t, got.EndDate)
		assert.True(t, got.EndDate.Equal(ended))
	})
}

func TestTransitionTest_StaleSourceStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusPaused)))

		_, err := s.TransitionTest(ctx, "t1", []store.TestStatus{store.StatusRunning}, store.StatusPaused, baseTime)
		assert.ErrorIs(t, err, store.ErrConflict)

		got, err := s.GetTest(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, store.StatusPaused, got.Status, "status must be untouched")

		_, err = s.TransitionTest(ctx, "missing", []store.TestStatus{store.StatusDraft}, store.StatusRunning, baseTime)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestDeleteTest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusPaused)))

		_, _, err := s.CreateAssignmentIfAbsent(ctx, &store.Assignment{ID: "a1", TestID: "t1", VariantID: "t1-a", UserID: "u1", AssignedAt: baseTime})
		require.NoError(t, err)
		require.NoError(t, s.RecordConversion(ctx, &store.Conversion{ID: "c1", TestID: "t1", VariantID: "t1-a", UserID: "u1", EventType: "signup", CreatedAt: baseTime}))

		require.NoError(t, s.DeleteTest(ctx, "t1"))

		_, err = s.GetTest(ctx, "t1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetAssignment(ctx, "t1", "u1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		conversions, err := s.ListConversions(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, conversions)

		assert.ErrorIs(t, s.DeleteTest(ctx, "t1"), store.ErrNotFound)
	})
}

func TestDeleteTest_RunningRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusRunning)))

		assert.ErrorIs(t, s.DeleteTest(ctx, "t1"), store.ErrConflict)

		_, err := s.GetTest(ctx, "t1")
		assert.NoError(t, err)
	})
}

func TestCreateAssignmentIfAbsent_FirstWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusRunning)))

		first, created, err := s.CreateAssignmentIfAbsent(ctx, &store.Assignment{ID: "a1", TestID: "t1", VariantID: "t1-a", UserID: "u1", AssignedAt: baseTime})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "t1-a", first.VariantID)

		second, created, err := s.CreateAssignmentIfAbsent(ctx, &store.Assignment{ID: "a2", TestID: "t1", VariantID: "t1-b", UserID: "u1", AssignedAt: baseTime.Add(time.Minute)})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "a1", second.ID)
		assert.Equal(t, "t1-a", second.VariantID, "existing assignment must not be overwritten")

		got, err := s.GetAssignment(ctx, "t1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "t1-a", got.VariantID)
		assert.True(t, got.AssignedAt.Equal(baseTime))
	})
}

func TestCreateAssignmentIfAbsent_Concurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusRunning)))

		const n = 20
		var wg sync.WaitGroup
		results := make([]string, n)
		createdCount := make([]bool, n)
		errs := make([]error, n)

		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				variant := "t1-a"
				if i%2 == 1 {
					variant = "t1-b"
				}
				a, created, err := s.CreateAssignmentIfAbsent(ctx, &store.Assignment{
					ID: fmt.Sprintf("a%d", i), TestID: "t1", VariantID: variant, UserID: "u1", AssignedAt: baseTime,
				})
				errs[i] = err
				if a != nil {
					results[i] = a.VariantID
				}
				createdCount[i] = created
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, results[0], results[i])
			if createdCount[i] {
				winners++
			}
		}
		assert.Equal(t, 1, winners)

		a, err := s.CountAssignments(ctx, "t1", "t1-a")
		require.NoError(t, err)
		b, err := s.CountAssignments(ctx, "t1", "t1-b")
		require.NoError(t, err)
		assert.Equal(t, 1, a+b)
	})
}

func TestCountUniqueConverters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusRunning)))

		value := 9.99
		for i := 0; i < 5; i++ {
			require.NoError(t, s.RecordConversion(ctx, &store.Conversion{
				ID: fmt.Sprintf("c%d", i), TestID: "t1", VariantID: "t1-a", UserID: "u1",
				EventType: "purchase", Value: &value, CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.RecordConversion(ctx, &store.Conversion{
			ID: "c9", TestID: "t1", VariantID: "t1-a", UserID: "u2", EventType: "signup",
			Metadata: map[string]any{"plan": "pro"}, CreatedAt: baseTime.Add(time.Minute),
		}))

		count, err := s.CountUniqueConverters(ctx, "t1", "t1-a")
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		count, err = s.CountUniqueConverters(ctx, "t1", "t1-b")
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		conversions, err := s.ListConversions(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, conversions, 6)
		assert.Equal(t, "c9", conversions[0].ID, "newest first")
		assert.Equal(t, "pro", conversions[0].Metadata["plan"])
		assert.Nil(t, conversions[0].Value)
		require.NotNil(t, conversions[1].Value)
		assert.Equal(t, 9.99, *conversions[1].Value)
	})
}

func TestGetAssignment_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		_, err := s.GetAssignment(context.Background(), "t1", "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestWrites_MissingTest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		_, _, err := s.CreateAssignmentIfAbsent(ctx, &store.Assignment{ID: "a1", TestID: "gone", VariantID: "gone-a", UserID: "u1", AssignedAt: baseTime})
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.RecordConversion(ctx, &store.Conversion{ID: "c1", TestID: "gone", VariantID: "gone-a", UserID: "u1", EventType: "signup", CreatedAt: baseTime})
		assert.ErrorIs(t, err, store.ErrNotFound)

		conversions, err := s.ListConversions(ctx, "gone")
		require.NoError(t, err)
		assert.Empty(t, conversions)
	})
}

func TestWrites_AfterDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTest(ctx, newExperiment("t1", store.StatusCompleted)))
		require.NoError(t, s.DeleteTest(ctx, "t1"))

		err := s.RecordConversion(ctx, &store.Conversion{ID: "c1", TestID: "t1", VariantID: "t1-a", UserID: "u1", EventType: "signup", CreatedAt: baseTime})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestPing(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
