package experiment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/headline-goat/splitgoat/internal/bucket"
	"github.com/headline-goat/splitgoat/internal/store"
)

// AssignVariant returns the variant userID sees in test testID.
//
// A nil variant with a nil error means the user is not in the test: the test
// is missing or not running, or the user fails the audience filter. Once a
// user has been assigned, every later call returns the same variant.
func (s *Service) AssignVariant(ctx context.Context, testID, userID string) (*store.Variant, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationf("user_id", "user id is required")
	}

	test, err := s.store.GetTest(ctx, testID)
	if errors.Is(err, store.ErrNotFound) {
		assignmentsTotal.WithLabelValues("inactive").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get test", Err: err}
	}
	if test.Status != store.StatusRunning {
		assignmentsTotal.WithLabelValues("inactive").Inc()
		return nil, nil
	}

	// Existing assignments are never re-rolled
	if variantID, ok := s.cache.get(testID, userID); ok {
		if v := test.Variant(variantID); v != nil {
			assignmentsTotal.WithLabelValues("existing").Inc()
			return v, nil
		}
	}
	existing, err := s.store.GetAssignment(ctx, testID, userID)
	switch {
	case err == nil:
		v := test.Variant(existing.VariantID)
		if v == nil {
			return nil, &StoreError{Op: "get assignment", Err: fmt.Errorf("variant %s not in test %s", existing.VariantID, testID)}
		}
		s.cache.add(testID, userID, v.ID)
		assignmentsTotal.WithLabelValues("existing").Inc()
		return v, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, &StoreError{Op: "get assignment", Err: err}
	}

	if !inAudience(test, userID) {
		assignmentsTotal.WithLabelValues("ineligible").Inc()
		s.logger.Debug("user outside audience", "test_id", testID, "user_id", userID)
		return nil, nil
	}

	chosen := selectVariant(test.Variants, bucket.Hash(bucket.AssignmentKey(testID, userID)))

	stored, created, err := s.store.CreateAssignmentIfAbsent(ctx, &store.Assignment{
		ID:         s.newID(),
		TestID:     testID,
		VariantID:  chosen.ID,
		UserID:     userID,
		AssignedAt: s.timestamp(),
	})
	if errors.Is(err, store.ErrNotFound) {
		// Deleted since it was read
		assignmentsTotal.WithLabelValues("inactive").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "create assignment", Err: err}
	}

	// A concurrent caller may have won; the stored row is authoritative.
	v := test.Variant(stored.VariantID)
	if v == nil {
		return nil, &StoreError{Op: "create assignment", Err: fmt.Errorf("variant %s not in test %s", stored.VariantID, testID)}
	}
	s.cache.add(testID, userID, v.ID)

	if created {
		assignmentsTotal.WithLabelValues("new").Inc()
		s.logger.Debug("user assigned", "test_id", testID, "user_id", userID, "variant", v.Name)
	} else {
		assignmentsTotal.WithLabelValues("existing").Inc()
	}
	return v, nil
}

// inAudience reports whether userID passes every configured audience condition.
func inAudience(test *store.Experiment, userID string) bool {
	a := test.Audience
	if a == nil {
		return true
	}
	if len(a.UserIDs) > 0 && !slices.Contains(a.UserIDs, userID) {
		return false
	}
	if a.Percentage != nil && bucket.Hash(bucket.AudienceKey(test.ID, userID)) > *a.Percentage {
		return false
	}
	return true
}

// selectVariant walks variants in order, accumulating allocation, and picks
// the first whose cumulative boundary reaches h. If rounding leaves the sum
// short of h the last variant is used, so every eligible user gets one.
func selectVariant(variants []store.Variant, h float64) *store.Variant {
	cumulative := 0.0
	for i := range variants {
		cumulative += variants[i].Allocation
		if h <= cumulative {
			return &variants[i]
		}
	}
	return &variants[len(variants)-1]
}

// RecordConversion attributes an event to the user's assigned variant. It
// returns false when the user has no assignment in the test.
func (s *Service) RecordConversion(ctx context.Context, testID, userID, eventType string, value *float64, metadata map[string]any) (bool, error) {
	if strings.TrimSpace(eventType) == "" {
		return false, validationf("event_type", "event type is required")
	}

	variantID, ok := s.cache.get(testID, userID)
	if !ok {
		a, err := s.store.GetAssignment(ctx, testID, userID)
		if errors.Is(err, store.ErrNotFound) {
			conversionsTotal.WithLabelValues("unattributed").Inc()
			return false, nil
		}
		if err != nil {
			return false, &StoreError{Op: "get assignment", Err: err}
		}
		variantID = a.VariantID
		s.cache.add(testID, userID, variantID)
	}

	err := s.store.RecordConversion(ctx, &store.Conversion{
		ID:        s.newID(),
		TestID:    testID,
		VariantID: variantID,
		UserID:    userID,
		EventType: eventType,
		Value:     value,
		Metadata:  metadata,
		CreatedAt: s.timestamp(),
	})
	if errors.Is(err, store.ErrNotFound) {
		// The cached assignment outlived its test
		s.cache.purgeTest(testID)
		conversionsTotal.WithLabelValues("unattributed").Inc()
		return false, nil
	}
	if err != nil {
		s.logger.Error("record conversion failed", "test_id", testID, "user_id", userID, "error", err)
		return false, &StoreError{Op: "record conversion", Err: err}
	}

	conversionsTotal.WithLabelValues("attributed").Inc()
	return true, nil
}

// ListConversions returns a test's conversion events, newest first.
func (s *Service) ListConversions(ctx context.Context, testID string) ([]*store.Conversion, error) {
	if _, err := s.store.GetTest(ctx, testID); err != nil {
		return nil, translate("get test", testID, err)
	}
	conversions, err := s.store.ListConversions(ctx, testID)
	if err != nil {
		return nil, &StoreError{Op: "list conversions", Err: err}
	}
	return conversions, nil
}
