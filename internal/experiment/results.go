package experiment

import (
	"context"
	"time"

	"github.com/headline-goat/splitgoat/internal/stats"
	"github.com/headline-goat/splitgoat/internal/store"
)

// VariantResult contains statistics for a single variant
type VariantResult struct {
	VariantID      string         `json:"variant_id"`
	Name           string         `json:"name"`
	IsControl      bool           `json:"is_control"`
	Allocation     float64        `json:"allocation"`
	Participants   int            `json:"participants"`
	Conversions    int            `json:"conversions"` // unique converting users
	ConversionRate float64        `json:"conversion_rate"`
	RateInterval   stats.Interval `json:"rate_interval"` // Wilson score interval

	// Set only for non-control variants compared against a populated control.
	Improvement              *float64        `json:"improvement,omitempty"`
	ConfidenceInterval       *stats.Interval `json:"confidence_interval,omitempty"`
	PValue                   *float64        `json:"p_value,omitempty"`
	IsSignificant            bool            `json:"is_significant"`
	SampleSizeRecommendation int             `json:"sample_size_recommendation,omitempty"`
}

// Results is the aggregated outcome of a test.
type Results struct {
	TestID            string           `json:"test_id"`
	Name              string           `json:"name"`
	Status            store.TestStatus `json:"status"`
	ConfidenceLevel   float64          `json:"confidence_level"`
	Variants          []VariantResult  `json:"variants"`
	TotalParticipants int              `json:"total_participants"`
	Winner            string           `json:"winner,omitempty"` // variant id
	IsSignificant     bool             `json:"is_significant"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// WinnerVariant returns the winning variant's result, or nil.
func (r *Results) WinnerVariant() *VariantResult {
	if r.Winner == "" {
		return nil
	}
	for i := range r.Variants {
		if r.Variants[i].VariantID == r.Winner {
			return &r.Variants[i]
		}
	}
	return nil
}

// GetResults aggregates participants and unique converters per variant and
// tests every non-control variant against the control. Concurrent calls for
// the same test share one aggregation, which is not cancelled when the caller
// that started it goes away. Each caller still returns on its own ctx.
func (s *Service) GetResults(ctx context.Context, testID string) (*Results, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.results.DoChan(testID, func() (any, error) {
		return s.computeResults(shared, testID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Results).clone(), nil
	}
}

// clone copies r deeply enough that callers sharing an aggregation cannot
// see each other's edits.
func (r *Results) clone() *Results {
	out := *r
	out.Variants = make([]VariantResult, len(r.Variants))
	for i, v := range r.Variants {
		if v.Improvement != nil {
			improvement := *v.Improvement
			v.Improvement = &improvement
		}
		if v.PValue != nil {
			pValue := *v.PValue
			v.PValue = &pValue
		}
		if v.ConfidenceInterval != nil {
			ci := *v.ConfidenceInterval
			v.ConfidenceInterval = &ci
		}
		out.Variants[i] = v
	}
	return &out
}

func (s *Service) computeResults(ctx context.Context, testID string) (*Results, error) {
	start := time.Now()
	defer func() { resultsDuration.Observe(time.Since(start).Seconds()) }()

	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, translate("get test", testID, err)
	}

	results := &Results{
		TestID:          test.ID,
		Name:            test.Name,
		Status:          test.Status,
		ConfidenceLevel: s.confidenceLevel,
		Variants:        make([]VariantResult, len(test.Variants)),
		GeneratedAt:     s.timestamp(),
	}

	control := -1
	for i, v := range test.Variants {
		participants, err := s.store.CountAssignments(ctx, testID, v.ID)
		if err != nil {
			return nil, &StoreError{Op: "count assignments", Err: err}
		}
		conversions, err := s.store.CountUniqueConverters(ctx, testID, v.ID)
		if err != nil {
			return nil, &StoreError{Op: "count converters", Err: err}
		}

		rate := 0.0
		if participants > 0 {
			rate = float64(conversions) / float64(participants)
		}

		results.Variants[i] = VariantResult{
			VariantID:      v.ID,
			Name:           v.Name,
			IsControl:      v.IsControl,
			Allocation:     v.Allocation,
			Participants:   participants,
			Conversions:    conversions,
			ConversionRate: rate,
			RateInterval:   stats.WilsonInterval(conversions, participants, s.confidenceLevel),
		}
		results.TotalParticipants += participants

		if v.IsControl {
			control = i
		}
	}

	if control < 0 || results.Variants[control].Participants == 0 {
		return results, nil
	}
	c := results.Variants[control]

	var winner *VariantResult
	for i := range results.Variants {
		v := &results.Variants[i]
		if v.IsControl || v.Participants == 0 {
			continue
		}

		sig := stats.CalculateSignificance(c.Conversions, c.Participants, v.Conversions, v.Participants, s.confidenceLevel)

		improvement := sig.RelativeImprovement
		pValue := sig.PValue
		v.Improvement = &improvement
		v.PValue = &pValue
		v.IsSignificant = sig.IsSignificant
		v.SampleSizeRecommendation = sig.SampleSizeRecommendation
		if sig.SampleSizeRecommendation == 0 {
			ci := sig.ConfidenceInterval
			v.ConfidenceInterval = &ci
		}

		if sig.IsSignificant && v.ConversionRate > c.ConversionRate &&
			(winner == nil || v.ConversionRate > winner.ConversionRate) {
			winner = v
		}
	}

	if winner != nil {
		results.Winner = winner.VariantID
		results.IsSignificant = true
	}

	s.logger.Debug("results computed", "test_id", testID, "participants", results.TotalParticipants, "winner", results.Winner)
	return results, nil
}
