package experiment

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/headline-goat/splitgoat/internal/store"
)

// allocationTolerance is how far the allocation sum may drift from 100.
const allocationTolerance = 0.01

// VariantParams describes one variant of a test being created.
type VariantParams struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Allocation  float64         `json:"allocation"`
	IsControl   bool            `json:"is_control,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// CreateTestParams is the input to Service.CreateTest.
type CreateTestParams struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Variants    []VariantParams       `json:"variants"`
	Audience    *store.AudienceFilter `json:"audience,omitempty"`
	StartDate   *time.Time            `json:"start_date,omitempty"`
	EndDate     *time.Time            `json:"end_date,omitempty"`
	CreatedBy   string                `json:"created_by,omitempty"`
}

// normalizeVariants validates the variant list and returns a copy with
// exactly one control. When no variant is marked control the first one is
// promoted. The caller's slice is never modified.
func normalizeVariants(params []VariantParams) ([]VariantParams, error) {
	if len(params) < 2 {
		return nil, validationf("variants", "at least 2 variants required, got %d", len(params))
	}

	seen := make(map[string]bool, len(params))
	sum := 0.0
	controls := 0
	for i, v := range params {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return nil, validationf("variants", "variant %d has no name", i)
		}
		if seen[name] {
			return nil, validationf("variants", "duplicate variant name %q", name)
		}
		seen[name] = true

		if v.Allocation < 0 || v.Allocation > 100 || math.IsNaN(v.Allocation) {
			return nil, validationf("variants", "variant %q allocation %v outside 0-100", name, v.Allocation)
		}
		sum += v.Allocation

		if v.IsControl {
			controls++
		}
	}

	if math.Abs(sum-100) > allocationTolerance {
		return nil, validationf("variants", "allocations must sum to 100, got %v", sum)
	}
	if controls > 1 {
		return nil, validationf("variants", "exactly one control required, got %d", controls)
	}

	out := make([]VariantParams, len(params))
	copy(out, params)
	for i := range out {
		out[i].Name = strings.TrimSpace(out[i].Name)
	}
	if controls == 0 {
		out[0].IsControl = true
	}
	return out, nil
}

func validateAudience(a *store.AudienceFilter) error {
	if a == nil || a.Percentage == nil {
		return nil
	}
	p := *a.Percentage
	if p < 0 || p > 100 || math.IsNaN(p) {
		return validationf("audience", "percentage %v outside 0-100", p)
	}
	return nil
}

func validateDates(start, end *time.Time) error {
	if start != nil && end != nil && !end.After(*start) {
		return validationf("end_date", "end date must be after start date")
	}
	return nil
}

func validateCreate(params CreateTestParams) ([]VariantParams, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, validationf("name", "name is required")
	}
	variants, err := normalizeVariants(params.Variants)
	if err != nil {
		return nil, err
	}
	if err := validateAudience(params.Audience); err != nil {
		return nil, err
	}
	if err := validateDates(params.StartDate, params.EndDate); err != nil {
		return nil, err
	}
	return variants, nil
}
