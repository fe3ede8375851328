package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/splitgoat/internal/store"
)

func TestSelectVariant(t *testing.T) {
	variants := []store.Variant{
		{ID: "a", Allocation: 50},
		{ID: "b", Allocation: 30},
		{ID: "c", Allocation: 20},
	}

	tests := []struct {
		h    float64
		want string
	}{
		{0, "a"},
		{25, "a"},
		{50, "a"},
		{50.0001, "b"},
		{80, "b"},
		{80.5, "c"},
		{99.99, "c"},
	}

	for _, tt := range tests {
		got := selectVariant(variants, tt.h)
		if got.ID != tt.want {
			t.Errorf("selectVariant(%v) = %s, want %s", tt.h, got.ID, tt.want)
		}
	}
}

func TestSelectVariant_ShortSumFallsBackToLast(t *testing.T) {
	variants := []store.Variant{
		{ID: "a", Allocation: 49.995},
		{ID: "b", Allocation: 50},
	}

	if got := selectVariant(variants, 99.999); got.ID != "b" {
		t.Errorf("expected last variant, got %s", got.ID)
	}
}

func TestSelectVariant_ZeroAllocationNeverChosenMidRange(t *testing.T) {
	variants := []store.Variant{
		{ID: "a", Allocation: 50},
		{ID: "off", Allocation: 0},
		{ID: "b", Allocation: 50},
	}

	for _, h := range []float64{10, 49.9, 50.1, 75, 99.9} {
		if got := selectVariant(variants, h); got.ID == "off" {
			t.Errorf("h=%v chose zero-allocation variant", h)
		}
	}
}

func TestNormalizeVariants_DoesNotMutateInput(t *testing.T) {
	in := []VariantParams{
		{Name: " A ", Allocation: 50},
		{Name: "B", Allocation: 50},
	}

	out, err := normalizeVariants(in)
	require.NoError(t, err)

	assert.True(t, out[0].IsControl)
	assert.Equal(t, "A", out[0].Name)
	assert.False(t, in[0].IsControl)
	assert.Equal(t, " A ", in[0].Name)
}

func TestNormalizeVariants_Errors(t *testing.T) {
	tests := map[string][]VariantParams{
		"one variant":    {{Name: "A", Allocation: 100}},
		"empty name":     {{Name: " ", Allocation: 50}, {Name: "B", Allocation: 50}},
		"duplicate name": {{Name: "A", Allocation: 50}, {Name: "A", Allocation: 50}},
		"over 100":       {{Name: "A", Allocation: 120}, {Name: "B", Allocation: -20}},
		"short sum":      {{Name: "A", Allocation: 50}, {Name: "B", Allocation: 49}},
		"two controls":   {{Name: "A", Allocation: 50, IsControl: true}, {Name: "B", Allocation: 50, IsControl: true}},
	}

	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := normalizeVariants(in)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestInAudience(t *testing.T) {
	zero, full := 0.0, 100.0

	tests := []struct {
		name     string
		audience *store.AudienceFilter
		user     string
		want     bool
	}{
		{"no filter", nil, "u1", true},
		{"empty filter", &store.AudienceFilter{}, "u1", true},
		{"listed", &store.AudienceFilter{UserIDs: []string{"u1"}}, "u1", true},
		{"unlisted", &store.AudienceFilter{UserIDs: []string{"u1"}}, "u2", false},
		{"full sample", &store.AudienceFilter{Percentage: &full}, "u2", true},
		{"listed but unsampled", &store.AudienceFilter{UserIDs: []string{"u1"}, Percentage: &zero}, "u1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test := &store.Experiment{ID: "t1", Audience: tt.audience}
			assert.Equal(t, tt.want, inAudience(test, tt.user))
		})
	}
}

func TestAssignmentCache(t *testing.T) {
	c, err := newAssignmentCache(2)
	require.NoError(t, err)

	c.add("t1", "u1", "a")
	c.add("t2", "u1", "b")
	c.add("t1", "u2", "a")
	assert.Equal(t, 2, c.len(), "oldest entry evicted")

	_, ok := c.get("t1", "u1")
	assert.False(t, ok)

	c.purgeTest("t1")
	assert.Equal(t, 1, c.len())
	v, ok := c.get("t2", "u1")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestAssignmentCache_Disabled(t *testing.T) {
	c, err := newAssignmentCache(0)
	require.NoError(t, err)
	assert.Nil(t, c)

	c.add("t1", "u1", "a")
	_, ok := c.get("t1", "u1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
	c.purgeTest("t1")
}
