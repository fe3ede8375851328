package store_test

import (
	"testing"

	"github.com/headline-goat/splitgoat/internal/store"
)

func TestTestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status store.TestStatus
		want   bool
	}{
		{store.StatusDraft, false},
		{store.StatusRunning, false},
		{store.StatusPaused, false},
		{store.StatusCompleted, true},
		{store.StatusArchived, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
		if !tt.status.Valid() {
			t.Errorf("%s should be valid", tt.status)
		}
	}

	if store.TestStatus("bogus").Valid() {
		t.Error("bogus status should not be valid")
	}
}

func TestExperiment_Clone(t *testing.T) {
	pct := 25.0
	e := &store.Experiment{
		ID:       "t1",
		Variants: []store.Variant{{ID: "a", IsControl: true, Config: []byte(`{}`)}, {ID: "b"}},
		Audience: &store.AudienceFilter{UserIDs: []string{"u1"}, Percentage: &pct},
	}

	c := e.Clone()
	c.Variants[0].Name = "changed"
	c.Audience.UserIDs[0] = "u2"
	*c.Audience.Percentage = 75

	if e.Variants[0].Name != "" {
		t.Error("clone shares variants with original")
	}
	if e.Audience.UserIDs[0] != "u1" {
		t.Error("clone shares audience user ids with original")
	}
	if *e.Audience.Percentage != 25 {
		t.Error("clone shares audience percentage with original")
	}
}

func TestExperiment_Lookups(t *testing.T) {
	e := &store.Experiment{
		Variants: []store.Variant{{ID: "a"}, {ID: "b", IsControl: true}},
	}

	if c := e.Control(); c == nil || c.ID != "b" {
		t.Errorf("got control %v, want b", c)
	}
	if v := e.Variant("a"); v == nil || v.ID != "a" {
		t.Errorf("got variant %v, want a", v)
	}
	if v := e.Variant("zzz"); v != nil {
		t.Errorf("got variant %v, want nil", v)
	}
}

func TestListFilter_Normalize(t *testing.T) {
	f := store.ListFilter{}.Normalize()
	if f.Page != 1 || f.PageSize != store.DefaultPageSize {
		t.Errorf("got page %d size %d, want 1/%d", f.Page, f.PageSize, store.DefaultPageSize)
	}

	f = store.ListFilter{Page: 3, PageSize: 1000}.Normalize()
	if f.Page != 3 || f.PageSize != store.MaxPageSize {
		t.Errorf("got page %d size %d, want 3/%d", f.Page, f.PageSize, store.MaxPageSize)
	}
}
