package store

import (
	"encoding/json"
	"time"
)

type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusRunning   TestStatus = "running"
	StatusPaused    TestStatus = "paused"
	StatusCompleted TestStatus = "completed"
	StatusArchived  TestStatus = "archived"
)

// IsTerminal reports whether no further transitions or edits are allowed.
func (s TestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// Valid reports whether s is a known status.
func (s TestStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Experiment is an A/B test and its ordered variants.
type Experiment struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      TestStatus      `json:"status"`
	Variants    []Variant       `json:"variants"`
	Audience    *AudienceFilter `json:"audience,omitempty"`
	StartDate   *time.Time      `json:"start_date,omitempty"`
	EndDate     *time.Time      `json:"end_date,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Control returns the control variant, or nil if none is marked.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant returns the variant with the given id, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Variants = make([]Variant, len(e.Variants))
	for i, v := range e.Variants {
		c.Variants[i] = v
		c.Variants[i].Config = cloneRaw(v.Config)
	}
	c.Audience = e.Audience.Clone()
	c.StartDate = cloneTime(e.StartDate)
	c.EndDate = cloneTime(e.EndDate)
	return &c
}

// Variant is one arm of an experiment. Variants are immutable once created.
type Variant struct {
	ID          string          `json:"id"`
	TestID      string          `json:"test_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Allocation  float64         `json:"allocation"` // percent, 0-100
	IsControl   bool            `json:"is_control"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// AudienceFilter restricts which users are eligible for assignment. Every
// configured condition must pass.
type AudienceFilter struct {
	UserIDs    []string `json:"user_ids,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
}

func (a *AudienceFilter) Clone() *AudienceFilter {
	if a == nil {
		return nil
	}
	c := &AudienceFilter{}
	if a.UserIDs != nil {
		c.UserIDs = append([]string(nil), a.UserIDs...)
	}
	if a.Percentage != nil {
		p := *a.Percentage
		c.Percentage = &p
	}
	return c
}

// Assignment permanently binds a user to a variant within a test.
type Assignment struct {
	ID         string    `json:"id"`
	TestID     string    `json:"test_id"`
	VariantID  string    `json:"variant_id"`
	UserID     string    `json:"user_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Conversion is an outcome event attributed to a user's assignment.
type Conversion struct {
	ID        string         `json:"id"`
	TestID    string         `json:"test_id"`
	VariantID string         `json:"variant_id"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Value     *float64       `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TestUpdate holds the mutable fields of an experiment. Nil fields are left
// unchanged; ClearAudience and ClearEndDate remove the stored value.
type TestUpdate struct {
	Name          *string
	Description   *string
	Audience      *AudienceFilter
	ClearAudience bool
	EndDate       *time.Time
	ClearEndDate  bool
}

// ListFilter narrows and pages ListTests.
type ListFilter struct {
	Status    TestStatus
	CreatedBy string
	Page      int // 1-based
	PageSize  int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize applies paging defaults and bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f ListFilter) offset() int {
	return (f.Page - 1) * f.PageSize
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
