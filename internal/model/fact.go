package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValueKind determines how a fact's typed value is represented.
type ValueKind string

const (
	ValueNumeric ValueKind = "numeric"
	ValueBoolean ValueKind = "boolean"
	ValueText    ValueKind = "text"
)

// ParsedFact is a single tagged data point extracted from a report.
type ParsedFact struct {
	QualifiedName string          `json:"qualified_name"`
	LocalName     string          `json:"local_name"`
	Namespace     string          `json:"namespace"`
	ContextRef    string          `json:"context_ref,omitempty"`
	UnitRef       string          `json:"unit_ref,omitempty"`
	Decimals      string          `json:"decimals,omitempty"`
	RawValue      string          `json:"raw_value"`
	Kind          ValueKind       `json:"value_kind"`
	Numeric       decimal.Decimal `json:"numeric"`
	Bool          bool            `json:"bool,omitempty"`
	Text          string          `json:"text,omitempty"`
	Label         string          `json:"label,omitempty"`
}

// Value returns the typed value according to Kind.
func (f ParsedFact) Value() any {
	switch f.Kind {
	case ValueNumeric:
		return f.Numeric
	case ValueBoolean:
		return f.Bool
	default:
		return f.Text
	}
}

// PeriodKind distinguishes instant from duration contexts.
type PeriodKind string

const (
	PeriodInstant  PeriodKind = "instant"
	PeriodDuration PeriodKind = "duration"
	PeriodForever  PeriodKind = "forever"
)

// DimensionMember is an explicit scenario member (dimension, value).
type DimensionMember struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

// TypedMember is a typed scenario member carrying its raw XML.
type TypedMember struct {
	Dimension string `json:"dimension"`
	RawXML    string `json:"raw_xml"`
}

// Scenario holds a context's dimensional qualifiers.
type Scenario struct {
	ExplicitMembers []DimensionMember `json:"explicit_members,omitempty"`
	TypedMembers    []TypedMember     `json:"typed_members,omitempty"`
}

// Empty reports whether the scenario carries no members.
func (s Scenario) Empty() bool {
	return len(s.ExplicitMembers) == 0 && len(s.TypedMembers) == 0
}

// Context groups entity, period, and scenario for referencing facts.
type Context struct {
	ID               string     `json:"id"`
	EntityIdentifier string     `json:"entity_identifier"`
	EntityScheme     string     `json:"entity_scheme"`
	PeriodKind       PeriodKind `json:"period_kind"`
	Instant          *time.Time `json:"instant,omitempty"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	Scenario         Scenario   `json:"scenario"`
}

// PeriodEnd returns the instant date or the duration end date.
func (c Context) PeriodEnd() *time.Time {
	if c.PeriodKind == PeriodInstant {
		return c.Instant
	}
	return c.EndDate
}
