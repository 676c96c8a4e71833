package model

import (
	"sort"
	"time"
)

// Category is a field's leakage classification.
type Category string

const (
	CategorySafe      Category = "safe"
	CategoryLookahead Category = "lookahead"
	CategoryTarget    Category = "target"
)

// Valid reports whether c is one of the three known categories.
func (c Category) Valid() bool {
	switch c {
	case CategorySafe, CategoryLookahead, CategoryTarget:
		return true
	}
	return false
}

// FillPolicy decides what a field holds on days without a fresh observation.
type FillPolicy string

const (
	// FillForward carries the latest known value with no age limit.
	FillForward FillPolicy = "forward_fill"
	// FillBoundedForward carries the latest known value for at most
	// MaxStalenessDays, then goes null until the next observation.
	FillBoundedForward FillPolicy = "bounded_forward_fill"
	FillZero           FillPolicy = "zero_fill"
	FillExplicitNull   FillPolicy = "explicit_null"
)

// CanonicalType is the declared column type of a field.
type CanonicalType string

const (
	TypeFloat64 CanonicalType = "float64"
	TypeInt64   CanonicalType = "int64"
	TypeBool    CanonicalType = "bool"
	TypeString  CanonicalType = "string"
	TypeDate    CanonicalType = "date"
)

// Cadence is how often the upstream series publishes.
type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
)

// Availability says when a record's value became known relative to its
// as_of_date.
//
//	observed      value is known on as_of_date itself
//	period_start  as_of_date is the start of the period the value describes;
//	              the value is known LagDays later
type Availability string

const (
	AvailabilityObserved    Availability = "observed"
	AvailabilityPeriodStart Availability = "period_start"
)

// DeriveOp names a trailing-window transform for derived fields.
type DeriveOp string

const (
	DeriveDiff        DeriveOp = "diff"
	DerivePctChange   DeriveOp = "pct_change"
	DeriveRollingMean DeriveOp = "rolling_mean"
)

// Range bounds the declared numeric domain of a field. Nil ends are open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Contains reports whether f lies inside the range.
func (r *Range) Contains(f float64) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && f < *r.Min {
		return false
	}
	if r.Max != nil && f > *r.Max {
		return false
	}
	return true
}

// Derivation computes a field from another field's trailing values.
type Derivation struct {
	Op     DeriveOp `json:"op"`
	Of     string   `json:"of"`
	Window int      `json:"window"`
}

// FieldMeta is the registry entry for one canonical field.
type FieldMeta struct {
	Name             string        `json:"name"`
	Source           string        `json:"source,omitempty"`
	Unit             string        `json:"unit"`
	Type             CanonicalType `json:"type"`
	Fill             FillPolicy    `json:"fill"`
	Classification   Category      `json:"classification"`
	Prod             bool          `json:"prod"`
	Cadence          Cadence       `json:"cadence"`
	Availability     Availability  `json:"availability,omitempty"`
	LagDays          int           `json:"lag_days,omitempty"`
	MaxStalenessDays int           `json:"max_staleness_days,omitempty"`
	MinConfidence    float64       `json:"min_confidence,omitempty"`
	Range            *Range        `json:"range,omitempty"`
	Derive           *Derivation   `json:"derive,omitempty"`
}

// Derived reports whether the field is computed rather than sourced.
func (f *FieldMeta) Derived() bool {
	return f.Derive != nil
}

// KnownDate returns the first day on which a record dated asOf is visible.
func (f *FieldMeta) KnownDate(asOf time.Time) time.Time {
	d := Day(asOf)
	if f.Availability == AvailabilityPeriodStart {
		return d.AddDate(0, 0, f.LagDays)
	}
	return d
}

// ConversionRule is a declared linear unit conversion: to = from*Factor + Offset.
type ConversionRule struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Factor float64 `json:"factor"`
	Offset float64 `json:"offset"`
}

// FieldRegistry is an indexed collection of field metadata.
type FieldRegistry struct {
	Fields      []FieldMeta
	Conversions []ConversionRule
	byName      map[string]*FieldMeta
	bySource    map[string][]string
	names       []string
}

// NewFieldRegistry indexes fields by name and owning source. It does not
// validate; see registry.ParseFields for the checked constructor.
func NewFieldRegistry(fields []FieldMeta, conversions []ConversionRule) *FieldRegistry {
	r := &FieldRegistry{
		Fields:      fields,
		Conversions: conversions,
		byName:      make(map[string]*FieldMeta, len(fields)),
		bySource:    make(map[string][]string),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		r.byName[f.Name] = f
		r.names = append(r.names, f.Name)
		if f.Source != "" {
			r.bySource[f.Source] = append(r.bySource[f.Source], f.Name)
		}
	}
	sort.Strings(r.names)
	for src := range r.bySource {
		sort.Strings(r.bySource[src])
	}
	return r
}

// ByName returns the field with the given name, or nil if unregistered.
func (r *FieldRegistry) ByName(name string) *FieldMeta {
	return r.byName[name]
}

// Names returns all registered field names, sorted.
func (r *FieldRegistry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// BySource returns the sorted names of fields owned by source.
func (r *FieldRegistry) BySource(source string) []string {
	return r.bySource[source]
}

// Sources returns the sorted IDs of every source owning at least one field.
func (r *FieldRegistry) Sources() []string {
	out := make([]string, 0, len(r.bySource))
	for s := range r.bySource {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Derived returns derived fields in dependency order: a field always comes
// after the field it is derived from. Ties break by name.
func (r *FieldRegistry) Derived() []*FieldMeta {
	var out []*FieldMeta
	placed := make(map[string]bool)
	var visit func(f *FieldMeta)
	visit = func(f *FieldMeta) {
		if placed[f.Name] {
			return
		}
		placed[f.Name] = true
		if dep := r.byName[f.Derive.Of]; dep != nil && dep.Derived() {
			visit(dep)
		}
		out = append(out, f)
	}
	for _, name := range r.names {
		if f := r.byName[name]; f.Derived() {
			visit(f)
		}
	}
	return out
}
