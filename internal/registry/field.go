// Package registry loads the field metadata registry and the regime
// configuration. Field metadata is the single place where every canonical
// field declares its unit, fill policy, leakage classification and
// point-in-time convention; nothing downstream infers these from names.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sells-group/trainset/internal/model"
)

var validate = validator.New()

type fieldsDoc struct {
	Fields      []fieldDoc      `yaml:"fields" validate:"dive"`
	Conversions []conversionDoc `yaml:"conversions" validate:"dive"`
}

type fieldDoc struct {
	Name             string     `yaml:"name" validate:"required"`
	Source           string     `yaml:"source"`
	Unit             string     `yaml:"unit"`
	Type             string     `yaml:"type" validate:"omitempty,oneof=float64 int64 bool"`
	Fill             string     `yaml:"fill" validate:"required,oneof=forward_fill bounded_forward_fill zero_fill explicit_null"`
	Classification   string     `yaml:"classification" validate:"required,oneof=safe lookahead target"`
	Prod             bool       `yaml:"prod"`
	Cadence          string     `yaml:"cadence" validate:"omitempty,oneof=daily weekly monthly quarterly"`
	Availability     string     `yaml:"availability" validate:"omitempty,oneof=observed period_start"`
	LagDays          int        `yaml:"lag_days" validate:"gte=0"`
	MaxStalenessDays int        `yaml:"max_staleness_days" validate:"gte=0"`
	MinConfidence    float64    `yaml:"min_confidence" validate:"gte=0,lte=1"`
	Range            *rangeDoc  `yaml:"range"`
	Derive           *deriveDoc `yaml:"derive"`
}

type rangeDoc struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

type deriveDoc struct {
	Op     string `yaml:"op" validate:"required,oneof=diff pct_change rolling_mean"`
	Of     string `yaml:"of" validate:"required"`
	Window int    `yaml:"window" validate:"gte=1"`
}

type conversionDoc struct {
	From   string  `yaml:"from" validate:"required"`
	To     string  `yaml:"to" validate:"required,nefield=From"`
	Factor float64 `yaml:"factor" validate:"required"`
	Offset float64 `yaml:"offset"`
}

// buildFieldRegistry applies defaults and the cross-field rules the struct
// tags cannot express.
func buildFieldRegistry(doc fieldsDoc) (*model.FieldRegistry, error) {
	if err := validate.Struct(doc); err != nil {
		return nil, &model.ConfigError{Reason: "fields", Err: err}
	}

	var problems []string
	seen := make(map[string]bool, len(doc.Fields))
	fields := make([]model.FieldMeta, 0, len(doc.Fields))

	for _, d := range doc.Fields {
		if seen[d.Name] {
			problems = append(problems, fmt.Sprintf("%s: declared more than once", d.Name))
			continue
		}
		seen[d.Name] = true

		f := model.FieldMeta{
			Name:             d.Name,
			Source:           d.Source,
			Unit:             d.Unit,
			Type:             model.CanonicalType(d.Type),
			Fill:             model.FillPolicy(d.Fill),
			Classification:   model.Category(d.Classification),
			Prod:             d.Prod,
			Cadence:          model.Cadence(d.Cadence),
			Availability:     model.Availability(d.Availability),
			LagDays:          d.LagDays,
			MaxStalenessDays: d.MaxStalenessDays,
			MinConfidence:    d.MinConfidence,
		}
		if f.Type == "" {
			f.Type = model.TypeFloat64
		}
		if f.Cadence == "" {
			f.Cadence = model.CadenceDaily
		}

		switch {
		case d.Derive != nil && d.Source != "":
			problems = append(problems, fmt.Sprintf("%s: derived fields cannot declare a source", d.Name))
		case d.Derive == nil && d.Source == "":
			problems = append(problems, fmt.Sprintf("%s: no owning source", d.Name))
		}

		// The point-in-time convention of a non-daily series is never assumed.
		if f.Availability == "" {
			if f.Cadence != model.CadenceDaily && d.Derive == nil {
				problems = append(problems, fmt.Sprintf("%s: %s cadence requires an explicit availability (observed or period_start)", d.Name, f.Cadence))
			}
			f.Availability = model.AvailabilityObserved
		}
		if f.Availability == model.AvailabilityObserved && f.LagDays != 0 {
			problems = append(problems, fmt.Sprintf("%s: lag_days only applies to period_start availability", d.Name))
		}

		switch {
		case f.Fill == model.FillBoundedForward && f.MaxStalenessDays == 0:
			problems = append(problems, fmt.Sprintf("%s: bounded_forward_fill requires max_staleness_days", d.Name))
		case f.Fill != model.FillBoundedForward && f.MaxStalenessDays != 0:
			problems = append(problems, fmt.Sprintf("%s: max_staleness_days only applies to bounded_forward_fill", d.Name))
		}

		if d.Range != nil {
			if d.Range.Min != nil && d.Range.Max != nil && *d.Range.Min > *d.Range.Max {
				problems = append(problems, fmt.Sprintf("%s: range min > max", d.Name))
			}
			f.Range = &model.Range{Min: d.Range.Min, Max: d.Range.Max}
		}
		if d.Derive != nil {
			f.Derive = &model.Derivation{Op: model.DeriveOp(d.Derive.Op), Of: d.Derive.Of, Window: d.Derive.Window}
		}
		fields = append(fields, f)
	}

	conversions := make([]model.ConversionRule, 0, len(doc.Conversions))
	for _, c := range doc.Conversions {
		conversions = append(conversions, model.ConversionRule{From: c.From, To: c.To, Factor: c.Factor, Offset: c.Offset})
	}

	reg := model.NewFieldRegistry(fields, conversions)
	problems = append(problems, checkDerivations(reg)...)

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &model.ConfigError{Reason: "fields: " + strings.Join(problems, "; ")}
	}
	return reg, nil
}

// checkDerivations verifies every derived field points at a registered field
// and that no derivation chain loops back on itself.
func checkDerivations(reg *model.FieldRegistry) []string {
	var problems []string
	for _, name := range reg.Names() {
		f := reg.ByName(name)
		if !f.Derived() {
			continue
		}
		if reg.ByName(f.Derive.Of) == nil {
			problems = append(problems, fmt.Sprintf("%s: derived from unregistered field %s", name, f.Derive.Of))
			continue
		}
		visited := map[string]bool{name: true}
		for cur := reg.ByName(f.Derive.Of); cur != nil && cur.Derived(); cur = reg.ByName(cur.Derive.Of) {
			if visited[cur.Name] {
				problems = append(problems, fmt.Sprintf("%s: derivation cycle through %s", name, cur.Name))
				break
			}
			visited[cur.Name] = true
		}
	}
	return problems
}
