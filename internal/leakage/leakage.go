// Package leakage classifies fields and keeps anything that could carry
// future information out of a feature set.
package leakage

import (
	"sort"

	"github.com/sells-group/trainset/internal/model"
)

// Classes maps field name to its effective category.
type Classes map[string]model.Category

// Safe reports whether field is known and classified safe. Unknown fields
// are never safe.
func (c Classes) Safe(field string) bool {
	return c[field] == model.CategorySafe
}

// SafeFields returns the sorted names of all safe fields.
func (c Classes) SafeFields() []string {
	var out []string
	for name, cat := range c {
		if cat == model.CategorySafe {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Classify returns the effective category of meta. A derived field inherits
// the strictest category on its input chain: if any input is not safe, the
// derived field is lookahead even when it was declared safe.
func Classify(meta *model.FieldMeta, reg *model.FieldRegistry) (model.Category, error) {
	return classify(meta, reg, make(map[string]bool))
}

func classify(meta *model.FieldMeta, reg *model.FieldRegistry, visiting map[string]bool) (model.Category, error) {
	if meta == nil {
		return "", model.NewConfigError("classify: nil field")
	}
	if !meta.Classification.Valid() {
		return "", model.NewConfigError("field %q is unclassified (classification %q)", meta.Name, meta.Classification)
	}
	if !meta.Derived() {
		return meta.Classification, nil
	}

	if visiting[meta.Name] {
		return "", model.NewConfigError("field %q has a cyclic derivation", meta.Name)
	}
	visiting[meta.Name] = true
	defer delete(visiting, meta.Name)

	parent := reg.ByName(meta.Derive.Of)
	if parent == nil {
		return "", model.NewConfigError("field %q derives from unknown field %q", meta.Name, meta.Derive.Of)
	}
	pc, err := classify(parent, reg, visiting)
	if err != nil {
		return "", err
	}
	if meta.Classification == model.CategorySafe && pc != model.CategorySafe {
		return model.CategoryLookahead, nil
	}
	return meta.Classification, nil
}

// ClassifyAll classifies every field in reg. Any unclassified field fails
// the whole registry.
func ClassifyAll(reg *model.FieldRegistry) (Classes, error) {
	out := make(Classes, len(reg.Fields))
	for _, name := range reg.Names() {
		c, err := Classify(reg.ByName(name), reg)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

// FilterFeatures returns a copy of row holding only safe feature values.
// Targets, regime and weight are carried over.
func FilterFeatures(row model.FeatureRow, classes Classes) model.FeatureRow {
	out := row
	out.Values = make(map[string]model.Value, len(row.Values))
	for name, v := range row.Values {
		if classes.Safe(name) {
			out.Values[name] = v
		}
	}
	return out
}

// Assert fails with *model.LeakageError when any feature is not safe. It is
// the last check before a surface is written and has no override.
func Assert(surface model.Surface, features []string, classes Classes) error {
	var bad []string
	for _, f := range features {
		if !classes.Safe(f) {
			bad = append(bad, f)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return &model.LeakageError{Surface: surface, Fields: bad}
}
