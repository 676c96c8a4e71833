package surface

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/sells-group/trainset/internal/model"
)

// Fixed leading columns of every snapshot.
const (
	ColDate   = "date"
	ColRegime = "regime"
	ColWeight = "sample_weight"
)

// Column is one snapshot column.
type Column struct {
	Name string              `json:"name"`
	Type model.CanonicalType `json:"type"`
}

// Schema is the ordered column list of a snapshot.
type Schema []Column

// BuildSchema orders columns as date, target, regime, sample_weight, then
// features sorted by name.
func BuildSchema(h model.Horizon, features []string, fields *model.FieldRegistry) Schema {
	sorted := append([]string(nil), features...)
	sort.Strings(sorted)

	s := Schema{
		{Name: ColDate, Type: model.TypeDate},
		{Name: h.Column(), Type: model.TypeFloat64},
		{Name: ColRegime, Type: model.TypeString},
		{Name: ColWeight, Type: model.TypeFloat64},
	}
	for _, name := range sorted {
		typ := model.TypeFloat64
		if fm := fields.ByName(name); fm != nil && fm.Type != "" {
			typ = fm.Type
		}
		s = append(s, Column{Name: name, Type: typ})
	}
	return s
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Features returns the feature column names.
func (s Schema) Features() []string {
	if len(s) <= 4 {
		return nil
	}
	return s[4:].Names()
}

// Hash is the hex sha256 of the "name:type" lines of the schema.
func (s Schema) Hash() string {
	var b strings.Builder
	for _, c := range s {
		b.WriteString(c.Name)
		b.WriteByte(':')
		b.WriteString(string(c.Type))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
