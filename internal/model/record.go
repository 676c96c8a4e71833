package model

import (
	"math"
	"strconv"
	"time"
)

// Value is a nullable numeric cell. A zero Value is null.
type Value struct {
	Float float64
	Valid bool
}

// Some returns a non-null Value.
func Some(f float64) Value {
	return Value{Float: f, Valid: true}
}

// Null returns an explicit null Value.
func Null() Value {
	return Value{}
}

// Finite reports whether v is non-null and neither NaN nor Inf.
func (v Value) Finite() bool {
	return v.Valid && !math.IsNaN(v.Float) && !math.IsInf(v.Float, 0)
}

// Format renders v for a snapshot cell. Null renders as the empty string.
func (v Value) Format(typ CanonicalType) string {
	if !v.Valid {
		return ""
	}
	switch typ {
	case TypeInt64:
		return strconv.FormatInt(int64(math.Round(v.Float)), 10)
	case TypeBool:
		if v.Float != 0 {
			return "true"
		}
		return "false"
	default:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
}

// SourceRecord is one normalized observation emitted by a source adapter.
// Records are immutable once produced.
type SourceRecord struct {
	SourceID        string    `json:"source_id" csv:"source_id"`
	AsOfDate        time.Time `json:"as_of_date" csv:"-"`
	FieldName       string    `json:"field_name" csv:"field_name"`
	Value           float64   `json:"value" csv:"-"`
	Unit            string    `json:"unit" csv:"unit"`
	Confidence      float64   `json:"confidence" csv:"confidence"`
	IngestTimestamp time.Time `json:"ingest_timestamp" csv:"-"`
}

// SourceOutput is everything one source produced for a run. Err is set when the
// source failed entirely; Records is then empty.
type SourceOutput struct {
	SourceID string
	Records  []SourceRecord
	Err      error
}
