package model

import (
	"fmt"
	"time"
)

// Surface names a fixed set of feature columns materialized together.
type Surface string

const (
	// SurfaceProd is the curated, stable subset.
	SurfaceProd Surface = "prod"
	// SurfaceFull is the complete feature universe.
	SurfaceFull Surface = "full"
)

// ParseSurface validates a surface name.
func ParseSurface(s string) (Surface, error) {
	switch Surface(s) {
	case SurfaceProd, SurfaceFull:
		return Surface(s), nil
	}
	return "", &ConfigError{Reason: fmt.Sprintf("unknown surface %q (valid: prod, full)", s)}
}

// SnapshotKey identifies a materialization. Concurrent writers of the same
// key are serialized.
type SnapshotKey struct {
	Surface Surface `json:"surface"`
	Horizon Horizon `json:"horizon"`
	Version string  `json:"version"`
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s_%s_%s", k.Surface, k.Horizon, k.Version)
}

// FieldCoverage summarizes one feature column of a snapshot.
type FieldCoverage struct {
	NullRate        float64 `json:"null_rate"`
	Mean            float64 `json:"mean"`
	StdDev          float64 `json:"stddev"`
	RangeViolations int     `json:"range_violations,omitempty"`
}

// CoverageSummary is the non-blocking quality metadata attached to a snapshot.
type CoverageSummary struct {
	Fields        map[string]FieldCoverage `json:"fields"`
	BelowCoverage []string                 `json:"below_coverage,omitempty"`
	Excluded      []string                 `json:"excluded,omitempty"`
	SourceGaps    []string                 `json:"source_gaps,omitempty"`
	Warnings      []string                 `json:"warnings,omitempty"`
	Regimes       map[string]int           `json:"regimes,omitempty"`
}

// TrainingSnapshot is the immutable registry record of one materialization.
type TrainingSnapshot struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	Surface         Surface         `json:"surface"`
	Horizon         Horizon         `json:"horizon"`
	Version         string          `json:"version"`
	SchemaHash      string          `json:"schema_hash"`
	ContentHash     string          `json:"content_hash"`
	RowCount        int             `json:"row_count"`
	ColumnCount     int             `json:"column_count"`
	FilePath        string          `json:"file_path"`
	CreatedAt       time.Time       `json:"created_at"`
	CoverageSummary CoverageSummary `json:"coverage_summary"`
}

// Key returns the snapshot's materialization key.
func (s *TrainingSnapshot) Key() SnapshotKey {
	return SnapshotKey{Surface: s.Surface, Horizon: s.Horizon, Version: s.Version}
}
