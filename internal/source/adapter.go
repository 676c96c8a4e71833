// Package source fetches normalized records from the configured sources and
// collects them in parallel for a run.
package source

import (
	"context"
	"time"

	"github.com/sells-group/trainset/internal/db"
	"github.com/sells-group/trainset/internal/model"
)

// Adapter produces normalized records for one source. Fetch returns every
// record whose as_of_date falls in window; a zero window Start means no lower
// bound.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, window model.DateRange) ([]model.SourceRecord, error)
}

// Kind selects an adapter implementation.
type Kind string

const (
	KindFile     Kind = "file"
	KindPostgres Kind = "postgres"
)

// Spec declares one configured source.
type Spec struct {
	ID          string `yaml:"id" mapstructure:"id" validate:"required"`
	Kind        Kind   `yaml:"kind" mapstructure:"kind" validate:"required,oneof=file postgres"`
	Path        string `yaml:"path" mapstructure:"path"`
	Table       string `yaml:"table" mapstructure:"table"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-source fetch timeout, or fallback when unset.
func (s Spec) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSecs > 0 {
		return time.Duration(s.TimeoutSecs) * time.Second
	}
	return fallback
}

// Build constructs adapters for specs. pool may be nil when no spec is a
// postgres source.
func Build(specs []Spec, pool db.Pool) ([]Adapter, error) {
	seen := make(map[string]bool, len(specs))
	adapters := make([]Adapter, 0, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, model.NewConfigError("source with empty id")
		}
		if seen[s.ID] {
			return nil, model.NewConfigError("duplicate source %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Kind {
		case KindFile:
			if s.Path == "" {
				return nil, model.NewConfigError("file source %q has no path", s.ID)
			}
			adapters = append(adapters, NewFileAdapter(s.ID, s.Path))
		case KindPostgres:
			if pool == nil {
				return nil, model.NewConfigError("postgres source %q needs store.database_url", s.ID)
			}
			table := s.Table
			if table == "" {
				table = DefaultRecordTable
			}
			adapters = append(adapters, NewPostgresAdapter(s.ID, pool, table))
		default:
			return nil, model.NewConfigError("source %q has unknown kind %q (valid: file, postgres)", s.ID, s.Kind)
		}
	}
	return adapters, nil
}

func inWindow(d time.Time, window model.DateRange) bool {
	d = model.Day(d)
	if !window.Start.IsZero() && d.Before(window.Start) {
		return false
	}
	return window.End.IsZero() || !d.After(window.End)
}
