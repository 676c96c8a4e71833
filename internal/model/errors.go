package model

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError reports malformed regime intervals, field metadata or run
// parameters. It is always fatal.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "config error: " + e.Reason + ": " + e.Err.Error()
	}
	return "config error: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError formats a ConfigError.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// SourceUnavailableError reports that an adapter timed out or failed. The
// join absorbs it as a gap.
type SourceUnavailableError struct {
	SourceID string
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.SourceID, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// LeakageError reports lookahead fields in a feature surface. It is fatal and
// never downgraded.
type LeakageError struct {
	Surface Surface
	Fields  []string
}

func (e *LeakageError) Error() string {
	return fmt.Sprintf("leakage: surface %s includes lookahead fields as features: %s",
		e.Surface, strings.Join(e.Fields, ", "))
}

// UnitMismatchError reports a record whose unit cannot be converted to the
// field's canonical unit.
type UnitMismatchError struct {
	SourceID  string
	Field     string
	Unit      string
	Canonical string
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("unit mismatch: source %s field %s has unit %q, canonical unit is %q and no conversion is registered",
		e.SourceID, e.Field, e.Unit, e.Canonical)
}

// ValidationBlockedError ends a run in BLOCKED. Report carries the full
// validation outcome for printing.
type ValidationBlockedError struct {
	Reasons []string
	Report  any
}

func (e *ValidationBlockedError) Error() string {
	return "validation blocked: " + strings.Join(e.Reasons, "; ")
}

// SnapshotConflictError reports a same-key materialization that could not
// proceed: the lock was not acquired in time, or the version already exists
// with different content.
type SnapshotConflictError struct {
	Key    SnapshotKey
	Reason string
	Waited time.Duration
}

func (e *SnapshotConflictError) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("snapshot conflict on %s: %s (waited %s)", e.Key, e.Reason, e.Waited)
	}
	return fmt.Sprintf("snapshot conflict on %s: %s", e.Key, e.Reason)
}
