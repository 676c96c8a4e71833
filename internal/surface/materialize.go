package surface

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/leakage"
	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/quality"
)

// Registry is the snapshot registry the materializer records into.
type Registry interface {
	// Lock serializes materializations of key. It fails with a
	// *model.SnapshotConflictError when the lock is not acquired within
	// timeout.
	Lock(ctx context.Context, key model.SnapshotKey, timeout time.Duration) (unlock func(), err error)
	// GetSnapshot returns the snapshot registered under key, or nil.
	GetSnapshot(ctx context.Context, key model.SnapshotKey) (*model.TrainingSnapshot, error)
	RecordSnapshot(ctx context.Context, snap *model.TrainingSnapshot) error
}

// Config configures a Materializer.
type Config struct {
	OutputDir              string
	LockTimeout            time.Duration
	ExcludeFlaggedFromProd bool
}

// Manifest is the JSON sidecar written next to each snapshot file.
type Manifest struct {
	Snapshot model.TrainingSnapshot `json:"snapshot"`
	Columns  Schema                 `json:"columns"`
}

// Materializer writes snapshot files and registers them.
type Materializer struct {
	fields  *model.FieldRegistry
	classes leakage.Classes
	reg     Registry
	cfg     Config
	now     func() time.Time
}

// NewMaterializer returns a materializer writing under cfg.OutputDir.
func NewMaterializer(fields *model.FieldRegistry, classes leakage.Classes, reg Registry, cfg Config) *Materializer {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	return &Materializer{fields: fields, classes: classes, reg: reg, cfg: cfg, now: time.Now}
}

// FileName returns the snapshot file name for key.
func FileName(key model.SnapshotKey) string {
	return key.String() + ".csv"
}

// ManifestPath returns the manifest path belonging to a snapshot file.
func ManifestPath(snapshotPath string) string {
	return snapshotPath[:len(snapshotPath)-len(filepath.Ext(snapshotPath))] + ".manifest.json"
}

// Materialize writes the (surface, horizon, version) snapshot of rows and
// registers it. Re-materializing identical content returns the existing
// record; different content under an existing key is a
// *model.SnapshotConflictError.
func (m *Materializer) Materialize(ctx context.Context, runID string, rows []model.FeatureRow, surface model.Surface, h model.Horizon, version string, report *quality.ValidationReport) (*model.TrainingSnapshot, error) {
	key := model.SnapshotKey{Surface: surface, Horizon: h, Version: version}
	if _, err := model.ParseSurface(string(surface)); err != nil {
		return nil, err
	}
	if version == "" {
		return nil, model.NewConfigError("snapshot version is required")
	}
	if h.Days() <= 0 {
		return nil, model.NewConfigError("invalid horizon %d", h.Days())
	}
	if report == nil {
		report = &quality.ValidationReport{}
	}
	if report.Blocked {
		return nil, report.Err()
	}

	features := SelectFeatures(surface, m.fields, m.classes, report.Coverage.BelowCoverage, m.cfg.ExcludeFlaggedFromProd)
	if err := leakage.Assert(surface, features, m.classes); err != nil {
		return nil, err
	}
	schema := BuildSchema(h, features, m.fields)

	data, err := renderCSV(schema, rows, h, m.classes)
	if err != nil {
		return nil, eris.Wrapf(err, "surface: render %s", key)
	}
	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	log := zap.L().With(zap.String("snapshot", key.String()))

	unlock, err := m.reg.Lock(ctx, key, m.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := m.reg.GetSnapshot(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "surface: look up %s", key)
	}
	if existing != nil {
		if existing.ContentHash != contentHash {
			return nil, &model.SnapshotConflictError{Key: key,
				Reason: "version already registered with different content (registered " + short(existing.ContentHash) + ", new " + short(contentHash) + ")"}
		}
		if err := Verify(existing); err != nil {
			log.Warn("registered snapshot file missing or altered; rewriting", zap.String("path", existing.FilePath), zap.Error(err))
			if err := writeSnapshot(existing, schema, data); err != nil {
				return nil, err
			}
		}
		log.Info("snapshot already registered with identical content", zap.String("id", existing.ID))
		return existing, nil
	}

	path := filepath.Join(m.cfg.OutputDir, FileName(key))

	snap := &model.TrainingSnapshot{
		ID:              uuid.New().String(),
		RunID:           runID,
		Surface:         surface,
		Horizon:         h,
		Version:         version,
		SchemaHash:      schema.Hash(),
		ContentHash:     contentHash,
		RowCount:        len(rows),
		ColumnCount:     len(schema),
		FilePath:        path,
		CreatedAt:       m.now().UTC(),
		CoverageSummary: m.coverage(report, features, rows, surface),
	}

	if err := writeSnapshot(snap, schema, data); err != nil {
		return nil, err
	}
	if err := m.reg.RecordSnapshot(ctx, snap); err != nil {
		return nil, eris.Wrapf(err, "surface: register %s", key)
	}

	log.Info("snapshot materialized",
		zap.String("id", snap.ID),
		zap.Int("rows", snap.RowCount),
		zap.Int("columns", snap.ColumnCount),
		zap.String("schema_hash", snap.SchemaHash),
	)
	return snap, nil
}

// writeSnapshot writes the body and manifest of snap.
func writeSnapshot(snap *model.TrainingSnapshot, schema Schema, data []byte) error {
	manifest, err := json.MarshalIndent(Manifest{Snapshot: *snap, Columns: schema}, "", "  ")
	if err != nil {
		return eris.Wrap(err, "surface: marshal manifest")
	}
	if err := os.MkdirAll(filepath.Dir(snap.FilePath), 0o755); err != nil {
		return eris.Wrap(err, "surface: create output dir")
	}
	if err := writeAtomic(snap.FilePath, data); err != nil {
		return err
	}
	return writeAtomic(ManifestPath(snap.FilePath), append(manifest, '\n'))
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// coverage narrows the report's summary to this surface's columns.
func (m *Materializer) coverage(report *quality.ValidationReport, features []string, rows []model.FeatureRow, surface model.Surface) model.CoverageSummary {
	src := report.Coverage
	out := model.CoverageSummary{
		Fields:     make(map[string]model.FieldCoverage, len(features)),
		SourceGaps: src.SourceGaps,
		Warnings:   src.Warnings,
		Regimes:    make(map[string]int),
	}
	inSurface := make(map[string]bool, len(features))
	for _, f := range features {
		inSurface[f] = true
		if fc, ok := src.Fields[f]; ok {
			out.Fields[f] = fc
		}
	}
	for _, f := range src.BelowCoverage {
		if inSurface[f] {
			out.BelowCoverage = append(out.BelowCoverage, f)
		} else if surface == model.SurfaceProd && m.cfg.ExcludeFlaggedFromProd && m.classes.Safe(f) {
			if fm := m.fields.ByName(f); fm != nil && fm.Prod {
				out.Excluded = append(out.Excluded, f)
			}
		}
	}
	for _, r := range rows {
		out.Regimes[r.Regime]++
	}
	return out
}

// renderCSV writes the snapshot body. The output depends only on its
// inputs, so re-runs are byte-identical.
func renderCSV(schema Schema, rows []model.FeatureRow, h model.Horizon, classes leakage.Classes) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(schema.Names()); err != nil {
		return nil, err
	}

	features := schema[4:]
	record := make([]string, len(schema))
	for _, row := range rows {
		row = leakage.FilterFeatures(row, classes)
		record[0] = row.Date.Format(model.DateLayout)
		record[1] = row.Targets[h].Format(model.TypeFloat64)
		record[2] = row.Regime
		record[3] = strconv.FormatFloat(row.Weight, 'g', -1, 64)
		for i, c := range features {
			record[4+i] = row.Values[c.Name].Format(c.Type)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "surface: create temp for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return eris.Wrapf(err, "surface: write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return eris.Wrapf(err, "surface: sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrapf(err, "surface: close %s", tmpName)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return eris.Wrapf(err, "surface: chmod %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return eris.Wrapf(err, "surface: rename into %s", path)
	}
	return nil
}

// Verify re-hashes a registered snapshot's file and reports whether it still
// matches the recorded content hash.
func Verify(snap *model.TrainingSnapshot) error {
	data, err := os.ReadFile(snap.FilePath)
	if err != nil {
		return eris.Wrapf(err, "surface: read %s", snap.FilePath)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != snap.ContentHash {
		return eris.Errorf("surface: %s content hash %s does not match registered %s", snap.FilePath, got, snap.ContentHash)
	}
	return nil
}
