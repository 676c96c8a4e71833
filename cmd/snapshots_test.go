package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/model"
)

func fileSnapshot(t *testing.T, id, content string) model.TrainingSnapshot {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	sum := sha256.Sum256([]byte(content))
	return model.TrainingSnapshot{
		ID:          id,
		RunID:       "0123456789abcdef",
		Surface:     model.SurfaceProd,
		Horizon:     model.Horizon(30),
		Version:     "v20240301",
		ContentHash: hex.EncodeToString(sum[:]),
		RowCount:    60,
		ColumnCount: 5,
		FilePath:    path,
		CreatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFormatSnapshotsList(t *testing.T) {
	snap := fileSnapshot(t, "snap-1", "date,target_30\n")

	var buf bytes.Buffer
	formatSnapshotsList(&buf, []model.TrainingSnapshot{snap})
	out := buf.String()

	assert.Contains(t, out, "SURFACE")
	assert.Contains(t, out, "prod")
	assert.Contains(t, out, "1m")
	assert.Contains(t, out, "v20240301")
	assert.Contains(t, out, snap.ContentHash[:12])
	assert.NotContains(t, out, snap.ContentHash[:13])
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "2024-03-01 12:00")
}

func TestVerifySnapshots(t *testing.T) {
	good := fileSnapshot(t, "good", "date,target_7\n2024-01-01,0.1\n")
	bad := fileSnapshot(t, "bad", "date,target_7\n2024-01-01,0.2\n")
	require.NoError(t, os.WriteFile(bad.FilePath, []byte("edited\n"), 0o644))
	missing := fileSnapshot(t, "missing", "x\n")
	require.NoError(t, os.Remove(missing.FilePath))

	var buf bytes.Buffer
	n := verifySnapshots(&buf, []model.TrainingSnapshot{good, bad, missing})
	assert.Equal(t, 2, n)

	out := buf.String()
	assert.Contains(t, out, "OK    good")
	assert.Contains(t, out, "FAIL  bad")
	assert.Contains(t, out, "FAIL  missing")
}

func TestSnapshotFilterFromFlags(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{}
		c.Flags().String("surface", "", "")
		c.Flags().String("horizon", "", "")
		c.Flags().String("version", "", "")
		c.Flags().String("run", "", "")
		c.Flags().Int("limit", 50, "")
		return c
	}

	c := newCmd()
	require.NoError(t, c.Flags().Parse([]string{"--surface", "full", "--horizon", "3m", "--version", "v2", "--run", "r1"}))
	filter, err := snapshotFilterFromFlags(c)
	require.NoError(t, err)
	assert.Equal(t, model.SurfaceFull, filter.Surface)
	assert.Equal(t, model.Horizon(90), filter.Horizon)
	assert.Equal(t, "v2", filter.Version)
	assert.Equal(t, "r1", filter.RunID)
	assert.Equal(t, 50, filter.Limit)

	c = newCmd()
	require.NoError(t, c.Flags().Parse([]string{"--surface", "dev"}))
	_, err = snapshotFilterFromFlags(c)
	require.Error(t, err)

	c = newCmd()
	require.NoError(t, c.Flags().Parse([]string{"--horizon", "0"}))
	_, err = snapshotFilterFromFlags(c)
	require.Error(t, err)
}
