package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"assemble", "calendar", "fields", "snapshots", "runs", "migrate", "serve", "import"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "trainset", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestAssembleCommand_Flags(t *testing.T) {
	for _, name := range []string{"surface", "horizon", "as-of", "start", "days", "history-days", "version", "json"} {
		assert.NotNil(t, assembleCmd.Flags().Lookup(name), "assemble should have --%s", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("check-interval")
	require.NotNil(t, flag)
	assert.Equal(t, "5m0s", flag.DefValue)
}

func TestImportCommand_Flags(t *testing.T) {
	flag := importCmd.Flags().Lookup("table")
	require.NotNil(t, flag)
	assert.Equal(t, "source_records", flag.DefValue)
	assert.NotNil(t, importCmd.Flags().Lookup("csv"))
	assert.NotNil(t, importCmd.Flags().Lookup("copy"))
}

func TestSubcommandTrees(t *testing.T) {
	tests := []struct {
		parent   string
		children []string
	}{
		{"snapshots", []string{"list", "show", "verify"}},
		{"runs", []string{"list", "show", "stats"}},
		{"fields", []string{"check"}},
	}
	for _, tt := range tests {
		t.Run(tt.parent, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{tt.parent})
			require.NoError(t, err)
			names := make(map[string]bool)
			for _, c := range cmd.Commands() {
				names[c.Name()] = true
			}
			for _, c := range tt.children {
				assert.True(t, names[c], "expected %s %s", tt.parent, c)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	blocked := &model.ValidationBlockedError{Reasons: []string{"price null"}}

	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 2, exitCode(blocked))
	assert.Equal(t, 2, exitCode(fmt.Errorf("assemble: %w", blocked)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 1, exitCode(&model.SnapshotConflictError{}))
}
