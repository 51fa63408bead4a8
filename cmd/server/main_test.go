package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/EpicMandM/vmsnap/internal/models"
	"github.com/EpicMandM/vmsnap/internal/scavenger"
	"github.com/EpicMandM/vmsnap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvOrDefault_UsesEnvVar(t *testing.T) {
	t.Setenv("TEST_KEY_XYZ", "from_env")
	assert.Equal(t, "from_env", getEnvOrDefault("TEST_KEY_XYZ", "fallback"))
}

func TestGetEnvOrDefault_UsesDefault(t *testing.T) {
	_ = os.Unsetenv("TEST_KEY_XYZ")
	assert.Equal(t, "fallback", getEnvOrDefault("TEST_KEY_XYZ", "fallback"))
}

func TestGetEnvOrDefault_EmptyEnvUsesDefault(t *testing.T) {
	t.Setenv("TEST_KEY_XYZ", "")
	assert.Equal(t, "fallback", getEnvOrDefault("TEST_KEY_XYZ", "fallback"))
}

const testInventory = `
[[host]]
id = "h1"
name = "esx-01"

[[vm]]
id = "vm-1"
instance_name = "web-01"
state = "Running"
hypervisor = "VMware"
host_id = "h1"
last_host_id = "h1"
`

// setupWorkspace writes a feature config and inventory and points DB_PATH at
// a fresh directory. It returns the global flags for the root command.
func setupWorkspace(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inventory.toml"), []byte(testInventory), 0o600))
	cfgPath := filepath.Join(dir, "vmsnap.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("inventory = \"inventory.toml\"\n"), 0o600))

	t.Setenv("DB_PATH", dir)
	t.Setenv("COMMAND_TIMEOUT", "")
	t.Setenv("VCENTER_URL", "")
	return dir, []string{"--env-file", filepath.Join(dir, "missing.env"), "--config", cfgPath}
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd(&stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func seedSnapshots(t *testing.T, dir string) {
	t.Helper()
	st, err := store.NewSQLiteStore(dir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, st.Close())
	}()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, s := range []models.Snapshot{
		{ID: "s1", VMID: "vm-1", Name: "i-1-base", DisplayName: "base", Type: models.SnapshotDisk, State: models.SnapshotReady, CreatedAt: created},
		{ID: "s2", VMID: "vm-1", Name: "i-1-patch", DisplayName: "patch", Type: models.SnapshotDisk, State: models.SnapshotReady, ParentID: "s1", Current: true, CreatedAt: created.Add(time.Hour)},
	} {
		s := s
		require.NoError(t, st.InsertSnapshot(context.Background(), &s))
	}
}

func TestSnapshotsList(t *testing.T) {
	dir, flags := setupWorkspace(t)

	t.Run("empty table before any snapshot", func(t *testing.T) {
		out, _, err := run(t, append(flags, "snapshots", "list", "vm-1")...)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(out, "\n"))
		assert.True(t, strings.HasPrefix(out, "ID"))
	})

	seedSnapshots(t, dir)

	t.Run("table", func(t *testing.T) {
		out, _, err := run(t, append(flags, "snapshots", "list", "vm-1")...)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], "CURRENT")
		assert.Contains(t, lines[1], "base")
		assert.Contains(t, lines[1], "-")
		assert.Contains(t, lines[2], "patch")
		assert.Contains(t, lines[2], "true")
		assert.Contains(t, lines[2], "2026-03-01T13:00:00Z")
	})

	t.Run("json with state filter", func(t *testing.T) {
		out, _, err := run(t, append(flags, "snapshots", "list", "vm-1", "-o", "json", "--state", "Ready")...)
		require.NoError(t, err)
		var snaps []models.Snapshot
		require.NoError(t, json.Unmarshal([]byte(out), &snaps))
		require.Len(t, snaps, 2)
		assert.Equal(t, "s1", snaps[0].ID)

		out, _, err = run(t, append(flags, "snapshots", "list", "vm-1", "-o", "json", "--state", "Error")...)
		require.NoError(t, err)
		assert.JSONEq(t, "[]", out)
	})

	t.Run("unsupported output", func(t *testing.T) {
		_, _, err := run(t, append(flags, "snapshots", "list", "vm-1", "-o", "yaml")...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported --output: yaml")
	})

	t.Run("unknown vm", func(t *testing.T) {
		_, _, err := run(t, append(flags, "snapshots", "list", "vm-404")...)
		require.Error(t, err)
	})

	t.Run("missing argument", func(t *testing.T) {
		_, _, err := run(t, append(flags, "snapshots", "list")...)
		require.Error(t, err)
	})
}

func TestSnapshotsTree(t *testing.T) {
	dir, flags := setupWorkspace(t)
	_, _, err := run(t, append(flags, "snapshots", "tree", "vm-1")...)
	require.NoError(t, err)
	seedSnapshots(t, dir)

	out, _, err := run(t, append(flags, "snapshots", "tree", "vm-1")...)
	require.NoError(t, err)
	assert.Equal(t, "base (s1) Ready\n  patch (s2) Ready *\n", out)
}

func TestLoadApp_BadFeatureConfig(t *testing.T) {
	_, flags := setupWorkspace(t)
	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[snapshot]\nmax_per_vm = 0\n"), 0o600))

	_, stderr, err := run(t, flags[0], flags[1], "--config", bad, "snapshots", "list", "vm-1")
	require.Error(t, err)
	assert.Contains(t, stderr, "MESSAGE=Failed to load feature config")
}

func TestRecover_RequiresVCenter(t *testing.T) {
	_, flags := setupWorkspace(t)
	_, stderr, err := run(t, append(flags, "recover")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VCENTER_URL is required")
	assert.Contains(t, stderr, "MESSAGE=Failed to load infrastructure config")
}

func TestRenderReport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderReport(&buf, &scavenger.Report{Candidates: 2, Resumed: 2}))
	assert.Equal(t, "candidates=2 resumed=2 skipped=0 failed=0\n", buf.String())

	buf.Reset()
	err := renderReport(&buf, &scavenger.Report{Candidates: 3, Resumed: 1, Skipped: 1, Failed: []string{"vm-b"}})
	require.Error(t, err)
	assert.Equal(t, "candidates=3 resumed=1 skipped=1 failed=1\nfailed: vm-b\n", buf.String())
}
