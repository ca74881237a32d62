package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/documentd/documentd/internal/config"
	"github.com/documentd/documentd/internal/journal"
	"github.com/documentd/documentd/internal/svc"
	"github.com/documentd/documentd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, logLevel = "", "info"
	runsJob, runsLimit, runsJSON, initForce = "", 20, false, false

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "documentd dev")
	assert.Contains(t, out, "Commit:")
}

func TestInitCommand(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "documentd.yaml")

	out, err := execute(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "init", "--config", path)
	assert.Error(t, err, "existing config is not overwritten")

	_, err = execute(t, "init", "--config", path, "--force")
	require.NoError(t, err)

	cfg, err := config.LoadServerConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Admin.JWTSecret, 64)
}

func TestRunsCommand(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := testutil.TempFile(t, dir, "documentd.yaml",
		"data_dir: "+dir+"\nindex:\n  url: http://127.0.0.1:7700\n")

	out, err := execute(t, "runs", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")

	j, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	ctx := context.Background()
	run, err := j.Start(ctx, "sweep")
	require.NoError(t, err)
	require.NoError(t, j.Finish(ctx, run, map[string]int{"deleted": 2}, nil))
	require.NoError(t, j.Close())

	out, err = execute(t, "runs", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sweep")
	assert.Contains(t, out, journal.StatusSuccess)

	out, err = execute(t, "runs", "--config", path, "--json", "--job", "reconcile")
	require.NoError(t, err)
	var runs []journal.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Empty(t, runs)
}

func TestPrintRuns(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printRuns(&out, []journal.Run{
		{ID: "0123456789abcdef", Job: "reconcile", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond), Status: journal.StatusFailure, Error: "index did not converge"},
		{ID: "abc", Job: "sweep", StartedAt: start, Status: journal.StatusRunning},
	})

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "STATUS")
	assert.Contains(t, string(lines[1]), "01234567 ")
	assert.Contains(t, string(lines[1]), "1.5s")
	assert.Contains(t, string(lines[1]), "index did not converge")
	assert.Contains(t, string(lines[2]), "running")
}

func TestServiceConfigArg(t *testing.T) {
	assert.Equal(t, "/etc/x.yaml", serviceConfigArg([]string{"documentd", "--service-run", "serve", "--config", "/etc/x.yaml"}))
	assert.Equal(t, "a.yaml", serviceConfigArg([]string{"documentd", "-c", "a.yaml"}))
	assert.Empty(t, serviceConfigArg([]string{"documentd", "--config"}))
}

func TestGetServiceConfig(t *testing.T) {
	serviceName, cfgFile = "", ""
	cfg := getServiceConfig()
	assert.Equal(t, svc.DefaultServiceName, cfg.Name)
	assert.Equal(t, svc.DefaultConfigPath(), cfg.ConfigPath)

	serviceName, cfgFile = "docs", "/tmp/d.yaml"
	defer func() { serviceName, cfgFile = "", "" }()
	cfg = getServiceConfig()
	assert.Equal(t, "docs", cfg.Name)
	assert.Equal(t, "/tmp/d.yaml", cfg.ConfigPath)
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Restart", capitalize("restart"))
	assert.Equal(t, "", capitalize(""))
}
