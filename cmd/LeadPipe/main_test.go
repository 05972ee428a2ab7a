package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = `
config:
  tagAfter24h: Frio
  tagAfter48h: Congelado
sequences:
  - trigger: Welcome
    messages:
      - type: text
        content: "Hola {{nombre}}"
        delay: 0
      - type: formulario
        content: "Cuéntanos de tu canción:"
        delay: 5
`

// newTestConfig returns an environment config rooted in a fresh state directory.
func newTestConfig(t *testing.T) *Config {
	t.Helper()
	clearEnv(t)
	t.Setenv("LEADPIPE_STATE_DIR", t.TempDir())
	cfg := loadEnvironmentConfig()
	return &cfg
}

func runCmd(t *testing.T, cfg *Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(cfg)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func openTestStore(t *testing.T, cfg *Config) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(buildStoreOptions(*cfg)...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSeedAndInspectSequences(t *testing.T) {
	cfg := newTestConfig(t)
	seedPath := filepath.Join(t.TempDir(), "welcome.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o644))

	out, err := runCmd(t, cfg, "seed", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "saved=1 skipped=0 config=true")
	assert.FileExists(t, filepath.Join(cfg.StateDir, DefaultAppDBFileName))

	out, err = runCmd(t, cfg, "seed", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "saved=0 skipped=1")
	assert.Contains(t, out, `skipped existing trigger "Welcome"`)

	out, err = runCmd(t, cfg, "seed", "--replace", filepath.Dir(seedPath))
	require.NoError(t, err)
	assert.Contains(t, out, "saved=1 skipped=0")

	out, err = runCmd(t, cfg, "sequences", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TRIGGER")
	assert.Regexp(t, `Welcome\s+2\s+5`, out)

	out, err = runCmd(t, cfg, "sequences", "delete", "Welcome")
	require.NoError(t, err)
	assert.Contains(t, out, `deleted "Welcome"`)

	_, err = runCmd(t, cfg, "sequences", "delete", "Welcome")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sequence with trigger")
}

func TestSeedRejectsMissingFile(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := runCmd(t, cfg, "seed", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigShowAndSet(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := runCmd(t, cfg, "config", "set", "--tag24", "Frio", "--tag48", "Congelado")
	require.NoError(t, err)

	out, err := runCmd(t, cfg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "tagAfter24h: Frio")
	assert.Contains(t, out, "tagAfter48h: Congelado")

	// Only the given flag changes.
	_, err = runCmd(t, cfg, "config", "set", "--tag48", "")
	require.NoError(t, err)

	st := openTestStore(t, cfg)
	appCfg, err := st.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AppConfig{TagAfter24h: "Frio"}, appCfg)

	_, err = runCmd(t, cfg, "config", "set")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to set")
}

func TestLyricSubmit(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := runCmd(t, cfg, "lyric", "submit", "--phone", "55 1234 5678")
	require.ErrorIs(t, err, store.ErrNotFound)

	st := openTestStore(t, cfg)
	ctx := context.Background()
	require.NoError(t, st.CreateLead(ctx, models.Lead{ID: "5215512345678", Phone: "5215512345678", Name: "Ana"}))

	out, err := runCmd(t, cfg, "lyric", "submit", "--phone", "55 1234 5678", "--answer", "genero=banda", "--answer", "ocasion=boda")
	require.NoError(t, err)

	recs, err := st.ListLyricRecordsByStatus(ctx, models.LyricStatusNeedsContent)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, out, recs[0].ID)
	assert.Equal(t, "Ana", recs[0].Name)
	assert.Equal(t, map[string]string{"genero": "banda", "ocasion": "boda"}, recs[0].Answers)
}

func TestTickTagsWithoutTransport(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := runCmd(t, cfg, "config", "set", "--tag24", "Frio")
	require.NoError(t, err)

	out, err := runCmd(t, cfg, "tick", "tags")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestStateDirFlagMovesDefaultDatabase(t *testing.T) {
	cfg := newTestConfig(t)
	flagDir := t.TempDir()

	_, err := runCmd(t, cfg, "--state-dir", flagDir, "config", "set", "--tag24", "Frio")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(flagDir, DefaultAppDBFileName), cfg.AppDBDSN)
	assert.FileExists(t, cfg.AppDBDSN)
}

func TestInvalidTransportIsRejected(t *testing.T) {
	cfg := newTestConfig(t)
	_, err := runCmd(t, cfg, "--transport", "smoke-signals", "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}
