package sequence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const welcomeSeed = `
config:
  tagAfter24h: Frio
  tagAfter48h: Congelado
sequences:
  - trigger: " Welcome "
    messages:
      - type: Texto
        content: "Hola {{nombre}}"
        delay: 0
      - type: formulario
        content: "Cuéntanos de tu canción:"
        delay: 5
      - type: image
        content: https://cdn.example.com/promo.png
        delay: 60
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSeed(t *testing.T) {
	path := writeFile(t, t.TempDir(), "welcome.yaml", welcomeSeed)

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Equal(t, path, seed.Source)
	require.NotNil(t, seed.Config)
	assert.Equal(t, "Frio", seed.Config.TagAfter24h)
	require.Len(t, seed.Sequences, 1)

	def := seed.Sequences[0]
	assert.Equal(t, "Welcome", def.Trigger)
	require.Len(t, def.Messages, 3)
	assert.Equal(t, models.MessageKindText, def.Messages[0].Kind)
	assert.Equal(t, models.MessageKindForm, def.Messages[1].Kind)
	assert.Equal(t, 5, def.Messages[1].DelayMinutes)
	assert.Equal(t, models.MessageKindImage, def.Messages[2].Kind)
}

func TestLoadSeedRejectsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty.yaml":     "sequences: []\n",
		"unknown.yaml":   "sequences:\n  - trigger: A\n    messages:\n      - type: video\n        content: x\n",
		"duplicate.yaml": "sequences:\n  - trigger: A\n    messages: [{type: text, content: a}]\n  - trigger: A\n    messages: [{type: text, content: b}]\n",
		"negative.yaml":  "sequences:\n  - trigger: A\n    messages: [{type: text, content: a, delay: -1}]\n",
		"nomsgs.yaml":    "sequences:\n  - trigger: A\n    messages: []\n",
		"broken.yaml":    "sequences: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSeed(writeFile(t, dir, name, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadSeed("")
	assert.Error(t, err)
	_, err = LoadSeed(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadSeedsFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "sequences:\n  - trigger: B\n    messages: [{type: text, content: b}]\n")
	writeFile(t, dir, "a.yaml", "sequences:\n  - trigger: A\n    messages: [{type: text, content: a}]\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	seeds, err := LoadSeedsFromDir(dir)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "A", seeds[0].Sequences[0].Trigger)
	assert.Equal(t, "B", seeds[1].Sequences[0].Trigger)
}

func TestApplySeed(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	seed, err := LoadSeed(writeFile(t, t.TempDir(), "welcome.yaml", welcomeSeed))
	require.NoError(t, err)

	res, err := Apply(ctx, st, seed, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	assert.True(t, res.ConfigOK)

	cfg, err := st.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Congelado", cfg.TagAfter48h)

	// a second run without replace leaves the stored definition alone
	res, err = Apply(ctx, st, seed, false)
	require.NoError(t, err)
	assert.Zero(t, res.Saved)
	assert.Equal(t, []string{"Welcome"}, res.Skipped)

	seed.Sequences[0].Messages = seed.Sequences[0].Messages[:1]
	res, err = Apply(ctx, st, seed, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)

	def, err := st.FindSequenceDefinition(ctx, "Welcome")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Len(t, def.Messages, 1)
}
