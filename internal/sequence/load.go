package sequence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"gopkg.in/yaml.v3"
)

// Seed is a YAML file of sequence definitions and, optionally, the inactivity tag config.
type Seed struct {
	Config    *models.AppConfig           `yaml:"config,omitempty"`
	Sequences []models.SequenceDefinition `yaml:"sequences"`
	Source    string                      `yaml:"-"`
}

// LoadSeed reads a single seed file from disk.
func LoadSeed(path string) (*Seed, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("seed path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}

	seed, err := parseSeed(data)
	if err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	seed.Source = path
	return seed, nil
}

// LoadSeedsFromDir loads every .yaml/.yml file in dir, sorted by file name.
func LoadSeedsFromDir(dir string) ([]*Seed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	seeds := make([]*Seed, 0, len(names))
	for _, name := range names {
		seed, err := LoadSeed(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func parseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, err
	}
	if len(seed.Sequences) == 0 && seed.Config == nil {
		return nil, fmt.Errorf("seed defines no sequences and no config")
	}

	seen := make(map[string]struct{})
	for i := range seed.Sequences {
		def := &seed.Sequences[i]
		def.Trigger = strings.TrimSpace(def.Trigger)
		if _, exists := seen[def.Trigger]; exists {
			return nil, fmt.Errorf("duplicate trigger %q", def.Trigger)
		}
		seen[def.Trigger] = struct{}{}

		for j := range def.Messages {
			step := &def.Messages[j]
			step.Kind = models.NormalizeKind(strings.ToLower(strings.TrimSpace(string(step.Kind))))
			if !models.IsValidMessageKind(step.Kind) {
				return nil, fmt.Errorf("sequence %q step %d: unknown type %q", def.Trigger, j+1, step.Kind)
			}
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("sequence %q: %w", def.Trigger, err)
		}
	}
	return &seed, nil
}

// ApplyResult counts what Apply wrote.
type ApplyResult struct {
	Saved    int
	Skipped  []string // triggers left untouched because they already exist
	ConfigOK bool
}

// Apply stores the seed's definitions and config. Existing triggers are
// replaced when replace is set and skipped otherwise.
func Apply(ctx context.Context, st store.LeadStore, seed *Seed, replace bool) (ApplyResult, error) {
	var res ApplyResult
	for _, def := range seed.Sequences {
		_, err := st.SaveSequenceDefinition(ctx, def, replace)
		if errors.Is(err, store.ErrDuplicateTrigger) {
			res.Skipped = append(res.Skipped, def.Trigger)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("save sequence %q: %w", def.Trigger, err)
		}
		res.Saved++
	}
	if seed.Config != nil {
		if err := st.SaveConfig(ctx, *seed.Config); err != nil {
			return res, fmt.Errorf("save config: %w", err)
		}
		res.ConfigOK = true
	}
	return res, nil
}
