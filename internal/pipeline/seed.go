package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jobtrace-io/jobtrace/internal/config"
)

// ErrInvalidSeed is returned for a seed file that parses but fails validation.
var ErrInvalidSeed = errors.New("invalid pipeline seed")

// SeedFileEnvVar points at the optional queue definition file loaded at
// startup.
const SeedFileEnvVar = "JOBTRACE_PIPELINES_PATH"

type (
	// SeedFile is the on-disk queue definition format.
	SeedFile struct {
		Queues []QueueSeed `yaml:"queues"`
	}

	// QueueSeed declares one queue and its ordered steps.
	QueueSeed struct {
		Project string     `yaml:"project"`
		Slug    string     `yaml:"slug"`
		Name    string     `yaml:"name"`
		Steps   []StepSeed `yaml:"steps"`
	}

	// StepSeed declares one pipeline step. Config is free-form YAML encoded
	// to JSON for storage.
	StepSeed struct {
		Key    string                 `yaml:"key"`
		Type   StepType               `yaml:"type"`
		Config map[string]interface{} `yaml:"config"`
	}
)

// LoadSeedFile parses the queue seed file at path. A missing file is not an
// error: startup proceeds without seeded queues.
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}

	if err := seed.validate(); err != nil {
		return nil, err
	}

	return &seed, nil
}

func (f *SeedFile) validate() error {
	for _, q := range f.Queues {
		if q.Project == "" || q.Slug == "" {
			return fmt.Errorf("%w: queue needs project and slug", ErrInvalidSeed)
		}

		keys := make(map[string]bool, len(q.Steps))

		for _, s := range q.Steps {
			if s.Key == "" {
				return fmt.Errorf("%w: queue %s: step needs a key", ErrInvalidSeed, q.Slug)
			}

			if keys[s.Key] {
				return fmt.Errorf("%w: queue %s: duplicate step key %s", ErrInvalidSeed, q.Slug, s.Key)
			}

			keys[s.Key] = true

			if s.Type != StepTypeFilter && s.Type != StepTypeWebhook {
				return fmt.Errorf("%w: queue %s: unknown step type %q", ErrInvalidSeed, q.Slug, s.Type)
			}
		}
	}

	return nil
}

// ApplySeed upserts every seeded queue with its step list. Per-queue failures
// are logged and skipped so one bad definition does not block startup.
func ApplySeed(ctx context.Context, store Store, seed *SeedFile) error {
	if seed == nil {
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "pipeline_seed"))

	for _, q := range seed.Queues {
		steps, err := q.pipelineSteps()
		if err != nil {
			logger.Warn("skipping seeded queue",
				slog.String("slug", q.Slug),
				slog.Any("error", err))

			continue
		}

		if _, err := store.UpsertQueue(ctx, q.Project, q.Slug, q.Name, steps); err != nil {
			logger.Warn("failed to upsert seeded queue",
				slog.String("slug", q.Slug),
				slog.Any("error", err))

			continue
		}

		logger.Info("seeded queue",
			slog.String("project_id", q.Project),
			slog.String("slug", q.Slug),
			slog.Int("steps", len(steps)))
	}

	return nil
}

func (q QueueSeed) pipelineSteps() ([]PipelineStep, error) {
	steps := make([]PipelineStep, len(q.Steps))

	for i, s := range q.Steps {
		cfg, err := json.Marshal(s.Config)
		if err != nil {
			return nil, fmt.Errorf("%w: step %s config: %w", ErrInvalidSeed, s.Key, err)
		}

		steps[i] = PipelineStep{
			Key:      s.Key,
			Position: i,
			Type:     s.Type,
			Config:   cfg,
		}
	}

	return steps, nil
}
