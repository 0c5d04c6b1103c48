package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/internal/usecase"
)

type bankYAML struct {
	Questions []bankQuestion `yaml:"questions"`
}

type bankQuestion struct {
	Skill           string       `yaml:"skill"`
	Type            string       `yaml:"type"`
	Difficulty      string       `yaml:"difficulty"`
	Prompt          string       `yaml:"prompt"`
	Points          float64      `yaml:"points"`
	Options         []bankOption `yaml:"options"`
	CorrectOptionID string       `yaml:"correct_option_id"`
	StarterCode     string       `yaml:"starter_code"`
	Language        string       `yaml:"language"`
	TestCases       []bankCase   `yaml:"test_cases"`
	Rubric          string       `yaml:"rubric"`
}

type bankOption struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

type bankCase struct {
	Input    string `yaml:"input"`
	Expected string `yaml:"expected"`
}

// seedQuestionBank loads curated questions from a YAML file into the catalog.
// Duplicates of already-seeded questions are skipped, so re-running the
// server against the same file is harmless.
func seedQuestionBank(ctx domain.Context, catalog *usecase.CatalogService, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("op=seed: read %s: %w", path, err)
	}
	var doc bankYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return 0, fmt.Errorf("op=seed: yaml parse: %w", err)
	}
	if len(doc.Questions) == 0 {
		return 0, fmt.Errorf("op=seed: no questions in %s", path)
	}

	added := 0
	for i, bq := range doc.Questions {
		q := domain.Question{
			ID:              clock.NewID(),
			Skill:           bq.Skill,
			Type:            domain.QuestionType(bq.Type),
			Difficulty:      domain.Difficulty(bq.Difficulty),
			Prompt:          bq.Prompt,
			Points:          bq.Points,
			CorrectOptionID: bq.CorrectOptionID,
			StarterCode:     bq.StarterCode,
			Language:        bq.Language,
			Rubric:          bq.Rubric,
		}
		for _, o := range bq.Options {
			q.Options = append(q.Options, domain.McqOption{ID: o.ID, Text: o.Text})
		}
		for _, tc := range bq.TestCases {
			q.TestCases = append(q.TestCases, domain.TestCase{Input: tc.Input, Expected: tc.Expected})
		}
		if err := catalog.AddCurated(ctx, q, false); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			slog.Warn("seed question rejected",
				slog.Int("index", i),
				slog.String("skill", bq.Skill),
				slog.Any("error", err))
			continue
		}
		added++
	}
	return added, nil
}
