package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/pkg/textx"
)

var questionSchema = domain.JSONSchema{
	Name: "generated_question",
	Schema: json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["prompt", "points"],
		"properties": {
			"prompt": {"type": "string"},
			"points": {"type": "number"},
			"options": {
				"type": "array",
				"items": {
					"type": "object",
					"additionalProperties": false,
					"required": ["id", "text"],
					"properties": {
						"id": {"type": "string"},
						"text": {"type": "string"}
					}
				}
			},
			"correct_option_id": {"type": "string"},
			"starter_code": {"type": "string"},
			"language": {"type": "string"},
			"test_cases": {
				"type": "array",
				"items": {
					"type": "object",
					"additionalProperties": false,
					"required": ["input", "expected"],
					"properties": {
						"input": {"type": "string"},
						"expected": {"type": "string"}
					}
				}
			},
			"rubric": {"type": "string"}
		}
	}`),
}

// Generator implements domain.QuestionGenerator on top of an AIClient.
type Generator struct {
	cfg     config.Config
	ai      domain.AIClient
	clk     domain.Clock
	probeHC *http.Client
}

// NewGenerator constructs the question generator.
func NewGenerator(cfg config.Config, ai domain.AIClient, clk domain.Clock) *Generator {
	return &Generator{
		cfg:     cfg,
		ai:      ai,
		clk:     clk,
		probeHC: &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe checks provider reachability with a cheap models listing. A failing
// probe makes AI-tier composition steps fail fast instead of burning the
// generation budget.
func (g *Generator) Probe(ctx domain.Context) error {
	r, _ := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.LLMBaseURL+"/models", nil)
	if g.cfg.LLMAPIKey != "" {
		r.Header.Set("Authorization", "Bearer "+g.cfg.LLMAPIKey)
	}
	resp, err := g.probeHC.Do(r)
	if err != nil {
		return fmt.Errorf("op=ai.probe: %w: %v", domain.ErrGeneratorUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=ai.probe: %w: status %d", domain.ErrGeneratorUnavailable, resp.StatusCode)
	}
	return nil
}

const generatorSystemPrompt = `You author technical assessment questions. Produce exactly one question as JSON matching the schema. For mcq include 4 options with ids "a" through "d" and set correct_option_id. For coding include starter_code, language, and at least 2 test_cases plus a grading rubric. For descriptive include a grading rubric. The prompt must be self-contained and unambiguous.`

// Generate produces one new question plus its content embedding.
func (g *Generator) Generate(ctx domain.Context, skill string, qt domain.QuestionType, diff domain.Difficulty) (domain.GeneratedQuestion, error) {
	user := fmt.Sprintf("Skill: %s\nType: %s\nDifficulty: %s", skill, qt, diff)
	content, err := g.ai.ChatJSON(ctx, generatorSystemPrompt, user, questionSchema, g.cfg.LLMMaxCompletionTokens)
	if err != nil {
		return domain.GeneratedQuestion{}, fmt.Errorf("op=ai.generate: %w", err)
	}

	var body struct {
		Prompt          string             `json:"prompt"`
		Points          float64            `json:"points"`
		Options         []domain.McqOption `json:"options"`
		CorrectOptionID string             `json:"correct_option_id"`
		StarterCode     string             `json:"starter_code"`
		Language        string             `json:"language"`
		TestCases       []domain.TestCase  `json:"test_cases"`
		Rubric          string             `json:"rubric"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &body); err != nil {
		return domain.GeneratedQuestion{}, fmt.Errorf("op=ai.generate: %w: %v", domain.ErrEvaluatorParse, err)
	}
	if body.Prompt == "" {
		return domain.GeneratedQuestion{}, fmt.Errorf("op=ai.generate: %w: empty prompt", domain.ErrEvaluatorParse)
	}
	if body.Points <= 0 {
		body.Points = defaultPoints(qt)
	}

	q := domain.GeneratedQuestion{
		Question: domain.Question{
			ID:              clock.NewID(),
			Skill:           textx.Slug(skill),
			Type:            qt,
			Difficulty:      diff,
			Prompt:          body.Prompt,
			Points:          body.Points,
			Options:         body.Options,
			CorrectOptionID: body.CorrectOptionID,
			StarterCode:     body.StarterCode,
			Language:        body.Language,
			TestCases:       body.TestCases,
			Rubric:          body.Rubric,
			ContentHash:     domain.ContentHash(body.Prompt),
			CreatedAt:       g.clk.Now(),
		},
		Fingerprint: domain.Fingerprint(skill, qt, diff),
		Model:       g.cfg.LLMModel,
	}
	if err := q.Validate(); err != nil {
		return domain.GeneratedQuestion{}, fmt.Errorf("op=ai.generate: %w: invalid mcq payload", domain.ErrEvaluatorParse)
	}

	vecs, err := g.ai.Embed(ctx, []string{textx.Normalize(body.Prompt)})
	if err != nil {
		// Embedding failure degrades dedup, not generation.
		slog.Warn("question embedding failed", slog.String("skill", q.Skill), slog.Any("error", err))
	} else if len(vecs) == 1 {
		q.Embedding = vecs[0]
	}
	return q, nil
}

func defaultPoints(qt domain.QuestionType) float64 {
	switch qt {
	case domain.QuestionCoding:
		return 20
	case domain.QuestionDescriptive:
		return 10
	default:
		return 5
	}
}
