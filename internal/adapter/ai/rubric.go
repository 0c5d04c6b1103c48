package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
)

// Default rubric criteria weights per question type. The remainder of the
// weight mass is distributed by the model according to the question's own
// rubric text. Overridable per question via that rubric text.
var (
	descriptiveWeights = map[string]float64{
		"communication":       0.20,
		"problem_solving":     0.20,
		"explanation_quality": 0.15,
	}
	codingWeights = map[string]float64{
		"correctness": 0.30,
		"efficiency":  0.15,
		"explanation": 0.15,
	}
)

var rubricSchema = domain.JSONSchema{
	Name: "rubric_result",
	Schema: json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["points_awarded", "max_points", "rubric_breakdown", "feedback"],
		"properties": {
			"points_awarded": {"type": "number"},
			"max_points": {"type": "number"},
			"rubric_breakdown": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"additionalProperties": false,
					"required": ["weight", "score"],
					"properties": {
						"weight": {"type": "number"},
						"score": {"type": "number"}
					}
				}
			},
			"feedback": {"type": "string"}
		}
	}`),
}

// Rubric implements domain.RubricEvaluator on top of an AIClient.
type Rubric struct {
	cfg config.Config
	ai  domain.AIClient
}

// NewRubric constructs the rubric evaluator.
func NewRubric(cfg config.Config, ai domain.AIClient) *Rubric {
	return &Rubric{cfg: cfg, ai: ai}
}

type rubricResponse struct {
	PointsAwarded   float64 `json:"points_awarded"`
	MaxPoints       float64 `json:"max_points"`
	RubricBreakdown map[string]struct {
		Weight float64 `json:"weight"`
		Score  float64 `json:"score"`
	} `json:"rubric_breakdown"`
	Feedback string `json:"feedback"`
}

const rubricSystemPrompt = `You are a strict technical assessment grader. Score the candidate answer against the rubric. Respond with JSON only, matching the schema exactly. Each rubric criterion has a weight in [0,1] (weights sum to 1) and a score in [0,1]. points_awarded must equal max_points times the weighted sum of scores.`

// Score grades one descriptive or coding answer. Parse failure gets one
// reinforced retry; persistent failure awards 0 and records evaluator_error.
func (r *Rubric) Score(ctx domain.Context, q domain.SnapshotQuestion, a domain.Answer, execLog *domain.CodeExecutionLog) (domain.QuestionResult, error) {
	res := domain.QuestionResult{
		QuestionID: q.ID,
		MaxPoints:  q.Points,
		Evaluator:  domain.EvaluatorRubric,
	}

	user := r.buildPrompt(q, a, execLog)
	content, err := r.ai.ChatJSON(ctx, rubricSystemPrompt, user, rubricSchema, r.cfg.LLMMaxCompletionTokens)
	if err != nil {
		return res, fmt.Errorf("op=ai.rubric: %w", err)
	}

	parsed, perr := parseRubricResponse(content)
	if perr != nil {
		slog.Warn("rubric response parse failed, retrying with reinforced instruction",
			slog.String("question_id", q.ID), slog.Any("error", perr))
		reinforced := user + "\n\nYour previous response was not valid JSON for the required schema. Respond with ONLY the JSON object, no prose, no code fences."
		content, err = r.ai.ChatJSON(ctx, rubricSystemPrompt, reinforced, rubricSchema, r.cfg.LLMMaxCompletionTokens)
		if err != nil {
			return res, fmt.Errorf("op=ai.rubric: %w", err)
		}
		parsed, perr = parseRubricResponse(content)
	}
	if perr != nil {
		res.PointsAwarded = 0
		res.EvaluatorError = fmt.Sprintf("unparseable rubric response: %v", perr)
		return res, nil
	}

	awarded := parsed.PointsAwarded
	if parsed.MaxPoints > 0 && parsed.MaxPoints != q.Points {
		// Rescale to the question's point value when the model grades on its
		// own scale.
		awarded = awarded / parsed.MaxPoints * q.Points
	}
	if awarded < 0 {
		awarded = 0
	}
	if awarded > q.Points {
		awarded = q.Points
	}
	res.PointsAwarded = awarded
	res.Feedback = parsed.Feedback
	if len(parsed.RubricBreakdown) > 0 {
		res.RubricBreakdown = make(map[string]domain.CriterionScore, len(parsed.RubricBreakdown))
		for name, c := range parsed.RubricBreakdown {
			res.RubricBreakdown[name] = domain.CriterionScore{Weight: c.Weight, Score: c.Score}
		}
	}
	return res, nil
}

func (r *Rubric) buildPrompt(q domain.SnapshotQuestion, a domain.Answer, execLog *domain.CodeExecutionLog) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question (%s, %s, worth %.2f points):\n%s\n\n", q.Type, q.Difficulty, q.Points, q.Prompt)
	if q.Rubric != "" {
		fmt.Fprintf(&sb, "Rubric:\n%s\n\n", q.Rubric)
	}
	var defaults map[string]float64
	switch q.Type {
	case domain.QuestionCoding:
		defaults = codingWeights
	default:
		defaults = descriptiveWeights
	}
	sb.WriteString("Default criteria weights (distribute the remaining weight per the rubric):\n")
	names := make([]string, 0, len(defaults))
	for name := range defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %.2f\n", name, defaults[name])
	}
	sb.WriteString("\nCandidate answer:\n")
	switch a.Value.Kind {
	case domain.AnswerCode:
		fmt.Fprintf(&sb, "```%s\n%s\n```\n", a.Value.Language, a.Value.Source)
	default:
		sb.WriteString(a.Value.Text + "\n")
	}
	if execLog != nil {
		fmt.Fprintf(&sb, "\nMost recent sandbox run: status=%s time_s=%.3f\nstdout:\n%s\nstderr:\n%s\n",
			execLog.Status, execLog.TimeS, execLog.Stdout, execLog.Stderr)
	}
	return sb.String()
}

func parseRubricResponse(content string) (rubricResponse, error) {
	var out rubricResponse
	trimmed := stripCodeFence(content)
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return rubricResponse{}, fmt.Errorf("%w: %v", domain.ErrEvaluatorParse, err)
	}
	if out.MaxPoints < 0 || out.PointsAwarded < 0 {
		return rubricResponse{}, fmt.Errorf("%w: negative points", domain.ErrEvaluatorParse)
	}
	return out, nil
}

// stripCodeFence removes a surrounding markdown fence some models emit even in
// JSON mode.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
