package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/pkg/textx"
)

var reportSchema = domain.JSONSchema{
	Name: "detailed_report",
	Schema: json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["summary", "strengths", "weaknesses", "per_question", "next_steps"],
		"properties": {
			"summary": {"type": "string"},
			"strengths": {"type": "array", "items": {"type": "string"}},
			"weaknesses": {"type": "array", "items": {"type": "string"}},
			"per_question": {
				"type": "array",
				"items": {
					"type": "object",
					"additionalProperties": false,
					"required": ["question_id", "comment"],
					"properties": {
						"question_id": {"type": "string"},
						"comment": {"type": "string"}
					}
				}
			},
			"next_steps": {"type": "array", "items": {"type": "string"}}
		}
	}`),
}

// Reporter implements domain.ReportSynthesizer on top of an AIClient.
type Reporter struct {
	cfg config.Config
	ai  domain.AIClient
}

// NewReporter constructs the report synthesizer.
func NewReporter(cfg config.Config, ai domain.AIClient) *Reporter {
	return &Reporter{cfg: cfg, ai: ai}
}

const reportSystemPrompt = `You write candidate assessment reports for hiring teams. Base every statement strictly on the provided evaluation data. Be specific, neutral in tone, and actionable. Respond with JSON only, matching the schema exactly.`

// Synthesize produces the narrative report from the evaluation record. The
// interview transcript, when present, is an artifact only and is excluded
// from the prompt.
func (r *Reporter) Synthesize(ctx domain.Context, sub domain.Submission, snap domain.AssessmentSnapshot, rec domain.EvaluationRecord) (domain.DetailedReport, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Assessment: %s (role: %s)\n", snap.Title, snap.TargetRole)
	fmt.Fprintf(&sb, "Overall: %.2f / %.2f (%.1f%%), scoring run %d\n\n", rec.TotalAwarded, rec.MaxPossible, rec.Percentage, rec.RunSequence)
	for _, res := range rec.Results {
		q, ok := snap.QuestionByID(res.QuestionID)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "Question %s [%s/%s]: %.2f / %.2f\n", res.QuestionID, q.Type, q.Difficulty, res.PointsAwarded, res.MaxPoints)
		fmt.Fprintf(&sb, "Prompt: %s\n", textx.Truncate(q.Prompt, 400))
		if res.Feedback != "" {
			fmt.Fprintf(&sb, "Evaluator feedback: %s\n", textx.Truncate(res.Feedback, 400))
		}
		if res.EvaluatorError != "" {
			fmt.Fprintf(&sb, "Evaluator error: %s\n", res.EvaluatorError)
		}
		sb.WriteString("\n")
	}
	if sub.AutoSubmitted {
		fmt.Fprintf(&sb, "Session note: auto-submitted (%s)\n", sub.AutoSubmitReason)
	}
	if sub.Late {
		sb.WriteString("Session note: submitted after expiry grace\n")
	}

	content, err := r.ai.ChatJSON(ctx, reportSystemPrompt, sb.String(), reportSchema, r.cfg.LLMMaxCompletionTokens)
	if err != nil {
		return domain.DetailedReport{}, fmt.Errorf("op=ai.report: %w", err)
	}
	var out domain.DetailedReport
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &out); err != nil {
		return domain.DetailedReport{}, fmt.Errorf("op=ai.report: %w: %v", domain.ErrEvaluatorParse, err)
	}
	if out.Summary == "" {
		return domain.DetailedReport{}, fmt.Errorf("op=ai.report: %w: empty summary", domain.ErrEvaluatorParse)
	}
	return out, nil
}
