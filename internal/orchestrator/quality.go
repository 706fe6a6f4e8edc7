package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/task"
)

const qualityGatePrompt = `You are a strict quality reviewer. Evaluate whether the produced output
actually accomplishes the task. Respond with ONLY a JSON object of this shape:
{"passed": bool, "score": number between 0 and 1, "checks": [strings], "recommendations": [strings]}`

// QualityEvaluator runs a secondary model pass that judges a task's output.
type QualityEvaluator struct {
	client llm.Client
	model  string
	logger logging.Logger
}

// NewQualityEvaluator creates an evaluator that judges outputs with model.
func NewQualityEvaluator(client llm.Client, model string, logger logging.Logger) *QualityEvaluator {
	return &QualityEvaluator{
		client: client,
		model:  model,
		logger: logging.OrNop(logger),
	}
}

// Evaluate asks the review model for a verdict on output. Malformed verdict
// JSON is repaired before parsing; an unparseable verdict is an error.
func (e *QualityEvaluator) Evaluate(ctx context.Context, description, output string) (*task.QualityReport, error) {
	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: qualityGatePrompt},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Task:\n%s\n\nOutput:\n%s", description, output)},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("quality gate call failed: %w", err)
	}

	report, err := parseVerdict(resp.Content)
	if err != nil {
		e.logger.Warn("quality gate verdict unparseable: %v", err)
		return nil, err
	}
	return report, nil
}

// parseVerdict extracts the verdict JSON from a model reply, repairing
// malformed JSON when necessary.
func parseVerdict(content string) (*task.QualityReport, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in verdict: %q", content)
	}

	var report task.QualityReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("verdict JSON unrepairable: %w", repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &report); err != nil {
			return nil, fmt.Errorf("verdict JSON invalid after repair: %w", err)
		}
	}

	if report.Score < 0 {
		report.Score = 0
	}
	if report.Score > 1 {
		report.Score = 1
	}
	return &report, nil
}

// extractJSONObject returns the outermost {...} span of s, or "".
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
