package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/msageha/agentloop/internal/faults"
)

const (
	toolProposePlan        = "propose_plan"
	toolReportVerification = "report_verification"
)

const plannerPrompt = `You plan work inside an application on behalf of a user.
Break the goal into small ordered steps. Each step carries exactly one operation:
- access: navigate to a url, or select a resource by type and id (no mutation)
- state: create, update or delete a resource
- observation: read-only query of a resource type
A field value may reference an earlier step's result as "$<key>.result.<path>" or "$prev".
Mark steps that must not be skipped as required. Always answer by calling propose_plan.`

const verifierPrompt = `You check whether the observed result of an operation satisfies the step's intent.
Always answer by calling report_verification.`

const summarizerPrompt = `Summarise the material below so an agent can continue the task.
Keep identifiers, resource ids and decisions. Drop chatter.`

// LLMOracle implements Oracle on a langchaingo chat model using tool calls
// for structured answers.
type LLMOracle struct {
	model  llms.Model
	logger *slog.Logger
}

func NewLLMOracle(m llms.Model, logger *slog.Logger) *LLMOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMOracle{model: m, logger: logger}
}

var operationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind": map[string]any{"type": "string", "enum": []string{"access", "state", "observation"}},
		"access": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action":        map[string]any{"type": "string", "enum": []string{"navigate", "select"}},
				"url":           map[string]any{"type": "string"},
				"resource_type": map[string]any{"type": "string"},
				"resource_id":   map[string]any{"type": "string"},
			},
			"required": []string{"action"},
		},
		"state": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action":        map[string]any{"type": "string", "enum": []string{"create", "update", "delete"}},
				"resource_type": map[string]any{"type": "string"},
				"resource_id":   map[string]any{"type": "string"},
				"data":          map[string]any{"type": "object"},
			},
			"required": []string{"action", "resource_type"},
		},
		"observation": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"resource_type": map[string]any{"type": "string"},
				"resource_id":   map[string]any{"type": "string"},
				"query":         map[string]any{"type": "object"},
			},
			"required": []string{"resource_type"},
		},
	},
	"required": []string{"kind"},
}

func planTools() []llms.Tool {
	return []llms.Tool{{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        toolProposePlan,
			Description: "Submit the ordered list of steps that achieves the goal.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"key":            map[string]any{"type": "string"},
								"label":          map[string]any{"type": "string"},
								"operation":      operationSchema,
								"depends_on":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"required":       map[string]any{"type": "boolean"},
								"loose_ordering": map[string]any{"type": "boolean"},
								"expect":         map[string]any{"type": "string"},
							},
							"required": []string{"key", "label", "operation"},
						},
					},
					"warnings": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"steps"},
			},
		},
	}}
}

func verifyTools() []llms.Tool {
	return []llms.Tool{{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        toolReportVerification,
			Description: "Report whether the observed result satisfies the step.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"passed":     map[string]any{"type": "boolean"},
					"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"passed", "confidence", "reason"},
			},
		},
	}}
}

func messages(system, human string) []llms.MessageContent {
	return []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(human)}},
	}
}

// generate calls the model. Any failure of the call itself is a transport
// failure and therefore transient, except cancellation.
func (o *LLMOracle) generate(ctx context.Context, op string, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentChoice, error) {
	resp, err := o.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, faults.New(faults.Fatal, op, err)
		}
		return nil, faults.New(faults.Transient, op, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, faults.New(faults.Structural, op, fmt.Errorf("%w: no choices", ErrInvalidResponse))
	}
	return resp.Choices[0], nil
}

func toolArguments(choice *llms.ContentChoice, name string) (string, bool) {
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall != nil && tc.FunctionCall.Name == name {
			return tc.FunctionCall.Arguments, true
		}
	}
	return "", false
}

func (o *LLMOracle) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if req.Previous != nil {
		fmt.Fprintf(&b, "\nThe previous plan must be replaced (%s). Its steps:\n", req.Reason)
		for _, s := range req.Previous.Steps {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Status, s.Label, s.Operation)
		}
	}
	if len(req.Context) > 0 {
		b.WriteString("\nContext:\n")
		b.WriteString(strings.Join(req.Context, "\n"))
	}

	choice, err := o.generate(ctx, "oracle.plan", messages(plannerPrompt, b.String()), llms.WithTools(planTools()))
	if err != nil {
		return nil, err
	}
	args, ok := toolArguments(choice, toolProposePlan)
	if !ok {
		return nil, faults.New(faults.Structural, "oracle.plan", fmt.Errorf("%w: no %s call", ErrInvalidResponse, toolProposePlan))
	}
	resp, err := ParsePlanResponse([]byte(args))
	if err != nil {
		return nil, faults.New(faults.Structural, "oracle.plan", err)
	}
	o.logger.Debug("oracle proposed plan", "goal", req.Goal, "steps", len(resp.Steps), "warnings", len(resp.Warnings))
	return resp, nil
}

// ParsePlanResponse decodes and schema-checks a propose_plan payload.
func ParsePlanResponse(data []byte) (*PlanResponse, error) {
	var resp PlanResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(resp.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", ErrInvalidResponse)
	}
	seen := make(map[string]bool, len(resp.Steps))
	for i, s := range resp.Steps {
		if s.Key == "" {
			return nil, fmt.Errorf("%w: steps[%d]: missing key", ErrInvalidResponse, i)
		}
		if seen[s.Key] {
			return nil, fmt.Errorf("%w: steps[%d]: duplicate key %q", ErrInvalidResponse, i, s.Key)
		}
		seen[s.Key] = true
		if err := s.Operation.Validate(); err != nil {
			return nil, fmt.Errorf("%w: steps[%d].operation: %v", ErrInvalidResponse, i, err)
		}
	}
	return &resp, nil
}

func (o *LLMOracle) Verify(ctx context.Context, req VerifyRequest) (*Verdict, error) {
	observed, err := json.Marshal(req.Observed)
	if err != nil {
		return nil, faults.New(faults.Structural, "oracle.verify", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\nOperation: %s\n", req.Step.Label, req.Step.Operation)
	if req.Step.Expect != "" {
		fmt.Fprintf(&b, "Expected: %s\n", req.Step.Expect)
	}
	fmt.Fprintf(&b, "Observed result: %s\n", observed)
	if len(req.Context) > 0 {
		b.WriteString("\nContext:\n")
		b.WriteString(strings.Join(req.Context, "\n"))
	}

	choice, err := o.generate(ctx, "oracle.verify", messages(verifierPrompt, b.String()), llms.WithTools(verifyTools()))
	if err != nil {
		return nil, err
	}
	args, ok := toolArguments(choice, toolReportVerification)
	if !ok {
		return nil, faults.New(faults.Structural, "oracle.verify", fmt.Errorf("%w: no %s call", ErrInvalidResponse, toolReportVerification))
	}
	var v Verdict
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return nil, faults.New(faults.Structural, "oracle.verify", fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, faults.New(faults.Structural, "oracle.verify", fmt.Errorf("%w: confidence %v out of range", ErrInvalidResponse, v.Confidence))
	}
	return &v, nil
}

func (o *LLMOracle) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", req.Goal)
	b.WriteString(strings.Join(req.Sections, "\n\n"))

	var opts []llms.CallOption
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	choice, err := o.generate(ctx, "oracle.summarize", messages(summarizerPrompt, b.String()), opts...)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(choice.Content)
	if summary == "" {
		return "", faults.New(faults.Structural, "oracle.summarize", fmt.Errorf("%w: empty summary", ErrInvalidResponse))
	}
	return summary, nil
}

var _ Oracle = (*LLMOracle)(nil)
