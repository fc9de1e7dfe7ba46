// Package oracle is the client side of the external reasoning oracle that
// proposes plans, judges step outcomes and summarises context.
package oracle

import (
	"context"
	"errors"

	"github.com/msageha/agentloop/internal/model"
)

// ErrInvalidResponse marks a response that failed schema validation. It is
// never retried: the loop treats it as a planning defect.
var ErrInvalidResponse = errors.New("oracle response failed validation")

type Oracle interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error)
	Verify(ctx context.Context, req VerifyRequest) (*Verdict, error)
	Summarize(ctx context.Context, req SummarizeRequest) (string, error)
}

type PlanRequest struct {
	Goal    string
	Context []string
	// Previous is set when replanning.
	Previous *model.Plan
	Reason   string
}

// ProposedStep is a step as the oracle proposes it. Key identifies the step
// inside the proposal; DependsOn and variable references use keys.
type ProposedStep struct {
	Key           string          `json:"key" yaml:"key"`
	Label         string          `json:"label" yaml:"label"`
	Operation     model.Operation `json:"operation" yaml:"operation"`
	DependsOn     []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Required      bool            `json:"required,omitempty" yaml:"required,omitempty"`
	LooseOrdering bool            `json:"loose_ordering,omitempty" yaml:"loose_ordering,omitempty"`
	Expect        string          `json:"expect,omitempty" yaml:"expect,omitempty"`
}

type PlanResponse struct {
	Steps    []ProposedStep `json:"steps" yaml:"steps"`
	Warnings []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type VerifyRequest struct {
	Step     *model.Step
	Observed map[string]any
	Context  []string
}

type Verdict struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type SummarizeRequest struct {
	Goal     string
	Sections []string
	// MaxTokens bounds the summary length; 0 leaves it to the oracle.
	MaxTokens int
}
