package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/msageha/agentloop/internal/faults"
)

// Scripted is a deterministic Oracle that replays prepared plans. It backs
// the "static" provider and tests.
type Scripted struct {
	mu       sync.Mutex
	plans    []PlanResponse
	planIdx  int
	verdicts []Verdict

	// VerifyFunc, when set, decides verdicts instead of the queued ones.
	VerifyFunc func(req VerifyRequest) (*Verdict, error)
	// PlanErrs are returned (one per call) before any plan is handed out.
	PlanErrs []error

	PlanCalls      []PlanRequest
	VerifyCalls    int
	SummarizeCalls int
}

// NewScripted returns an oracle handing out plans in order; the last plan is
// repeated once the list is exhausted.
func NewScripted(plans ...PlanResponse) *Scripted {
	return &Scripted{plans: plans}
}

// LoadScripted reads a YAML file holding a list of plans.
func LoadScripted(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan script: %w", err)
	}
	var doc struct {
		Plans []PlanResponse `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan script %s: %w", path, err)
	}
	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("plan script %s holds no plans", path)
	}
	return NewScripted(doc.Plans...), nil
}

// QueueVerdicts appends verdicts consumed by successive Verify calls.
func (s *Scripted) QueueVerdicts(v ...Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, v...)
}

func (s *Scripted) Plan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlanCalls = append(s.PlanCalls, req)
	if len(s.PlanErrs) > 0 {
		err := s.PlanErrs[0]
		s.PlanErrs = s.PlanErrs[1:]
		return nil, err
	}
	if len(s.plans) == 0 {
		return nil, faults.New(faults.Structural, "oracle.plan", fmt.Errorf("%w: no scripted plan", ErrInvalidResponse))
	}
	idx := min(s.planIdx, len(s.plans)-1)
	s.planIdx++
	p := s.plans[idx]
	out := PlanResponse{Warnings: append([]string(nil), p.Warnings...)}
	for _, st := range p.Steps {
		st.Operation = st.Operation.Clone()
		st.DependsOn = append([]string(nil), st.DependsOn...)
		out.Steps = append(out.Steps, st)
	}
	return &out, nil
}

func (s *Scripted) Verify(ctx context.Context, req VerifyRequest) (*Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.VerifyCalls++
	fn := s.VerifyFunc
	var queued *Verdict
	if fn == nil && len(s.verdicts) > 0 {
		v := s.verdicts[0]
		s.verdicts = s.verdicts[1:]
		queued = &v
	}
	s.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if queued != nil {
		return queued, nil
	}
	return &Verdict{Passed: true, Confidence: 1, Reason: "scripted"}, nil
}

// Summarize joins the first line of every section.
func (s *Scripted) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.SummarizeCalls++
	s.mu.Unlock()

	lines := []string{"Summary of " + req.Goal}
	for _, sec := range req.Sections {
		first, _, _ := strings.Cut(sec, "\n")
		if first != "" {
			lines = append(lines, "- "+first)
		}
	}
	return strings.Join(lines, "\n"), nil
}

var _ Oracle = (*Scripted)(nil)
