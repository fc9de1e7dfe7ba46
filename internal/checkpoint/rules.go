// Package checkpoint decides which steps need human confirmation and holds
// the per-session queue of pending confirmations.
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/msageha/agentloop/internal/model"
)

// Risk grades how much damage a step can do if it goes wrong.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

var riskRank = map[Risk]int{"": 0, RiskLow: 1, RiskMedium: 2, RiskHigh: 3}

// RiskContext is what the caller knows about the step beyond its operation.
type RiskContext struct {
	Level Risk
	// Reasons are appended to the checkpoint message.
	Reasons []string
}

// RiskOf grades an operation on its own: deletes are high, other
// mutations medium, reads low.
func RiskOf(op model.Operation) Risk {
	switch {
	case op.IsDestructive():
		return RiskHigh
	case op.IsMutation():
		return RiskMedium
	}
	return RiskLow
}

// Match selects steps. Empty lists match everything.
type Match struct {
	Kinds         []model.OperationKind `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Actions       []string              `yaml:"actions,omitempty" json:"actions,omitempty"`
	ResourceTypes []string              `yaml:"resource_types,omitempty" json:"resource_types,omitempty"`
	Modes         []model.Mode          `yaml:"modes,omitempty" json:"modes,omitempty"`
	MinRisk       Risk                  `yaml:"min_risk,omitempty" json:"min_risk,omitempty"`
	LabelPattern  string                `yaml:"label_pattern,omitempty" json:"label_pattern,omitempty"`
}

type Rule struct {
	ID       string `yaml:"id" json:"id"`
	Priority int    `yaml:"priority" json:"priority"`
	// Enabled defaults to true when omitted.
	Enabled *bool                `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Match   Match                `yaml:"match" json:"match"`
	Require bool                 `yaml:"require" json:"require"`
	Type    model.CheckpointType `yaml:"type,omitempty" json:"type,omitempty"`
	Message string               `yaml:"message,omitempty" json:"message,omitempty"`
}

func (r Rule) enabled() bool { return r.Enabled == nil || *r.Enabled }

type RuleSet struct {
	SchemaVersion int    `yaml:"schema_version" json:"schema_version"`
	Rules         []Rule `yaml:"rules" json:"rules"`
}

// Decision is the outcome of Check.
type Decision struct {
	Required bool
	Type     model.CheckpointType
	Message  string
	// RuleID names the rule that matched; "mode" or "floor" for built-in decisions.
	RuleID string
}

type compiledRule struct {
	Rule
	label *regexp.Regexp
}

// Engine evaluates rules in priority order; the first match wins. Without
// a match the collaboration mode decides. Deletes always require a
// destructive checkpoint whatever the rules say.
type Engine struct {
	mu       sync.RWMutex
	rules    []compiledRule
	checksum string
}

func NewEngine() *Engine {
	return &Engine{}
}

// ErrEmptyRules is returned for a rules file with no content.
var ErrEmptyRules = errors.New("checkpoint rules file is empty")

// LoadRules reads a rule file. A missing file is an empty rule set; an
// empty file or one without schema_version is rejected.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &RuleSet{SchemaVersion: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint rules: %w", err)
	}
	// a truncating write briefly leaves the file empty
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRules, path)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse checkpoint rules %s: %w", path, err)
	}
	if rs.SchemaVersion == 0 {
		return nil, fmt.Errorf("checkpoint rules %s: schema_version is missing", path)
	}
	return &rs, nil
}

// Load validates and installs a rule set. On error the previous rules stay.
func (e *Engine) Load(rs *RuleSet) error {
	compiled, err := compile(rs)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	sum := sha256.Sum256(data)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = compiled
	e.checksum = hex.EncodeToString(sum[:])
	return nil
}

// LoadFile is LoadRules followed by Load.
func (e *Engine) LoadFile(path string) error {
	rs, err := LoadRules(path)
	if err != nil {
		return err
	}
	return e.Load(rs)
}

// Checksum identifies the installed rule set.
func (e *Engine) Checksum() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checksum
}

func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Rule)
	}
	return out
}

func compile(rs *RuleSet) ([]compiledRule, error) {
	if rs == nil {
		return nil, nil
	}
	if rs.SchemaVersion != 0 && rs.SchemaVersion != 1 {
		return nil, fmt.Errorf("unsupported checkpoint rules schema_version %d", rs.SchemaVersion)
	}
	var errs []error
	seen := make(map[string]bool)
	out := make([]compiledRule, 0, len(rs.Rules))
	for i, r := range rs.Rules {
		where := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id: must not be empty", where))
		} else if seen[r.ID] {
			errs = append(errs, fmt.Errorf("%s.id: duplicate rule %q", where, r.ID))
		}
		seen[r.ID] = true
		switch r.Type {
		case "", model.CheckpointConfirm, model.CheckpointDestructive, model.CheckpointReview:
		default:
			errs = append(errs, fmt.Errorf("%s.type: unknown checkpoint type %q", where, r.Type))
		}
		if _, ok := riskRank[r.Match.MinRisk]; !ok {
			errs = append(errs, fmt.Errorf("%s.match.min_risk: unknown risk %q", where, r.Match.MinRisk))
		}
		for _, m := range r.Match.Modes {
			if _, err := model.ParseMode(string(m)); err != nil || m == "" {
				errs = append(errs, fmt.Errorf("%s.match.modes: unknown mode %q", where, m))
			}
		}
		cr := compiledRule{Rule: r}
		if r.Match.LabelPattern != "" {
			re, err := regexp.Compile(r.Match.LabelPattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.match.label_pattern: %w", where, err))
			}
			cr.label = re
		}
		if r.enabled() {
			out = append(out, cr)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (r compiledRule) matches(step *model.Step, mode model.Mode, risk Risk) bool {
	op := step.Operation
	m := r.Match
	if len(m.Kinds) > 0 && !slices.Contains(m.Kinds, op.Kind) {
		return false
	}
	if len(m.Actions) > 0 && !slices.Contains(m.Actions, op.Action()) {
		return false
	}
	if len(m.ResourceTypes) > 0 {
		typ, _ := op.Target()
		if !slices.Contains(m.ResourceTypes, typ) {
			return false
		}
	}
	if len(m.Modes) > 0 && !slices.Contains(m.Modes, mode) {
		return false
	}
	if m.MinRisk != "" && riskRank[risk] < riskRank[m.MinRisk] {
		return false
	}
	if r.label != nil && !r.label.MatchString(step.Label) {
		return false
	}
	return true
}

// Check decides whether step needs a checkpoint before it runs.
func (e *Engine) Check(step *model.Step, mode model.Mode, rc RiskContext) Decision {
	risk := rc.Level
	if riskRank[RiskOf(step.Operation)] > riskRank[risk] {
		risk = RiskOf(step.Operation)
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	d, matched := Decision{}, false
	for _, r := range rules {
		if r.matches(step, mode, risk) {
			d = Decision{Required: r.Require, Type: r.Type, Message: r.Message, RuleID: r.ID}
			matched = true
			break
		}
	}
	if !matched {
		d = modeDefault(step.Operation, mode)
	}

	if step.Operation.IsDestructive() {
		if !d.Required || d.Type != model.CheckpointDestructive {
			d.RuleID = "floor"
		}
		d.Required = true
		d.Type = model.CheckpointDestructive
	}
	if !d.Required {
		return Decision{RuleID: d.RuleID}
	}
	if d.Type == "" {
		d.Type = model.CheckpointConfirm
	}
	if d.Message == "" {
		d.Message = defaultMessage(step, d.Type)
	}
	for _, reason := range rc.Reasons {
		d.Message += " (" + reason + ")"
	}
	return d
}

func modeDefault(op model.Operation, mode model.Mode) Decision {
	switch mode {
	case model.ModeManual:
		return Decision{Required: true, RuleID: "mode"}
	case model.ModeAutomatic:
		return Decision{RuleID: "mode"}
	default:
		return Decision{Required: op.IsMutation(), RuleID: "mode"}
	}
}

func defaultMessage(step *model.Step, t model.CheckpointType) string {
	label := step.Label
	if label == "" {
		label = step.Operation.String()
	}
	if t == model.CheckpointDestructive {
		return fmt.Sprintf("About to %s. This cannot be undone outside a rollback. Continue?", label)
	}
	return fmt.Sprintf("Confirm step: %s", label)
}
