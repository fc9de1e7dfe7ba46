// Package collab keeps the human and the agent in step: it records what the
// human does outside the loop, folds those actions back into the plan, grades
// how far the human strayed, and moves control between the two parties.
package collab

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/msageha/agentloop/internal/model"
)

// Attribute names a capture surface may set on an action target.
const (
	AttrResourceType = "data-resource-type"
	AttrResourceID   = "data-resource-id"
)

// maxLabelLen is counted in runes.
const maxLabelLen = 200

// ActionStore persists tracked actions.
type ActionStore interface {
	AppendAction(ctx context.Context, a *model.TrackedAction) error
	ActionsSince(ctx context.Context, sessionID string, since time.Time) ([]*model.TrackedAction, error)
	UpdateActionMatch(ctx context.Context, a *model.TrackedAction) error
}

// Tracker records human actions while the human holds control.
type Tracker struct {
	store  ActionStore
	policy *bluemonday.Policy
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(st ActionStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  st,
		policy: bluemonday.StrictPolicy(),
		logger: logger,
		now:    time.Now,
	}
}

// Record stores a human action. Actions raised by the agent's own UI and
// actions arriving while the agent holds control are dropped; the boolean
// reports whether the action was kept.
func (t *Tracker) Record(ctx context.Context, holder model.Controller, a model.TrackedAction) (*model.TrackedAction, bool, error) {
	if !model.ValidActionKind(a.Kind) {
		return nil, false, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.SessionID == "" {
		return nil, false, fmt.Errorf("action without session")
	}
	if a.Source == model.SourceAgentUI {
		t.logger.Debug("action from agent surface ignored", "session", a.SessionID, "kind", a.Kind)
		return nil, false, nil
	}
	if holder != model.ControllerHuman {
		t.logger.Debug("action outside human control ignored", "session", a.SessionID, "kind", a.Kind)
		return nil, false, nil
	}

	if a.ID == "" {
		a.ID = model.MustGenerateID(model.IDTypeAction)
	}
	if a.Source == "" {
		a.Source = model.SourceHuman
	}
	if a.At.IsZero() {
		a.At = t.now()
	}
	a.MatchedStepID = ""
	a.Target = t.resolveTarget(a.Target)
	a.Value = t.clean(a.Value)

	if err := t.store.AppendAction(ctx, &a); err != nil {
		return nil, false, fmt.Errorf("persist action: %w", err)
	}
	t.logger.Info("human action recorded", "session", a.SessionID, "action", a.ID, "kind", a.Kind,
		"resource_type", a.Target.ResourceType, "resource_id", a.Target.ResourceID)
	return &a, true, nil
}

// Actions returns the actions of a session recorded at or after since.
func (t *Tracker) Actions(ctx context.Context, sessionID string, since time.Time) ([]*model.TrackedAction, error) {
	return t.store.ActionsSince(ctx, sessionID, since)
}

// SaveMatches persists the step attribution of the actions named in
// matched, so a later reconciliation of the same actions does not see them
// as unattributed.
func (t *Tracker) SaveMatches(ctx context.Context, actions []*model.TrackedAction, matched map[string]string) error {
	for _, a := range actions {
		stepID, ok := matched[a.ID]
		if !ok {
			continue
		}
		a.MatchedStepID = stepID
		if err := t.store.UpdateActionMatch(ctx, a); err != nil {
			return fmt.Errorf("persist action match: %w", err)
		}
	}
	return nil
}

// resolveTarget fills in the resource a target refers to. Explicit fields
// win, then element attributes, then a "/<type>/<id>" URL path.
func (t *Tracker) resolveTarget(in model.ActionTarget) model.ActionTarget {
	out := in
	out.Label = t.clean(in.Label)
	if out.ResourceType == "" {
		out.ResourceType = in.Attributes[AttrResourceType]
	}
	if out.ResourceID == "" {
		out.ResourceID = in.Attributes[AttrResourceID]
	}
	if (out.ResourceType == "" || out.ResourceID == "") && in.URL != "" {
		typ, id := targetFromURL(in.URL)
		if out.ResourceType == "" {
			out.ResourceType = typ
		}
		if out.ResourceID == "" && out.ResourceType == typ {
			out.ResourceID = id
		}
	}
	return out
}

// clean strips markup from captured DOM text.
func (t *Tracker) clean(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(t.policy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxLabelLen {
		s = string(r[:maxLabelLen])
	}
	return s
}

func targetFromURL(raw string) (typ, id string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(parts) >= 2 && parts[len(parts)-2] != "":
		return parts[len(parts)-2], parts[len(parts)-1]
	case len(parts) == 1 && parts[0] != "":
		return parts[0], ""
	}
	return "", ""
}

// normalizePath reduces a URL to its path for comparison.
func normalizePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		p = "/"
	}
	return p
}
