package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/agentloop/internal/agent"
	"github.com/msageha/agentloop/internal/checkpoint"
	"github.com/msageha/agentloop/internal/collab"
	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/executor"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/store"
	"github.com/msageha/agentloop/internal/uds"
)

// Request parameters of the control protocol. The CLI sends these.
type (
	StartParams struct {
		Goal string     `json:"goal"`
		Mode model.Mode `json:"mode,omitempty"`
	}
	SessionParams struct {
		SessionID string `json:"session_id"`
	}
	RedirectParams struct {
		SessionID string `json:"session_id"`
		Goal      string `json:"goal"`
	}
	RecoverParams struct {
		SessionID string               `json:"session_id"`
		Option    model.RecoveryOption `json:"option"`
		Params    map[string]any       `json:"params,omitempty"`
	}
	RespondParams struct {
		CheckpointID string               `json:"checkpoint_id"`
		Option       model.ResponseOption `json:"option"`
		Params       map[string]any       `json:"params,omitempty"`
		Reason       string               `json:"reason,omitempty"`
	}
	ControlParams struct {
		SessionID string `json:"session_id"`
		Reason    string `json:"reason,omitempty"`
	}
	RestoreParams struct {
		SessionID  string `json:"session_id"`
		SnapshotID string `json:"snapshot_id"`
	}
	EventsParams struct {
		SessionID string `json:"session_id"`
		AfterSeq  int64  `json:"after_seq,omitempty"`
	}
)

// ActionResult answers action.record. Recorded is false when the action was
// dropped because the agent holds control or the agent raised it.
type ActionResult struct {
	Action   *model.TrackedAction `json:"action,omitempty"`
	Recorded bool                 `json:"recorded"`
}

// RulesResult answers rules.reload.
type RulesResult struct {
	Rules    int    `json:"rules"`
	Checksum string `json:"checksum"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "sessions": d.sessions.Running()})
	})
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Info("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdStart, handle(func(ctx context.Context, p StartParams) (any, error) {
		return d.sessions.Start(ctx, agent.StartRequest{Goal: p.Goal, Mode: p.Mode})
	}))
	d.server.Handle(uds.CmdStatus, handle(func(ctx context.Context, p SessionParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		return d.sessions.Get(ctx, p.SessionID)
	}))
	d.server.Handle(uds.CmdList, handle(func(ctx context.Context, _ struct{}) (any, error) {
		return d.sessions.List(ctx)
	}))
	d.server.Handle(uds.CmdStop, handle(func(ctx context.Context, p SessionParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		if err := d.sessions.Stop(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return d.sessions.Get(ctx, p.SessionID)
	}))
	d.server.Handle(uds.CmdResume, handle(func(ctx context.Context, p SessionParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		return d.sessions.Resume(ctx, p.SessionID)
	}))
	d.server.Handle(uds.CmdRedirect, handle(func(ctx context.Context, p RedirectParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		return nil, d.sessions.Redirect(ctx, p.SessionID, p.Goal)
	}))
	d.server.Handle(uds.CmdContinue, handle(func(ctx context.Context, p SessionParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		return nil, d.sessions.Continue(ctx, p.SessionID)
	}))
	d.server.Handle(uds.CmdRecover, handle(func(ctx context.Context, p RecoverParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		if err := required("option", string(p.Option)); err != nil {
			return nil, err
		}
		return nil, d.sessions.Recover(ctx, p.SessionID, p.Option, p.Params)
	}))
	d.server.Handle(uds.CmdRespond, handle(func(ctx context.Context, p RespondParams) (any, error) {
		if err := requireID("checkpoint_id", p.CheckpointID, model.IDTypeCheckpoint); err != nil {
			return nil, err
		}
		return d.sessions.Respond(ctx, p.CheckpointID, model.CheckpointResponse{
			Option: p.Option,
			Params: p.Params,
			Reason: p.Reason,
		})
	}))
	d.server.Handle(uds.CmdTakeover, handle(func(ctx context.Context, p ControlParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		return d.sessions.Takeover(ctx, p.SessionID, p.Reason)
	}))
	d.server.Handle(uds.CmdHandback, handle(func(ctx context.Context, p ControlParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		return d.sessions.Handback(ctx, p.SessionID, p.Reason)
	}))
	d.server.Handle(uds.CmdAction, handle(func(ctx context.Context, a model.TrackedAction) (any, error) {
		if err := requireID("session_id", a.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		rec, ok, err := d.sessions.RecordAction(ctx, a)
		if err != nil {
			return nil, err
		}
		return ActionResult{Action: rec, Recorded: ok}, nil
	}))
	d.server.Handle(uds.CmdSnapshots, handle(func(ctx context.Context, p SessionParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		return d.sessions.Snapshots(ctx, p.SessionID)
	}))
	d.server.Handle(uds.CmdRestore, handle(func(ctx context.Context, p RestoreParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		if err := requireID("snapshot_id", p.SnapshotID, model.IDTypeSnapshot); err != nil {
			return nil, err
		}
		return d.sessions.Restore(ctx, p.SessionID, p.SnapshotID)
	}))
	d.server.Handle(uds.CmdEvents, handle(func(ctx context.Context, p EventsParams) (any, error) {
		if err := requireID("session_id", p.SessionID, model.IDTypeSession); err != nil {
			return nil, err
		}
		var out []events.Event
		if _, err := d.bus.Replay(ctx, p.SessionID, p.AfterSeq, func(e events.Event) { out = append(out, e) }); err != nil {
			return nil, err
		}
		return out, nil
	}))
	d.server.Handle(uds.CmdRules, handle(func(context.Context, struct{}) (any, error) {
		if err := d.reloadRules(); err != nil {
			return nil, validationError{err}
		}
		return RulesResult{Rules: len(d.deps.Rules.Rules()), Checksum: d.deps.Rules.Checksum()}, nil
	}))
}

// handle adapts a typed handler to the wire: params are decoded into P and
// errors are mapped to protocol error codes.
func handle[P any](fn func(ctx context.Context, p P) (any, error)) uds.HandlerFunc {
	return func(ctx context.Context, req *uds.Request) *uds.Response {
		var p P
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		out, err := fn(ctx, p)
		if err != nil {
			return uds.ErrorResponse(errorCode(err), err.Error())
		}
		return uds.SuccessResponse(out)
	}
}

type validationError struct{ error }

func (e validationError) Unwrap() error { return e.error }

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return validationError{errors.New(field + " is required")}
	}
	return nil
}

// requireID rejects a missing or malformed identifier before any lookup.
func requireID(field, v string, want model.IDType) error {
	if err := required(field, v); err != nil {
		return err
	}
	if err := model.CheckID(v, want); err != nil {
		return validationError{fmt.Errorf("%s: %w", field, err)}
	}
	return nil
}

func errorCode(err error) string {
	var ve validationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, agent.ErrEmptyGoal),
		errors.Is(err, agent.ErrBadRecovery),
		errors.Is(err, checkpoint.ErrBadResponse):
		return uds.ErrCodeValidation
	case errors.Is(err, agent.ErrUnknownSession),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, agent.ErrForeignSnapshot):
		return uds.ErrCodeNotFound
	case errors.Is(err, agent.ErrSessionNotActive):
		return uds.ErrCodeNotRunning
	case errors.Is(err, agent.ErrTooManySessions):
		return uds.ErrCodeLimit
	case errors.Is(err, agent.ErrStepRunning),
		errors.Is(err, agent.ErrNothingToRecover),
		errors.Is(err, checkpoint.ErrAlreadyOpen),
		errors.Is(err, checkpoint.ErrResolved),
		errors.Is(err, collab.ErrBlockingDeviation),
		errors.Is(err, collab.ErrAlreadyHolding),
		errors.Is(err, executor.ErrHumanInControl):
		return uds.ErrCodeConflict
	}
	return uds.ErrCodeInternal
}
