// Package agent drives sessions through plan, gather, act and verify
// cycles and routes human input to the loop that owns each session.
package agent

import (
	"log/slog"
	"time"

	"github.com/msageha/agentloop/internal/checkpoint"
	"github.com/msageha/agentloop/internal/collab"
	"github.com/msageha/agentloop/internal/contextmgr"
	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/executor"
	"github.com/msageha/agentloop/internal/metrics"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
	"github.com/msageha/agentloop/internal/plan"
	"github.com/msageha/agentloop/internal/resource"
	"github.com/msageha/agentloop/internal/snapshot"
	"github.com/msageha/agentloop/internal/store"
)

// Deps are the services every session loop shares. They are constructed
// once and injected; none of them keeps process-wide state of its own.
type Deps struct {
	Config    model.Config
	Store     *store.Store
	Resources resource.System
	Bus       *events.Bus
	Oracle    oracle.Oracle
	Planner   *plan.Planner
	Executor  *executor.Executor
	Snapshots *snapshot.Manager
	Rules     *checkpoint.Engine
	Queue     *checkpoint.Queue
	Tracker   *collab.Tracker
	Control   *collab.Control
	Verifier  *Verifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Counter overrides token counting for context layers.
	Counter contextmgr.Counter
}

// NewDeps wires the services for cfg. The checkpoint rule engine starts
// empty; callers load the rules file into Rules.
func NewDeps(cfg model.Config, st *store.Store, res resource.System, bus *events.Bus, o oracle.Oracle, mt *metrics.Metrics, logger *slog.Logger) *Deps {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	snaps := snapshot.NewManager(st, res, cfg.Snapshot,
		snapshot.WithMetrics(mt), snapshot.WithLogger(logger.With("component", "snapshot")))
	queue := checkpoint.NewQueue(st, bus, time.Duration(cfg.Checkpoint.TimeoutSec)*time.Second,
		checkpoint.WithMetrics(mt), checkpoint.WithLogger(logger.With("component", "checkpoint")))
	collabLog := logger.With("component", "collab")
	return &Deps{
		Config:    cfg,
		Store:     st,
		Resources: res,
		Bus:       bus,
		Oracle:    o,
		Planner:   plan.NewPlanner(o, logger.With("component", "planner")),
		Executor: executor.New(res, st, snaps, bus,
			executor.WithMetrics(mt), executor.WithLogger(logger.With("component", "executor"))),
		Snapshots: snaps,
		Rules:     checkpoint.NewEngine(),
		Queue:     queue,
		Tracker:   collab.NewTracker(st, collabLog),
		Control: collab.NewControl(queue, collab.NewReconciler(collabLog), collab.NewDetector(cfg.Deviation), bus,
			collab.WithMetrics(mt), collab.WithLogger(collabLog)),
		Verifier: NewVerifier(o, res, logger.With("component", "verifier")),
		Metrics:  mt,
		Logger:   logger,
	}
}
