package daemon

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentloop/internal/agent"
	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
	"github.com/msageha/agentloop/internal/resource"
	"github.com/msageha/agentloop/internal/uds"
)

// dataDir lives under /tmp so the socket path stays short.
func dataDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "al-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig(dir string, mode model.Mode) model.Config {
	return model.Config{
		Session:    model.SessionConfig{DefaultMode: mode},
		Checkpoint: model.CheckpointConfig{RulesFile: filepath.Join(dir, "checkpoint_rules.yaml")},
		Context:    model.ContextConfig{Model: "gpt-4o", MaxTokens: 100000},
		Retry:      model.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 5},
		Store:      model.StoreConfig{Path: filepath.Join(dir, "agentloop.db")},
		Events:     model.EventsConfig{AuditLog: filepath.Join(dir, "logs", "events.jsonl")},
		Daemon:     model.DaemonConfig{ScanIntervalSec: 1, ShutdownTimeoutSec: 5},
		Logging:    model.LoggingConfig{Level: "debug"},
	}
}

func createPlan() oracle.PlanResponse {
	return oracle.PlanResponse{Steps: []oracle.ProposedStep{
		{Key: "open", Label: "Open tasks", Operation: model.NewAccess(model.AccessOp{Action: model.AccessNavigate, URL: "/tasks"})},
		{Key: "create", Label: "Create task", DependsOn: []string{"open"}, Required: true,
			Operation: model.NewState(model.StateOp{Action: model.StateCreate, ResourceType: "task", Data: map[string]any{"title": "Write report"}})},
	}}
}

func startDaemon(t *testing.T, dir string, cfg model.Config, opts ...Option) (*Daemon, *uds.Client) {
	t.Helper()
	d, err := newDaemon(dir, cfg, io.Discard, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)

	c := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	c.SetTimeout(5 * time.Second)
	return d, c
}

// status is polled from Eventually callbacks, so it reports failure as nil
// instead of failing the test from another goroutine.
func status(c *uds.Client, id string) *agent.Status {
	var st agent.Status
	if err := c.Call(uds.CmdStatus, SessionParams{SessionID: id}, &st); err != nil || st.Session == nil {
		return nil
	}
	return &st
}

func waitState(t *testing.T, c *uds.Client, id string, want model.LoopState) *agent.Status {
	t.Helper()
	var st *agent.Status
	require.Eventually(t, func() bool {
		st = status(c, id)
		return st != nil && st.Session.LoopState == want
	}, 5*time.Second, 20*time.Millisecond, "session %s never reached %s", id, want)
	return st
}

func code(err error) string {
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		return detail.Code
	}
	return ""
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.input))
		})
	}
}

func TestShutdownBeforeStartIsIdempotent(t *testing.T) {
	d, err := newDaemon(dataDir(t), model.Config{}, io.Discard, nil)
	require.NoError(t, err)
	d.Shutdown()
	d.Shutdown()
}

func TestNew_CreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, model.Config{})
	require.NoError(t, err)
	d.logger.Info("hello")
	require.NoError(t, d.logFile.Close())

	data, err := os.ReadFile(filepath.Join(dir, "logs", "daemon.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
}

func TestDaemon_SessionOverSocket(t *testing.T) {
	dir := dataDir(t)
	cfg := testConfig(dir, model.ModeAutomatic)
	cfg.Metrics.Listen = "127.0.0.1:0"
	d, c := startDaemon(t, dir, cfg, WithOracle(oracle.NewScripted(createPlan())))

	var ping map[string]any
	require.NoError(t, c.Call(uds.CmdPing, nil, &ping))
	assert.Equal(t, "ok", ping["status"])

	var sess model.Session
	require.NoError(t, c.Call(uds.CmdStart, StartParams{Goal: "file the weekly report"}, &sess))
	assert.Equal(t, model.ModeAutomatic, sess.Mode)

	st := waitState(t, c, sess.ID, model.LoopCompleted)
	require.NotNil(t, st.Plan)
	assert.Equal(t, model.PlanCompleted, st.Plan.Status)

	var list []*model.Session
	require.NoError(t, c.Call(uds.CmdList, nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)

	var evs []events.Event
	require.NoError(t, c.Call(uds.CmdEvents, EventsParams{SessionID: sess.ID}, &evs))
	require.NotEmpty(t, evs)
	types := make([]events.EventType, 0, len(evs))
	for i, e := range evs {
		assert.Equal(t, int64(i+1), e.Seq)
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.AgentStarted)
	assert.Contains(t, types, events.AgentCompleted)

	var tail []events.Event
	require.NoError(t, c.Call(uds.CmdEvents, EventsParams{SessionID: sess.ID, AfterSeq: evs[len(evs)-2].Seq}, &tail))
	assert.Len(t, tail, 1)

	var snaps []*model.Snapshot
	require.NoError(t, c.Call(uds.CmdSnapshots, SessionParams{SessionID: sess.ID}, &snaps))
	assert.NotEmpty(t, snaps)

	resp, err := http.Get("http://" + d.httpAddr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "agentloop_events_published_total")

	d.Shutdown()
	total, valid, err := events.VerifyLogIntegrity(cfg.Events.AuditLog)
	require.NoError(t, err)
	assert.Equal(t, len(evs), total)
	assert.Equal(t, total, valid)
}

func TestDaemon_ErrorCodes(t *testing.T) {
	dir := dataDir(t)
	_, c := startDaemon(t, dir, testConfig(dir, model.ModeAutomatic), WithOracle(oracle.NewScripted(createPlan())))

	tests := []struct {
		name   string
		cmd    string
		params any
		want   string
	}{
		{"empty goal", uds.CmdStart, StartParams{Goal: "  "}, uds.ErrCodeValidation},
		{"missing session id", uds.CmdStatus, SessionParams{}, uds.ErrCodeValidation},
		{"malformed session id", uds.CmdStatus, SessionParams{SessionID: "session_1"}, uds.ErrCodeValidation},
		{"snapshot id as session id", uds.CmdStop, SessionParams{SessionID: "snap_0000000000_00000000"}, uds.ErrCodeValidation},
		{"unknown session", uds.CmdStatus, SessionParams{SessionID: "sess_0000000000_00000000"}, uds.ErrCodeNotFound},
		{"not running", uds.CmdTakeover, ControlParams{SessionID: "sess_0000000000_00000000"}, uds.ErrCodeNotRunning},
		{"unknown checkpoint", uds.CmdRespond, RespondParams{CheckpointID: "ckpt_0000000000_00000000", Option: model.RespondApprove}, uds.ErrCodeNotFound},
		{"malformed params", uds.CmdStart, []string{"x"}, uds.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Call(tt.cmd, tt.params, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, code(err), err.Error())
		})
	}
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	dir := dataDir(t)
	cfg := testConfig(dir, model.ModeAutomatic)
	startDaemon(t, dir, cfg, WithOracle(oracle.NewScripted(createPlan())))

	other, err := newDaemon(dir, cfg, io.Discard, nil, WithOracle(oracle.NewScripted(createPlan())))
	require.NoError(t, err)
	err = other.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_ReloadsRulesOnChange(t *testing.T) {
	dir := dataDir(t)
	cfg := testConfig(dir, model.ModeAutomatic)
	rules := cfg.Checkpoint.RulesFile
	require.NoError(t, os.WriteFile(rules, []byte(`schema_version: 1
rules:
  - id: confirm-creates
    priority: 10
    match: {kinds: [state], actions: [create]}
    require: true
`), 0644))
	d, c := startDaemon(t, dir, cfg, WithOracle(oracle.NewScripted(createPlan())))
	first := d.deps.Rules.Checksum()
	require.Len(t, d.deps.Rules.Rules(), 1)

	require.NoError(t, os.WriteFile(rules, []byte(`schema_version: 1
rules:
  - id: confirm-creates
    priority: 10
    match: {kinds: [state], actions: [create]}
    require: true
  - id: review-updates
    priority: 20
    match: {kinds: [state], actions: [update]}
    require: true
    type: review
`), 0644))
	require.Eventually(t, func() bool {
		return d.deps.Rules.Checksum() != first && len(d.deps.Rules.Rules()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// a file caught between truncate and write is not a rule set
	require.NoError(t, os.WriteFile(rules, nil, 0644))
	time.Sleep(3 * rulesDebounce)
	assert.Len(t, d.deps.Rules.Rules(), 2)
	assert.NotEqual(t, first, d.deps.Rules.Checksum())

	// a broken file leaves the loaded rules in force
	require.NoError(t, os.WriteFile(rules, []byte("rules: [\n"), 0644))
	err := c.Call(uds.CmdRules, nil, nil)
	assert.Equal(t, uds.ErrCodeValidation, code(err))
	assert.Len(t, d.deps.Rules.Rules(), 2)
}

func TestDaemon_RestartResumesWaitingSession(t *testing.T) {
	dir := dataDir(t)
	cfg := testConfig(dir, model.ModeSupervised)
	res := resource.NewMemory()
	o := oracle.NewScripted(createPlan())

	d1, c1 := startDaemon(t, dir, cfg, WithOracle(o), WithResources(res))
	var sess model.Session
	require.NoError(t, c1.Call(uds.CmdStart, StartParams{Goal: "create a task"}, &sess))
	st := waitState(t, c1, sess.ID, model.LoopWaiting)
	require.NotNil(t, st.Checkpoint)
	firstCP := st.Checkpoint.ID
	d1.Shutdown()

	_, c2 := startDaemon(t, dir, cfg, WithOracle(o), WithResources(res))
	var cp *model.PendingCheckpoint
	require.Eventually(t, func() bool {
		st := status(c2, sess.ID)
		if st == nil {
			return false
		}
		cp = st.Checkpoint
		return st.Running && cp != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, firstCP, cp.ID)

	var resolved model.PendingCheckpoint
	require.NoError(t, c2.Call(uds.CmdRespond, RespondParams{CheckpointID: cp.ID, Option: model.RespondApprove}, &resolved))
	assert.Equal(t, model.CheckpointApproved, resolved.Status)

	waitState(t, c2, sess.ID, model.LoopCompleted)
	_, err := res.Get(t.Context(), "task", "task-1")
	assert.NoError(t, err)
}
