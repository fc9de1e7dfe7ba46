// Package contextmgr tracks the size of a session's accumulated context
// against the model limit and compacts it through the oracle.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tmc/langchaingo/llms"

	"github.com/msageha/agentloop/internal/events"
	"github.com/msageha/agentloop/internal/metrics"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/oracle"
)

// Counter returns the token-equivalent size of text.
type Counter func(text string) int

// SnapshotFunc records the context state about to be replaced and returns
// the snapshot id.
type SnapshotFunc func(ctx context.Context, before *model.ContextState) (string, error)

type Usage struct {
	PerLayer map[model.ContextLayer]int `json:"per_layer"`
	Total    int                        `json:"total"`
	Limit    int                        `json:"limit"`
	Ratio    float64                    `json:"ratio"`
}

type CompactResult struct {
	SnapshotID   string `json:"snapshot_id,omitempty"`
	BeforeTokens int    `json:"before_tokens"`
	AfterTokens  int    `json:"after_tokens"`
	// Skipped is set when there was nothing to summarise.
	Skipped bool `json:"skipped,omitempty"`
}

// Manager holds the four context layers of one session. The owning loop is
// the only writer; readers may call Usage and Export concurrently.
type Manager struct {
	sessionID  string
	goal       string
	oracle     oracle.Oracle
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	count      Counter
	limit      int
	warnRatio  float64
	keepRecent int

	mu          sync.Mutex
	layers      map[model.ContextLayer][]string
	tokens      map[model.ContextLayer]int
	compactions int
	warned      bool
}

type Option func(*Manager)

func WithCounter(c Counter) Option { return func(m *Manager) { m.count = c } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func New(sessionID, goal string, cfg model.ContextConfig, o oracle.Oracle, bus *events.Bus, opts ...Option) *Manager {
	m := &Manager{
		sessionID:  sessionID,
		goal:       goal,
		oracle:     o,
		bus:        bus,
		logger:     slog.Default(),
		limit:      cfg.MaxTokens,
		warnRatio:  cfg.WarningRatio,
		keepRecent: cfg.KeepRecent,
		layers:     make(map[model.ContextLayer][]string),
		tokens:     make(map[model.ContextLayer]int),
	}
	modelName := cfg.Model
	m.count = func(text string) int { return llms.CountTokens(modelName, text) }
	if m.limit <= 0 {
		m.limit = llms.GetModelContextSize(modelName)
	}
	if m.warnRatio <= 0 || m.warnRatio >= 1 {
		m.warnRatio = 0.8
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetGoal updates the goal used as the summary heading after a redirect.
func (m *Manager) SetGoal(goal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goal = goal
}

// Set replaces the content of a layer.
func (m *Manager) Set(layer model.ContextLayer, entries ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[layer] = slices.Clone(entries)
	m.tokens[layer] = m.sum(entries)
	m.checkThreshold()
}

// Append adds one entry to a layer.
func (m *Manager) Append(layer model.ContextLayer, entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[layer] = append(m.layers[layer], entry)
	m.tokens[layer] += m.count(entry)
	m.checkThreshold()
}

func (m *Manager) sum(entries []string) int {
	n := 0
	for _, e := range entries {
		n += m.count(e)
	}
	return n
}

// checkThreshold publishes CONTEXT_THRESHOLD once per crossing. Caller holds m.mu.
func (m *Manager) checkThreshold() {
	u := m.usageLocked()
	if u.Ratio < m.warnRatio {
		m.warned = false
		return
	}
	if m.warned {
		return
	}
	m.warned = true
	m.logger.Info("context threshold crossed", "session", m.sessionID, "tokens", u.Total, "limit", u.Limit)
	m.bus.Publish(m.sessionID, events.ContextThreshold, map[string]any{
		"tokens": u.Total,
		"limit":  u.Limit,
		"ratio":  u.Ratio,
	})
}

func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Manager) usageLocked() Usage {
	u := Usage{PerLayer: make(map[model.ContextLayer]int, len(model.ContextLayers)), Limit: m.limit}
	for _, l := range model.ContextLayers {
		u.PerLayer[l] = m.tokens[l]
		u.Total += m.tokens[l]
	}
	if m.limit > 0 {
		u.Ratio = float64(u.Total) / float64(m.limit)
	}
	return u
}

// NeedsCompaction reports whether usage is at or above the warning ratio.
func (m *Manager) NeedsCompaction() bool {
	return m.Usage().Ratio >= m.warnRatio
}

// Lines flattens every layer in system, session, working, instant order.
func (m *Manager) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range model.ContextLayers {
		out = append(out, m.layers[l]...)
	}
	return out
}

// Compact summarises the session layer and all but the most recent working
// entries, then replaces them with the summary. snap is called first so a
// bad summary can be rolled back. On error the layers are left untouched.
// Callers must not compact while a step is executing.
func (m *Manager) Compact(ctx context.Context, snap SnapshotFunc) (*CompactResult, error) {
	m.mu.Lock()
	session := slices.Clone(m.layers[model.LayerSession])
	working := slices.Clone(m.layers[model.LayerWorking])
	goal := m.goal
	before := m.usageLocked().Total
	m.mu.Unlock()

	keep := min(m.keepRecent, len(working))
	older := working[:len(working)-keep]
	sections := append(session, older...)
	if len(sections) == 0 {
		return &CompactResult{BeforeTokens: before, AfterTokens: before, Skipped: true}, nil
	}

	res := &CompactResult{BeforeTokens: before}
	if snap != nil {
		id, err := snap(ctx, m.Export())
		if err != nil {
			return nil, fmt.Errorf("compaction snapshot: %w", err)
		}
		res.SnapshotID = id
	}
	summary, err := m.oracle.Summarize(ctx, oracle.SummarizeRequest{
		Goal:      goal,
		Sections:  sections,
		MaxTokens: m.limit / 4,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize context: %w", err)
	}

	m.mu.Lock()
	m.layers[model.LayerSession] = []string{summary}
	m.tokens[model.LayerSession] = m.count(summary)
	recent := slices.Clone(working[len(working)-keep:])
	// entries appended while the oracle was summarising are kept
	if cur := m.layers[model.LayerWorking]; len(cur) > len(working) {
		recent = append(recent, cur[len(working):]...)
	}
	m.layers[model.LayerWorking] = recent
	m.tokens[model.LayerWorking] = m.sum(recent)
	m.compactions++
	res.AfterTokens = m.usageLocked().Total
	n := m.compactions
	m.checkThreshold()
	m.mu.Unlock()

	m.metrics.Compacted()
	m.bus.Publish(m.sessionID, events.ContextCompacted, map[string]any{
		"snapshot_id":   res.SnapshotID,
		"before_tokens": res.BeforeTokens,
		"after_tokens":  res.AfterTokens,
		"compactions":   n,
	})
	m.logger.Info("context compacted", "session", m.sessionID, "before", res.BeforeTokens, "after", res.AfterTokens, "snapshot", res.SnapshotID)
	return res, nil
}

// Export copies the layer contents for a snapshot.
func (m *Manager) Export() *model.ContextState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &model.ContextState{Layers: make(map[model.ContextLayer][]string), Compactions: m.compactions}
	for l, entries := range m.layers {
		if len(entries) > 0 {
			st.Layers[l] = slices.Clone(entries)
		}
	}
	return st
}

// Import replaces every layer with a previously exported state.
func (m *Manager) Import(st *model.ContextState) {
	if st == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = make(map[model.ContextLayer][]string)
	m.tokens = make(map[model.ContextLayer]int)
	for l, entries := range st.Layers {
		m.layers[l] = slices.Clone(entries)
		m.tokens[l] = m.sum(entries)
	}
	m.compactions = st.Compactions
	m.warned = m.usageLocked().Ratio >= m.warnRatio
}
