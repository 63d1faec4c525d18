// Package subagent implements the Sub-Agent Manager (L5): it spawns
// isolated child turns, tracks their lifecycle and progress, groups them
// under a batch for aggregated reporting, and prunes finished entries so
// a long session's sub-agent table does not grow without bound.
//
// Grounded on internal/tools/subagent/spawn.go's Manager/SubAgent
// (spawn/runSubAgent/completeSubAgent/Get/List/Cancel/ActiveCount), and on
// internal/multiagent/types.go for the richer status and progress
// vocabulary a multi-agent system needs. Extended per spec §4.5 beyond
// the teacher: batch_id grouping for aggregated progress (the
// AgentRunsView-style rollup from original_source), an external-CLI
// family dispatch path alongside the in-process one, a narrow worktree
// isolation contract, capped progress streaming, and a periodic pruning
// sweep.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Status mirrors spec §4.5's sub-agent lifecycle states.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Family selects how a sub-agent's task is actually executed: as an
// in-process child turn sharing this binary's Turn Engine, or dispatched
// to an external CLI family (e.g. a different coding agent binary invoked
// as a subprocess), per spec §4.5's "external-CLI family dispatch".
type Family string

const (
	FamilyInProcess Family = "in_process"
	FamilyExternal  Family = "external_cli"
)

// Progress is one capped update a running sub-agent reports. The Manager
// keeps only the most recent maxProgressEntries (WithMaxProgressEntries,
// default 50) per sub-agent so a chatty
// child can't grow memory unbounded.
type Progress struct {
	At      time.Time
	Message string
}

// SubAgent is one spawned child turn.
type SubAgent struct {
	ID          string
	BatchID     string
	ParentID    string
	Name        string
	Task        string
	Family      Family
	Status      Status
	WorktreeDir string // non-empty only when isolation was requested

	CreatedAt   time.Time
	CompletedAt time.Time
	Result      string
	Error       string

	AllowedTools []string
	DeniedTools  []string

	mu       sync.Mutex
	progress []Progress
	cancel   context.CancelFunc
}

func (sa *SubAgent) appendProgress(msg string, cap int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.progress = append(sa.progress, Progress{At: time.Now(), Message: msg})
	if len(sa.progress) > cap {
		sa.progress = sa.progress[len(sa.progress)-cap:]
	}
}

// Snapshot returns a copy of recent progress entries.
func (sa *SubAgent) Snapshot() []Progress {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	out := make([]Progress, len(sa.progress))
	copy(out, sa.progress)
	return out
}

// TurnRunner executes one sub-agent task to completion. No type in this
// module implements it; the caller of NewManager supplies one, so the
// Sub-Agent Manager has no import-time dependency on the Turn Engine.
type TurnRunner interface {
	RunChildTurn(ctx context.Context, sa *SubAgent, report func(msg string)) (result string, err error)
}

// ExternalRunner dispatches a sub-agent's task to an external CLI family
// instead of running it in-process.
type ExternalRunner interface {
	RunExternal(ctx context.Context, sa *SubAgent, report func(msg string)) (result string, err error)
}

// Manager owns the set of sub-agents spawned by (directly or transitively
// under) one top-level session.
type Manager struct {
	mu          sync.RWMutex
	agents      map[string]*SubAgent
	batches     map[string][]string // batchID -> subagent IDs, insertion order
	runner      TurnRunner
	external    ExternalRunner
	maxActive   int
	activeCount int64

	maxProgressEntries int
	retainAfter        time.Duration // how long a finished entry survives a prune sweep

	sweeper *cron.Cron
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMaxActive caps concurrently running sub-agents.
func WithMaxActive(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithMaxProgressEntries caps how many progress updates are retained per
// sub-agent.
func WithMaxProgressEntries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxProgressEntries = n
		}
	}
}

// WithRetainAfter sets how long a completed/failed/cancelled sub-agent is
// kept before a pruning sweep removes it.
func WithRetainAfter(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retainAfter = d
		}
	}
}

// WithExternalRunner wires an external-CLI dispatch path.
func WithExternalRunner(r ExternalRunner) Option {
	return func(m *Manager) {
		m.external = r
	}
}

// NewManager creates a Manager bound to runner for in-process dispatch.
func NewManager(runner TurnRunner, opts ...Option) *Manager {
	m := &Manager{
		agents:             make(map[string]*SubAgent),
		batches:            make(map[string][]string),
		runner:             runner,
		maxActive:          5,
		maxProgressEntries: 50,
		retainAfter:        10 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartPruneSweep schedules a periodic cron sweep that removes finished
// sub-agents older than retainAfter, in addition to the inline prune that
// Spawn already performs opportunistically. spec is a standard 5-field
// cron expression (e.g. "*/5 * * * *" for every five minutes).
func (m *Manager) StartPruneSweep(spec string) error {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { m.Prune() }); err != nil {
		return fmt.Errorf("subagent: schedule prune sweep: %w", err)
	}
	c.Start()
	m.sweeper = c
	return nil
}

// StopPruneSweep halts the periodic sweep, if one was started.
func (m *Manager) StopPruneSweep() {
	if m.sweeper != nil {
		m.sweeper.Stop()
		m.sweeper = nil
	}
}

// SpawnRequest describes one sub-agent to create.
type SpawnRequest struct {
	ParentID     string
	BatchID      string // groups this spawn with sibling spawns for aggregated reporting
	Name         string
	Task         string
	Family       Family
	Isolate      bool   // request a worktree of its own
	WorktreeBase string // root under which a worktree dir is allocated, required if Isolate
	AllowedTools []string
	DeniedTools  []string
}

// Spawn creates and starts a new sub-agent. It performs an inline prune
// pass first so finished entries older than retainAfter do not pile up;
// maxActive is checked against running sub-agents only.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*SubAgent, error) {
	m.Prune()

	if atomic.LoadInt64(&m.activeCount) >= int64(m.maxActive) {
		return nil, fmt.Errorf("subagent: max active sub-agents reached (%d)", m.maxActive)
	}
	if req.Family == "" {
		req.Family = FamilyInProcess
	}
	if req.Family == FamilyExternal && m.external == nil {
		return nil, fmt.Errorf("subagent: external dispatch requested but no ExternalRunner configured")
	}

	var worktree string
	if req.Isolate {
		var err error
		worktree, err = allocateWorktreeDir(req.WorktreeBase, req.Name)
		if err != nil {
			return nil, fmt.Errorf("subagent: allocate worktree: %w", err)
		}
	}

	sa := &SubAgent{
		ID:           uuid.NewString(),
		BatchID:      req.BatchID,
		ParentID:     req.ParentID,
		Name:         req.Name,
		Task:         req.Task,
		Family:       req.Family,
		Status:       StatusRunning,
		WorktreeDir:  worktree,
		CreatedAt:    time.Now(),
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sa.cancel = cancel

	m.mu.Lock()
	m.agents[sa.ID] = sa
	if req.BatchID != "" {
		m.batches[req.BatchID] = append(m.batches[req.BatchID], sa.ID)
	}
	m.mu.Unlock()

	atomic.AddInt64(&m.activeCount, 1)

	go m.run(runCtx, sa)

	return sa, nil
}

func (m *Manager) run(ctx context.Context, sa *SubAgent) {
	defer atomic.AddInt64(&m.activeCount, -1)

	report := func(msg string) { sa.appendProgress(msg, m.maxProgressEntries) }

	var (
		result string
		err    error
	)
	switch sa.Family {
	case FamilyExternal:
		result, err = m.external.RunExternal(ctx, sa, report)
	default:
		result, err = m.runner.RunChildTurn(ctx, sa, report)
	}

	m.complete(sa.ID, result, err, ctx)
}

func (m *Manager) complete(id, result string, runErr error, ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, ok := m.agents[id]
	if !ok {
		return
	}
	sa.CompletedAt = time.Now()
	switch {
	case ctx.Err() == context.Canceled:
		sa.Status = StatusCancelled
		sa.Error = "cancelled"
	case runErr != nil:
		sa.Status = StatusFailed
		sa.Error = runErr.Error()
	default:
		sa.Status = StatusCompleted
		sa.Result = result
	}
}

// Get returns a sub-agent by ID.
func (m *Manager) Get(id string) (*SubAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sa, ok := m.agents[id]
	return sa, ok
}

// List returns all sub-agents spawned (directly) by parentID.
func (m *Manager) List(parentID string) []*SubAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SubAgent
	for _, sa := range m.agents {
		if sa.ParentID == parentID {
			out = append(out, sa)
		}
	}
	return out
}

// BatchProgress aggregates a batch's member sub-agents into a single
// counts view, the Go equivalent of original_source's AgentRunsView batch
// progress rollup.
type BatchProgress struct {
	BatchID   string
	Total     int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

// Batch returns the aggregated progress for a batch_id.
func (m *Manager) Batch(batchID string) BatchProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bp := BatchProgress{BatchID: batchID}
	for _, id := range m.batches[batchID] {
		sa, ok := m.agents[id]
		if !ok {
			continue
		}
		bp.Total++
		switch sa.Status {
		case StatusRunning:
			bp.Running++
		case StatusCompleted:
			bp.Completed++
		case StatusFailed:
			bp.Failed++
		case StatusCancelled:
			bp.Cancelled++
		}
	}
	return bp
}

// Cancel stops a running sub-agent.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	sa, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("subagent: not found: %s", id)
	}
	if sa.Status != StatusRunning {
		return fmt.Errorf("subagent: not running: %s", sa.Status)
	}
	if sa.cancel != nil {
		sa.cancel()
	}
	return nil
}

// ActiveCount returns the number of currently running sub-agents.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}

// Prune removes finished sub-agents older than retainAfter. Called
// inline by Spawn and, if StartPruneSweep was called, periodically by
// the cron sweep.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.retainAfter)
	removed := 0
	for id, sa := range m.agents {
		if sa.Status == StatusRunning {
			continue
		}
		if sa.CompletedAt.Before(cutoff) {
			delete(m.agents, id)
			removed++
		}
	}
	if removed > 0 {
		for batchID, ids := range m.batches {
			kept := ids[:0]
			for _, id := range ids {
				if _, ok := m.agents[id]; ok {
					kept = append(kept, id)
				}
			}
			if len(kept) == 0 {
				delete(m.batches, batchID)
			} else {
				m.batches[batchID] = kept
			}
		}
	}
	return removed
}
