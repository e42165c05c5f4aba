// Package executor implements WorkflowExecutor: wave computation over a
// workflow.Graph, concurrent per-wave task execution with retry and HITL
// gating, and synthesis-ready TaskResults.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/basket/orchestra/internal/agentpool"
	"github.com/basket/orchestra/internal/bus"
	"github.com/basket/orchestra/internal/coordination"
	"github.com/basket/orchestra/internal/events"
	"github.com/basket/orchestra/internal/filelock"
	"github.com/basket/orchestra/internal/policy"
	"github.com/basket/orchestra/internal/shared"
	"github.com/basket/orchestra/internal/workflow"
)

const defaultMaxConcurrentTasks = 16

// TaskResult is the outcome of one attempted task, produced exactly once
// per task within a workflow run.
type TaskResult struct {
	TaskID          string
	Success         bool
	Output          string
	Error           string
	ToolExecutions  []agentpool.ToolExecution
	AgentID         string
	TaskDescription string
	CompletedAt     time.Time
}

// TaskMetrics records per-task execution accounting for observability.
type TaskMetrics struct {
	TaskID     string
	Attempts   int
	DurationMs int64
}

// ExecutionStats summarizes one Execute call.
type ExecutionStats struct {
	TotalTasks     int
	SucceededTasks int
	FailedTasks    int
	Waves          int
	TaskMetrics    []TaskMetrics
}

// RiskAssessor classifies an agent's output into a risk level consulted by
// the HITL gate. The default heuristic trusts the agent's self-reported
// RiskLevel and falls back to "low".
type RiskAssessor interface {
	Assess(actx agentpool.AgentContext, result agentpool.AgentResult) string
}

type defaultRiskAssessor struct{}

func (defaultRiskAssessor) Assess(_ agentpool.AgentContext, result agentpool.AgentResult) string {
	if result.RiskLevel == "" {
		return "low"
	}
	return result.RiskLevel
}

// ContextResolver supplies RAG+history context for a task under a token
// budget; nil disables context injection. Kept as a narrow interface so
// this package does not need to import internal/context directly.
type ContextResolver interface {
	Resolve(ctx context.Context, actx agentpool.AgentContext) (string, error)
}

// HistoryRecorder optionally persists a completed exchange.
type HistoryRecorder interface {
	Record(ctx context.Context, conversationID, taskID, output string)
}

// Config wires the executor's collaborators.
type Config struct {
	Pool                *agentpool.Pool
	Coordination        *coordination.Manager
	Locks               *filelock.Manager
	Bus                 *bus.Bus
	Audit               agentpool.AuditLogger
	RiskAssessor        RiskAssessor
	Context             ContextResolver
	History             HistoryRecorder
	HITLPolicy          func() policy.Policy
	MaxConcurrentTasks  int
	MaxRetries          int
	TaskTimeout         time.Duration
	LockTimeout         time.Duration
}

type Executor struct {
	cfg Config
}

func New(cfg Config) *Executor {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.RiskAssessor == nil {
		cfg.RiskAssessor = defaultRiskAssessor{}
	}
	return &Executor{cfg: cfg}
}

// Execute walks the graph wave by wave and returns every TaskResult in
// topological order.
func (e *Executor) Execute(ctx context.Context, graph *workflow.Graph, conversationID string, scope shared.ProjectScope, sink events.Sink) ([]TaskResult, ExecutionStats, error) {
	waves, err := computeWaves(graph, e.cfg.MaxConcurrentTasks)
	if err != nil {
		return nil, ExecutionStats{}, err
	}

	if sink != nil {
		sink.Send(events.OrchestratorSource(), events.ExecutionPlanReady(buildPlan(graph, waves)))
	}

	results := make(map[string]TaskResult, len(graph.Nodes()))
	stats := ExecutionStats{Waves: len(waves)}

	for waveIndex, wave := range waves {
		if sink != nil {
			sink.Send(events.OrchestratorSource(), events.WaveStarted(waveIndex, len(wave), wave))
		}

		waveResults := e.executeWave(ctx, wave, graph, conversationID, scope, results, sink, &stats)

		success, failure := 0, 0
		for _, id := range wave {
			r := waveResults[id]
			results[id] = r
			if r.Success {
				success++
			} else {
				failure++
			}
		}
		if sink != nil {
			sink.Send(events.OrchestratorSource(), events.WaveCompleted(waveIndex, success, failure))
		}
	}

	ordered := make([]TaskResult, 0, len(graph.Nodes()))
	for _, n := range graph.Nodes() {
		if r, ok := results[n.TaskID]; ok {
			ordered = append(ordered, r)
			stats.TotalTasks++
			if r.Success {
				stats.SucceededTasks++
			} else {
				stats.FailedTasks++
			}
		}
	}
	return ordered, stats, nil
}

func (e *Executor) executeWave(ctx context.Context, wave []string, graph *workflow.Graph, conversationID string, scope shared.ProjectScope, priorResults map[string]TaskResult, sink events.Sink, stats *ExecutionStats) map[string]TaskResult {
	out := make(map[string]TaskResult, len(wave))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, taskID := range wave {
		node, _ := graph.Node(taskID)
		wg.Add(1)
		go func(node workflow.TaskNode) {
			defer wg.Done()
			metrics := TaskMetrics{TaskID: node.TaskID}
			start := time.Now()
			result := e.executeTaskWithRetry(ctx, node, graph, conversationID, scope, priorResults, sink, &metrics)
			metrics.DurationMs = time.Since(start).Milliseconds()

			mu.Lock()
			out[node.TaskID] = result
			stats.TaskMetrics = append(stats.TaskMetrics, metrics)
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	return out
}

// executeTaskWithRetry implements the register/emit/retry-loop pseudocode:
// timeout-bounded attempts, non-retryable strategies short-circuiting after
// one attempt. A retry after the task's own deadline expired waits a fixed
// timeoutRetryBackoff; a retry after any other error waits the capped
// exponential retryBackoff.
func (e *Executor) executeTaskWithRetry(ctx context.Context, node workflow.TaskNode, graph *workflow.Graph, conversationID string, scope shared.ProjectScope, priorResults map[string]TaskResult, sink events.Sink, metrics *TaskMetrics) TaskResult {
	if e.cfg.Coordination != nil {
		_ = e.cfg.Coordination.Register(node.TaskID, node.AgentID)
		_ = e.cfg.Coordination.UpdateStatus(node.TaskID, coordination.Running)
	}
	if sink != nil {
		sink.Send(events.WorkflowSource(node.TaskID, 0), events.TaskNodeStarted())
	}

	maxAttempts := 1
	if node.RecoveryStrategy.Retryable() && node.RecoveryStrategy.MaxAttempts > 0 {
		maxAttempts = node.RecoveryStrategy.MaxAttempts
	}

	var lastErr string
	var result TaskResult
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		metrics.Attempts = attempt

		taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
		r, err := e.executeSingleTask(taskCtx, node, graph, conversationID, scope, priorResults, sink)
		cancel()

		if err == nil {
			result = r
			break
		}
		lastErr = err.Error()
		result = TaskResult{TaskID: node.TaskID, Success: false, Error: lastErr, AgentID: node.AgentID, TaskDescription: node.Description, CompletedAt: time.Now().UTC()}

		if attempt >= maxAttempts || !node.RecoveryStrategy.Retryable() {
			break
		}
		var backoff time.Duration
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			backoff = timeoutRetryBackoff
		} else {
			backoff = retryBackoff(attempt)
		}
		if sink != nil {
			sink.Send(events.WorkflowSource(node.TaskID, 0), events.AgentThinking(fmt.Sprintf("retrying after error: %s", lastErr)))
		}
		select {
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			break attempts
		case <-time.After(backoff):
		}
	}

	if e.cfg.Coordination != nil {
		if result.Success {
			_ = e.cfg.Coordination.UpdateStatus(node.TaskID, coordination.Completed)
		} else {
			_ = e.cfg.Coordination.UpdateStatus(node.TaskID, coordination.Failed)
		}
	}
	if sink != nil {
		sink.Send(events.WorkflowSource(node.TaskID, 0), events.TaskNodeCompleted(result.Success, result.Error))
	}
	return result
}

// timeoutRetryBackoff is the fixed delay before retrying a task that was
// killed by its own deadline, as opposed to the exponential backoff used
// for a generic retryable error.
const timeoutRetryBackoff = 500 * time.Millisecond

// retryBackoff is capped exponential: 100ms * 2^(n-1), ceiling at 5s.
func retryBackoff(attempt int) time.Duration {
	ms := 100 * math.Pow(2, float64(attempt-1))
	if ms > 5000 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

// executeSingleTask resolves the agent, assembles its AgentContext from
// predecessor results, acquires any declared locks, invokes the agent, and
// applies the HITL gate to the result before returning.
func (e *Executor) executeSingleTask(ctx context.Context, node workflow.TaskNode, graph *workflow.Graph, conversationID string, scope shared.ProjectScope, priorResults map[string]TaskResult, sink events.Sink) (TaskResult, error) {
	if e.cfg.Pool == nil {
		return TaskResult{}, fmt.Errorf("no agent pool configured")
	}
	agent, err := e.cfg.Pool.Get(node.AgentID)
	if err != nil {
		return TaskResult{}, err
	}

	var deps []agentpool.DependencyOutput
	for _, predID := range graph.Predecessors(node.TaskID) {
		pr, ok := priorResults[predID]
		if !ok {
			continue
		}
		deps = append(deps, agentpool.DependencyOutput{
			AgentOutput:     pr.Output,
			ToolExecutions:  pr.ToolExecutions,
			AgentID:         pr.AgentID,
			TaskDescription: pr.TaskDescription,
			CompletedAt:     pr.CompletedAt,
		})
	}

	actx := agentpool.AgentContext{
		Description:       node.Description,
		ConversationID:    conversationID,
		TaskID:            node.TaskID,
		ProjectScope:      scope,
		DependencyOutputs: deps,
	}
	if e.cfg.Context != nil {
		if rag, cErr := e.cfg.Context.Resolve(ctx, actx); cErr == nil {
			actx.RAGContext = rag
		}
	}

	var guards []*filelock.Guard
	if e.cfg.Locks != nil {
		for _, path := range node.LockPaths {
			guard, lockErr := e.cfg.Locks.AcquireWrite(path, node.TaskID, e.cfg.LockTimeout)
			if lockErr != nil {
				for _, g := range guards {
					g.Release()
				}
				return TaskResult{}, fmt.Errorf("acquire lock on %q: %w", path, lockErr)
			}
			guards = append(guards, guard)
		}
	}
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()

	if sink != nil {
		sink.Send(events.AgentSource(node.AgentID, "", node.TaskID), events.AgentStarted())
	}

	result, err := agent.Execute(ctx, actx, sink, e.cfg.Audit)
	if err != nil {
		if sink != nil {
			sink.Send(events.AgentSource(node.AgentID, "", node.TaskID), events.AgentFailed(err.Error()))
		}
		return TaskResult{}, err
	}
	if sink != nil {
		sink.Send(events.AgentSource(node.AgentID, "", node.TaskID), events.AgentCompleted())
	}

	output := result.Output
	if e.gateHITL(ctx, node, actx, result, sink) {
		if modified, ok := e.awaitHITLDecision(ctx, node.TaskID, sink); ok {
			output = modified
		}
	}

	if e.cfg.History != nil {
		e.cfg.History.Record(ctx, conversationID, node.TaskID, output)
	}

	return TaskResult{
		TaskID:          node.TaskID,
		Success:         true,
		Output:          output,
		ToolExecutions:  result.ToolExecutions,
		AgentID:         node.AgentID,
		TaskDescription: node.Description,
		CompletedAt:     time.Now().UTC(),
	}, nil
}

// gateHITL decides whether this task's result crosses the configured risk
// threshold and, if so, publishes an HITLRequestedEvent. It returns true
// when a decision must be awaited before the task is considered complete.
func (e *Executor) gateHITL(ctx context.Context, node workflow.TaskNode, actx agentpool.AgentContext, result agentpool.AgentResult, sink events.Sink) bool {
	if e.cfg.HITLPolicy == nil && !node.RequiresHITL {
		return false
	}
	risk := e.cfg.RiskAssessor.Assess(actx, result)

	pol := policy.Default()
	if e.cfg.HITLPolicy != nil {
		pol = e.cfg.HITLPolicy()
	}
	if !node.RequiresHITL && !pol.RiskAtOrAbove(risk) {
		return false
	}

	requestID := node.TaskID + "-hitl"
	if sink != nil {
		sink.Send(events.HitlSource(requestID), events.HitlRequested(requestID, risk))
	}
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(bus.TopicHITLRequested, bus.HITLRequestedEvent{RequestID: requestID, TaskID: node.TaskID, Reason: risk})
	}

	switch pol.HITLMode {
	case policy.HITLBlocking:
		return true
	case policy.HITLSampleBased:
		return sampleHit(requestID, pol.HITLSampleRate)
	default: // Async: logged, never suspends
		return false
	}
}

// awaitHITLDecision blocks on the bus's hitl.decision topic for a matching
// request id until a decision arrives or the context is canceled.
func (e *Executor) awaitHITLDecision(ctx context.Context, taskID string, sink events.Sink) (string, bool) {
	if e.cfg.Bus == nil {
		return "", false
	}
	requestID := taskID + "-hitl"
	sub := e.cfg.Bus.Subscribe(bus.TopicHITLDecision)
	defer e.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return "", false
		case ev, ok := <-sub.Ch():
			if !ok {
				return "", false
			}
			decision, ok := ev.Payload.(bus.HITLDecisionEvent)
			if !ok || decision.RequestID != requestID {
				continue
			}
			if sink != nil {
				sink.Send(events.HitlSource(requestID), events.HitlCompleted(requestID, decision.Approved, decision.Reason))
			}
			if !decision.Approved {
				return "", false
			}
			return decision.ModifiedContent, decision.ModifiedContent != ""
		}
	}
}

// sampleHit deterministically maps a request id into [0,1) so the same
// request always rolls the same way, and compares against the sample rate.
func sampleHit(requestID string, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	h := uint32(0)
	for i := 0; i < len(requestID); i++ {
		h = h*31 + uint32(requestID[i])
	}
	return float64(h%10000)/10000.0 < rate
}

// computeWaves topologically sorts the graph using Kahn's algorithm,
// grouping every unprocessed node whose predecessors are all processed
// into the next wave. A logical wave larger than maxConcurrent is split
// into multiple physical waves of at most maxConcurrent nodes each — wave
// index therefore does not map 1:1 to dependency depth.
func computeWaves(graph *workflow.Graph, maxConcurrent int) ([][]string, error) {
	nodes := graph.Nodes()
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n.TaskID] = len(graph.Predecessors(n.TaskID))
	}

	successors := make(map[string][]string)
	for _, n := range nodes {
		for _, pred := range graph.Predecessors(n.TaskID) {
			successors[pred] = append(successors[pred], n.TaskID)
		}
	}

	processed := make(map[string]bool, len(nodes))
	var waves [][]string

	for len(processed) < len(nodes) {
		var logicalWave []string
		for _, n := range nodes {
			if processed[n.TaskID] {
				continue
			}
			if indegree[n.TaskID] == 0 {
				logicalWave = append(logicalWave, n.TaskID)
			}
		}
		if len(logicalWave) == 0 {
			return nil, fmt.Errorf("cycle detected computing waves")
		}

		for start := 0; start < len(logicalWave); start += maxConcurrent {
			end := start + maxConcurrent
			if end > len(logicalWave) {
				end = len(logicalWave)
			}
			waves = append(waves, logicalWave[start:end])
		}

		for _, id := range logicalWave {
			processed[id] = true
			for _, succ := range successors[id] {
				indegree[succ]--
			}
		}
	}
	return waves, nil
}

// buildPlan renders the graph and its computed waves into the
// ExecutionPlan emitted once before wave 0 starts.
func buildPlan(graph *workflow.Graph, waves [][]string) events.ExecutionPlan {
	plan := events.ExecutionPlan{Waves: make([]events.WaveInfo, 0, len(waves))}
	for i, wave := range waves {
		info := events.WaveInfo{WaveIndex: i, Tasks: make([]events.TaskInfo, 0, len(wave))}
		for _, taskID := range wave {
			node, ok := graph.Node(taskID)
			if !ok {
				continue
			}
			info.Tasks = append(info.Tasks, events.TaskInfo{
				TaskID:       node.TaskID,
				AgentID:      node.AgentID,
				Description:  node.Description,
				Dependencies: graph.Predecessors(node.TaskID),
			})
		}
		plan.Waves = append(plan.Waves, info)
	}
	return plan
}
