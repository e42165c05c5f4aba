package executor

import (
	"context"
	"errors"
	"testing"
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

type echoAgent struct{}

func (echoAgent) Execute(ctx context.Context, actx agentpool.AgentContext, sink events.Sink, audit agentpool.AuditLogger) (agentpool.AgentResult, error) {
	return agentpool.AgentResult{Output: "ran:" + actx.Description}, nil
}

type failNTimesAgent struct {
	failures int
	calls    int
}

func (a *failNTimesAgent) Execute(ctx context.Context, actx agentpool.AgentContext, sink events.Sink, audit agentpool.AuditLogger) (agentpool.AgentResult, error) {
	a.calls++
	if a.calls <= a.failures {
		return agentpool.AgentResult{}, errors.New("transient failure")
	}
	return agentpool.AgentResult{Output: "eventually succeeded"}, nil
}

type recordingSink struct {
	events []events.Event
}

func (r *recordingSink) Send(source events.Source, event events.Event) {
	r.events = append(r.events, event)
}

func buildGraph(t *testing.T, pool *agentpool.Pool, nodes []workflow.TaskNode, deps [][2]string) *workflow.Graph {
	t.Helper()
	b := workflow.NewBuilder(pool)
	for _, n := range nodes {
		if err := b.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	for _, d := range deps {
		if err := b.AddDependency(d[0], d[1], workflow.Sequential); err != nil {
			t.Fatalf("add dependency: %v", err)
		}
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestExecute_SingleTaskSucceeds(t *testing.T) {
	pool := agentpool.New()
	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, echoAgent{})
	graph := buildGraph(t, pool, []workflow.TaskNode{{TaskID: "t1", AgentID: "a1", Description: "do thing"}}, nil)

	ex := New(Config{Pool: pool, Coordination: coordination.New()})
	results, stats, err := ex.Execute(context.Background(), graph, "conv1", shared.ProjectScope{}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0].Output != "ran:do thing" {
		t.Fatalf("results = %+v", results)
	}
	if stats.SucceededTasks != 1 || stats.FailedTasks != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestExecute_DependencyOutputFlowsToSuccessor(t *testing.T) {
	pool := agentpool.New()
	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, echoAgent{})

	var captured string
	captureAgent := agentpool.Agent(agentFunc(func(ctx context.Context, actx agentpool.AgentContext, sink events.Sink, audit agentpool.AuditLogger) (agentpool.AgentResult, error) {
		if len(actx.DependencyOutputs) > 0 {
			captured = actx.DependencyOutputs[0].AgentOutput
		}
		return agentpool.AgentResult{Output: "second"}, nil
	}))
	pool.Register(agentpool.AgentDefinition{AgentID: "a2"}, captureAgent)

	graph := buildGraph(t, pool, []workflow.TaskNode{
		{TaskID: "t1", AgentID: "a1", Description: "first"},
		{TaskID: "t2", AgentID: "a2", Description: "second"},
	}, [][2]string{{"t1", "t2"}})

	ex := New(Config{Pool: pool, Coordination: coordination.New()})
	_, _, err := ex.Execute(context.Background(), graph, "conv1", shared.ProjectScope{}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if captured != "ran:first" {
		t.Fatalf("captured dependency output = %q, want ran:first", captured)
	}
}

type agentFunc func(ctx context.Context, actx agentpool.AgentContext, sink events.Sink, audit agentpool.AuditLogger) (agentpool.AgentResult, error)

func (f agentFunc) Execute(ctx context.Context, actx agentpool.AgentContext, sink events.Sink, audit agentpool.AuditLogger) (agentpool.AgentResult, error) {
	return f(ctx, actx, sink, audit)
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	pool := agentpool.New()
	agent := &failNTimesAgent{failures: 2}
	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, agent)
	graph := buildGraph(t, pool, []workflow.TaskNode{{
		TaskID: "t1", AgentID: "a1", Description: "flaky",
		RecoveryStrategy: workflow.RetryStrategy(3, 10),
	}}, nil)

	ex := New(Config{Pool: pool, Coordination: coordination.New()})
	results, _, err := ex.Execute(context.Background(), graph, "conv1", shared.ProjectScope{}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !results[0].Success || results[0].Output != "eventually succeeded" {
		t.Fatalf("results[0] = %+v", results[0])
	}
	if agent.calls != 3 {
		t.Fatalf("calls = %d, want 3", agent.calls)
	}
}

type timeoutNTimesAgent struct {
	timeouts int
	calls    int
}

func (a *timeoutNTimesAgent) Execute(ctx context.Context, actx agentpool.AgentContext, sink events.Sink, audit agentpool.AuditLogger) (agentpool.AgentResult, error) {
	a.calls++
	if a.calls <= a.timeouts {
		<-ctx.Done()
		return agentpool.AgentResult{}, ctx.Err()
	}
	return agentpool.AgentResult{Output: "succeeded after timeout"}, nil
}

func TestExecute_TimeoutRetryUsesFixedBackoff(t *testing.T) {
	pool := agentpool.New()
	agent := &timeoutNTimesAgent{timeouts: 1}
	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, agent)
	graph := buildGraph(t, pool, []workflow.TaskNode{{
		TaskID: "t1", AgentID: "a1", Description: "slow",
		RecoveryStrategy: workflow.RetryStrategy(2, 10),
	}}, nil)

	ex := New(Config{Pool: pool, Coordination: coordination.New(), TaskTimeout: 20 * time.Millisecond})
	start := time.Now()
	results, _, err := ex.Execute(context.Background(), graph, "conv1", shared.ProjectScope{}, nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !results[0].Success || results[0].Output != "succeeded after timeout" {
		t.Fatalf("results[0] = %+v", results[0])
	}
	if agent.calls != 2 {
		t.Fatalf("calls = %d, want 2", agent.calls)
	}
	// The timeout retry arm uses a fixed 500ms backoff rather than
	// retryBackoff's exponential schedule.
	if elapsed < timeoutRetryBackoff {
		t.Fatalf("elapsed = %v, want at least the fixed timeout backoff %v", elapsed, timeoutRetryBackoff)
	}
}

func TestExecute_NonRetryableFailsAfterOneAttempt(t *testing.T) {
	pool := agentpool.New()
	agent := &failNTimesAgent{failures: 100}
	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, agent)
	graph := buildGraph(t, pool, []workflow.TaskNode{{TaskID: "t1", AgentID: "a1", Description: "always fails"}}, nil)

	ex := New(Config{Pool: pool, Coordination: coordination.New()})
	results, stats, err := ex.Execute(context.Background(), graph, "conv1", shared.ProjectScope{}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Success {
		t.Fatal("expected failure")
	}
	if agent.calls != 1 {
		t.Fatalf("calls = %d, want 1 (non-retryable)", agent.calls)
	}
	if stats.FailedTasks != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestExecute_EmitsEventsInOrder(t *testing.T) {
	pool := agentpool.New()
	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, echoAgent{})
	graph := buildGraph(t, pool, []workflow.TaskNode{{TaskID: "t1", AgentID: "a1", Description: "x"}}, nil)

	sink := &recordingSink{}
	ex := New(Config{Pool: pool, Coordination: coordination.New()})
	_, _, err := ex.Execute(context.Background(), graph, "conv1", shared.ProjectScope{}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var types []events.EventType
	for _, e := range sink.events {
		types = append(types, e.Type)
	}
	first := types[0]
	if first != events.TypeExecutionPlanReady {
		t.Fatalf("first event = %v, want execution_plan_ready", first)
	}
}

func TestExecute_HITLBlockingWaitsForDecision(t *testing.T) {
	pool := agentpool.New()
	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, echoAgent{})
	graph := buildGraph(t, pool, []workflow.TaskNode{{TaskID: "t1", AgentID: "a1", Description: "risky", RequiresHITL: true}}, nil)

	b := bus.New()
	ex := New(Config{
		Pool:         pool,
		Coordination: coordination.New(),
		Bus:          b,
		HITLPolicy: func() policy.Policy {
			p := policy.Default()
			p.HITLMode = policy.HITLBlocking
			return p
		},
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(bus.TopicHITLDecision, bus.HITLDecisionEvent{RequestID: "t1-hitl", Approved: true, ModifiedContent: "approved output"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, _, err := ex.Execute(ctx, graph, "conv1", shared.ProjectScope{}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Output != "approved output" {
		t.Fatalf("output = %q, want the modified content from the decision", results[0].Output)
	}
}

func TestExecute_LockedPathPreventsConcurrentWriters(t *testing.T) {
	pool := agentpool.New()
	locks := filelock.New()
	// Pre-hold the write lock so the task must time out acquiring it.
	guard, err := locks.AcquireWrite("/shared/file.txt", "other-agent", time.Second)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer guard.Release()

	pool.Register(agentpool.AgentDefinition{AgentID: "a1"}, echoAgent{})
	graph := buildGraph(t, pool, []workflow.TaskNode{{
		TaskID: "t1", AgentID: "a1", Description: "x", LockPaths: []string{"/shared/file.txt"},
	}}, nil)

	ex := New(Config{Pool: pool, Coordination: coordination.New(), Locks: locks, LockTimeout: 50 * time.Millisecond})
	results, _, err := ex.Execute(context.Background(), graph, "conv1", shared.ProjectScope{}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Success {
		t.Fatal("expected task to fail acquiring the contended lock")
	}
}
