// Package orchestrator implements the query pipeline: analyze, decompose,
// build DAG, execute, synthesize. Thin structs holding collaborators,
// no ambient global state.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/orchestra/internal/agentpool"
	"github.com/basket/orchestra/internal/events"
	"github.com/basket/orchestra/internal/executor"
	"github.com/basket/orchestra/internal/shared"
	"github.com/basket/orchestra/internal/workflow"
	"github.com/google/uuid"
)

// Complexity classifies a query's apparent difficulty from cheap lexical
// heuristics.
type Complexity string

const (
	Trivial     Complexity = "trivial"
	Simple      Complexity = "simple"
	Moderate    Complexity = "moderate"
	Complex     Complexity = "complex"
	VeryComplex Complexity = "very_complex"
)

// AnalyzeComplexity scores word count and bracket density into a
// Complexity bucket. Brackets (code fences, structured syntax) push
// toward higher complexity independent of raw length.
func AnalyzeComplexity(query string) Complexity {
	words := len(strings.Fields(query))
	brackets := strings.Count(query, "{") + strings.Count(query, "}") +
		strings.Count(query, "[") + strings.Count(query, "]") +
		strings.Count(query, "(") + strings.Count(query, ")")

	score := words + brackets*3

	switch {
	case score <= 5:
		return Trivial
	case score <= 15:
		return Simple
	case score <= 40:
		return Moderate
	case score <= 80:
		return Complex
	default:
		return VeryComplex
	}
}

// agentTypeFor classifies a query into an agent type by keyword bucket.
// write/implement/create -> Coding; document/explain -> Writing;
// review/evaluate -> Evaluator; anything else falls back to Coding.
func agentTypeFor(query string) string {
	lower := strings.ToLower(query)
	switch {
	case containsAny(lower, "write", "implement", "create", "build", "fix", "add"):
		return "Coding"
	case containsAny(lower, "document", "explain", "describe", "summarize"):
		return "Writing"
	case containsAny(lower, "review", "evaluate", "critique", "assess"):
		return "Evaluator"
	default:
		return "Coding"
	}
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// defaultAgentIDFor maps an agent type to the conventional agent id used
// when the caller hasn't registered a custom roster. Real deployments
// register their own agent ids in the AgentPool; this is the fallback the
// orchestrator reaches for when decomposition only knows the type.
func defaultAgentIDFor(agentType string) string {
	switch agentType {
	case "Writing":
		return "writing-agent"
	case "Evaluator":
		return "evaluator-agent"
	default:
		return "coding-agent"
	}
}

// Result is the final synthesized output of a query execution.
type Result struct {
	ConversationID string
	Output         string
	TaskResults    []executor.TaskResult
	Stats          executor.ExecutionStats
}

const placeholderOutput = "(no task produced output)"

// Orchestrator wires an AgentPool and WorkflowExecutor into the full
// analyze -> decompose -> build -> execute -> synthesize pipeline.
type Orchestrator struct {
	pool *agentpool.Pool
	exec *executor.Executor
}

func New(pool *agentpool.Pool, exec *executor.Executor) *Orchestrator {
	return &Orchestrator{pool: pool, exec: exec}
}

// Run executes the full pipeline for one query and returns its synthesized
// result, emitting StatusEvents throughout via sink.
func (o *Orchestrator) Run(ctx context.Context, query string, scope shared.ProjectScope, sink events.Sink) (Result, error) {
	conversationID := uuid.NewString()

	if sink != nil {
		sink.Send(events.OrchestratorSource(), events.ExecutionStarted())
		sink.Send(events.OrchestratorSource(), events.PlanningStarted())
	}

	complexity := AnalyzeComplexity(query)
	tasks := o.decompose(query, complexity)

	if sink != nil {
		sink.Send(events.OrchestratorSource(), events.PlanningCompleted(len(tasks), string(complexity)))
	}

	graph, err := o.buildGraph(tasks)
	if err != nil {
		if sink != nil {
			sink.Send(events.OrchestratorSource(), events.ExecutionFailed(err.Error()))
		}
		return Result{}, fmt.Errorf("build graph: %w", err)
	}

	results, stats, err := o.exec.Execute(ctx, graph, conversationID, scope, sink)
	if err != nil {
		if sink != nil {
			sink.Send(events.OrchestratorSource(), events.ExecutionFailed(err.Error()))
		}
		return Result{}, fmt.Errorf("execute: %w", err)
	}

	output := synthesize(results)
	if sink != nil {
		sink.Send(events.OrchestratorSource(), events.ExecutionCompleted(output))
	}

	return Result{ConversationID: conversationID, Output: output, TaskResults: results, Stats: stats}, nil
}

// decomposedTask is an intermediate representation between decomposition
// and graph building.
type decomposedTask struct {
	taskID      string
	agentID     string
	description string
	dependsOn   string // empty for the first task; sequential chain otherwise
}

// decompose implements the Trivial/Simple keyword-bucket path and the
// Moderate+ fallback (same single-task classification today; multi-task
// planning-agent decomposition is a documented extension point the
// orchestrator does not implement, matching the pipeline's current scope).
func (o *Orchestrator) decompose(query string, complexity Complexity) []decomposedTask {
	agentType := agentTypeFor(query)
	agentID := defaultAgentIDFor(agentType)
	if o.pool != nil && !o.pool.Has(agentID) {
		// Fall back to whatever's registered if the conventional id isn't
		// wired, so decomposition never hands the builder a dangling ref.
		agentID = firstRegisteredAgent(o.pool, agentID)
	}

	return []decomposedTask{{
		taskID:      "task-" + strconv.FormatInt(time.Now().UnixNano()%1_000_000, 36),
		agentID:     agentID,
		description: query,
	}}
}

func firstRegisteredAgent(pool *agentpool.Pool, fallback string) string {
	// AgentPool doesn't expose enumeration by design (read-mostly lookup
	// table); callers are expected to pre-register the conventional ids.
	// Returning the fallback keeps decomposition total even when the
	// roster doesn't match convention, surfacing as a clear "unknown
	// agent" error at graph-build time instead of a silent panic.
	return fallback
}

func (o *Orchestrator) buildGraph(tasks []decomposedTask) (*workflow.Graph, error) {
	b := workflow.NewBuilder(o.pool)
	for _, t := range tasks {
		if err := b.AddNode(workflow.TaskNode{
			TaskID:           t.taskID,
			AgentID:          t.agentID,
			Description:      t.description,
			RecoveryStrategy: workflow.RetryStrategy(2, 100),
		}); err != nil {
			return nil, err
		}
	}
	for _, t := range tasks {
		if t.dependsOn != "" {
			if err := b.AddDependency(t.dependsOn, t.taskID, workflow.Sequential); err != nil {
				return nil, err
			}
		}
	}
	return b.Build()
}

// synthesize concatenates successful outputs in topological (result) order
// and appends a delimited error block for any failures. If every output is
// empty, returns a canonical placeholder instead of an empty string.
func synthesize(results []executor.TaskResult) string {
	var successes []string
	var failures []executor.TaskResult

	for _, r := range results {
		if r.Success {
			if strings.TrimSpace(r.Output) != "" {
				successes = append(successes, r.Output)
			}
		} else {
			failures = append(failures, r)
		}
	}

	var sb strings.Builder
	if len(successes) == 0 && len(failures) == 0 {
		return placeholderOutput
	}
	if len(successes) > 0 {
		sb.WriteString(strings.Join(successes, "\n\n"))
	} else {
		sb.WriteString(placeholderOutput)
	}

	if len(failures) > 0 {
		sort.SliceStable(failures, func(i, j int) bool { return failures[i].TaskID < failures[j].TaskID })
		sb.WriteString("\n\n--- errors ---\n")
		for _, f := range failures {
			sb.WriteString(fmt.Sprintf("%s: %s\n", f.TaskID, f.Error))
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
