// Package agentpool holds named agent instances and their declared steps,
// resolved by the workflow executor during task execution.
package agentpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/orchestra/internal/events"
	"github.com/basket/orchestra/internal/shared"
)

// AgentDefinition describes a registered agent: its declared steps (used by
// the UI to prebuild a progress tree) and display metadata.
type AgentDefinition struct {
	AgentID     string
	AgentType   string
	DisplayName string
	Steps       []string
}

// AgentContext is the input handed to an agent on each task invocation.
type AgentContext struct {
	Description       string
	ConversationID    string
	TaskID            string
	ProjectScope      shared.ProjectScope
	DependencyOutputs []DependencyOutput
	RAGContext        string
}

// DependencyOutput is what a predecessor task contributes to a successor's
// AgentContext, assembled from its TaskResult.
type DependencyOutput struct {
	AgentOutput     string
	ToolExecutions  []ToolExecution
	AgentID         string
	TaskDescription string
	CompletedAt     time.Time
}

// ToolExecution records one tool invocation an agent reported.
type ToolExecution struct {
	ToolName string
	Input    string
	Output   string
	Error    string
}

// AgentResult is what an agent returns from Execute.
type AgentResult struct {
	Output         string
	ToolExecutions []ToolExecution
	RiskLevel      string // "low" | "medium" | "high" | "critical"; empty = not assessed
}

// AuditLogger records policy decisions made during task execution.
type AuditLogger interface {
	Record(decision, capability, reason, policyVersion, subject string)
}

// Agent is the uniform contract every registered agent implements.
type Agent interface {
	Execute(ctx context.Context, actx AgentContext, sink events.Sink, audit AuditLogger) (AgentResult, error)
}

// Pool is a read-mostly map of named agent instances; agents are internally
// thread-safe so the pool itself only needs to protect the map.
type Pool struct {
	mu    sync.RWMutex
	defs  map[string]AgentDefinition
	impls map[string]Agent
}

func New() *Pool {
	return &Pool{
		defs:  make(map[string]AgentDefinition),
		impls: make(map[string]Agent),
	}
}

// Register adds or replaces a named agent and its implementation.
func (p *Pool) Register(def AgentDefinition, impl Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs[def.AgentID] = def
	p.impls[def.AgentID] = impl
}

// Get resolves an agent implementation by id.
func (p *Pool) Get(agentID string) (Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	impl, ok := p.impls[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q not registered", agentID)
	}
	return impl, nil
}

// Definition returns the declared metadata for an agent.
func (p *Pool) Definition(agentID string) (AgentDefinition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.defs[agentID]
	return def, ok
}

// Steps returns the declared step names for an agent, or nil if unknown.
func (p *Pool) Steps(agentID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defs[agentID].Steps
}

// Has reports whether agentID is registered — used by WorkflowGraph
// validation (every referenced agent_id must exist in the pool).
func (p *Pool) Has(agentID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.defs[agentID]
	return ok
}

// StubAgent is a minimal default implementation used where no real agent
// backend (LLM-backed or otherwise) is wired — it echoes its description as
// output and reports no tool executions. Useful in tests and as the
// fallback agent for AgentType::Orchestrator, which is declared in the
// roster but never assigned by the classifier.
type StubAgent struct {
	Steps []string
}

func (s StubAgent) Execute(ctx context.Context, actx AgentContext, sink events.Sink, audit AuditLogger) (AgentResult, error) {
	if sink != nil {
		sink.Send(events.AgentSource("", "", actx.TaskID), events.AgentStarted())
		sink.Send(events.AgentSource("", "", actx.TaskID), events.AgentCompleted())
	}
	return AgentResult{Output: actx.Description}, nil
}
