// Package events defines the StatusEvent wire format streamed to subscribers:
// a closed set of source and event variants, each JSON-tagged with a
// snake_case "type" discriminator per the wire format used throughout the
// gateway and executor.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies what produced a StatusEvent.
type Source struct {
	Kind      SourceKind `json:"type"`
	AgentID   string     `json:"agent_id,omitempty"`
	AgentType string     `json:"agent_type,omitempty"`
	TaskID    string     `json:"task_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	NodeID    string     `json:"node_id,omitempty"`
	Wave      int        `json:"wave,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

type SourceKind string

const (
	SourceOrchestrator SourceKind = "orchestrator"
	SourceAgent        SourceKind = "agent"
	SourceTool         SourceKind = "tool"
	SourceWorkflow     SourceKind = "workflow"
	SourceHitl         SourceKind = "hitl"
)

func OrchestratorSource() Source { return Source{Kind: SourceOrchestrator} }

func AgentSource(agentID, agentType, taskID string) Source {
	return Source{Kind: SourceAgent, AgentID: agentID, AgentType: agentType, TaskID: taskID}
}

func ToolSource(toolName, agentID string) Source {
	return Source{Kind: SourceTool, ToolName: toolName, AgentID: agentID}
}

func WorkflowSource(nodeID string, wave int) Source {
	return Source{Kind: SourceWorkflow, NodeID: nodeID, Wave: wave}
}

func HitlSource(requestID string) Source {
	return Source{Kind: SourceHitl, RequestID: requestID}
}

// EventType discriminates the closed set of lifecycle events.
type EventType string

const (
	TypeExecutionStarted    EventType = "execution_started"
	TypePlanningStarted     EventType = "planning_started"
	TypePlanningCompleted   EventType = "planning_completed"
	TypeExecutionPlanReady  EventType = "execution_plan_ready"
	TypeWaveStarted         EventType = "wave_started"
	TypeWaveCompleted       EventType = "wave_completed"
	TypeTaskNodeStarted     EventType = "task_node_started"
	TypeTaskNodeCompleted   EventType = "task_node_completed"
	TypeAgentStarted        EventType = "agent_started"
	TypeAgentThinking       EventType = "agent_thinking"
	TypeAgentCompleted      EventType = "agent_completed"
	TypeAgentFailed         EventType = "agent_failed"
	TypeToolStarted         EventType = "tool_started"
	TypeToolCompleted       EventType = "tool_completed"
	TypeToolFailed          EventType = "tool_failed"
	TypeHitlRequested       EventType = "hitl_requested"
	TypeHitlDecision        EventType = "hitl_decision"
	TypeHitlCompleted       EventType = "hitl_completed"
	TypeExecutionCompleted  EventType = "execution_completed"
	TypeExecutionFailed     EventType = "execution_failed"
)

// WaveInfo and TaskInfo mirror the execution plan shape emitted once per run.
type TaskInfo struct {
	TaskID       string   `json:"task_id"`
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	Steps        []string `json:"steps"`
}

type WaveInfo struct {
	WaveIndex int        `json:"wave_index"`
	Tasks     []TaskInfo `json:"tasks"`
}

type ExecutionPlan struct {
	Waves []WaveInfo `json:"waves"`
}

// Event is the closed tagged union of lifecycle payloads. Only the fields
// relevant to EventType are populated; the rest are left zero.
type Event struct {
	Type EventType `json:"type"`

	TaskCount int    `json:"task_count,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	Plan *ExecutionPlan `json:"plan,omitempty"`

	WaveIndex     int      `json:"wave_index,omitempty"`
	TaskIDs       []string `json:"task_ids,omitempty"`
	SuccessCount  int      `json:"success_count,omitempty"`
	FailureCount  int      `json:"failure_count,omitempty"`

	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	Message string `json:"message,omitempty"`

	RequestID       string `json:"request_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Approved        bool   `json:"approved,omitempty"`
	ModifiedContent string `json:"modified_content,omitempty"`

	Output string `json:"output,omitempty"`
}

// StatusEvent is the envelope delivered to subscribers.
type StatusEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Event     Event     `json:"event"`
}

// New stamps a StatusEvent with the current UTC time.
func New(conversationID string, source Source, event Event) StatusEvent {
	return StatusEvent{
		ID:        conversationID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Event:     event,
	}
}

// MarshalJSON renders the timestamp as RFC 3339 UTC, matching the wire format.
func (s StatusEvent) MarshalJSON() ([]byte, error) {
	type alias StatusEvent
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(s),
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON parses the RFC 3339 timestamp back into time.Time.
func (s *StatusEvent) UnmarshalJSON(data []byte) error {
	type alias StatusEvent
	aux := struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		return fmt.Errorf("parse status event timestamp: %w", err)
	}
	s.Timestamp = ts
	return nil
}

// ExecutionStarted builds the first event of every query execution.
func ExecutionStarted() Event { return Event{Type: TypeExecutionStarted} }

func PlanningStarted() Event { return Event{Type: TypePlanningStarted} }

func PlanningCompleted(taskCount int, reasoning string) Event {
	return Event{Type: TypePlanningCompleted, TaskCount: taskCount, Reasoning: reasoning}
}

func ExecutionPlanReady(plan ExecutionPlan) Event {
	return Event{Type: TypeExecutionPlanReady, Plan: &plan}
}

func WaveStarted(waveIndex, taskCount int, taskIDs []string) Event {
	return Event{Type: TypeWaveStarted, WaveIndex: waveIndex, TaskCount: taskCount, TaskIDs: taskIDs}
}

func WaveCompleted(waveIndex, successCount, failureCount int) Event {
	return Event{Type: TypeWaveCompleted, WaveIndex: waveIndex, SuccessCount: successCount, FailureCount: failureCount}
}

func TaskNodeStarted() Event { return Event{Type: TypeTaskNodeStarted} }

func TaskNodeCompleted(success bool, errMsg string) Event {
	return Event{Type: TypeTaskNodeCompleted, Success: success, Error: errMsg}
}

func AgentStarted() Event  { return Event{Type: TypeAgentStarted} }
func AgentThinking(msg string) Event {
	return Event{Type: TypeAgentThinking, Message: msg}
}
func AgentCompleted() Event { return Event{Type: TypeAgentCompleted} }
func AgentFailed(errMsg string) Event {
	return Event{Type: TypeAgentFailed, Error: errMsg}
}

func ToolStarted(msg string) Event { return Event{Type: TypeToolStarted, Message: msg} }
func ToolCompleted() Event         { return Event{Type: TypeToolCompleted} }
func ToolFailed(errMsg string) Event {
	return Event{Type: TypeToolFailed, Error: errMsg}
}

func HitlRequested(requestID, reason string) Event {
	return Event{Type: TypeHitlRequested, RequestID: requestID, Reason: reason}
}

func HitlDecision(requestID string, approved bool, modifiedContent, reason string) Event {
	return Event{Type: TypeHitlDecision, RequestID: requestID, Approved: approved, ModifiedContent: modifiedContent, Reason: reason}
}

func HitlCompleted(requestID string, approved bool, reason string) Event {
	return Event{Type: TypeHitlCompleted, RequestID: requestID, Approved: approved, Reason: reason}
}

func ExecutionCompleted(output string) Event {
	return Event{Type: TypeExecutionCompleted, Output: output}
}

func ExecutionFailed(errMsg string) Event {
	return Event{Type: TypeExecutionFailed, Error: errMsg}
}

// Sink is implemented by anything that accepts StatusEvents for a single
// conversation — the executor and orchestrator depend on this, not on the
// concrete subscription buffering implementation.
type Sink interface {
	Send(source Source, event Event)
}
