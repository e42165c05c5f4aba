package coordination

import "testing"

func TestRegister_DuplicateIsError(t *testing.T) {
	m := New()
	if err := m.Register("t1", "agent-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("t1", "agent-b"); err == nil {
		t.Fatal("expected error registering duplicate task id")
	}
}

func TestUpdateStatus_UnregisteredIsError(t *testing.T) {
	m := New()
	if err := m.UpdateStatus("missing", Running); err == nil {
		t.Fatal("expected error updating status of unregistered task")
	}
}

func TestRegister_StartsPending(t *testing.T) {
	m := New()
	if err := m.Register("t1", "agent-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	status, ok := m.Status("t1")
	if !ok || status != Pending {
		t.Fatalf("status = %v, ok=%v, want Pending", status, ok)
	}
}

func TestUpdateStatus_Transitions(t *testing.T) {
	m := New()
	_ = m.Register("t1", "agent-a")
	if err := m.UpdateStatus("t1", Running); err != nil {
		t.Fatalf("update to running: %v", err)
	}
	if err := m.UpdateStatus("t1", Completed); err != nil {
		t.Fatalf("update to completed: %v", err)
	}
	status, _ := m.Status("t1")
	if status != Completed {
		t.Fatalf("status = %v, want Completed", status)
	}
}

func TestAgentFor_ReturnsRegisteredAgent(t *testing.T) {
	m := New()
	_ = m.Register("t1", "agent-a")
	agentID, ok := m.AgentFor("t1")
	if !ok || agentID != "agent-a" {
		t.Fatalf("agentID = %q, ok=%v, want agent-a", agentID, ok)
	}
}
