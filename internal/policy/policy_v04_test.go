package policy

import "testing"

func TestRiskAtOrAbove_DefaultThreshold(t *testing.T) {
	p := Default()
	if p.HITLRiskThreshold != "high" {
		t.Fatalf("default threshold = %q, want high", p.HITLRiskThreshold)
	}
	if p.RiskAtOrAbove("medium") {
		t.Fatal("medium should be below the default high threshold")
	}
	if !p.RiskAtOrAbove("high") {
		t.Fatal("high should meet the default high threshold")
	}
	if !p.RiskAtOrAbove("critical") {
		t.Fatal("critical should exceed the default high threshold")
	}
}

func TestRiskAtOrAbove_LowThreshold(t *testing.T) {
	p := Policy{HITLRiskThreshold: "low"}
	for _, level := range []string{"low", "medium", "high", "critical"} {
		if !p.RiskAtOrAbove(level) {
			t.Fatalf("level %q should meet a low threshold", level)
		}
	}
}

func TestRiskAtOrAbove_CriticalThreshold(t *testing.T) {
	p := Policy{HITLRiskThreshold: "critical"}
	if p.RiskAtOrAbove("high") {
		t.Fatal("high should not meet a critical threshold")
	}
	if !p.RiskAtOrAbove("critical") {
		t.Fatal("critical should meet a critical threshold")
	}
}

func TestHITLMode_Constants(t *testing.T) {
	modes := map[HITLMode]bool{
		HITLAsync:       true,
		HITLBlocking:    true,
		HITLSampleBased: true,
	}
	if len(modes) != 3 {
		t.Fatalf("expected 3 distinct HITL modes, got %d", len(modes))
	}
}

func TestDefault_HasSampleRate(t *testing.T) {
	p := Default()
	if p.HITLSampleRate <= 0 || p.HITLSampleRate > 1 {
		t.Fatalf("default sample rate %v out of (0,1]", p.HITLSampleRate)
	}
}
