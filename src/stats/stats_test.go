package stats

import "testing"

func TestCounterIncAdd(t *testing.T) {
	var c Counter_t
	c.Inc()
	c.Add(4)
	if c.Load() != 5 {
		t.Errorf("Load() = %d, want 5", c.Load())
	}
}

func TestEngineStatsString(t *testing.T) {
	s := &EngineStats{}
	s.Registrations.Inc()
	s.NotifyRegister.Add(3)
	out := s.String()
	if out == "" {
		t.Fatal("String() returned empty output")
	}
	if !contains(out, "Registrations") || !contains(out, "NotifyRegister") {
		t.Errorf("String() = %q, missing expected field names", out)
	}
}

func TestEngineStatsProfile(t *testing.T) {
	s := &EngineStats{}
	s.FaultErrors.Add(2)
	p := s.Profile()
	if len(p.Sample) == 0 {
		t.Fatal("Profile() produced no samples")
	}
	found := false
	for _, sample := range p.Sample {
		if sample.Label["counter"][0] == "FaultErrors" && sample.Value[0] == 2 {
			found = true
		}
	}
	if !found {
		t.Error("Profile() did not include FaultErrors sample with value 2")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
