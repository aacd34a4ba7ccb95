package registry

import "testing"

func TestGetClaudeModels_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for _, m := range GetClaudeModels() {
		if seen[m.ID] {
			t.Fatalf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if m.ContextLength <= 0 {
			t.Errorf("model %q has non-positive context length", m.ID)
		}
	}
}

func TestGetClaudeModels_NonEmpty(t *testing.T) {
	if len(GetClaudeModels()) == 0 {
		t.Fatal("expected at least one model in the catalogue")
	}
}
