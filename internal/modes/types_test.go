package modes

import (
	"strings"
	"testing"
)

func TestPersonaIsValid(t *testing.T) {
	tests := []struct {
		name     string
		persona  Persona
		expected bool
	}{
		{"product owner", ProductOwner, true},
		{"architect", Architect, true},
		{"developer", Developer, true},
		{"qa", QA, true},
		{"system", System, true},
		{"invalid", Persona("tester"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.persona.IsValid(); got != tt.expected {
				t.Errorf("Persona.IsValid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPersonaComment(t *testing.T) {
	got := Architect.Comment("plan body")
	if got != "🏗️ **Architect**\n\nplan body" {
		t.Errorf("Comment() = %q", got)
	}

	if h := Persona("reviewer").Header(); h != "🤖 **reviewer**" {
		t.Errorf("unknown persona header = %q", h)
	}
}

func TestPersonaSystemPrompt(t *testing.T) {
	markers := map[Persona]string{
		ProductOwner: "VERDICT: READY",
		Architect:    "REVIEW_VERDICT: CHANGES_REQUIRED",
		Developer:    "production-quality code",
		QA:           "QA_VERDICT: FAIL",
	}
	for p, marker := range markers {
		if !strings.Contains(p.SystemPrompt(), marker) {
			t.Errorf("%s system prompt should contain %q", p, marker)
		}
	}
}

func TestFailureNote(t *testing.T) {
	if got := FailureNote("boom"); got != "❌ **Failed**\n\nboom" {
		t.Errorf("FailureNote() = %q", got)
	}
}
