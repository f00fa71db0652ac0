package generate

import (
	"testing"

	"kaiwa/internal/domain"
)

func TestBuildPromptFirstTurn(t *testing.T) {
	t.Parallel()

	got := BuildPrompt("hello", nil, "be helpful")
	want := "[INST] <<SYS>>\nbe helpful\n<</SYS>>\n\nhello [/INST]"
	if got != want {
		t.Fatalf("BuildPrompt = %q, want %q", got, want)
	}
}

func TestBuildPromptReplaysHistory(t *testing.T) {
	t.Parallel()

	history := []domain.Turn{{User: "a", Assistant: "A"}}
	got := BuildPrompt("b", history, "sys")
	want := "[INST] <<SYS>>\nsys\n<</SYS>>\n\na [/INST] A</s><s>[INST] b [/INST]"
	if got != want {
		t.Fatalf("BuildPrompt = %q, want %q", got, want)
	}
}

func TestBuildPromptWithoutSystemPrompt(t *testing.T) {
	t.Parallel()

	got := BuildPrompt("hello", nil, "")
	want := "[INST] hello [/INST]"
	if got != want {
		t.Fatalf("BuildPrompt = %q, want %q", got, want)
	}
}
