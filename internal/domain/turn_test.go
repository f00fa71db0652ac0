package domain

import "testing"

func TestTranscriptFormat(t *testing.T) {
	t.Parallel()

	turns := []Turn{
		{User: "こんにちは", Assistant: "こんにちは！"},
		{User: "調子はどう？"},
	}
	got := Transcript(turns)
	want := "😃: こんにちは<br>🤖: こんにちは！<br>😃: 調子はどう？<br>🤖: "
	if got != want {
		t.Fatalf("Transcript = %q, want %q", got, want)
	}
}

func TestTranscriptEmpty(t *testing.T) {
	t.Parallel()

	if got := Transcript(nil); got != "" {
		t.Fatalf("Transcript(nil) = %q, want empty", got)
	}
}
