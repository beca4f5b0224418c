package provider

import (
	"strings"
	"testing"
)

func TestRenderTranscriptGroupsSpeakerTurns(t *testing.T) {
	results := []sttResult{{
		Words: []word{
			{Speaker: "1", Word: "good"},
			{Speaker: "1", Word: "morning"},
			{Speaker: "2", Word: "hi"},
			{Speaker: "1", Word: "agenda"},
		},
	}}

	got := renderTranscript(results)

	// Speaker 1 appears twice because the turns are separated.
	if strings.Count(got, "**Speaker 1**") != 2 {
		t.Errorf("got %q, want two Speaker 1 turns", got)
	}
	if !strings.Contains(got, "> good morning") {
		t.Errorf("got %q, want consecutive words joined", got)
	}
	if !strings.Contains(got, "**Speaker 2**") {
		t.Errorf("got %q, want Speaker 2 block", got)
	}
}

func TestRenderTranscriptEmpty(t *testing.T) {
	if got := renderTranscript(nil); got != "" {
		t.Errorf("renderTranscript(nil) = %q, want empty", got)
	}
	if got := renderTranscript([]sttResult{{Words: []word{{Word: "  "}}}}); got != "" {
		t.Errorf("whitespace-only words = %q, want empty", got)
	}
}

func TestRenderTranscriptSpansResults(t *testing.T) {
	results := []sttResult{
		{Words: []word{{Speaker: "1", Word: "first"}}},
		{Words: []word{{Speaker: "1", Word: "second"}}},
	}

	got := renderTranscript(results)
	if strings.Count(got, "**Speaker 1**") != 1 {
		t.Errorf("got %q, want one merged turn across results", got)
	}
	if !strings.Contains(got, "first second") {
		t.Errorf("got %q, want words merged in order", got)
	}
}

func TestRenderMinutes(t *testing.T) {
	got := renderMinutes("Planning", []minute{
		{Title: "Action Items", Bullets: []bullet{
			{Text: "deploy staging", Important: true},
			{Text: "update docs"},
		}},
		{Title: "Notes", Bullets: []bullet{
			{Text: "postponed retro"},
		}},
	})

	wantLines := []string{
		"## Planning",
		"### Action Items",
		"- **deploy staging**",
		"- update docs",
		"### Notes",
		"- postponed retro",
	}
	for _, line := range wantLines {
		if !strings.Contains(got, line) {
			t.Errorf("minutes %q missing line %q", got, line)
		}
	}
	if strings.HasSuffix(got, "\n") {
		t.Error("expected trailing whitespace trimmed")
	}
}

func TestRenderMinutesEmpty(t *testing.T) {
	if got := renderMinutes("Title", nil); got != "" {
		t.Errorf("renderMinutes with no sections = %q, want empty", got)
	}
}
