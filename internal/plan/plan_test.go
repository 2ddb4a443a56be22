package plan

import (
	"testing"
	"time"
)

func TestNormalizeDedupsAndDefaults(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &State{
		Goal:     "  analyze revenue  ",
		Progress: "starting",
		Steps: []Step{
			{ID: "load_data", Label: "Load data"},
			{ID: "load_data", Label: "Duplicate"},
			{ID: "chart_revenue", Label: "Chart revenue"},
		},
	}
	s.Normalize(now)

	if s.Goal != "analyze revenue" {
		t.Fatalf("goal not trimmed: %q", s.Goal)
	}
	if len(s.Steps) != 2 {
		t.Fatalf("expected duplicate step dropped, got %d steps", len(s.Steps))
	}
	if len(s.NextSteps) != 2 {
		t.Fatalf("expected nextSteps backfilled, got %v", s.NextSteps)
	}
	if s.PlanID == "" {
		t.Fatal("expected planId default")
	}
	if s.CurrentStepID != "load_data" {
		t.Fatalf("expected currentStepId default load_data, got %q", s.CurrentStepID)
	}
}

func TestValidateRejectsShortStepID(t *testing.T) {
	s := &State{
		Goal:      "g1 goal",
		Progress:  "p1",
		Steps:     []Step{{ID: "ab", Label: "too short"}},
		NextSteps: []string{"ab"},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for 2-char step id")
	}
}

func TestValidateRequiresNextStepsWhileWorkRemains(t *testing.T) {
	s := &State{
		Goal:     "finish the report",
		Progress: "halfway",
		Steps:    []Step{{ID: "write_summary", Label: "Write summary"}},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error when nextSteps empty with pending work")
	}
	s.NextSteps = []string{"write_summary"}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarkDoneAdvancesCurrentStep(t *testing.T) {
	now := time.Now()
	s := &State{
		Goal:     "two step plan",
		Progress: "running",
		Steps: []Step{
			{ID: "first_step", Label: "First"},
			{ID: "second_step", Label: "Second"},
		},
	}
	s.Normalize(now)

	if !s.MarkDone("first_step", now) {
		t.Fatal("expected MarkDone to find first_step")
	}
	if s.CurrentStepID != "second_step" {
		t.Fatalf("expected advance to second_step, got %q", s.CurrentStepID)
	}
	if s.Remaining() != 1 {
		t.Fatalf("expected 1 remaining, got %d", s.Remaining())
	}
}

func TestSynthesizeGreeting(t *testing.T) {
	s := SynthesizeGreeting(time.Now())
	if err := s.Validate(); err != nil {
		t.Fatalf("greeting plan invalid: %v", err)
	}
	if len(s.Steps) != 1 || s.Steps[0].ID != GreetingStepID {
		t.Fatalf("unexpected greeting steps: %+v", s.Steps)
	}
	if len(s.Pending()) != 1 {
		t.Fatalf("expected one pending step, got %d", len(s.Pending()))
	}
}

func TestKeywordsSkipsStopwordsAndShortTokens(t *testing.T) {
	kws := Keywords("Filter the table for Q3 revenue")
	want := map[string]bool{"filter": true, "table": true, "revenue": true}
	if len(kws) != len(want) {
		t.Fatalf("unexpected keywords %v", kws)
	}
	for _, kw := range kws {
		if !want[kw] {
			t.Fatalf("unexpected keyword %q in %v", kw, kws)
		}
	}
	if !MentionsKeywords("let me filter rows now", "Filter the table") {
		t.Fatal("expected keyword mention to match")
	}
}
