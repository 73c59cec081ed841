package prompt

import (
	"encoding/json"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
)

func TestWorkingDocRoundTrip(t *testing.T) {
	doc := &WorkingDoc{
		Title:        "Add dark mode",
		Intent:       "Users want a dark theme toggle in settings.",
		Requirements: []string{"Toggle in settings page", "Persist preference"},
		Constraints:  []string{"No new dependencies"},
		Context:      "Related to issue #42.",
	}

	parsed := ParseWorkingDoc(doc.Markdown())
	if parsed.Title != doc.Title {
		t.Errorf("title = %q, want %q", parsed.Title, doc.Title)
	}
	if parsed.Intent != doc.Intent {
		t.Errorf("intent = %q, want %q", parsed.Intent, doc.Intent)
	}
	if !slices.Equal(parsed.Requirements, doc.Requirements) {
		t.Errorf("requirements = %v, want %v", parsed.Requirements, doc.Requirements)
	}
	if !slices.Equal(parsed.Constraints, doc.Constraints) {
		t.Errorf("constraints = %v, want %v", parsed.Constraints, doc.Constraints)
	}
	if parsed.Context != doc.Context {
		t.Errorf("context = %q, want %q", parsed.Context, doc.Context)
	}
}

func TestParseEmptyDoc(t *testing.T) {
	doc := ParseWorkingDoc((&WorkingDoc{Title: "Bare"}).Markdown())
	if doc.Intent != "" {
		t.Errorf("placeholder intent parsed as %q", doc.Intent)
	}
	if len(doc.Requirements) != 0 {
		t.Errorf("placeholder requirements parsed as %v", doc.Requirements)
	}
}

func TestApplyMergesAsSets(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	taskID := "abcdef1234567890"

	if _, err := m.Init(taskID, "Merge test"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := m.Apply(taskID, Update{
		Intent:       "First intent",
		Requirements: []string{"A", "B"},
		Context:      "note one",
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	path, err := m.Apply(taskID, Update{
		Requirements: []string{"B", "C"},
		Constraints:  []string{"X"},
		Context:      "note two",
	})
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read working doc: %v", err)
	}
	doc := ParseWorkingDoc(string(raw))
	if want := []string{"A", "B", "C"}; !slices.Equal(doc.Requirements, want) {
		t.Errorf("requirements = %v, want %v", doc.Requirements, want)
	}
	if !strings.Contains(doc.Context, "note one") || !strings.Contains(doc.Context, "note two") {
		t.Errorf("context lost an appended note: %q", doc.Context)
	}
	if doc.Intent != "First intent" {
		t.Errorf("intent overwritten by empty update: %q", doc.Intent)
	}
}

type recordingSink struct {
	updated, frozen int
}

func (r *recordingSink) WorkingPromptUpdated(taskID, path, summary string) { r.updated++ }
func (r *recordingSink) HandoffFrozen(taskID, mdPath, jsonPath string)     { r.frozen++ }

func TestFreezeRoundTrip(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(t.TempDir(), sink)
	taskID := "feedbeef00000000"

	reqs := []string{"Endpoint returns 200", "Unit tests pass"}
	cons := []string{"Go 1.26 only"}
	if _, err := m.Init(taskID, "Freeze test"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := m.Apply(taskID, Update{
		Intent:       "Ship the health endpoint.",
		Requirements: reqs,
		Constraints:  cons,
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	mdPath, jsonPath, err := m.Freeze(taskID)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if sink.frozen != 1 {
		t.Errorf("HandoffFrozen emitted %d times, want 1", sink.frozen)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read handoff.json: %v", err)
	}
	var spec ExecutionSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}

	// Every requirement lands in definition_of_done; every constraint in
	// constraints, after the injected standard ones.
	for _, r := range reqs {
		if !slices.Contains(spec.DefinitionOfDone, r) {
			t.Errorf("definition_of_done missing %q", r)
		}
	}
	for _, c := range cons {
		if !slices.Contains(spec.Constraints, c) {
			t.Errorf("constraints missing %q", c)
		}
	}
	for _, c := range standardConstraints {
		n := 0
		for _, got := range spec.Constraints {
			if got == c {
				n++
			}
		}
		if n != 1 {
			t.Errorf("standard constraint %q appears %d times, want 1", c, n)
		}
	}
	if spec.Goal != "Ship the health endpoint." {
		t.Errorf("goal = %q", spec.Goal)
	}

	md, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatalf("read handoff.md: %v", err)
	}
	for _, want := range []string{"<task>", "<definition_of_done>", "<write_gate>true</write_gate>"} {
		if !strings.Contains(string(md), want) {
			t.Errorf("handoff.md missing %q", want)
		}
	}
}

func TestFreezeWithoutWorkingDoc(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	if _, _, err := m.Freeze("nosuchtask"); !errors.Is(err, ErrNoWorkingDoc) {
		t.Errorf("Freeze = %v, want ErrNoWorkingDoc", err)
	}
}

func TestSummary(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	if got := m.Summary("missing"); got != "No working prompt yet." {
		t.Errorf("Summary(missing) = %q", got)
	}

	taskID := "cafe000011112222"
	m.Init(taskID, "Summary test")
	m.Apply(taskID, Update{Intent: "Do the thing.", Requirements: []string{"R1", "R2"}})
	got := m.Summary(taskID)
	if !strings.Contains(got, "Summary test") || !strings.Contains(got, "2 requirements") {
		t.Errorf("Summary = %q", got)
	}
}
