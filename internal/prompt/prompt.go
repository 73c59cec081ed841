// Package prompt manages the per-task working document and its frozen
// handoff form.
//
// Each task owns a directory named by the first 8 characters of its id,
// holding working.md (free-form, updated as the conversation refines the
// task), and after freezing, handoff.md (the structured brief a builder
// receives) plus handoff.json (the machine-readable execution spec).
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ErrNoWorkingDoc is returned by Freeze when the task has no working
// document to freeze.
var ErrNoWorkingDoc = errors.New("prompt: no working document for task")

// standardConstraints are injected into every handoff, ahead of any
// task-specific constraints.
var standardConstraints = []string{
	"Respect existing style and architecture.",
	"Do not modify secrets (.env, tokens). Redact if encountered.",
	"Ask before running commands or making destructive changes.",
}

// ExecutionSpec is the structured handoff record written to handoff.json.
type ExecutionSpec struct {
	Goal              string         `json:"goal"`
	DefinitionOfDone  []string       `json:"definition_of_done"`
	Constraints       []string       `json:"constraints"`
	RepoTargets       []string       `json:"repo_targets"`
	RequiredArtifacts []string       `json:"required_artifacts"`
	GatesRequired     []string       `json:"gates_required"`
	Budgets           map[string]any `json:"budgets"`
}

// WorkingDoc is the in-memory form of working.md.
type WorkingDoc struct {
	Title        string
	Intent       string
	Requirements []string
	Constraints  []string
	Context      string
	UpdatedAt    time.Time
}

// Update describes a partial change to a working document. Nil/empty fields
// are left untouched; requirement and constraint lists merge as sets;
// context appends.
type Update struct {
	Title        string
	Intent       string
	Requirements []string
	Constraints  []string
	Context      string
}

// EventSink receives store events emitted by the manager. Both methods map
// onto the event store's append operation; the indirection keeps this
// package free of a database dependency.
type EventSink interface {
	WorkingPromptUpdated(taskID, path, summary string)
	HandoffFrozen(taskID, mdPath, jsonPath string)
}

// Manager owns the prompt directories under one workspace.
type Manager struct {
	workspace string
	sink      EventSink // may be nil
}

// NewManager creates a Manager rooted at the .conversator workspace
// directory. sink may be nil when no event emission is wanted (tests).
func NewManager(workspace string, sink EventSink) *Manager {
	return &Manager{workspace: workspace, sink: sink}
}

// Dir returns (creating if needed) the prompt directory for a task.
func (m *Manager) Dir(taskID string) (string, error) {
	dir := filepath.Join(m.workspace, "prompts", shortID(taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prompt: create dir: %w", err)
	}
	return dir, nil
}

// WorkingPath returns the working.md path for a task without creating it.
func (m *Manager) WorkingPath(taskID string) string {
	return filepath.Join(m.workspace, "prompts", shortID(taskID), "working.md")
}

// HandoffMDPath returns the handoff.md path for a task.
func (m *Manager) HandoffMDPath(taskID string) string {
	return filepath.Join(m.workspace, "prompts", shortID(taskID), "handoff.md")
}

// HandoffJSONPath returns the handoff.json path for a task.
func (m *Manager) HandoffJSONPath(taskID string) string {
	return filepath.Join(m.workspace, "prompts", shortID(taskID), "handoff.json")
}

// Init creates the initial working.md for a task and returns its path.
func (m *Manager) Init(taskID, title string) (string, error) {
	if title == "" {
		title = "Untitled Task"
	}
	if _, err := m.Dir(taskID); err != nil {
		return "", err
	}
	doc := &WorkingDoc{Title: title, UpdatedAt: time.Now().UTC()}
	path := m.WorkingPath(taskID)
	if err := os.WriteFile(path, []byte(doc.Markdown()), 0o644); err != nil {
		return "", fmt.Errorf("prompt: write working doc: %w", err)
	}
	return path, nil
}

// Apply merges an update into the task's working document, creating it if
// needed, and emits WorkingPromptUpdated.
func (m *Manager) Apply(taskID string, u Update) (string, error) {
	if _, err := m.Dir(taskID); err != nil {
		return "", err
	}
	path := m.WorkingPath(taskID)

	doc := &WorkingDoc{}
	if raw, err := os.ReadFile(path); err == nil {
		doc = ParseWorkingDoc(string(raw))
	}

	if u.Title != "" {
		doc.Title = u.Title
	}
	if u.Intent != "" {
		doc.Intent = u.Intent
	}
	for _, r := range u.Requirements {
		if !slices.Contains(doc.Requirements, r) {
			doc.Requirements = append(doc.Requirements, r)
		}
	}
	for _, c := range u.Constraints {
		if !slices.Contains(doc.Constraints, c) {
			doc.Constraints = append(doc.Constraints, c)
		}
	}
	if u.Context != "" {
		if doc.Context != "" {
			doc.Context += "\n\n" + u.Context
		} else {
			doc.Context = u.Context
		}
	}
	doc.UpdatedAt = time.Now().UTC()

	if err := os.WriteFile(path, []byte(doc.Markdown()), 0o644); err != nil {
		return "", fmt.Errorf("prompt: write working doc: %w", err)
	}
	if m.sink != nil {
		m.sink.WorkingPromptUpdated(taskID, path, doc.Title)
	}
	return path, nil
}

// Freeze converts the task's working document into handoff.md and
// handoff.json, emits HandoffFrozen, and returns both paths. Returns
// ErrNoWorkingDoc when no working document exists yet.
func (m *Manager) Freeze(taskID string) (mdPath, jsonPath string, err error) {
	raw, err := os.ReadFile(m.WorkingPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("%w: %s", ErrNoWorkingDoc, taskID)
		}
		return "", "", fmt.Errorf("prompt: read working doc: %w", err)
	}
	doc := ParseWorkingDoc(string(raw))

	mdPath = m.HandoffMDPath(taskID)
	if err := os.WriteFile(mdPath, []byte(formatHandoff(doc, taskID)), 0o644); err != nil {
		return "", "", fmt.Errorf("prompt: write handoff.md: %w", err)
	}

	spec := doc.ExecutionSpec()
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("prompt: marshal execution spec: %w", err)
	}
	jsonPath = m.HandoffJSONPath(taskID)
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("prompt: write handoff.json: %w", err)
	}

	if m.sink != nil {
		m.sink.HandoffFrozen(taskID, mdPath, jsonPath)
	}
	return mdPath, jsonPath, nil
}

// Summary renders a short voice-friendly description of the working doc.
func (m *Manager) Summary(taskID string) string {
	raw, err := os.ReadFile(m.WorkingPath(taskID))
	if err != nil {
		return "No working prompt yet."
	}
	doc := ParseWorkingDoc(string(raw))

	parts := []string{fmt.Sprintf("Task: %s.", doc.Title)}
	if doc.Intent != "" {
		parts = append(parts, "Goal: "+doc.Intent)
	}
	if n := len(doc.Requirements); n > 0 {
		parts = append(parts, fmt.Sprintf("%d requirements defined.", n))
	}
	if n := len(doc.Constraints); n > 0 {
		parts = append(parts, fmt.Sprintf("%d constraints.", n))
	}
	return strings.Join(parts, " ")
}

// ExecutionSpec derives the frozen execution spec from the document.
func (d *WorkingDoc) ExecutionSpec() ExecutionSpec {
	constraints := make([]string, 0, len(standardConstraints)+len(d.Constraints))
	constraints = append(constraints, standardConstraints...)
	constraints = append(constraints, d.Constraints...)
	return ExecutionSpec{
		Goal:              d.Intent,
		DefinitionOfDone:  slices.Clone(d.Requirements),
		Constraints:       constraints,
		RepoTargets:       []string{},
		RequiredArtifacts: []string{"diff summary", "test output"},
		GatesRequired:     []string{"write_gate", "run_gate"},
		Budgets:           map[string]any{},
	}
}

// ─── Markdown round-trip ─────────────────────────────────────────────────────

var titleRe = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// Markdown renders the document to the working.md format.
func (d *WorkingDoc) Markdown() string {
	var b strings.Builder
	title := d.Title
	if title == "" {
		title = "Untitled Task"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("## Intent\n")
	if d.Intent != "" {
		b.WriteString(d.Intent + "\n")
	} else {
		b.WriteString("_Not yet defined_\n")
	}
	b.WriteString("\n## Requirements\n")
	writeList(&b, d.Requirements)
	b.WriteString("\n## Constraints\n")
	writeList(&b, d.Constraints)
	b.WriteString("\n")
	if d.Context != "" {
		b.WriteString("## Context\n" + d.Context + "\n\n")
	}
	fmt.Fprintf(&b, "_Last updated: %s_\n", d.UpdatedAt.Format(time.RFC3339))
	return b.String()
}

func writeList(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("_None specified yet_\n")
		return
	}
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
}

// ParseWorkingDoc parses working.md content back into a WorkingDoc.
// Placeholder bodies (lines starting with "_") are treated as empty.
func ParseWorkingDoc(content string) *WorkingDoc {
	doc := &WorkingDoc{Title: "Untitled Task"}
	if m := titleRe.FindStringSubmatch(content); m != nil {
		doc.Title = strings.TrimSpace(m[1])
	}

	sections := regexp.MustCompile(`(?m)^##\s+`).Split(content, -1)
	for _, section := range sections[1:] {
		lines := strings.Split(strings.TrimSpace(section), "\n")
		header := strings.ToLower(strings.TrimSpace(lines[0]))
		body := strings.TrimSpace(strings.Join(lines[1:], "\n"))

		switch header {
		case "intent":
			if body != "" && !strings.HasPrefix(body, "_") {
				doc.Intent = body
			}
		case "requirements":
			doc.Requirements = parseListItems(body)
		case "constraints":
			doc.Constraints = parseListItems(body)
		case "context":
			if body != "" && !strings.HasPrefix(body, "_") {
				doc.Context = stripFooter(body)
			}
		}
	}
	return doc
}

func parseListItems(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			items = append(items, strings.TrimSpace(line[2:]))
		}
	}
	return items
}

// stripFooter removes the trailing "_Last updated:_" line that lands in the
// last section when parsing a rendered document.
func stripFooter(body string) string {
	lines := strings.Split(body, "\n")
	for len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if strings.HasPrefix(last, "_Last updated:") || last == "" {
			lines = lines[:len(lines)-1]
			continue
		}
		break
	}
	return strings.Join(lines, "\n")
}

// formatHandoff renders the XML-like handoff brief for builders.
func formatHandoff(d *WorkingDoc, taskID string) string {
	var b strings.Builder
	b.WriteString("<task>\n")
	fmt.Fprintf(&b, "  <title>%s</title>\n\n", d.Title)

	b.WriteString("  <goal>\n")
	fmt.Fprintf(&b, "    %s\n", d.Intent)
	b.WriteString("  </goal>\n\n")

	b.WriteString("  <definition_of_done>\n")
	for _, r := range d.Requirements {
		fmt.Fprintf(&b, "    <item>%s</item>\n", r)
	}
	b.WriteString("  </definition_of_done>\n\n")

	b.WriteString("  <constraints>\n")
	for _, c := range standardConstraints {
		fmt.Fprintf(&b, "    <item>%s</item>\n", c)
	}
	for _, c := range d.Constraints {
		fmt.Fprintf(&b, "    <item>%s</item>\n", c)
	}
	b.WriteString("  </constraints>\n\n")

	b.WriteString("  <expected_artifacts>\n")
	b.WriteString("    <item>diff summary</item>\n")
	b.WriteString("    <item>test output</item>\n")
	b.WriteString("  </expected_artifacts>\n\n")

	b.WriteString("  <gates>\n")
	b.WriteString("    <write_gate>true</write_gate>\n")
	b.WriteString("    <run_gate>true</run_gate>\n")
	b.WriteString("    <destructive_gate>true</destructive_gate>\n")
	b.WriteString("  </gates>\n\n")

	b.WriteString("  <context_pointers>\n")
	fmt.Fprintf(&b, "    <artifact path=\".conversator/prompts/%s/handoff.json\"/>\n", shortID(taskID))
	b.WriteString("  </context_pointers>\n")
	b.WriteString("</task>\n")
	return b.String()
}

func shortID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}
