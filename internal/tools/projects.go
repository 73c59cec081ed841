package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/logabell/conversator/internal/supervise"
)

// projectMarkers flag a directory as a real project rather than loose
// files. Marker-bearing projects rank first in listings.
var projectMarkers = []string{
	".git", "pyproject.toml", "package.json", "Cargo.toml",
	"go.mod", "pom.xml", "build.gradle",
}

// autoSelectScore is the JaroWinkler similarity (0..1) above which a
// single fuzzy match is selected without asking.
const autoSelectScore = 0.85

// fuzzyCutoff is the floor below which a candidate is not offered at all.
const fuzzyCutoff = 0.60

var conversationalSuffix = regexp.MustCompile(`(?i)\b(app|project|repo|repository)\b`)

type projectEntry struct {
	name      string
	hasMarker bool
}

func (h *Handler) workspaceProjects() ([]projectEntry, error) {
	root := h.cfg.WorkspaceRoot
	items, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("tools: read workspace %s: %w", root, err)
	}

	var entries []projectEntry
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		marker := false
		for _, m := range projectMarkers {
			if _, err := os.Stat(filepath.Join(root, item.Name(), m)); err == nil {
				marker = true
				break
			}
		}
		entries = append(entries, projectEntry{name: item.Name(), hasMarker: marker})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].hasMarker != entries[j].hasMarker {
			return entries[i].hasMarker
		}
		return strings.ToLower(entries[i].name) < strings.ToLower(entries[j].name)
	})
	return entries, nil
}

func (h *Handler) listProjects() Response {
	entries, err := h.workspaceProjects()
	if err != nil {
		return errResponse(err.Error())
	}

	names := make([]string, len(entries))
	detailed := make([]map[string]any, len(entries))
	markers := 0
	for i, e := range entries {
		names[i] = e.name
		detailed[i] = map[string]any{"name": e.name, "has_marker": e.hasMarker}
		if e.hasMarker {
			markers++
		}
	}

	if len(names) == 0 {
		return sayResponse(map[string]any{
			"summary":   fmt.Sprintf("No projects found in %s. You can create a new one.", h.cfg.WorkspaceRoot),
			"projects":  []string{},
			"workspace": h.cfg.WorkspaceRoot,
		})
	}

	preview := names
	if len(preview) > 5 {
		preview = preview[:5]
	}
	summary := fmt.Sprintf("Found %d projects: %s.", len(names), strings.Join(preview, ", "))
	if len(names) > 5 {
		summary = fmt.Sprintf("Found %d projects: %s, and %d more.",
			len(names), strings.Join(preview, ", "), len(names)-5)
	}

	return okResponse(map[string]any{
		"summary":              summary,
		"projects":             names,
		"projects_detailed":    detailed,
		"marker_project_count": markers,
		"workspace":            h.cfg.WorkspaceRoot,
	})
}

type fuzzyMatch struct {
	name  string
	score float64
}

// matchProjects ranks candidate projects against a spoken query.
func matchProjects(query string, projects []string) []fuzzyMatch {
	q := strings.ToLower(strings.TrimSpace(query))
	var matches []fuzzyMatch
	for _, p := range projects {
		score := matchr.JaroWinkler(q, strings.ToLower(p), false)
		if score >= fuzzyCutoff {
			matches = append(matches, fuzzyMatch{name: p, score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > 3 {
		matches = matches[:3]
	}
	return matches
}

// normalizeProjectQuery strips conversational suffixes like "app" or
// "project" so "the calculator app" matches "calculator".
func normalizeProjectQuery(query string) string {
	out := conversationalSuffix.ReplaceAllString(query, " ")
	return strings.Join(strings.Fields(out), " ")
}

func (h *Handler) selectProject(ctx context.Context, projectName string, autoStartBuilder bool) Response {
	if projectName == "" {
		return errResponse("project_name is required")
	}

	entries, err := h.workspaceProjects()
	if err != nil {
		return errResponse(err.Error())
	}
	if len(entries) == 0 {
		return errResponse("No projects found in workspace.")
	}
	projects := make([]string, len(entries))
	for i, e := range entries {
		projects[i] = e.name
	}

	// Exact directory match wins outright.
	exact := filepath.Join(h.cfg.WorkspaceRoot, projectName)
	if info, err := os.Stat(exact); err == nil && info.IsDir() {
		return h.doSelectProject(ctx, projectName, exact, autoStartBuilder)
	}

	query := normalizeProjectQuery(projectName)
	if query == "" {
		query = projectName
	}
	matches := matchProjects(query, projects)

	if len(matches) == 0 {
		preview := projects
		if len(preview) > 5 {
			preview = preview[:5]
		}
		return sayResponse(map[string]any{
			"error":              fmt.Sprintf("No project matches '%s'.", projectName),
			"available_projects": preview,
			"say": fmt.Sprintf("I couldn't find a project matching '%s'. Available projects are: %s.",
				projectName, strings.Join(preview, ", ")),
		})
	}

	if len(matches) == 1 || matches[0].score > autoSelectScore {
		best := matches[0].name
		resp := h.doSelectProject(ctx, best, filepath.Join(h.cfg.WorkspaceRoot, best), autoStartBuilder)
		resp.Result["fuzzy_matched"] = true
		resp.Result["original_query"] = projectName
		return resp
	}

	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.name
	}
	return sayResponse(map[string]any{
		"status":  "needs_clarification",
		"message": fmt.Sprintf("I found multiple projects matching '%s'", projectName),
		"matches": names,
		"say": fmt.Sprintf("I found %d projects that could match: %s. Which one did you mean?",
			len(names), strings.Join(names, ", ")),
	})
}

func (h *Handler) doSelectProject(ctx context.Context, name, path string, autoStartBuilder bool) Response {
	h.session.SelectProject(name, path)

	result := map[string]any{
		"project_name": name,
		"project_path": path,
	}

	if !autoStartBuilder {
		result["summary"] = "Selected project: " + name
		result["hint"] = "Call start_builder to launch the coding agent."
		return okResponse(result)
	}

	builderResp := h.startBuilder(ctx)
	if builderResp.Result["status"] == "running" {
		result["summary"] = fmt.Sprintf("Selected %s and started builder. Ready to code!", name)
		result["builder_status"] = "running"
	} else {
		errText, _ := builderResp.Result["error"].(string)
		if errText == "" {
			errText = "unknown status"
		}
		result["summary"] = fmt.Sprintf("Selected %s. Builder: %s", name, errText)
		result["builder_status"] = "error"
		result["builder_error"] = errText
	}
	return okResponse(result)
}

func (h *Handler) startBuilder(ctx context.Context) Response {
	name, path := h.session.Project()
	if path == "" {
		return okResponse(map[string]any{
			"error": "No project selected. Use select_project first.",
			"hint":  "Call list_projects to see available options.",
		})
	}

	port := 8001
	if b, ok := h.cfg.Builders["opencode"]; ok {
		port = b.Port
	}

	// Already running in this project: nothing to do. In a different
	// project: stop and restart there.
	if h.builderSup != nil && h.builderSup.Running() {
		if h.builderProject == name {
			return okResponse(map[string]any{
				"summary":      fmt.Sprintf("Builder already running in %s.", name),
				"project_name": name,
				"status":       "running",
			})
		}
		if err := h.builderSup.Stop(); err != nil {
			h.logger.Warn("stopping builder for project switch", "error", err)
		}
	}

	h.builderSup = supervise.New(supervise.Config{
		Name:       "builder",
		Port:       port,
		WorkingDir: path,
	})
	h.builderProject = name

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := h.builderSup.Start(startCtx); err != nil {
		return okResponse(map[string]any{
			"error":        fmt.Sprintf("Failed to start builder in %s: %v", name, err),
			"project_name": name,
			"hint":         "Check if opencode is installed: which opencode",
		})
	}

	return okResponse(map[string]any{
		"summary":      fmt.Sprintf("Builder started in %s. Ready to code!", name),
		"project_name": name,
		"project_path": path,
		"port":         port,
		"status":       "running",
	})
}

// sanitizeProjectName lowercases and reduces a spoken name to
// [a-z0-9-].
func sanitizeProjectName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (h *Handler) createProject(ctx context.Context, projectName string, initGit, startAfter bool) Response {
	safe := sanitizeProjectName(projectName)
	if safe == "" {
		return errResponse("Invalid project name. Use letters, numbers, and dashes.")
	}

	path := filepath.Join(h.cfg.WorkspaceRoot, safe)
	if _, err := os.Stat(path); err == nil {
		return okResponse(map[string]any{
			"error": fmt.Sprintf("Project '%s' already exists.", safe),
			"hint":  "Use select_project to work on it, or choose a different name.",
		})
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return errResponse(fmt.Sprintf("Failed to create project: %v", err))
	}
	h.logger.Info("created project directory", "path", path)

	gitOK := false
	if initGit {
		gitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		cmd := exec.CommandContext(gitCtx, "git", "init")
		cmd.Dir = path
		if out, err := cmd.CombinedOutput(); err != nil {
			h.logger.Warn("git init failed", "project", safe, "output", string(out))
		} else {
			gitOK = true
		}
		cancel()
	}

	if !startAfter {
		return okResponse(map[string]any{
			"summary":         fmt.Sprintf("Created project '%s'. Use select_project to start working on it.", safe),
			"project_name":    safe,
			"project_path":    path,
			"git_initialized": gitOK,
			"hint":            "Call select_project and start_builder to begin coding.",
		})
	}

	h.session.SelectProject(safe, path)
	builderResp := h.startBuilder(ctx)
	status, _ := builderResp.Result["status"].(string)
	if status == "" {
		status = "unknown"
	}

	return okResponse(map[string]any{
		"summary":         fmt.Sprintf("Created project '%s' and started the builder. Ready to code!", safe),
		"project_name":    safe,
		"project_path":    path,
		"git_initialized": gitOK,
		"builder_status":  status,
	})
}
