package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// memoryEntry is one line of the append-only memory log.
type memoryEntry struct {
	Timestamp  string   `json:"timestamp"`
	Content    string   `json:"content"`
	Keywords   []string `json:"keywords"`
	Importance string   `json:"importance"`
}

// memoryIndex is the keyword lookup file maintained next to the log.
type memoryIndex struct {
	Keywords map[string][]memoryRef `yaml:"keywords"`
}

type memoryRef struct {
	Timestamp string `yaml:"timestamp"`
	Preview   string `yaml:"preview"`
}

func (h *Handler) memoryDir() string {
	return filepath.Join(h.cfg.WorkspaceRoot, ".conversator", "memory")
}

func (h *Handler) addToMemory(content string, keywords []string, importance string) Response {
	if content == "" {
		return errResponse("content is required")
	}

	dir := h.memoryDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errResponse(fmt.Sprintf("create memory dir: %v", err))
	}

	entry := memoryEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Content:    content,
		Keywords:   keywords,
		Importance: importance,
	}
	if entry.Keywords == nil {
		entry.Keywords = []string{}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return errResponse(fmt.Sprintf("encode memory: %v", err))
	}

	f, err := os.OpenFile(filepath.Join(dir, "atomic.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errResponse(fmt.Sprintf("open memory log: %v", err))
	}
	_, writeErr := f.Write(append(line, '\n'))
	closeErr := f.Close()
	if writeErr != nil {
		return errResponse(fmt.Sprintf("write memory: %v", writeErr))
	}
	if closeErr != nil {
		return errResponse(fmt.Sprintf("write memory: %v", closeErr))
	}

	if err := h.updateMemoryIndex(content, keywords); err != nil {
		// The log entry landed; a stale index is recoverable.
		h.logger.Warn("updating memory index", "error", err)
	}

	return okResponse(map[string]any{"saved": true, "message": "Got it, I'll remember that."})
}

func (h *Handler) updateMemoryIndex(content string, keywords []string) error {
	if len(keywords) == 0 {
		return nil
	}

	indexPath := filepath.Join(h.memoryDir(), "index.yaml")
	index := memoryIndex{Keywords: map[string][]memoryRef{}}
	if raw, err := os.ReadFile(indexPath); err == nil {
		if err := yaml.Unmarshal(raw, &index); err != nil {
			return fmt.Errorf("tools: parse memory index: %w", err)
		}
		if index.Keywords == nil {
			index.Keywords = map[string][]memoryRef{}
		}
	}

	preview := content
	if len(preview) > 100 {
		preview = preview[:100]
	}
	ref := memoryRef{Timestamp: time.Now().UTC().Format(time.RFC3339), Preview: preview}
	for _, kw := range keywords {
		index.Keywords[kw] = append(index.Keywords[kw], ref)
	}

	out, err := yaml.Marshal(&index)
	if err != nil {
		return fmt.Errorf("tools: encode memory index: %w", err)
	}
	if err := os.WriteFile(indexPath, out, 0o644); err != nil {
		return fmt.Errorf("tools: write memory index: %w", err)
	}
	return nil
}
