package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/internal/store"
)

func newStoreHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	s := openTestStore(t)
	h := NewHandler(Deps{
		Config: &config.Config{WorkspaceRoot: t.TempDir()},
		Store:  s,
		Logger: testLogger(),
	})
	return h, s
}

func TestCheckStatusEmpty(t *testing.T) {
	h, _ := newStoreHandler(t)
	resp := h.checkStatus(context.Background(), false)
	if resp.Result["active_count"] != 0 {
		t.Fatalf("Result = %v", resp.Result)
	}
	summary, _ := resp.Result["summary"].(string)
	if !strings.Contains(summary, "No active tasks") {
		t.Errorf("summary = %q", summary)
	}
}

func TestCheckStatusSingleTask(t *testing.T) {
	h, s := newStoreHandler(t)
	if _, err := s.CreateTask("Add OAuth login", "", ""); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	resp := h.checkStatus(context.Background(), false)
	if resp.Result["active_count"] != 1 {
		t.Fatalf("Result = %v", resp.Result)
	}
	summary, _ := resp.Result["summary"].(string)
	if !strings.Contains(summary, "Add OAuth login") {
		t.Errorf("summary = %q, want task title", summary)
	}

	tasks, _ := resp.Result["tasks"].([]map[string]any)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v", tasks)
	}
	id, _ := tasks[0]["task_id"].(string)
	if len(id) > 8 {
		t.Errorf("task_id = %q, want short form", id)
	}
}

func TestCheckStatusVerboseCarriesDetail(t *testing.T) {
	h, s := newStoreHandler(t)
	if _, err := s.CreateTask("Fix parser", "", "/tmp/proj"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	resp := h.checkStatus(context.Background(), true)
	tasks, _ := resp.Result["tasks"].([]map[string]any)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v", tasks)
	}
	if tasks[0]["project_root"] != "/tmp/proj" {
		t.Errorf("project_root = %v", tasks[0]["project_root"])
	}
}

func TestCheckInboxEmpty(t *testing.T) {
	h, _ := newStoreHandler(t)
	resp := h.checkInbox(false)
	if resp.Result["count"] != 0 {
		t.Fatalf("Result = %v", resp.Result)
	}
}

func TestCheckInboxGroupsBySeverity(t *testing.T) {
	h, s := newStoreHandler(t)
	for _, item := range []store.InboxItem{
		store.NewInboxItem(store.SeverityInfo, "The researcher says hi", nil),
		store.NewInboxItem(store.SeverityError, "Build failed on ci", nil),
		store.NewInboxItem(store.SeverityBlocking, "Builder needs gate approval", nil),
	} {
		if _, err := s.AddInboxItem(item); err != nil {
			t.Fatalf("AddInboxItem: %v", err)
		}
	}

	resp := h.checkInbox(false)
	if resp.Result["count"] != 3 {
		t.Fatalf("Result = %v", resp.Result)
	}
	summary, _ := resp.Result["summary"].(string)
	if !strings.Contains(summary, "1 blocking") || !strings.Contains(summary, "1 error") {
		t.Errorf("summary = %q", summary)
	}
	if !strings.Contains(summary, "Builder needs gate approval") {
		t.Errorf("summary = %q, want blocking item surfaced first", summary)
	}
}

func TestAcknowledgeInboxByID(t *testing.T) {
	h, s := newStoreHandler(t)
	item := store.NewInboxItem(store.SeverityInfo, "done", nil)
	id, err := s.AddInboxItem(item)
	if err != nil {
		t.Fatalf("AddInboxItem: %v", err)
	}

	resp := h.acknowledgeInbox([]string{id})
	if resp.Result["acknowledged"] != 1 {
		t.Fatalf("Result = %v", resp.Result)
	}
	unread, err := s.GetInbox(store.InboxFilter{UnreadOnly: true})
	if err != nil {
		t.Fatalf("GetInbox: %v", err)
	}
	if len(unread) != 0 {
		t.Errorf("unread = %d, want 0", len(unread))
	}
}

func TestAcknowledgeInboxAll(t *testing.T) {
	h, s := newStoreHandler(t)
	for i := 0; i < 3; i++ {
		if _, err := s.AddInboxItem(store.NewInboxItem(store.SeverityInfo, "ping", nil)); err != nil {
			t.Fatalf("AddInboxItem: %v", err)
		}
	}
	resp := h.acknowledgeInbox(nil)
	if resp.Result["acknowledged"] != 3 {
		t.Fatalf("Result = %v", resp.Result)
	}
}

func TestCancelTask(t *testing.T) {
	h, s := newStoreHandler(t)
	taskID, err := s.CreateTask("Doomed work", "", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	resp := h.cancelTask(taskID, "changed my mind")
	if resp.Result["canceled"] != true {
		t.Fatalf("Result = %v", resp.Result)
	}

	task, err := s.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.StatusCanceled {
		t.Errorf("status = %s, want canceled", task.Status)
	}

	// A second cancel hits the terminal guard.
	resp = h.cancelTask(taskID, "")
	if resp.Result["canceled"] != false {
		t.Errorf("Result = %v, want terminal rejection", resp.Result)
	}
}

func TestCancelTaskUnknown(t *testing.T) {
	h, _ := newStoreHandler(t)
	resp := h.cancelTask("nope", "")
	if resp.Result["canceled"] != false {
		t.Fatalf("Result = %v", resp.Result)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abcdefghijkl"); got != "abcdefgh" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
