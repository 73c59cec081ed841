package store

import (
	"database/sql"
)

// execer is satisfied by *sql.Tx and *sql.DB.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// applyEvent mutates the derived tables for one event. It runs inside the
// same transaction as the event insert so that derived state and log always
// commit together.
func applyEvent(tx execer, e TaskEvent) error {
	switch e.Type {
	case EventTaskCreated:
		title := payloadString(e.Payload, "title")
		if title == "" {
			title = "Untitled Task"
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO tasks
			 (task_id, title, status, priority, project_root, created_at, updated_at,
			  working_prompt_path, handoff_prompt_path, builder_session_id, beads_id, last_event_id)
			 VALUES (?, ?, ?, 0, ?, ?, ?, ?, '', '', '', ?)`,
			e.TaskID, title, string(StatusDraft),
			payloadString(e.Payload, "project_root"),
			e.Time, e.Time,
			payloadString(e.Payload, "working_prompt_path"),
			e.EventID,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO mappings (task_id, beads_id, session_id) VALUES (?, '', '')`, e.TaskID)
		return err

	case EventWorkingPromptUpdated:
		return touchTask(tx, e, `working_prompt_path = ?`, payloadString(e.Payload, "path"))

	case EventQuestionsRaised:
		return setStatus(tx, e, StatusAwaitingUser)

	case EventUserAnswered:
		return setStatus(tx, e, StatusRefining)

	case EventHandoffFrozen:
		return touchTask(tx, e,
			`status = ?, handoff_prompt_path = ?`,
			string(StatusReadyToHandoff), payloadString(e.Payload, PayloadHandoffMDPath),
		)

	case EventBeadsTaskLinked:
		beadsID := payloadString(e.Payload, "beads_id")
		if err := touchTask(tx, e, `beads_id = ?`, beadsID); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE mappings SET beads_id = ? WHERE task_id = ?`, beadsID, e.TaskID)
		return err

	case EventBuilderDispatched:
		sessionID := payloadString(e.Payload, "session_id")
		if err := touchTask(tx, e,
			`status = ?, builder_session_id = ?`,
			string(StatusHandedOff), sessionID,
		); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE mappings SET session_id = ? WHERE task_id = ?`, sessionID, e.TaskID)
		return err

	case EventBuilderStatusChanged:
		// waiting_permission maps to the gate state; everything else means
		// the builder is making progress.
		status := StatusRunning
		if payloadString(e.Payload, "new_status") == "waiting_permission" {
			status = StatusAwaitingGate
		}
		return setStatus(tx, e, status)

	case EventGateRequested:
		return setStatus(tx, e, StatusAwaitingGate)

	case EventGateApproved, EventGateDenied:
		return setStatus(tx, e, StatusRunning)

	case EventBuildCompleted:
		return setStatus(tx, e, StatusDone)

	case EventBuildFailed:
		return setStatus(tx, e, StatusFailed)

	case EventTaskCanceled:
		return setStatus(tx, e, StatusCanceled)

	default:
		// Unknown event types are recorded but have no derived effect.
		return nil
	}
}

func setStatus(tx execer, e TaskEvent, status TaskStatus) error {
	return touchTask(tx, e, `status = ?`, string(status))
}

// touchTask applies a SET fragment plus the bookkeeping columns every event
// updates. Events referencing unknown tasks are tolerated: the log keeps
// them, the projection ignores them.
func touchTask(tx execer, e TaskEvent, setFragment string, args ...any) error {
	q := `UPDATE tasks SET ` + setFragment + `, updated_at = ?, last_event_id = ? WHERE task_id = ?`
	args = append(args, e.Time, e.EventID, e.TaskID)
	_, err := tx.Exec(q, args...)
	return err
}
