// Package db_test provides tests for the db package
package db_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3mdistal/ralph/internal/db"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/pkg/types"
)

func setupTestDB(t *testing.T) *db.Store {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTask(t *testing.T, store *db.Store, path string, priority int) *types.Task {
	t.Helper()
	task := &types.Task{Path: path, Repo: "acme/widgets", IssueNumber: 7, Title: "Fix it", Priority: priority}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestStore_CreateAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	createTask(t, store, "tasks/a", 0)

	got, err := store.GetTaskByPath(ctx, "tasks/a")
	if err != nil {
		t.Fatalf("GetTaskByPath failed: %v", err)
	}
	if got.Status != types.TaskStatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if got.Repo != "acme/widgets" || got.IssueNumber != 7 {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.HeartbeatAt != nil || got.DaemonID != "" {
		t.Errorf("new task should be unowned: %+v", got)
	}

	_, err = store.GetTaskByPath(ctx, "tasks/missing")
	if !errors.Is(err, queue.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	if err := store.CreateTask(ctx, &types.Task{Path: "x"}); err == nil {
		t.Error("expected error for task without repo")
	}
}

func TestStore_ListTasksByStatus(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	createTask(t, store, "tasks/low", 1)
	createTask(t, store, "tasks/high", 10)
	done := createTask(t, store, "tasks/done", 5)
	if err := store.UpdateTaskStatus(ctx, done, types.TaskStatusDone, types.TaskPatch{}); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}

	queued, err := store.ListTasksByStatus(ctx, types.TaskStatusQueued)
	if err != nil {
		t.Fatalf("ListTasksByStatus failed: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", len(queued))
	}
	if queued[0].Path != "tasks/high" {
		t.Errorf("expected highest priority first, got %s", queued[0].Path)
	}

	all, err := store.ListTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("ListTasksByStatus failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(all))
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[types.TaskStatusQueued] != 2 || counts[types.TaskStatusDone] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestStore_UpdateTaskStatus_Patch(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	task := createTask(t, store, "tasks/a", 0)

	attempts := 2
	err := store.UpdateTaskStatus(ctx, task, types.TaskStatusInProgress, types.TaskPatch{
		WorktreePath: types.String("/wt/slot-0/7/a"),
		SessionID:    types.String("sess-1"),
		Attempts:     &attempts,
	})
	if err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}
	if task.WorktreePath != "/wt/slot-0/7/a" || task.SessionID != "sess-1" {
		t.Errorf("caller task not patched: %+v", task)
	}

	got, _ := store.GetTaskByPath(ctx, "tasks/a")
	if got.Status != types.TaskStatusInProgress || got.WorktreePath != "/wt/slot-0/7/a" || got.Attempts != 2 {
		t.Errorf("stored task not patched: %+v", got)
	}

	// Untouched fields survive a second patch
	if err := store.UpdateTaskStatus(ctx, task, types.TaskStatusBlocked, types.TaskPatch{LastError: types.String("boom")}); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}
	got, _ = store.GetTaskByPath(ctx, "tasks/a")
	if got.SessionID != "sess-1" || got.LastError != "boom" {
		t.Errorf("unexpected task after second patch: %+v", got)
	}

	if err := store.UpdateTaskStatus(ctx, task, "bogus", types.TaskPatch{}); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := store.UpdateTaskStatus(ctx, &types.Task{Path: "nope"}, types.TaskStatusDone, types.TaskPatch{}); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStore_UpdateTaskStatus_Reset(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	task := createTask(t, store, "tasks/a", 0)

	if _, err := store.TryClaimTask(ctx, task, "daemon-1", time.Now()); err != nil {
		t.Fatalf("TryClaimTask failed: %v", err)
	}
	if err := store.UpdateTaskStatus(ctx, task, types.TaskStatusInProgress, types.TaskPatch{
		WorktreePath: types.String("/wt/x"),
		SessionID:    types.String("sess"),
	}); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, task, types.TaskStatusQueued, types.ResetPatch()); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	got, _ := store.GetTaskByPath(ctx, "tasks/a")
	if got.Status != types.TaskStatusQueued || got.WorktreePath != "" || got.SessionID != "" {
		t.Errorf("reset left fields behind: %+v", got)
	}
	if got.DaemonID != "" || got.HeartbeatAt != nil {
		t.Errorf("reset should clear ownership: %+v", got)
	}
}

func TestStore_UpdateTaskStatus_NotBefore(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	task := createTask(t, store, "tasks/a", 0)

	// Running the schema again on an existing database is harmless
	if err := store.InitSchema(); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}

	until := time.Now().Add(5 * time.Minute).Truncate(time.Millisecond)
	if err := store.UpdateTaskStatus(ctx, task, types.TaskStatusQueued, types.TaskPatch{NotBefore: &until}); err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}
	got, _ := store.GetTaskByPath(ctx, "tasks/a")
	if got.NotBefore == nil || !got.NotBefore.Equal(until) {
		t.Fatalf("NotBefore = %v, want %v", got.NotBefore, until)
	}
	if !got.WaitingUntil(time.Now()) {
		t.Error("task should be waiting before NotBefore")
	}
	if got.WaitingUntil(until.Add(time.Second)) {
		t.Error("task should be dispatchable after NotBefore")
	}

	if err := store.UpdateTaskStatus(ctx, task, types.TaskStatusQueued, types.ResetPatch()); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	got, _ = store.GetTaskByPath(ctx, "tasks/a")
	if got.NotBefore != nil || task.NotBefore != nil {
		t.Errorf("reset should clear NotBefore: stored %v, caller %v", got.NotBefore, task.NotBefore)
	}
}

func TestStore_TryClaimTask(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("unowned task is claimed", func(t *testing.T) {
		store := setupTestDB(t)
		task := createTask(t, store, "tasks/a", 0)

		res, err := store.TryClaimTask(ctx, task, "daemon-1", now)
		if err != nil {
			t.Fatalf("TryClaimTask failed: %v", err)
		}
		if !res.Claimed {
			t.Fatalf("expected claim, got reason %q", res.Reason)
		}
		if task.DaemonID != "daemon-1" || task.HeartbeatAt == nil {
			t.Errorf("caller task not updated: %+v", task)
		}
	})

	t.Run("same daemon claims again", func(t *testing.T) {
		store := setupTestDB(t)
		task := createTask(t, store, "tasks/a", 0)
		store.TryClaimTask(ctx, task, "daemon-1", now)

		res, err := store.TryClaimTask(ctx, task, "daemon-1", now.Add(time.Second))
		if err != nil {
			t.Fatalf("TryClaimTask failed: %v", err)
		}
		if !res.Claimed {
			t.Errorf("expected re-claim by owner, got %q", res.Reason)
		}
	})

	t.Run("live owner blocks another daemon", func(t *testing.T) {
		store := setupTestDB(t)
		task := createTask(t, store, "tasks/a", 0)
		store.TryClaimTask(ctx, task, "daemon-1", now)

		other := &types.Task{Path: "tasks/a"}
		res, err := store.TryClaimTask(ctx, other, "daemon-2", now.Add(10*time.Second))
		if err != nil {
			t.Fatalf("TryClaimTask failed: %v", err)
		}
		if res.Claimed {
			t.Fatal("expected claim to be rejected")
		}
		if !strings.Contains(res.Reason, "owned by daemon-1") {
			t.Errorf("unexpected reason %q", res.Reason)
		}
	})

	t.Run("stale owner is taken over", func(t *testing.T) {
		store := setupTestDB(t)
		store.SetOwnershipTTL(time.Minute)
		task := createTask(t, store, "tasks/a", 0)
		store.TryClaimTask(ctx, task, "daemon-1", now)

		other := &types.Task{Path: "tasks/a"}
		res, err := store.TryClaimTask(ctx, other, "daemon-2", now.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("TryClaimTask failed: %v", err)
		}
		if !res.Claimed {
			t.Fatalf("expected stale takeover, got %q", res.Reason)
		}
		got, _ := store.GetTaskByPath(ctx, "tasks/a")
		if got.DaemonID != "daemon-2" {
			t.Errorf("DaemonID = %q, want daemon-2", got.DaemonID)
		}
	})

	t.Run("done task is not claimed", func(t *testing.T) {
		store := setupTestDB(t)
		task := createTask(t, store, "tasks/a", 0)
		store.UpdateTaskStatus(ctx, task, types.TaskStatusDone, types.TaskPatch{})

		res, err := store.TryClaimTask(ctx, task, "daemon-1", now)
		if err != nil {
			t.Fatalf("TryClaimTask failed: %v", err)
		}
		if res.Claimed || res.Reason != "task is done" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("missing task", func(t *testing.T) {
		store := setupTestDB(t)
		res, err := store.TryClaimTask(ctx, &types.Task{Path: "nope"}, "daemon-1", now)
		if err != nil {
			t.Fatalf("TryClaimTask failed: %v", err)
		}
		if res.Claimed || res.Reason != "task not found" {
			t.Errorf("unexpected result %+v", res)
		}
	})
}

func TestStore_TryClaimTask_Concurrent(t *testing.T) {
	store := setupTestDB(t)
	createTask(t, store, "tasks/a", 0)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			task := &types.Task{Path: "tasks/a"}
			res, err := store.TryClaimTask(ctx, task, "daemon-"+string(rune('a'+id)), now)
			if err != nil {
				// SQLITE_BUSY under contention counts as a lost race
				return
			}
			if res.Claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 claim winner, got %d", winners)
	}
}

func TestStore_Heartbeat(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	task := createTask(t, store, "tasks/a", 0)
	start := time.Now()
	store.TryClaimTask(ctx, task, "daemon-1", start)

	later := start.Add(30 * time.Second)
	if err := store.Heartbeat(ctx, "tasks/a", "daemon-1", later); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	got, _ := store.GetTaskByPath(ctx, "tasks/a")
	if got.HeartbeatAt == nil || got.HeartbeatAt.UnixMilli() != later.UnixMilli() {
		t.Errorf("heartbeat not recorded: %v", got.HeartbeatAt)
	}

	if err := store.Heartbeat(ctx, "tasks/a", "daemon-2", later); err == nil {
		t.Error("expected heartbeat by non-owner to fail")
	}
}

func TestStore_NoteDeferred(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	createTask(t, store, "tasks/a", 0)

	if err := store.NoteDeferred(ctx, "tasks/a", "global concurrency limit reached"); err != nil {
		t.Fatalf("NoteDeferred failed: %v", err)
	}
	got, _ := store.GetTaskByPath(ctx, "tasks/a")
	if got.LastError != "global concurrency limit reached" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.Status != types.TaskStatusQueued {
		t.Errorf("NoteDeferred should not change status, got %q", got.Status)
	}
}

func TestStore_Escalations(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	esc := &types.Escalation{TaskPath: "tasks/a", Repo: "acme/widgets", IssueNumber: 7, Reason: "no PR found"}
	if err := store.CreateEscalation(ctx, esc); err != nil {
		t.Fatalf("CreateEscalation failed: %v", err)
	}
	if !strings.HasPrefix(esc.ID, "esc-") {
		t.Errorf("unexpected id %q", esc.ID)
	}

	pending, err := store.ListEscalationsByStatus(ctx, types.EscalationPending)
	if err != nil {
		t.Fatalf("ListEscalationsByStatus failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending escalation, got %d", len(pending))
	}

	recheck := time.Now().Add(time.Hour)
	if err := store.ResolveEscalation(ctx, esc.ID, "use the v2 API", &recheck); err != nil {
		t.Fatalf("ResolveEscalation failed: %v", err)
	}
	got, err := store.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("GetEscalation failed: %v", err)
	}
	if got.Status != types.EscalationResolved || got.Resolution != "use the v2 API" {
		t.Errorf("unexpected escalation: %+v", got)
	}
	if got.RecheckAfter == nil || got.RecheckAfter.UnixMilli() != recheck.UnixMilli() {
		t.Errorf("RecheckAfter not stored: %v", got.RecheckAfter)
	}

	at := time.Now()
	if err := store.MarkEscalationResumeFailed(ctx, esc.ID, at, "agent crashed"); err != nil {
		t.Fatalf("MarkEscalationResumeFailed failed: %v", err)
	}
	got, _ = store.GetEscalation(ctx, esc.ID)
	if got.Status != types.EscalationResumeFailed || got.ResumeError != "agent crashed" || got.ResumeAttemptedAt == nil {
		t.Errorf("unexpected escalation: %+v", got)
	}

	if err := store.MarkEscalationResumed(ctx, esc.ID, at); err != nil {
		t.Fatalf("MarkEscalationResumed failed: %v", err)
	}
	got, _ = store.GetEscalation(ctx, esc.ID)
	if got.Status != types.EscalationResumed || got.ResumeError != "" {
		t.Errorf("unexpected escalation: %+v", got)
	}

	if err := store.ResolveEscalation(ctx, "esc-missing", "x", nil); !errors.Is(err, db.ErrEscalationNotFound) {
		t.Errorf("expected ErrEscalationNotFound, got %v", err)
	}
}
