package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/ensembleworks/ensemble/core"
)

func runRunStoreTests(t *testing.T, newStore func(t *testing.T) WorkflowRunStore) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		run := NewWorkflowRun("run-1", "proj-1", "api-service")
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.Get(ctx, "run-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.ProjectID != "proj-1" || got.DefinitionID != "api-service" || got.Status != RunStatusPending {
			t.Errorf("unexpected run: %+v", got)
		}
	})

	t.Run("CreateRejectsIncompleteRun", func(t *testing.T) {
		store := newStore(t)
		err := store.Create(ctx, &WorkflowRun{ID: "run-1"})
		if !errors.Is(err, core.ErrInvalidConfiguration) {
			t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
		}
	})

	t.Run("OneRunPerProject", func(t *testing.T) {
		store := newStore(t)
		if err := store.Create(ctx, NewWorkflowRun("run-1", "proj-1", "api-service")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		err := store.Create(ctx, NewWorkflowRun("run-2", "proj-1", "api-service"))
		if !errors.Is(err, core.ErrInvalidConfiguration) {
			t.Fatalf("second run for project should be rejected, got %v", err)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("UpdateAdvancesRun", func(t *testing.T) {
		store := newStore(t)
		run := NewWorkflowRun("run-1", "proj-1", "api-service")
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		run.Status = RunStatusRunning
		run.CurrentStepIndex = 2
		run.ContextSnapshot["requirements"] = "art-1"
		run.StepRetries["implement"] = 1
		if err := store.Update(ctx, run); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, err := store.Get(ctx, "run-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != RunStatusRunning || got.CurrentStepIndex != 2 {
			t.Errorf("progress lost: %+v", got)
		}
		if got.ContextSnapshot["requirements"] != "art-1" || got.StepRetries["implement"] != 1 {
			t.Errorf("state maps lost: %+v", got)
		}
		if !got.UpdatedAt.After(got.CreatedAt) {
			t.Error("Update should refresh UpdatedAt")
		}
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		store := newStore(t)
		run := NewWorkflowRun("run-1", "proj-1", "api-service")
		if err := store.Update(ctx, run); !errors.Is(err, core.ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("GetByProject", func(t *testing.T) {
		store := newStore(t)
		if err := store.Create(ctx, NewWorkflowRun("run-1", "proj-1", "api-service")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := store.GetByProject(ctx, "proj-1")
		if err != nil {
			t.Fatalf("GetByProject failed: %v", err)
		}
		if got.ID != "run-1" {
			t.Errorf("unexpected run %q", got.ID)
		}

		if _, err := store.GetByProject(ctx, "proj-2"); !errors.Is(err, core.ErrRunNotFound) {
			t.Fatalf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("ListByStatus", func(t *testing.T) {
		store := newStore(t)
		running := NewWorkflowRun("run-1", "proj-1", "api-service")
		paused := NewWorkflowRun("run-2", "proj-2", "api-service")
		for _, run := range []*WorkflowRun{running, paused} {
			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}
		running.Status = RunStatusRunning
		if err := store.Update(ctx, running); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		paused.Status = RunStatusPaused
		if err := store.Update(ctx, paused); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, err := store.ListByStatus(ctx, RunStatusRunning)
		if err != nil {
			t.Fatalf("ListByStatus failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "run-1" {
			t.Fatalf("unexpected running runs: %+v", got)
		}

		// The status index tracks transitions.
		if got, _ := store.ListByStatus(ctx, RunStatusPending); len(got) != 0 {
			t.Fatalf("pending index should be empty: %+v", got)
		}
	})
}

func TestMemoryRunStore(t *testing.T) {
	runRunStoreTests(t, func(t *testing.T) WorkflowRunStore {
		return NewMemoryRunStore()
	})
}

func TestRedisRunStore(t *testing.T) {
	runRunStoreTests(t, func(t *testing.T) WorkflowRunStore {
		_, client := setupTestRedis(t)
		return NewRedisRunStore(client)
	})
}
