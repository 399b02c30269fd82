package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newHITLStoreUnderTest(t *testing.T) *RedisHITLStore {
	t.Helper()
	_, client := setupTestRedis(t)
	return NewRedisHITLStore(client)
}

func pendingApproval(projectID, taskID string, kind ApprovalKind) *HITLApproval {
	now := time.Now()
	return &HITLApproval{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		TaskID:    taskID,
		AgentType: "coder",
		Kind:      kind,
		Status:    ApprovalStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

// ============================================================================
// Approval Tests
// ============================================================================

func TestHITLStoreCreateAndGetApproval(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	approval := pendingApproval("proj-1", "task-1", ApprovalKindPreExecution)
	if err := store.CreateApproval(ctx, approval); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	got, err := store.GetApproval(ctx, approval.ID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.TaskID != "task-1" || got.Kind != ApprovalKindPreExecution || got.Status != ApprovalStatusPending {
		t.Errorf("unexpected approval: %+v", got)
	}
}

func TestHITLStoreOnePendingApprovalPerTask(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	first := pendingApproval("proj-1", "task-1", ApprovalKindPreExecution)
	if err := store.CreateApproval(ctx, first); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	second := pendingApproval("proj-1", "task-1", ApprovalKindPhaseGate)
	err := store.CreateApproval(ctx, second)
	if !errors.Is(err, ErrPendingApprovalExists) {
		t.Fatalf("expected ErrPendingApprovalExists, got %v", err)
	}

	// Resolving the first approval frees the slot.
	first.Status = ApprovalStatusApproved
	first.Action = HITLActionApprove
	now := time.Now()
	first.RespondedAt = &now
	if err := store.ResolveApproval(ctx, first); err != nil {
		t.Fatalf("ResolveApproval failed: %v", err)
	}
	if err := store.CreateApproval(ctx, second); err != nil {
		t.Fatalf("CreateApproval after resolve failed: %v", err)
	}
}

func TestHITLStoreGetApprovalUnknown(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	if _, err := store.GetApproval(context.Background(), "missing"); !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestHITLStoreResolveApprovalIsTerminal(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	approval := pendingApproval("proj-1", "task-1", ApprovalKindPreExecution)
	if err := store.CreateApproval(ctx, approval); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	approval.Status = ApprovalStatusRejected
	approval.Action = HITLActionReject
	now := time.Now()
	approval.RespondedAt = &now
	if err := store.ResolveApproval(ctx, approval); err != nil {
		t.Fatalf("ResolveApproval failed: %v", err)
	}

	// A second resolution must fail.
	approval.Status = ApprovalStatusApproved
	if err := store.ResolveApproval(ctx, approval); !errors.Is(err, ErrApprovalAlreadyResolved) {
		t.Fatalf("expected ErrApprovalAlreadyResolved, got %v", err)
	}
}

func TestHITLStoreListPending(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	a1 := pendingApproval("proj-1", "task-1", ApprovalKindPreExecution)
	a1.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a2 := pendingApproval("proj-1", "task-2", ApprovalKindPhaseGate)
	a2.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a3 := pendingApproval("proj-2", "task-3", ApprovalKindPreExecution)

	for _, a := range []*HITLApproval{a1, a2, a3} {
		if err := store.CreateApproval(ctx, a); err != nil {
			t.Fatalf("CreateApproval failed: %v", err)
		}
	}

	pending, err := store.ListPending(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending approvals, got %d", len(pending))
	}
	if pending[0].ID != a2.ID {
		t.Error("pending approvals should be ordered by creation time")
	}

	// Resolved approvals drop out of the pending view.
	a2.Status = ApprovalStatusApproved
	a2.Action = HITLActionApprove
	now := time.Now()
	a2.RespondedAt = &now
	if err := store.ResolveApproval(ctx, a2); err != nil {
		t.Fatalf("ResolveApproval failed: %v", err)
	}
	pending, _ = store.ListPending(ctx, "proj-1")
	if len(pending) != 1 || pending[0].ID != a1.ID {
		t.Fatalf("resolved approval still listed: %+v", pending)
	}

	all, err := store.ListPending(ctx, "")
	if err != nil {
		t.Fatalf("ListPending all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 pending approvals across projects, got %d", len(all))
	}
}

// ============================================================================
// Counter Tests
// ============================================================================

func TestHITLStoreCounterLifecycle(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	counter, err := store.GetCounter(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	if counter != nil {
		t.Fatal("uninitialized counter should be nil")
	}

	if err := store.PutCounter(ctx, &HITLCounter{
		ProjectID:    "proj-1",
		Enabled:      true,
		Remaining:    3,
		InitialValue: 3,
	}); err != nil {
		t.Fatalf("PutCounter failed: %v", err)
	}

	counter, err = store.GetCounter(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	if counter == nil || counter.Remaining != 3 || !counter.Enabled {
		t.Fatalf("unexpected counter: %+v", counter)
	}
}

func TestHITLStoreDecrementCounterToExhaustion(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	if err := store.PutCounter(ctx, &HITLCounter{
		ProjectID: "proj-1", Enabled: true, Remaining: 2, InitialValue: 2,
	}); err != nil {
		t.Fatalf("PutCounter failed: %v", err)
	}

	remaining, decremented, err := store.DecrementCounter(ctx, "proj-1")
	if err != nil || !decremented || remaining != 1 {
		t.Fatalf("first decrement = %d, %v, %v; want 1, true, nil", remaining, decremented, err)
	}
	remaining, decremented, err = store.DecrementCounter(ctx, "proj-1")
	if err != nil || !decremented || remaining != 0 {
		t.Fatalf("second decrement = %d, %v, %v; want 0, true, nil", remaining, decremented, err)
	}

	// An exhausted counter does not go negative.
	remaining, decremented, err = store.DecrementCounter(ctx, "proj-1")
	if err != nil || decremented || remaining != 0 {
		t.Fatalf("exhausted decrement = %d, %v, %v; want 0, false, nil", remaining, decremented, err)
	}
}

func TestHITLStoreDecrementWithoutCounter(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	remaining, decremented, err := store.DecrementCounter(context.Background(), "proj-none")
	if err != nil || decremented || remaining != 0 {
		t.Fatalf("decrement = %d, %v, %v; want 0, false, nil", remaining, decremented, err)
	}
}

// ============================================================================
// Emergency Stop Tests
// ============================================================================

func TestHITLStoreEmergencyStopLifecycle(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	stop := &EmergencyStop{
		ID:        uuid.New().String(),
		Scope:     "proj-1",
		Reason:    "runaway agent",
		CreatedAt: time.Now(),
	}
	if err := store.ActivateStop(ctx, stop); err != nil {
		t.Fatalf("ActivateStop failed: %v", err)
	}

	active, err := store.ActiveStopFor(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ActiveStopFor failed: %v", err)
	}
	if active == nil || active.ID != stop.ID || !active.Active {
		t.Fatalf("unexpected active stop: %+v", active)
	}

	// The scoped stop does not cover other projects.
	other, err := store.ActiveStopFor(ctx, "proj-2")
	if err != nil {
		t.Fatalf("ActiveStopFor failed: %v", err)
	}
	if other != nil {
		t.Fatalf("proj-2 should not be covered: %+v", other)
	}

	deactivated, err := store.DeactivateStop(ctx, stop.ID)
	if err != nil {
		t.Fatalf("DeactivateStop failed: %v", err)
	}
	if deactivated.Active || deactivated.DeactivatedAt == nil {
		t.Fatalf("stop should be inactive with a timestamp: %+v", deactivated)
	}

	if active, _ := store.ActiveStopFor(ctx, "proj-1"); active != nil {
		t.Fatalf("deactivated stop still covers proj-1: %+v", active)
	}
}

func TestHITLStoreGlobalStopCoversEverything(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	ctx := context.Background()

	stop := &EmergencyStop{
		ID:        uuid.New().String(),
		Scope:     StopScopeGlobal,
		Reason:    "incident response",
		CreatedAt: time.Now(),
	}
	if err := store.ActivateStop(ctx, stop); err != nil {
		t.Fatalf("ActivateStop failed: %v", err)
	}

	for _, projectID := range []string{"proj-1", "proj-2"} {
		active, err := store.ActiveStopFor(ctx, projectID)
		if err != nil {
			t.Fatalf("ActiveStopFor failed: %v", err)
		}
		if active == nil {
			t.Fatalf("global stop should cover %s", projectID)
		}
	}
}

func TestHITLStoreDeactivateUnknownStop(t *testing.T) {
	store := newHITLStoreUnderTest(t)
	if _, err := store.DeactivateStop(context.Background(), "missing"); !errors.Is(err, ErrStopNotFound) {
		t.Fatalf("expected ErrStopNotFound, got %v", err)
	}
}
