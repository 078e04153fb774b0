package model

import (
	"testing"
	"time"
)

func TestPointerStatusIsFinal(t *testing.T) {
	final := []PointerStatus{PointerComplete, PointerFailed, PointerCompensated, PointerCancelled}
	for _, s := range final {
		if !s.IsFinal() {
			t.Errorf("%s: want final", s)
		}
	}
	nonFinal := []PointerStatus{PointerPending, PointerRunning, PointerSleeping, PointerWaitingForEvent, PointerWaitingForChildren, PointerPendingPredecessor}
	for _, s := range nonFinal {
		if s.IsFinal() {
			t.Errorf("%s: want non-final", s)
		}
	}
}

func TestExecutionPointerIsRunnable(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		p    ExecutionPointer
		want bool
	}{
		{"pending active no sleep no event", ExecutionPointer{Active: true, Status: PointerPending}, true},
		{"inactive", ExecutionPointer{Active: false, Status: PointerPending}, false},
		{"wrong status", ExecutionPointer{Active: true, Status: PointerRunning}, false},
		{"sleeping until future", ExecutionPointer{Active: true, Status: PointerPending, SleepUntil: &future}, false},
		{"sleep_until already passed", ExecutionPointer{Active: true, Status: PointerPending, SleepUntil: &past}, true},
		{"waiting on event", ExecutionPointer{Active: true, Status: PointerPending, EventName: "order.paid"}, false},
		{"sleeping, wake time passed", ExecutionPointer{Active: true, Status: PointerSleeping, SleepUntil: &past}, true},
		{"sleeping, wake time in future", ExecutionPointer{Active: true, Status: PointerSleeping, SleepUntil: &future}, false},
		{"sleeping with no sleep_until is never woken", ExecutionPointer{Active: true, Status: PointerSleeping}, false},
		{"other non-final status", ExecutionPointer{Active: true, Status: PointerWaitingForChildren}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.IsRunnable(now); got != tt.want {
				t.Errorf("IsRunnable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetTerminalSetsEndTimeAndClearsActive(t *testing.T) {
	now := time.Now()
	p := &ExecutionPointer{Active: true, Status: PointerRunning}
	p.SetTerminal(PointerComplete, now)

	if p.Status != PointerComplete {
		t.Errorf("Status = %s, want Complete", p.Status)
	}
	if p.Active {
		t.Error("Active = true, want false")
	}
	if p.EndTime == nil || !p.EndTime.Equal(now) {
		t.Errorf("EndTime = %v, want %v", p.EndTime, now)
	}
}

func TestSetTerminalPanicsOnNonFinalStatus(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("SetTerminal did not panic on non-final status")
		}
	}()
	p := &ExecutionPointer{}
	p.SetTerminal(PointerRunning, time.Now())
}

func TestNewSuccessorInheritsAndResets(t *testing.T) {
	pred := &ExecutionPointer{
		ID:                 "pred-1",
		WorkflowInstanceID: "wf-1",
		PersistenceData:    map[string]any{"k": "v"},
		RetryCount:         3,
		Scope:              []string{"a", "b"},
	}
	succ := NewSuccessor("succ-1", pred, "step-2", "second step")

	if succ.WorkflowInstanceID != pred.WorkflowInstanceID {
		t.Errorf("WorkflowInstanceID = %s, want %s", succ.WorkflowInstanceID, pred.WorkflowInstanceID)
	}
	if succ.PredecessorID != pred.ID {
		t.Errorf("PredecessorID = %s, want %s", succ.PredecessorID, pred.ID)
	}
	if succ.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (I8 resets on a new pointer)", succ.RetryCount)
	}
	if succ.Status != PointerPending {
		t.Errorf("Status = %s, want Pending", succ.Status)
	}
	if !succ.Active {
		t.Error("Active = false, want true")
	}
	if succ.PersistenceData["k"] != "v" {
		t.Errorf("PersistenceData not inherited: %v", succ.PersistenceData)
	}
}
