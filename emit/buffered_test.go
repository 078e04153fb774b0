package emit

import (
	"context"
	"testing"
)

func TestBufferedEmitterGetHistoryPreservesOrderAndInstanceScoping(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{WorkflowInstanceID: "wf-1", StepID: "s1", Kind: "StepStarted"})
	b.Emit(Event{WorkflowInstanceID: "wf-1", StepID: "s2", Kind: "StepCompleted"})
	b.Emit(Event{WorkflowInstanceID: "wf-2", StepID: "s1", Kind: "StepStarted"})

	hist := b.GetHistory("wf-1")
	if len(hist) != 2 {
		t.Fatalf("GetHistory(wf-1) = %d events, want 2", len(hist))
	}
	if hist[0].StepID != "s1" || hist[1].StepID != "s2" {
		t.Errorf("GetHistory() order = %+v, want s1 then s2", hist)
	}

	if len(b.GetHistory("wf-2")) != 1 {
		t.Error("GetHistory(wf-2) should not include wf-1's events")
	}
	if len(b.GetHistory("missing")) != 0 {
		t.Error("GetHistory() of an unknown instance should be empty, not nil-panic")
	}
}

func TestBufferedEmitterGetHistoryReturnsACopy(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{WorkflowInstanceID: "wf-1", StepID: "s1"})

	hist := b.GetHistory("wf-1")
	hist[0].StepID = "mutated"

	if b.GetHistory("wf-1")[0].StepID != "s1" {
		t.Error("GetHistory() should return a copy; mutating the result must not affect stored history")
	}
}

func TestBufferedEmitterGetHistoryWithFilterCombinesFieldsWithAnd(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{WorkflowInstanceID: "wf-1", StepID: "charge", Kind: "StepStarted"})
	b.Emit(Event{WorkflowInstanceID: "wf-1", StepID: "charge", Kind: "StepCompleted"})
	b.Emit(Event{WorkflowInstanceID: "wf-1", StepID: "ship", Kind: "StepStarted"})

	got := b.GetHistoryWithFilter("wf-1", HistoryFilter{StepID: "charge", Kind: "StepStarted"})
	if len(got) != 1 {
		t.Fatalf("GetHistoryWithFilter() = %d events, want 1", len(got))
	}
	if got[0].StepID != "charge" || got[0].Kind != "StepStarted" {
		t.Errorf("GetHistoryWithFilter() = %+v", got[0])
	}

	byStep := b.GetHistoryWithFilter("wf-1", HistoryFilter{StepID: "charge"})
	if len(byStep) != 2 {
		t.Errorf("GetHistoryWithFilter(StepID only) = %d events, want 2", len(byStep))
	}
}

func TestBufferedEmitterEmitBatch(t *testing.T) {
	b := NewBufferedEmitter()
	err := b.EmitBatch(context.Background(), []Event{
		{WorkflowInstanceID: "wf-1", StepID: "s1"},
		{WorkflowInstanceID: "wf-1", StepID: "s2"},
	})
	if err != nil {
		t.Fatalf("EmitBatch() error = %v", err)
	}
	if len(b.GetHistory("wf-1")) != 2 {
		t.Error("EmitBatch() should record every event")
	}
}

func TestBufferedEmitterClear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{WorkflowInstanceID: "wf-1", StepID: "s1"})
	b.Emit(Event{WorkflowInstanceID: "wf-2", StepID: "s1"})

	b.Clear("wf-1")
	if len(b.GetHistory("wf-1")) != 0 {
		t.Error("Clear(instanceID) should drop only that instance's history")
	}
	if len(b.GetHistory("wf-2")) != 1 {
		t.Error("Clear(instanceID) should not touch other instances")
	}

	b.Clear("")
	if len(b.GetHistory("wf-2")) != 0 {
		t.Error("Clear(\"\") should drop everything")
	}
}
