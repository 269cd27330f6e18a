package rt

import "testing"

func TestState_AllowedTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateSubmitted, StateWaiting},
		{StateWaiting, StateReady},
		{StateReady, StateAllocating},
		{StateAllocating, StateTransferring},
		{StateAllocating, StateHeld},
		{StateHeld, StateAllocating},
		{StateTransferring, StateExecuting},
		{StateExecuting, StateCompleting},
		{StateCompleting, StateDone},
	}
	for _, tr := range allowed {
		if !isAllowedTransition(tr.from, tr.to) {
			t.Fatalf("%s -> %s must be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{StateSubmitted, StateReady},
		{StateReady, StateExecuting},
		{StateHeld, StateTransferring},
		{StateExecuting, StateDone},
		{StateDone, StateSubmitted},
		{StateTransferring, StateAllocating},
	}
	for _, tr := range forbidden {
		if isAllowedTransition(tr.from, tr.to) {
			t.Fatalf("%s -> %s must be rejected", tr.from, tr.to)
		}
	}
}

func TestTask_TransitionValidatesExpectedState(t *testing.T) {
	task := &Task{state: StateSubmitted}
	if err := task.transition(StateWaiting, StateReady); err == nil {
		t.Fatal("mismatched expected state must fail")
	}
	if err := task.transition(StateSubmitted, StateWaiting); err != nil {
		t.Fatalf("valid transition: %v", err)
	}
	if got := task.State(); got != StateWaiting {
		t.Fatalf("state after transition: got %s", got)
	}
	if err := task.transition(StateWaiting, StateDone); err == nil {
		t.Fatal("disallowed transition must fail")
	}
}

func TestState_OnlyDoneIsTerminal(t *testing.T) {
	for s := StateSubmitted; s <= StateDone; s++ {
		if s.IsTerminal() != (s == StateDone) {
			t.Fatalf("%s terminal mismatch", s)
		}
	}
}
