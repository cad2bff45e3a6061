package intent

import (
	"errors"
	"testing"
)

func TestCheckTransitionValidPaths(t *testing.T) {
	valid := [][2]State{
		{StateProposed, StateClassified},
		{StateClassified, StateApproved},
		{StateClassified, StateAwaitingApproval},
		{StateAwaitingApproval, StateApproved},
		{StateAwaitingApproval, StateRejected},
		{StateAwaitingApproval, StateCanceled},
		{StateApproved, StateRunning},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StateRunning, StateBlocked},
		{StateRunning, StateWaitingForInput},
		{StateBlocked, StateRunning},
		{StateWaitingForInput, StateRunning},
		{StateBlocked, StateCanceled},
	}
	for _, pair := range valid {
		if err := CheckTransition(pair[0], pair[1]); err != nil {
			t.Errorf("CheckTransition(%s, %s) = %v, want nil", pair[0], pair[1], err)
		}
	}
}

func TestCheckTransitionInvalidPaths(t *testing.T) {
	invalid := [][2]State{
		{StateProposed, StateApproved},
		{StateProposed, StateRunning},
		{StateCompleted, StateRunning},
		{StateRejected, StateApproved},
		{StateCanceled, StateRunning},
		{StateApproved, StateRejected},
		{StateRunning, StateApproved},
	}
	for _, pair := range invalid {
		err := CheckTransition(pair[0], pair[1])
		if err == nil {
			t.Errorf("CheckTransition(%s, %s) = nil, want error", pair[0], pair[1])
			continue
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("error type = %T", err)
		} else if ite.From != pair[0] || ite.To != pair[1] {
			t.Errorf("error = %+v", ite)
		}
	}
}

func TestTerminals(t *testing.T) {
	for _, state := range []State{StateCompleted, StateFailed, StateRejected, StateCanceled} {
		if !IsTerminal(state) {
			t.Errorf("%s should be terminal", state)
		}
		if got := ValidTransitions(state); len(got) != 0 {
			t.Errorf("ValidTransitions(%s) = %v", state, got)
		}
	}
	if IsTerminal(StateBlocked) {
		t.Error("blocked is not terminal")
	}
}

func TestFrozenStates(t *testing.T) {
	for _, state := range []State{StateProposed, StateClassified, StateAwaitingApproval} {
		if Frozen(state) {
			t.Errorf("%s should not be frozen", state)
		}
	}
	for _, state := range []State{StateApproved, StateRunning, StateCompleted, StateFailed, StateBlocked} {
		if !Frozen(state) {
			t.Errorf("%s should be frozen", state)
		}
	}
}
