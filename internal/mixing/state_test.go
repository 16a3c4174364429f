package mixing

import (
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PoolState
		want     bool
	}{
		{StateIdle, StateQueue, true},
		{StateIdle, StateSigning, false},
		{StateQueue, StateAcceptingEntries, true},
		{StateQueue, StateSigning, false},
		{StateAcceptingEntries, StateSigning, true},
		{StateSigning, StateSuccess, true},
		{StateSigning, StateIdle, false},
		{StateSuccess, StateIdle, true},
		{StateError, StateIdle, true},
		{StateError, StateQueue, false},
		{StateQueue, StateError, true},
		{StateIdle, StateError, true},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPoolState(t *testing.T) {
	if StateAcceptingEntries.String() != "ACCEPTING_ENTRIES" {
		t.Fatalf("String = %q", StateAcceptingEntries.String())
	}
	if PoolState(42).IsValid() {
		t.Fatal("state 42 reported valid")
	}
	if !strings.HasPrefix(PoolState(42).String(), "UNKNOWN") {
		t.Fatalf("unknown state String = %q", PoolState(42).String())
	}
	for _, s := range []PoolState{StateQueue, StateAcceptingEntries, StateSigning} {
		if !s.isActive() {
			t.Fatalf("%s should be active", s)
		}
	}
	for _, s := range []PoolState{StateIdle, StateError, StateSuccess} {
		if s.isActive() {
			t.Fatalf("%s should not be active", s)
		}
	}
}

func TestPoolMessage(t *testing.T) {
	if MsgSuccess.String() != "Transaction created successfully." {
		t.Fatalf("MsgSuccess = %q", MsgSuccess.String())
	}
	if !strings.HasPrefix(PoolMessage(200).String(), "Unknown response") {
		t.Fatalf("unknown message = %q", PoolMessage(200).String())
	}
	if !ErrDenom.isDenominationSpecific() || ErrFees.isDenominationSpecific() {
		t.Fatal("isDenominationSpecific misclassified")
	}
}
