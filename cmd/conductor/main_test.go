package main

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/conductor"
	"github.com/nevindra/conductor/observer"
)

func TestRecordTurnEmitsAllInstruments(t *testing.T) {
	// Without Init the global providers are no-ops; the recording path must
	// still walk every instrument without panicking.
	inst, err := observer.NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}

	result := conductor.TurnResult{
		Answer:   "done",
		FellBack: true,
		Degraded: true,
		Invocations: []conductor.ToolInvocation{
			{ProviderID: "dining", Tool: "search", Status: conductor.InvocationOK, Duration: 120 * time.Millisecond},
			{ProviderID: "dining", Tool: "search", Status: conductor.InvocationTimedOut, Duration: 30 * time.Second},
		},
		Recalled: []conductor.RecalledEntry{
			{Entry: conductor.MemoryEntry{Text: "User is vegetarian"}},
		},
	}
	recordTurn(context.Background(), inst, time.Now().Add(-time.Second), result)
}
