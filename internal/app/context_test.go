package app_test

import (
	"context"
	"testing"

	"casetrail/internal/app"
	"casetrail/internal/engine"
	"casetrail/internal/status"
)

func TestOpenWithoutConfigFileUsesDefaults(t *testing.T) {
	ctx := context.Background()
	a, err := app.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config == nil {
		t.Fatalf("config not defaulted when casetrail.yml is absent")
	}
	orch, err := a.Orchestrator()
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	// The default provider is the local deterministic agent; a fresh
	// workspace must be able to run a drafting stage end to end.
	owner := engine.Principal{ActorID: "alice"}
	c, err := a.Engine.CreateCase(ctx, owner, "Billing revamp", "Invoices take two weeks to reconcile.", nil)
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	_, effects, err := a.Engine.RequestPRDDraft(ctx, owner, c.ID, 0)
	if err != nil {
		t.Fatalf("request prd: %v", err)
	}
	if err := orch.OnTransition(ctx, c.ID, effects); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	c, err = a.Engine.Repo.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if c.Status != string(status.PRDDrafting) {
		t.Fatalf("status %s, want %s", c.Status, status.PRDDrafting)
	}
	if _, err := a.Engine.Repo.GetDraft(ctx, c.ID, engine.DraftKindPRD); err != nil {
		t.Fatalf("prd draft: %v", err)
	}
}
