package domain

import "testing"

func TestFeeTable(t *testing.T) {
	cases := map[string]float64{
		"NFPA72_COMMERCIAL":  150.00,
		"NFPA72_RESIDENTIAL": 75.00,
		"NFPA13_SPRINKLER":   200.00,
		"NFPA25_INSPECTION":  100.00,
	}
	for typ, want := range cases {
		got, ok := FeeFor(typ)
		if !ok || got != want {
			t.Fatalf("FeeFor(%s) = %v, %v; want %v", typ, got, ok, want)
		}
	}
	if _, ok := FeeFor("NFPA999_UNKNOWN"); ok {
		t.Fatal("expected unknown type to be rejected")
	}
}

func TestTransitionGraph(t *testing.T) {
	if !CanTransition(StatusDraft, StatusSubmitted) {
		t.Fatal("DRAFT -> SUBMITTED must be allowed")
	}
	if CanTransition(StatusSubmitted, StatusInspected) {
		t.Fatal("SUBMITTED -> INSPECTED must not be allowed")
	}
	if !CanTransition(StatusNeedsRevision, StatusSubmitted) {
		t.Fatal("NEEDS_REVISION -> SUBMITTED must be allowed")
	}
	// CLOSEOUT_IN_PROGRESS and CLOSED are only reachable via closeout,
	// never via the graph.
	for _, from := range []string{
		StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved,
		StatusRejected, StatusNeedsRevision, StatusInspectionScheduled,
		StatusInspected, StatusCloseoutInProgress, StatusClosed,
	} {
		if CanTransition(from, StatusCloseoutInProgress) {
			t.Fatalf("%s -> CLOSEOUT_IN_PROGRESS must not be a graph edge", from)
		}
		if CanTransition(from, StatusClosed) {
			t.Fatalf("%s -> CLOSED must not be a graph edge", from)
		}
	}
	if got := Successors(StatusInspected); len(got) != 0 {
		t.Fatalf("INSPECTED has graph successors: %v", got)
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !Terminal(StatusRejected) || !Terminal(StatusClosed) {
		t.Fatal("REJECTED and CLOSED are terminal")
	}
	if Terminal(StatusCloseoutInProgress) {
		t.Fatal("CLOSEOUT_IN_PROGRESS is not terminal")
	}
	if got := Successors(StatusRejected); len(got) != 0 {
		t.Fatalf("REJECTED has successors: %v", got)
	}
}

func TestCrossOrgRole(t *testing.T) {
	for _, r := range []string{RoleInspector, RoleCity, RoleAdmin} {
		if !CrossOrgRole(r) {
			t.Fatalf("%s should see across organizations", r)
		}
	}
	for _, r := range []string{RoleApplicant, RoleContractor, RoleEngineer} {
		if CrossOrgRole(r) {
			t.Fatalf("%s should be org scoped", r)
		}
	}
}
