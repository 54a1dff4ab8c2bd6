package intent

import (
	"testing"

	"go.uber.org/zap"
)

func TestClassifyDisputeBeforeExecuteVerbs(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	// "file" is an execute verb; the dispute vocabulary must win.
	got := c.Classify("file a dispute against Acme Bank for an inaccurate charge", nil)
	if got.Type != TypeDispute {
		t.Fatalf("expected dispute intent, got %s", got.Type)
	}
	if !got.RequiresHumanApproval {
		t.Fatalf("dispute intent must require human approval")
	}
	if got.Parameters["dispute_type"] != "general" {
		t.Fatalf("unexpected dispute_type: %v", got.Parameters["dispute_type"])
	}
}

func TestClassifyCategories(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	cases := []struct {
		input        string
		wantType     Type
		wantApproval bool
	}{
		{"research the current CFPB complaint volume trends", TypeDispute, true}, // cfpb beats research
		{"analyze last month's billing data", TypeResearch, false},
		{"tell me about beneficiary designations", TypeResearch, false},
		{"submit the enforcement packet", TypeExecute, true},
		{"create a new billing alert", TypeExecute, true},
		{"keep an eye on the account balance", TypeMonitor, false},
		{"compose a thank-you note", TypeDraft, false},
		{"automatically archive old records", TypeAutomate, true},
		{"escalate this to a human right away", TypeEscalate, false},
		{"remind me about the renewal next week", TypeWaitAndRecheck, false},
	}

	for _, tc := range cases {
		got := c.Classify(tc.input, nil)
		if got.Type != tc.wantType {
			t.Errorf("%q: got %s, want %s", tc.input, got.Type, tc.wantType)
		}
		if got.RequiresHumanApproval != tc.wantApproval {
			t.Errorf("%q: approval = %t, want %t", tc.input, got.RequiresHumanApproval, tc.wantApproval)
		}
	}
}

func TestClassifyFallback(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	got := c.Classify("zzz qqq", nil)
	if got.Type != TypeResearch {
		t.Fatalf("fallback should be research, got %s", got.Type)
	}
	if got.Confidence != 0.5 {
		t.Fatalf("fallback confidence should be 0.5, got %v", got.Confidence)
	}
	if got.Parameters["query"] != "zzz qqq" {
		t.Fatalf("fallback should carry the raw input as query, got %v", got.Parameters["query"])
	}
	if got.RequiresHumanApproval {
		t.Fatalf("fallback must not require approval")
	}
}

func TestClassifyWordBoundaries(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	// "document" must not trip the "do" execute verb; it is draft vocabulary.
	got := c.Classify("a document describing the outage", nil)
	if got.Type != TypeDraft {
		t.Fatalf("expected draft, got %s", got.Type)
	}
}

func TestClassifyNeverFails(t *testing.T) {
	c := NewClassifier(zap.NewNop())
	for _, input := range []string{"", "   ", "!?!?", "ça va"} {
		got := c.Classify(input, nil)
		if got.Type == "" {
			t.Fatalf("classification of %q returned empty type", input)
		}
	}
}
