package patterns

import (
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func TestConditionMatching(t *testing.T) {
	cond := Condition{
		{Field: "document_type", Op: OpEqual, Value: "purchase_agreement"},
		{Field: "practice_area", Op: OpIn, Values: []any{"tax", "antitrust"}},
		{Field: "deal_value_musd", Op: OpRange, Min: floatPtr(10), Max: floatPtr(500)},
	}

	cases := []struct {
		name string
		ctx  map[string]any
		want bool
	}{
		{"AllMatch", map[string]any{
			"document_type": "purchase_agreement", "practice_area": "tax", "deal_value_musd": 120,
		}, true},
		{"WrongEquality", map[string]any{
			"document_type": "engagement_letter", "practice_area": "tax", "deal_value_musd": 120,
		}, false},
		{"NotInSet", map[string]any{
			"document_type": "purchase_agreement", "practice_area": "employment", "deal_value_musd": 120,
		}, false},
		{"BelowRange", map[string]any{
			"document_type": "purchase_agreement", "practice_area": "tax", "deal_value_musd": 5,
		}, false},
		{"MissingField", map[string]any{
			"document_type": "purchase_agreement", "practice_area": "tax",
		}, false},
		{"NumericAsFloat", map[string]any{
			"document_type": "purchase_agreement", "practice_area": "tax", "deal_value_musd": 120.0,
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cond.Matches(tc.ctx); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEmptyConditionMatchesEverything(t *testing.T) {
	cond, err := ParseCondition("[]")
	if err != nil {
		t.Fatalf("Failed to parse empty condition: %v", err)
	}
	if !cond.Matches(nil) {
		t.Error("Empty condition should match any context")
	}
}

func TestConditionRoundTrip(t *testing.T) {
	cond := Condition{
		{Field: "target_type", Op: OpEqual, Value: "engagement_letter"},
		{Field: "jurisdiction", Op: OpIn, Values: []any{"DE", "NY"}},
	}

	encoded, err := cond.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	parsed, err := ParseCondition(encoded)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("Expected 2 clauses, got %d", len(parsed))
	}
	if !parsed.Matches(map[string]any{"target_type": "engagement_letter", "jurisdiction": "DE"}) {
		t.Error("Round-tripped condition should still match")
	}
}

func TestConditionValidation(t *testing.T) {
	if _, err := ParseCondition(`[{"field":"x","op":"regex","value":"a.*"}]`); err == nil {
		t.Error("Unknown operator should be rejected")
	}
	if _, err := ParseCondition(`[{"field":"","op":"eq","value":1}]`); err == nil {
		t.Error("Empty field should be rejected")
	}
	if _, err := ParseCondition(`[{"field":"x","op":"range"}]`); err == nil {
		t.Error("Range with no bounds should be rejected")
	}
	if _, err := ParseCondition(`not json`); err == nil {
		t.Error("Malformed JSON should be rejected")
	}
}

func TestClassifyModification(t *testing.T) {
	str := func(s string) *string { return &s }

	cases := []struct {
		name     string
		original *string
		modified *string
		want     string
	}{
		{"NumericChange", str("escrow of 30 days"), str("escrow of 45 days"), KindNumericThreshold},
		{"StrengthChange", str("seller shall deliver"), str("seller may deliver"), KindLanguageStrength},
		{"ToneChange", str("we demand payment"), str("we request payment"), KindTone},
		{"StructureChange", str("a b c"), str("- a\n- b\n- c"), KindStructure},
		{"NoSignal", str("the parties agree"), str("both parties agree"), KindOther},
		{"MissingOriginal", nil, str("x"), KindOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyModification(tc.original, tc.modified); got != tc.want {
				t.Errorf("classifyModification() = %s, want %s", got, tc.want)
			}
		})
	}
}
