package patterns

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/config"
	"dealdesk/pkg/persistence"
)

func setupEngine(t *testing.T) (*Engine, *config.Config, func()) {
	tempDir, err := os.MkdirTemp("", "patterns_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := persistence.InitializeDatabase(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	ops := persistence.NewDatabaseOperations(db)
	cfg := config.DefaultConfig()

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return NewEngine(ops, cfg, audit.NewRecorder(ops, nil), nil), cfg, cleanup
}

func strPtr(s string) *string { return &s }

func almostEqual(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}

func insertProposed(t *testing.T, e *Engine, supporting int, confidence float64) *persistence.LearnedPattern {
	t.Helper()
	p := &persistence.LearnedPattern{
		Kind:        KindTone,
		TargetType:  "engagement_letter",
		Description: "test pattern",
		Condition:   "[]",
		Instruction: "prefer neutral phrasing",
		Confidence:  confidence,
		Supporting:  supporting,
		Stage:       persistence.StageProposed,
		Version:     1,
	}
	if err := e.ops.InsertPattern(p, nil); err != nil {
		t.Fatalf("Failed to insert pattern: %v", err)
	}
	return p
}

func TestRecordFeedback(t *testing.T) {
	e, _, cleanup := setupEngine(t)
	defer cleanup()

	_, err := e.RecordFeedback(FeedbackParams{EventType: "praise", TargetType: "memo"})
	if !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("Expected ErrInvalidEventType, got %v", err)
	}

	event, err := e.RecordFeedback(FeedbackParams{
		EventType:      persistence.FeedbackModified,
		TargetType:     "purchase_agreement",
		OriginalOutput: strPtr("escrow of 30 days"),
		ModifiedOutput: strPtr("escrow of 45 days"),
	})
	if err != nil {
		t.Fatalf("Failed to record modified feedback: %v", err)
	}

	cases, err := e.TestCases("purchase_agreement")
	if err != nil {
		t.Fatalf("Failed to load test cases: %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("Expected 1 generated test case, got %d", len(cases))
	}
	if cases[0].FeedbackID != event.ID || cases[0].Rejected {
		t.Error("Modified feedback should pair original with corrected output")
	}
	if cases[0].ExpectedOutput == nil || *cases[0].ExpectedOutput != "escrow of 45 days" {
		t.Error("Expected output should carry the human correction")
	}

	// Rejected feedback yields a rejection-marker case.
	if _, err := e.RecordFeedback(FeedbackParams{
		EventType:      persistence.FeedbackRejected,
		TargetType:     "purchase_agreement",
		OriginalOutput: strPtr("draft"),
	}); err != nil {
		t.Fatalf("Failed to record rejected feedback: %v", err)
	}
	cases, err = e.TestCases("purchase_agreement")
	if err != nil {
		t.Fatalf("Failed to load test cases: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("Expected 2 test cases, got %d", len(cases))
	}
	var sawRejected bool
	for _, tc := range cases {
		if tc.Rejected && tc.ExpectedOutput == nil {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Error("Rejected feedback should produce a rejection-marker case")
	}

	// Approved feedback produces no test case.
	if _, err := e.RecordFeedback(FeedbackParams{
		EventType:  persistence.FeedbackApproved,
		TargetType: "purchase_agreement",
	}); err != nil {
		t.Fatalf("Failed to record approved feedback: %v", err)
	}
	cases, _ = e.TestCases("purchase_agreement")
	if len(cases) != 2 {
		t.Errorf("Approved feedback should not add a test case, got %d", len(cases))
	}
}

func TestDetectPatterns(t *testing.T) {
	e, cfg, cleanup := setupEngine(t)
	defer cleanup()

	agent := "contract_drafter"
	for i := 0; i < cfg.Learning.MinSignalsPerPattern; i++ {
		if _, err := e.RecordFeedback(FeedbackParams{
			EventType:      persistence.FeedbackModified,
			TargetType:     "purchase_agreement",
			AgentType:      &agent,
			OriginalOutput: strPtr("cap at 10 percent"),
			ModifiedOutput: strPtr("cap at 15 percent"),
		}); err != nil {
			t.Fatalf("Failed to record feedback: %v", err)
		}
	}
	// One below-threshold bucket that must not produce a pattern.
	if _, err := e.RecordFeedback(FeedbackParams{
		EventType:      persistence.FeedbackModified,
		TargetType:     "memo",
		OriginalOutput: strPtr("we demand payment"),
		ModifiedOutput: strPtr("we request payment"),
	}); err != nil {
		t.Fatalf("Failed to record feedback: %v", err)
	}

	since := time.Now().UTC().Add(-time.Hour)
	proposed, err := e.DetectPatterns(since)
	if err != nil {
		t.Fatalf("Failed to detect patterns: %v", err)
	}
	if len(proposed) != 1 {
		t.Fatalf("Expected 1 proposed pattern, got %d", len(proposed))
	}

	p := proposed[0]
	if p.Kind != KindNumericThreshold {
		t.Errorf("Expected numeric_threshold kind, got %s", p.Kind)
	}
	if p.Stage != persistence.StageProposed {
		t.Errorf("Detected patterns start proposed, got %s", p.Stage)
	}
	if p.AgentType == nil || *p.AgentType != agent {
		t.Error("Pattern should carry the bucket's agent type")
	}
	// confidence = min(0.95, 0.5 + 0.1 x occurrences)
	want := 0.5 + 0.1*float64(cfg.Learning.MinSignalsPerPattern)
	if !almostEqual(p.Confidence, want) {
		t.Errorf("Expected confidence %.2f, got %.2f", want, p.Confidence)
	}

	// A second run over the same window dedupes against the live pattern.
	again, err := e.DetectPatterns(since)
	if err != nil {
		t.Fatalf("Failed to re-run detection: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Re-detection should dedupe, got %d new patterns", len(again))
	}
}

// A proposed pattern sitting just under the thresholds crosses into confirmed
// after two more supporting events.
func TestSupportPromotesToConfirmed(t *testing.T) {
	e, _, cleanup := setupEngine(t)
	defer cleanup()

	p := insertProposed(t, e, 3, 0.3)

	p1, err := e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if p1.Stage != persistence.StageProposed {
		t.Errorf("Pattern should remain proposed at supporting=4, got %s", p1.Stage)
	}
	if !almostEqual(p1.Confidence, 0.45) {
		t.Errorf("Expected confidence 0.45, got %.2f", p1.Confidence)
	}

	p2, err := e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if p2.Supporting != 5 || !almostEqual(p2.Confidence, 0.6) {
		t.Errorf("Expected supporting=5 confidence=0.6, got %d/%.2f", p2.Supporting, p2.Confidence)
	}
	if p2.Stage != persistence.StageConfirmed {
		t.Errorf("Expected confirmed, got %s", p2.Stage)
	}
}

// Promotion never skips a stage: a proposed pattern already past the
// established thresholds still lands on confirmed first.
func TestNoStageSkipping(t *testing.T) {
	e, _, cleanup := setupEngine(t)
	defer cleanup()

	p := insertProposed(t, e, 11, 0.9)

	updated, err := e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if updated.Stage != persistence.StageConfirmed {
		t.Errorf("Expected confirmed (not established), got %s", updated.Stage)
	}

	// The next support call takes the confirmed pattern on to established.
	updated, err = e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if updated.Stage != persistence.StageEstablished {
		t.Errorf("Expected established, got %s", updated.Stage)
	}
}

func TestConfirmedWithContradictionsStaysPut(t *testing.T) {
	e, _, cleanup := setupEngine(t)
	defer cleanup()

	p := insertProposed(t, e, 3, 0.3)
	p.Stage = persistence.StageConfirmed
	p.Supporting = 10
	p.Confidence = 0.8
	p.Contradicting = 1
	if err := e.ops.UpdatePattern(p, nil); err != nil {
		t.Fatalf("Failed to update pattern: %v", err)
	}

	updated, err := e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if updated.Stage != persistence.StageConfirmed {
		t.Errorf("Establishment requires zero contradicting evidence, got %s", updated.Stage)
	}
}

func TestContradictionDecaysAndRetires(t *testing.T) {
	e, _, cleanup := setupEngine(t)
	defer cleanup()

	p := insertProposed(t, e, 3, 0.3)

	p1, err := e.RecordContradiction(p.ID)
	if err != nil {
		t.Fatalf("Failed to record contradiction: %v", err)
	}
	if !almostEqual(p1.Confidence, 0.15) || p1.Stage != persistence.StageDecayed {
		t.Errorf("Expected decayed at 0.15, got %s/%.2f", p1.Stage, p1.Confidence)
	}

	p2, err := e.RecordContradiction(p.ID)
	if err != nil {
		t.Fatalf("Failed to record contradiction: %v", err)
	}
	if !almostEqual(p2.Confidence, 0) || p2.Stage != persistence.StageRetired {
		t.Errorf("Expected retired at 0, got %s/%.2f", p2.Stage, p2.Confidence)
	}

	// Retired is terminal for the automatic path.
	p3, err := e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if p3.Stage != persistence.StageRetired {
		t.Errorf("Support must not resurrect a retired pattern, got %s", p3.Stage)
	}
}

func TestAutoPromoteDisabled(t *testing.T) {
	e, cfg, cleanup := setupEngine(t)
	defer cleanup()

	off := false
	cfg.Learning.AutoPromotePatterns = &off

	p := insertProposed(t, e, 4, 0.5)
	updated, err := e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if updated.Stage != persistence.StageProposed {
		t.Errorf("Promotion should be gated off, got %s", updated.Stage)
	}
	// Evidence still accumulates.
	if updated.Supporting != 5 || !almostEqual(updated.Confidence, 0.65) {
		t.Errorf("Counters should still move: %d/%.2f", updated.Supporting, updated.Confidence)
	}
}

func TestManualOverrides(t *testing.T) {
	e, _, cleanup := setupEngine(t)
	defer cleanup()

	p := insertProposed(t, e, 1, 0.3)

	// Operator promotes straight to hard_rule, bypassing thresholds.
	updated, err := e.SetStage(p.ID, persistence.StageHardRule, "partner@firm", "firm-wide style mandate")
	if err != nil {
		t.Fatalf("Failed to set stage: %v", err)
	}
	if updated.Stage != persistence.StageHardRule || updated.Version != 2 {
		t.Errorf("Expected hard_rule v2, got %s v%d", updated.Stage, updated.Version)
	}
	if updated.VersionHistory == nil {
		t.Fatal("Expected version history to be recorded")
	}

	// Hard rules pin confidence against evidence updates.
	afterSupport, err := e.RecordSupport(p.ID)
	if err != nil {
		t.Fatalf("Failed to record support: %v", err)
	}
	if !almostEqual(afterSupport.Confidence, 0.3) || afterSupport.Stage != persistence.StageHardRule {
		t.Errorf("Hard rule must not move: %s/%.2f", afterSupport.Stage, afterSupport.Confidence)
	}

	edited, err := e.UpdateInstruction(p.ID, "Always use the firm style guide", "partner@firm", "clarified wording")
	if err != nil {
		t.Fatalf("Failed to edit instruction: %v", err)
	}
	if edited.Instruction != "Always use the firm style guide" || edited.Version != 3 {
		t.Errorf("Expected edited instruction at v3, got v%d", edited.Version)
	}

	if _, err := e.SetStage(p.ID, "supreme", "x", "y"); !errors.Is(err, ErrInvalidStage) {
		t.Errorf("Expected ErrInvalidStage, got %v", err)
	}
}

func TestInstructionsFor(t *testing.T) {
	e, cfg, cleanup := setupEngine(t)
	defer cleanup()

	insert := func(stage string, confidence float64, condition string) *persistence.LearnedPattern {
		p := &persistence.LearnedPattern{
			Kind: KindTone, TargetType: "engagement_letter",
			Description: "d", Condition: condition,
			Instruction: "instruction at " + condition,
			Confidence:  confidence, Stage: stage, Version: 1,
		}
		if err := e.ops.InsertPattern(p, nil); err != nil {
			t.Fatalf("Failed to insert pattern: %v", err)
		}
		return p
	}

	matching := insert(persistence.StageConfirmed, 0.8,
		`[{"field":"target_type","op":"eq","value":"engagement_letter"}]`)
	insert(persistence.StageConfirmed, 0.9,
		`[{"field":"target_type","op":"eq","value":"memo"}]`) // condition mismatch
	insert(persistence.StageProposed, 0.9, "[]") // stage not injectable

	taskCtx := map[string]any{"target_type": "engagement_letter"}

	instructions, err := e.InstructionsFor("contract_drafter", taskCtx)
	if err != nil {
		t.Fatalf("Failed to get instructions: %v", err)
	}
	if len(instructions) != 1 {
		t.Fatalf("Expected 1 injected instruction, got %d", len(instructions))
	}

	got, err := e.Get(matching.ID)
	if err != nil {
		t.Fatalf("Failed to reload pattern: %v", err)
	}
	if got.LastApplied == nil {
		t.Error("Injection should stamp last_applied")
	}

	// The injection toggle short-circuits everything.
	off := false
	cfg.Learning.KnowledgeInjection = &off
	instructions, err = e.InstructionsFor("contract_drafter", taskCtx)
	if err != nil {
		t.Fatalf("Failed with injection off: %v", err)
	}
	if instructions != nil {
		t.Error("Injection disabled should return nil")
	}
}

func TestInjectionCap(t *testing.T) {
	e, cfg, cleanup := setupEngine(t)
	defer cleanup()

	cfg.Learning.MaxInjectedPatterns = 2

	for i := 0; i < 4; i++ {
		p := &persistence.LearnedPattern{
			Kind: KindOther, TargetType: "memo",
			Description: "d", Condition: "[]",
			Instruction: "i",
			Confidence:  0.5 + 0.1*float64(i),
			Stage:       persistence.StageConfirmed,
			Version:     1,
		}
		if err := e.ops.InsertPattern(p, nil); err != nil {
			t.Fatalf("Failed to insert pattern: %v", err)
		}
	}

	instructions, err := e.InstructionsFor("any_agent", map[string]any{})
	if err != nil {
		t.Fatalf("Failed to get instructions: %v", err)
	}
	if len(instructions) != 2 {
		t.Errorf("Expected cap of 2 instructions, got %d", len(instructions))
	}
}
