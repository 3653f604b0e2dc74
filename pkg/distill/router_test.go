package distill

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/config"
	"dealdesk/pkg/persistence"
)

func setupRouter(t *testing.T) (*Router, *config.Config, func()) {
	tempDir, err := os.MkdirTemp("", "distill_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := persistence.InitializeDatabase(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	ops := persistence.NewDatabaseOperations(db)
	cfg := config.DefaultConfig()
	cfg.Distill.MinExemplars = 3 // keep tests small

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return NewRouter(ops, cfg, audit.NewRecorder(ops, nil), nil), cfg, cleanup
}

// checkInvariant asserts current_model is the cheap tier iff handed off.
func checkInvariant(t *testing.T, rc *persistence.RoutingConfig) {
	t.Helper()
	onCheap := rc.CurrentModel == config.DefaultCheapModel
	handedOff := rc.Status == persistence.DistillHandedOff
	if onCheap != handedOff {
		t.Errorf("Invariant violated: model=%s status=%s", rc.CurrentModel, rc.Status)
	}
}

func TestRouteFirstUse(t *testing.T) {
	r, _, cleanup := setupRouter(t)
	defer cleanup()

	decision, err := r.Route("document_drafter")
	if err != nil {
		t.Fatalf("Failed to route: %v", err)
	}
	if decision.Model != config.DefaultStrongModel {
		t.Errorf("First use should route to the strong tier, got %s", decision.Model)
	}
	if decision.SpotCheck {
		t.Error("No spot checks before handoff")
	}
	if decision.Config.Status != persistence.DistillNotStarted {
		t.Errorf("Expected not_started, got %s", decision.Config.Status)
	}
	checkInvariant(t, decision.Config)
}

func TestExemplarCollection(t *testing.T) {
	r, cfg, cleanup := setupRouter(t)
	defer cleanup()

	rc, err := r.RecordExemplar("document_drafter")
	if err != nil {
		t.Fatalf("Failed to record exemplar: %v", err)
	}
	if rc.Status != persistence.DistillCollecting || rc.ExemplarCount != 1 {
		t.Errorf("Expected collecting/1, got %s/%d", rc.Status, rc.ExemplarCount)
	}

	for i := 1; i < cfg.Distill.MinExemplars; i++ {
		rc, err = r.RecordExemplar("document_drafter")
		if err != nil {
			t.Fatalf("Failed to record exemplar %d: %v", i+1, err)
		}
	}
	if rc.Status != persistence.DistillTesting {
		t.Errorf("Expected testing at the exemplar minimum, got %s", rc.Status)
	}
	checkInvariant(t, rc)
}

func toTesting(t *testing.T, r *Router, cfg *config.Config, taskType string) {
	t.Helper()
	for i := 0; i < cfg.Distill.MinExemplars; i++ {
		if _, err := r.RecordExemplar(taskType); err != nil {
			t.Fatalf("Failed to record exemplar: %v", err)
		}
	}
}

func TestAutoHandoff(t *testing.T) {
	r, cfg, cleanup := setupRouter(t)
	defer cleanup()

	cfg.Distill.AutoHandoff = true
	toTesting(t, r, cfg, "document_drafter")

	// A score under the threshold does not hand off.
	rc, err := r.RecordScore("document_drafter", 0.85, config.DefaultCheapModel)
	if err != nil {
		t.Fatalf("Failed to record score: %v", err)
	}
	if rc.Status != persistence.DistillTesting {
		t.Errorf("Sub-threshold score must not hand off, got %s", rc.Status)
	}

	rc, err = r.RecordScore("document_drafter", 0.93, config.DefaultCheapModel)
	if err != nil {
		t.Fatalf("Failed to record score: %v", err)
	}
	if rc.Status != persistence.DistillHandedOff {
		t.Errorf("Expected handed_off, got %s", rc.Status)
	}
	if rc.CurrentModel != config.DefaultCheapModel {
		t.Errorf("Handoff should switch to the cheap tier, got %s", rc.CurrentModel)
	}
	checkInvariant(t, rc)
}

func TestAutoHandoffDisabled(t *testing.T) {
	r, cfg, cleanup := setupRouter(t)
	defer cleanup()

	// AutoHandoff defaults to false: a passing score parks in testing until
	// a human approves.
	toTesting(t, r, cfg, "document_drafter")

	rc, err := r.RecordScore("document_drafter", 0.95, config.DefaultCheapModel)
	if err != nil {
		t.Fatalf("Failed to record score: %v", err)
	}
	if rc.Status != persistence.DistillTesting {
		t.Errorf("Without auto-handoff the status must stay testing, got %s", rc.Status)
	}

	approved, err := r.Approve("document_drafter", "ops@firm", "two weeks of clean shadow scores")
	if err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}
	if approved.Status != persistence.DistillHandedOff || approved.CurrentModel != config.DefaultCheapModel {
		t.Errorf("Approval should hand off to the cheap tier: %s/%s", approved.Status, approved.CurrentModel)
	}
	checkInvariant(t, approved)
}

func TestSpotCheckCadence(t *testing.T) {
	r, cfg, cleanup := setupRouter(t)
	defer cleanup()

	cfg.Distill.AutoHandoff = true
	cfg.Distill.SpotCheckFrequency = 3
	toTesting(t, r, cfg, "summarizer")
	if _, err := r.RecordScore("summarizer", 0.95, config.DefaultCheapModel); err != nil {
		t.Fatalf("Failed to hand off: %v", err)
	}

	var flagged []int
	for i := 1; i <= 6; i++ {
		decision, err := r.Route("summarizer")
		if err != nil {
			t.Fatalf("Failed to route call %d: %v", i, err)
		}
		if decision.Model != config.DefaultCheapModel {
			t.Errorf("Post-handoff calls route to the cheap tier, got %s", decision.Model)
		}
		if decision.SpotCheck {
			flagged = append(flagged, i)
		}
	}

	if len(flagged) != 2 || flagged[0] != 3 || flagged[1] != 6 {
		t.Errorf("Expected spot checks on calls 3 and 6, got %v", flagged)
	}

	rc, err := r.Get("summarizer")
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if rc.LastSpotCheck == nil {
		t.Error("Spot check should stamp last_spot_check")
	}
}

// Three consecutive low spot-check scores revert to the strong tier and
// restart collection; a good score in between resets the run.
func TestAutomaticRevert(t *testing.T) {
	r, cfg, cleanup := setupRouter(t)
	defer cleanup()

	cfg.Distill.AutoHandoff = true
	toTesting(t, r, cfg, "document_drafter")
	if _, err := r.RecordScore("document_drafter", 0.95, config.DefaultCheapModel); err != nil {
		t.Fatalf("Failed to hand off: %v", err)
	}

	// Two lows, then a high: the run resets.
	for _, score := range []float64{0.6, 0.5, 0.9} {
		if _, err := r.RecordScore("document_drafter", score, config.DefaultCheapModel); err != nil {
			t.Fatalf("Failed to record score: %v", err)
		}
	}
	rc, err := r.Get("document_drafter")
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if rc.Status != persistence.DistillHandedOff || rc.ConsecutiveLow != 0 {
		t.Errorf("A high score should reset the low run: %s/%d", rc.Status, rc.ConsecutiveLow)
	}

	// Three consecutive lows trigger the revert.
	for _, score := range []float64{0.6, 0.7, 0.5} {
		rc, err = r.RecordScore("document_drafter", score, config.DefaultCheapModel)
		if err != nil {
			t.Fatalf("Failed to record score: %v", err)
		}
	}
	if rc.Status != persistence.DistillCollecting {
		t.Errorf("Expected collecting after revert, got %s", rc.Status)
	}
	if rc.CurrentModel != config.DefaultStrongModel {
		t.Errorf("Revert should restore the strong tier, got %s", rc.CurrentModel)
	}
	if rc.ExemplarCount != 0 {
		t.Errorf("Revert should restart exemplar collection, got %d", rc.ExemplarCount)
	}
	checkInvariant(t, rc)
}

func TestManualReject(t *testing.T) {
	r, cfg, cleanup := setupRouter(t)
	defer cleanup()

	cfg.Distill.AutoHandoff = true
	toTesting(t, r, cfg, "document_drafter")
	if _, err := r.RecordScore("document_drafter", 0.95, config.DefaultCheapModel); err != nil {
		t.Fatalf("Failed to hand off: %v", err)
	}

	rc, err := r.Reject("document_drafter", "partner@firm", "two hallucinated citations this week")
	if err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}
	if rc.Status != persistence.DistillCollecting || rc.CurrentModel != config.DefaultStrongModel {
		t.Errorf("Rejection should revert to strong/collecting: %s/%s", rc.Status, rc.CurrentModel)
	}
	checkInvariant(t, rc)

	// Rejecting again is an invalid transition.
	if _, err := r.Reject("document_drafter", "partner@firm", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	// Approve requires testing status.
	if _, err := r.Approve("document_drafter", "ops@firm", "nope"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestDistillDisabledRoutesStrong(t *testing.T) {
	r, cfg, cleanup := setupRouter(t)
	defer cleanup()

	off := false
	cfg.Distill.Enabled = &off

	decision, err := r.Route("document_drafter")
	if err != nil {
		t.Fatalf("Failed to route: %v", err)
	}
	if decision.Model != config.DefaultStrongModel {
		t.Errorf("Disabled distillation must route strong, got %s", decision.Model)
	}
}

func TestScoreValidation(t *testing.T) {
	r, _, cleanup := setupRouter(t)
	defer cleanup()

	if _, err := r.RecordExemplar("document_drafter"); err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}
	if _, err := r.RecordScore("document_drafter", 1.5, config.DefaultCheapModel); !errors.Is(err, ErrInvalidScore) {
		t.Errorf("Expected ErrInvalidScore, got %v", err)
	}
	if _, err := r.RecordScore("missing_task", 0.5, config.DefaultCheapModel); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
