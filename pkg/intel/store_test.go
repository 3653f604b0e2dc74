package intel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/persistence"
)

func setupStore(t *testing.T) (*Store, func()) {
	tempDir, err := os.MkdirTemp("", "intel_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := persistence.InitializeDatabase(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	ops := persistence.NewDatabaseOperations(db)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return NewStore(ops, audit.NewRecorder(ops, nil)), cleanup
}

func TestAddValidation(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	_, err := store.Add(AddParams{DealID: "deal-1", Topic: "pricing",
		SourceAgent: "analyst", Insight: "x", Confidence: 1.2})
	if !errors.Is(err, ErrInvalidConfidence) {
		t.Errorf("Expected ErrInvalidConfidence, got %v", err)
	}

	_, err = store.Add(AddParams{DealID: "deal-1", Topic: " ",
		SourceAgent: "analyst", Insight: "x", Confidence: 0.5})
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("Expected ErrMissingField, got %v", err)
	}
}

// A chain of three revisions: only the newest is active, the chain walk
// returns all three, and the topic history preserves every record.
func TestSupersessionChain(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	texts := []string{
		"Seller wants a 24-month escrow",
		"Seller open to 18 months with a higher basket",
		"Agreed: 12-month escrow at 8% of purchase price",
	}

	var last *persistence.DealInsight
	for i, text := range texts {
		rec, err := store.Add(AddParams{
			DealID:      "deal-1",
			Topic:       "escrow",
			SourceAgent: "negotiation_tracker",
			Insight:     text,
			Confidence:  0.5 + 0.1*float64(i),
		})
		if err != nil {
			t.Fatalf("Failed to add insight %d: %v", i, err)
		}
		if i == 0 && rec.Supersedes != nil {
			t.Error("Root insight should not supersede anything")
		}
		if i > 0 && (rec.Supersedes == nil || *rec.Supersedes != last.ID) {
			t.Errorf("Insight %d should supersede its predecessor", i)
		}
		last = rec
		time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	}

	active, err := store.Active("deal-1")
	if err != nil {
		t.Fatalf("Failed to query active insights: %v", err)
	}
	if len(active) != 1 || active[0].ID != last.ID {
		t.Fatalf("Expected only the newest insight active, got %d records", len(active))
	}

	chain, err := store.Chain(last.ID)
	if err != nil {
		t.Fatalf("Failed to walk chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("Expected chain of 3, got %d", len(chain))
	}
	if chain[0].Insight != texts[2] || chain[2].Insight != texts[0] {
		t.Error("Chain should run newest to root")
	}

	history, err := store.ByTopic("deal-1", "escrow")
	if err != nil {
		t.Fatalf("Failed to query topic history: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("Topic history should keep superseded records, got %d", len(history))
	}
}

// Chains are keyed by (deal, topic, source agent): a different agent or a
// different deal starts an independent chain.
func TestChainIsolation(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	add := func(deal, agent string) *persistence.DealInsight {
		rec, err := store.Add(AddParams{
			DealID: deal, Topic: "tax_exposure", SourceAgent: agent,
			Insight: "finding", Confidence: 0.5,
		})
		if err != nil {
			t.Fatalf("Failed to add insight: %v", err)
		}
		return rec
	}

	add("deal-1", "tax_specialist")
	otherAgent := add("deal-1", "risk_analyzer")
	otherDeal := add("deal-2", "tax_specialist")

	if otherAgent.Supersedes != nil {
		t.Error("A different agent must not join the chain")
	}
	if otherDeal.Supersedes != nil {
		t.Error("A different deal must not join the chain")
	}

	active, err := store.Active("deal-1")
	if err != nil {
		t.Fatalf("Failed to query active insights: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("Expected 2 independent active chains on deal-1, got %d", len(active))
	}

	summary, err := store.TopicSummary("deal-1")
	if err != nil {
		t.Fatalf("Failed to query summary: %v", err)
	}
	if summary["tax_exposure"] != 2 {
		t.Errorf("Expected 2 records under tax_exposure, got %d", summary["tax_exposure"])
	}
}
