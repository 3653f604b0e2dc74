// Package intel stores per-deal insights with supersession chains: a new
// finding on the same topic from the same agent replaces the old one without
// erasing it, so the full reasoning history stays reconstructible.
package intel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dealdesk/pkg/audit"
	"dealdesk/pkg/logx"
	"dealdesk/pkg/persistence"
)

var (
	// ErrInvalidConfidence is returned when confidence is outside [0, 1].
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 1")
	// ErrMissingField is returned when a required insight field is empty.
	ErrMissingField = errors.New("missing required insight field")
	// ErrNotFound aliases the storage sentinel.
	ErrNotFound = persistence.ErrNotFound
)

// AddParams describes a new insight.
//
//nolint:govet // field order follows the wire shape, not alignment
type AddParams struct {
	DealID      string  `json:"deal_id"`
	Topic       string  `json:"topic"`
	SourceAgent string  `json:"source_agent"`
	Insight     string  `json:"insight"`
	Confidence  float64 `json:"confidence"`
	Evidence    *string `json:"evidence,omitempty"`
}

// Store is the deal intelligence store.
type Store struct {
	ops      *persistence.DatabaseOperations
	recorder *audit.Recorder
	logger   *logx.Logger
}

// NewStore creates an intelligence store.
func NewStore(ops *persistence.DatabaseOperations, recorder *audit.Recorder) *Store {
	return &Store{
		ops:      ops,
		recorder: recorder,
		logger:   logx.NewLogger("intel"),
	}
}

// Add records an insight. When the same agent already has an insight on the
// same topic for this deal, the new record supersedes the latest one; the
// linkage is resolved inside the insert transaction.
func (s *Store) Add(params AddParams) (*persistence.DealInsight, error) {
	if err := validateParams(&params); err != nil {
		return nil, err
	}

	rec := &persistence.DealInsight{
		DealID:      params.DealID,
		Topic:       params.Topic,
		SourceAgent: params.SourceAgent,
		Insight:     params.Insight,
		Confidence:  params.Confidence,
		Evidence:    params.Evidence,
		CreatedAt:   time.Now().UTC(),
	}

	entry := audit.Entry("insight_recorded", "intel", map[string]any{
		"topic":        params.Topic,
		"source_agent": params.SourceAgent,
		"confidence":   params.Confidence,
	})
	entry.DealID = &params.DealID
	entry.Actor = &params.SourceAgent

	if err := s.ops.InsertInsight(rec, entry); err != nil {
		return nil, fmt.Errorf("failed to record insight: %w", err)
	}

	s.recorder.Mirror(entry)
	if rec.Supersedes != nil {
		s.logger.Debug("insight %s supersedes %s on topic %s", rec.ID, *rec.Supersedes, rec.Topic)
	}

	return rec, nil
}

// Active returns the current insight of every chain for a deal, newest first.
// Superseded records are excluded.
func (s *Store) Active(dealID string) ([]*persistence.DealInsight, error) {
	return s.ops.ActiveInsights(dealID)
}

// ByTopic returns the full history for one topic on a deal, newest first,
// including superseded records.
func (s *Store) ByTopic(dealID, topic string) ([]*persistence.DealInsight, error) {
	return s.ops.InsightsByTopic(dealID, topic)
}

// Chain walks a supersession chain from the given insight back to its root,
// most recent first.
func (s *Store) Chain(insightID string) ([]*persistence.DealInsight, error) {
	var chain []*persistence.DealInsight

	id := insightID
	for id != "" {
		rec, err := s.ops.GetInsight(id)
		if err != nil {
			return nil, fmt.Errorf("failed to walk supersession chain at %s: %w", id, err)
		}
		chain = append(chain, rec)

		if rec.Supersedes == nil {
			break
		}
		id = *rec.Supersedes
	}

	return chain, nil
}

// TopicSummary returns the number of insight records per topic for a deal.
func (s *Store) TopicSummary(dealID string) (map[string]int, error) {
	return s.ops.TopicSummary(dealID)
}

func validateParams(params *AddParams) error {
	params.DealID = strings.TrimSpace(params.DealID)
	params.Topic = strings.TrimSpace(params.Topic)
	params.SourceAgent = strings.TrimSpace(params.SourceAgent)

	switch {
	case params.DealID == "":
		return fmt.Errorf("%w: deal_id", ErrMissingField)
	case params.Topic == "":
		return fmt.Errorf("%w: topic", ErrMissingField)
	case params.SourceAgent == "":
		return fmt.Errorf("%w: source_agent", ErrMissingField)
	case strings.TrimSpace(params.Insight) == "":
		return fmt.Errorf("%w: insight", ErrMissingField)
	}

	if params.Confidence < 0 || params.Confidence > 1 {
		return fmt.Errorf("%w: %.2f", ErrInvalidConfidence, params.Confidence)
	}

	return nil
}
