package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// --- Deal insights ---

// InsertInsight appends an immutable insight record. Within one transaction
// it resolves the most recent record for the same (deal, topic, source agent)
// triple, points the new record's supersedes at it, and commits the audit
// entry alongside. Corrections never mutate prior records.
func (ops *DatabaseOperations) InsertInsight(rec *DealInsight, audit *AuditEntry) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is safe to call after commit

	var prior sql.NullString
	err = tx.QueryRow(`
		SELECT id FROM deal_insights
		WHERE deal_id = ? AND topic = ? AND source_agent = ?
		ORDER BY created_at DESC LIMIT 1
	`, rec.DealID, rec.Topic, rec.SourceAgent).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to find prior insight: %w", err)
	}
	rec.Supersedes = nullableString(prior)

	if rec.ID == "" {
		rec.ID = GenerateID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(`
		INSERT INTO deal_insights (id, deal_id, topic, insight, confidence,
			source_agent, evidence, supersedes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.DealID, rec.Topic, rec.Insight, rec.Confidence,
		rec.SourceAgent, rec.Evidence, rec.Supersedes, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}

	if audit != nil {
		if err := insertAuditEntry(tx, audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insight: %w", err)
	}
	return nil
}

// ActiveInsights returns the leaves of each supersession chain for a deal:
// every record not referenced by any other record's supersedes field.
// Newest first.
func (ops *DatabaseOperations) ActiveInsights(dealID string) ([]*DealInsight, error) {
	return ops.queryInsights(`
		SELECT id, deal_id, topic, insight, confidence, source_agent, evidence, supersedes, created_at
		FROM deal_insights
		WHERE deal_id = ?
		AND id NOT IN (SELECT supersedes FROM deal_insights WHERE supersedes IS NOT NULL)
		ORDER BY created_at DESC
	`, dealID)
}

// InsightsByTopic returns the full history for a deal/topic, newest first,
// ignoring supersession.
func (ops *DatabaseOperations) InsightsByTopic(dealID, topic string) ([]*DealInsight, error) {
	return ops.queryInsights(`
		SELECT id, deal_id, topic, insight, confidence, source_agent, evidence, supersedes, created_at
		FROM deal_insights
		WHERE deal_id = ? AND topic = ?
		ORDER BY created_at DESC
	`, dealID, topic)
}

// GetInsight returns one insight record by identifier.
func (ops *DatabaseOperations) GetInsight(insightID string) (*DealInsight, error) {
	row := ops.db.QueryRow(`
		SELECT id, deal_id, topic, insight, confidence, source_agent, evidence, supersedes, created_at
		FROM deal_insights WHERE id = ?
	`, insightID)

	rec, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("insight %s: %w", insightID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get insight %s: %w", insightID, err)
	}
	return rec, nil
}

// TopicSummary returns the count of active insights per topic for a deal.
func (ops *DatabaseOperations) TopicSummary(dealID string) (map[string]int, error) {
	rows, err := ops.db.Query(`
		SELECT topic, COUNT(*) FROM deal_insights
		WHERE deal_id = ?
		AND id NOT IN (SELECT supersedes FROM deal_insights WHERE supersedes IS NOT NULL)
		GROUP BY topic
	`, dealID)
	if err != nil {
		return nil, fmt.Errorf("failed to query topic summary: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	summary := make(map[string]int)
	for rows.Next() {
		var topic string
		var count int
		if err := rows.Scan(&topic, &count); err != nil {
			return nil, fmt.Errorf("failed to scan topic summary: %w", err)
		}
		summary[topic] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("topic summary iteration error: %w", err)
	}
	return summary, nil
}

func (ops *DatabaseOperations) queryInsights(query string, args ...any) ([]*DealInsight, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var insights []*DealInsight
	for rows.Next() {
		rec, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		insights = append(insights, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insight iteration error: %w", err)
	}
	return insights, nil
}

func scanInsight(s scanner) (*DealInsight, error) {
	var rec DealInsight
	var evidence, supersedes sql.NullString
	err := s.Scan(&rec.ID, &rec.DealID, &rec.Topic, &rec.Insight, &rec.Confidence,
		&rec.SourceAgent, &evidence, &supersedes, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Evidence = nullableString(evidence)
	rec.Supersedes = nullableString(supersedes)
	return &rec, nil
}

// --- Learned patterns ---

// InsertPattern creates a new pattern record, committing the audit entry with it.
func (ops *DatabaseOperations) InsertPattern(p *LearnedPattern, audit *AuditEntry) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is safe to call after commit

	if p.ID == "" {
		p.ID = GenerateID()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	_, err = tx.Exec(`
		INSERT INTO learned_patterns (id, agent_type, kind, target_type, description,
			condition, instruction, confidence, supporting, contradicting, stage,
			version, version_history, last_applied, last_evaluated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AgentType, p.Kind, p.TargetType, p.Description,
		p.Condition, p.Instruction, p.Confidence, p.Supporting, p.Contradicting, p.Stage,
		p.Version, p.VersionHistory, p.LastApplied, p.LastEvaluated, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pattern: %w", err)
	}

	if audit != nil {
		if err := insertAuditEntry(tx, audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pattern: %w", err)
	}
	return nil
}

// UpdatePattern persists a lifecycle or evidence change. Patterns are never
// hard-deleted; retirement is a stage change through this method. The audit
// entry commits atomically with the update.
func (ops *DatabaseOperations) UpdatePattern(p *LearnedPattern, audit *AuditEntry) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is safe to call after commit

	p.UpdatedAt = time.Now().UTC()

	res, err := tx.Exec(`
		UPDATE learned_patterns SET
			description = ?, condition = ?, instruction = ?, confidence = ?,
			supporting = ?, contradicting = ?, stage = ?, version = ?,
			version_history = ?, last_applied = ?, last_evaluated = ?, updated_at = ?
		WHERE id = ?
	`, p.Description, p.Condition, p.Instruction, p.Confidence,
		p.Supporting, p.Contradicting, p.Stage, p.Version,
		p.VersionHistory, p.LastApplied, p.LastEvaluated, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update pattern %s: %w", p.ID, err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("pattern %s: %w", p.ID, ErrNotFound)
	}

	if audit != nil {
		if err := insertAuditEntry(tx, audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pattern update: %w", err)
	}
	return nil
}

// GetPattern returns one pattern by identifier.
func (ops *DatabaseOperations) GetPattern(patternID string) (*LearnedPattern, error) {
	row := ops.db.QueryRow(patternSelect+" WHERE id = ?", patternID)

	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", patternID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern %s: %w", patternID, err)
	}
	return p, nil
}

// ListPatternsByStage returns all patterns in any of the given stages.
func (ops *DatabaseOperations) ListPatternsByStage(stages ...string) ([]*LearnedPattern, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(stages))
	args := make([]any, len(stages))
	for i, stage := range stages {
		placeholders[i] = "?"
		args[i] = stage
	}
	query := fmt.Sprintf("%s WHERE stage IN (%s) ORDER BY confidence DESC",
		patternSelect, strings.Join(placeholders, ","))
	return ops.queryPatterns(query, args...)
}

// ActivePatterns returns injectable patterns (confirmed and above) applicable
// to the given agent type, highest confidence first. Patterns with a nil
// agent type apply to all agents.
func (ops *DatabaseOperations) ActivePatterns(agentType string) ([]*LearnedPattern, error) {
	return ops.queryPatterns(patternSelect+`
		WHERE stage IN ('confirmed', 'established', 'hard_rule')
		AND (agent_type IS NULL OR agent_type = ?)
		ORDER BY confidence DESC
	`, agentType)
}

// SimilarPatternExists reports whether a non-retired pattern already covers
// the same (agent type, kind, target type) combination.
func (ops *DatabaseOperations) SimilarPatternExists(agentType *string, kind, targetType string) (bool, error) {
	var count int
	err := ops.db.QueryRow(`
		SELECT COUNT(*) FROM learned_patterns
		WHERE kind = ? AND target_type = ? AND stage != 'retired'
		AND ((agent_type IS NULL AND ? IS NULL) OR agent_type = ?)
	`, kind, targetType, agentType, agentType).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check for similar pattern: %w", err)
	}
	return count > 0, nil
}

// TouchPatternsApplied stamps last_applied on the given patterns.
func (ops *DatabaseOperations) TouchPatternsApplied(patternIDs []string, when time.Time) error {
	if len(patternIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(patternIDs))
	args := []any{when.UTC()}
	for i, id := range patternIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf("UPDATE learned_patterns SET last_applied = ? WHERE id IN (%s)",
		strings.Join(placeholders, ","))
	if _, err := ops.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to stamp last_applied: %w", err)
	}
	return nil
}

const patternSelect = `
	SELECT id, agent_type, kind, target_type, description, condition, instruction,
		confidence, supporting, contradicting, stage, version, version_history,
		last_applied, last_evaluated, created_at, updated_at
	FROM learned_patterns`

func (ops *DatabaseOperations) queryPatterns(query string, args ...any) ([]*LearnedPattern, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var patterns []*LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pattern iteration error: %w", err)
	}
	return patterns, nil
}

func scanPattern(s scanner) (*LearnedPattern, error) {
	var p LearnedPattern
	var agentType, versionHistory sql.NullString
	var lastApplied, lastEvaluated sql.NullTime
	err := s.Scan(&p.ID, &agentType, &p.Kind, &p.TargetType, &p.Description,
		&p.Condition, &p.Instruction, &p.Confidence, &p.Supporting, &p.Contradicting,
		&p.Stage, &p.Version, &versionHistory, &lastApplied, &lastEvaluated,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.AgentType = nullableString(agentType)
	p.VersionHistory = nullableString(versionHistory)
	p.LastApplied = nullableTime(lastApplied)
	p.LastEvaluated = nullableTime(lastEvaluated)
	return &p, nil
}

// --- Feedback events and generated test cases ---

// InsertFeedbackEvent stores one raw feedback signal.
func (ops *DatabaseOperations) InsertFeedbackEvent(e *FeedbackEvent) error {
	if e.ID == "" {
		e.ID = GenerateID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(`
		INSERT INTO feedback_events (id, event_type, agent_type, target_type,
			original_output, modified_output, annotation, deal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.AgentType, e.TargetType,
		e.OriginalOutput, e.ModifiedOutput, e.Annotation, e.DealID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback event: %w", err)
	}
	return nil
}

// FeedbackEventsSince returns feedback events of one type at or after the
// given instant, oldest first.
func (ops *DatabaseOperations) FeedbackEventsSince(since time.Time, eventType string) ([]*FeedbackEvent, error) {
	rows, err := ops.db.Query(`
		SELECT id, event_type, agent_type, target_type, original_output,
			modified_output, annotation, deal_id, created_at
		FROM feedback_events
		WHERE event_type = ? AND created_at >= ?
		ORDER BY created_at ASC
	`, eventType, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback events: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var events []*FeedbackEvent
	for rows.Next() {
		var e FeedbackEvent
		var agentType, original, modified, annotation, dealID sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &agentType, &e.TargetType,
			&original, &modified, &annotation, &dealID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback event: %w", err)
		}
		e.AgentType = nullableString(agentType)
		e.OriginalOutput = nullableString(original)
		e.ModifiedOutput = nullableString(modified)
		e.Annotation = nullableString(annotation)
		e.DealID = nullableString(dealID)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("feedback event iteration error: %w", err)
	}
	return events, nil
}

// InsertTestCase stores one generated regression test case.
func (ops *DatabaseOperations) InsertTestCase(tc *PatternTestCase) error {
	if tc.ID == "" {
		tc.ID = GenerateID()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(`
		INSERT INTO pattern_test_cases (id, feedback_id, agent_type, target_type,
			original_output, expected_output, rejected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tc.ID, tc.FeedbackID, tc.AgentType, tc.TargetType,
		tc.OriginalOutput, tc.ExpectedOutput, tc.Rejected, tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert test case: %w", err)
	}
	return nil
}

// TestCasesByTarget returns generated test cases for one target type, oldest first.
func (ops *DatabaseOperations) TestCasesByTarget(targetType string) ([]*PatternTestCase, error) {
	rows, err := ops.db.Query(`
		SELECT id, feedback_id, agent_type, target_type, original_output,
			expected_output, rejected, created_at
		FROM pattern_test_cases
		WHERE target_type = ?
		ORDER BY created_at ASC
	`, targetType)
	if err != nil {
		return nil, fmt.Errorf("failed to query test cases: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var cases []*PatternTestCase
	for rows.Next() {
		var tc PatternTestCase
		var agentType, expected sql.NullString
		if err := rows.Scan(&tc.ID, &tc.FeedbackID, &agentType, &tc.TargetType,
			&tc.OriginalOutput, &expected, &tc.Rejected, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan test case: %w", err)
		}
		tc.AgentType = nullableString(agentType)
		tc.ExpectedOutput = nullableString(expected)
		cases = append(cases, &tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("test case iteration error: %w", err)
	}
	return cases, nil
}
