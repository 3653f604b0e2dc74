package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Routing configs ---

// GetRoutingConfig returns the distillation state for one task type.
func (ops *DatabaseOperations) GetRoutingConfig(taskType string) (*RoutingConfig, error) {
	row := ops.db.QueryRow(`
		SELECT task_type, current_model, status, exemplar_count, min_exemplars,
			handoff_threshold, revert_threshold, spot_check_frequency,
			call_count, consecutive_low, consecutive_high, last_spot_check,
			created_at, updated_at
		FROM routing_configs WHERE task_type = ?
	`, taskType)

	rc, err := scanRoutingConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("routing config %s: %w", taskType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routing config %s: %w", taskType, err)
	}
	return rc, nil
}

// InsertRoutingConfig creates the routing row for a task type at first use.
// INSERT OR IGNORE so that two concurrent first calls race benignly.
func (ops *DatabaseOperations) InsertRoutingConfig(rc *RoutingConfig) error {
	now := time.Now().UTC()
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = now
	}
	rc.UpdatedAt = now

	_, err := ops.db.Exec(`
		INSERT OR IGNORE INTO routing_configs (task_type, current_model, status,
			exemplar_count, min_exemplars, handoff_threshold, revert_threshold,
			spot_check_frequency, call_count, consecutive_low, consecutive_high,
			last_spot_check, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rc.TaskType, rc.CurrentModel, rc.Status,
		rc.ExemplarCount, rc.MinExemplars, rc.HandoffThreshold, rc.RevertThreshold,
		rc.SpotCheckFrequency, rc.CallCount, rc.ConsecutiveLow, rc.ConsecutiveHigh,
		rc.LastSpotCheck, rc.CreatedAt, rc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert routing config %s: %w", rc.TaskType, err)
	}
	return nil
}

// UpdateRoutingConfig persists a state machine transition or counter change,
// committing the audit entry with it.
func (ops *DatabaseOperations) UpdateRoutingConfig(rc *RoutingConfig, audit *AuditEntry) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is safe to call after commit

	rc.UpdatedAt = time.Now().UTC()

	res, err := tx.Exec(`
		UPDATE routing_configs SET
			current_model = ?, status = ?, exemplar_count = ?, min_exemplars = ?,
			handoff_threshold = ?, revert_threshold = ?, spot_check_frequency = ?,
			call_count = ?, consecutive_low = ?, consecutive_high = ?,
			last_spot_check = ?, updated_at = ?
		WHERE task_type = ?
	`, rc.CurrentModel, rc.Status, rc.ExemplarCount, rc.MinExemplars,
		rc.HandoffThreshold, rc.RevertThreshold, rc.SpotCheckFrequency,
		rc.CallCount, rc.ConsecutiveLow, rc.ConsecutiveHigh,
		rc.LastSpotCheck, rc.UpdatedAt, rc.TaskType)
	if err != nil {
		return fmt.Errorf("failed to update routing config %s: %w", rc.TaskType, err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("routing config %s: %w", rc.TaskType, ErrNotFound)
	}

	if audit != nil {
		if err := insertAuditEntry(tx, audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit routing config update: %w", err)
	}
	return nil
}

// ListRoutingConfigs returns all routing configs ordered by task type.
func (ops *DatabaseOperations) ListRoutingConfigs() ([]*RoutingConfig, error) {
	rows, err := ops.db.Query(`
		SELECT task_type, current_model, status, exemplar_count, min_exemplars,
			handoff_threshold, revert_threshold, spot_check_frequency,
			call_count, consecutive_low, consecutive_high, last_spot_check,
			created_at, updated_at
		FROM routing_configs ORDER BY task_type ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing configs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var configs []*RoutingConfig
	for rows.Next() {
		rc, err := scanRoutingConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routing config: %w", err)
		}
		configs = append(configs, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("routing config iteration error: %w", err)
	}
	return configs, nil
}

func scanRoutingConfig(s scanner) (*RoutingConfig, error) {
	var rc RoutingConfig
	var lastSpotCheck sql.NullTime
	err := s.Scan(&rc.TaskType, &rc.CurrentModel, &rc.Status, &rc.ExemplarCount,
		&rc.MinExemplars, &rc.HandoffThreshold, &rc.RevertThreshold,
		&rc.SpotCheckFrequency, &rc.CallCount, &rc.ConsecutiveLow,
		&rc.ConsecutiveHigh, &lastSpotCheck, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rc.LastSpotCheck = nullableTime(lastSpotCheck)
	return &rc, nil
}
