package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors surfaced to component packages.
var (
	// ErrNotFound is returned when an identifier does not resolve to a record.
	ErrNotFound = errors.New("record not found")
	// ErrChainDepthExceeded is returned when a requester already has the
	// maximum number of unresolved requests on a deal.
	ErrChainDepthExceeded = errors.New("max chain depth exceeded")
	// ErrReversePending is returned when a pending request already exists in
	// the reverse direction (circular wait).
	ErrReversePending = errors.New("reverse pending request exists")
	// ErrDuplicatePending is returned when a pending request already exists
	// for the same ordered (deal, requester, target) pair.
	ErrDuplicatePending = errors.New("pending request already exists for this pair")
)

// DatabaseOperations provides methods for database operations.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// DB exposes the underlying handle for callers that manage their own transactions.
func (ops *DatabaseOperations) DB() *sql.DB {
	return ops.db
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// --- Audit log ---

// InsertAuditEntry appends one audit record.
func (ops *DatabaseOperations) InsertAuditEntry(entry *AuditEntry) error {
	return insertAuditEntry(ops.db, entry)
}

// InsertAuditEntryTx appends one audit record within an existing transaction.
// Used by critical paths that must commit the audit entry with their primary write.
func (ops *DatabaseOperations) InsertAuditEntryTx(tx *sql.Tx, entry *AuditEntry) error {
	return insertAuditEntry(tx, entry)
}

func insertAuditEntry(e execer, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = GenerateID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := e.Exec(`
		INSERT INTO audit_log (id, action, component, details, actor, deal_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Action, entry.Component, entry.Details, entry.Actor, entry.DealID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry %s: %w", entry.Action, err)
	}
	return nil
}

// RecentAuditEntries returns the newest audit records, newest first.
func (ops *DatabaseOperations) RecentAuditEntries(limit int) ([]*AuditEntry, error) {
	return ops.queryAuditEntries(`
		SELECT id, action, component, details, actor, deal_id, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?
	`, limit)
}

// AuditEntriesByDeal returns audit records scoped to one deal, newest first.
func (ops *DatabaseOperations) AuditEntriesByDeal(dealID string, limit int) ([]*AuditEntry, error) {
	return ops.queryAuditEntries(`
		SELECT id, action, component, details, actor, deal_id, created_at
		FROM audit_log WHERE deal_id = ? ORDER BY created_at DESC LIMIT ?
	`, dealID, limit)
}

func (ops *DatabaseOperations) queryAuditEntries(query string, args ...any) ([]*AuditEntry, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var details, actor, dealID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Component, &details,
			&actor, &dealID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Details = details.String
		entry.Actor = nullableString(actor)
		entry.DealID = nullableString(dealID)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit entry iteration error: %w", err)
	}
	return entries, nil
}

// SpendTotalSince sums the cost of all spend audit entries at or after the
// given instant, optionally scoped to one deal. The spend ledger is derived
// from the audit trail rather than stored separately.
func (ops *DatabaseOperations) SpendTotalSince(since time.Time, dealID *string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(json_extract(details, '$.cost_usd')), 0)
		FROM audit_log
		WHERE action = 'spend_recorded' AND created_at >= ?
	`
	args := []any{since.UTC()}
	if dealID != nil {
		query += " AND deal_id = ?"
		args = append(args, *dealID)
	}

	var total float64
	if err := ops.db.QueryRow(query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum spend entries: %w", err)
	}
	return total, nil
}

// --- Agent requests ---

// CreateRequestConditional inserts a new agent request, enforcing the chain
// depth cap and the circular-wait invariant in a single transaction. The
// reverse-pending check is a conditional INSERT ... WHERE NOT EXISTS rather
// than a separate read, and the partial unique index on pending edges rejects
// a duplicate pending request for the same ordered pair. The audit entry
// commits atomically with the insert.
func (ops *DatabaseOperations) CreateRequestConditional(req *AgentRequest, maxOpen int, audit *AuditEntry) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is safe to call after commit

	// Unresolved requests already originated by this agent on this deal.
	var open int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM agent_requests
		WHERE deal_id = ? AND from_agent = ? AND status IN ('pending', 'in_progress')
	`, req.DealID, req.FromAgent).Scan(&open)
	if err != nil {
		return fmt.Errorf("failed to count open requests: %w", err)
	}
	if open >= maxOpen {
		return fmt.Errorf("%s has %d unresolved requests on deal %s: %w",
			req.FromAgent, open, req.DealID, ErrChainDepthExceeded)
	}
	req.ChainDepth = open + 1

	if req.ID == "" {
		req.ID = GenerateID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = RequestStatusPending

	res, err := tx.Exec(`
		INSERT INTO agent_requests (
			id, deal_id, from_agent, to_agent, kind, description, context,
			status, chain_depth, expires_at, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM agent_requests
			WHERE deal_id = ? AND from_agent = ? AND to_agent = ?
			AND status IN ('pending', 'in_progress')
		)
	`, req.ID, req.DealID, req.FromAgent, req.ToAgent, req.Kind, req.Description, req.Context,
		req.Status, req.ChainDepth, req.ExpiresAt.UTC(), req.CreatedAt,
		req.DealID, req.ToAgent, req.FromAgent)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("pending %s -> %s on deal %s: %w",
				req.FromAgent, req.ToAgent, req.DealID, ErrDuplicatePending)
		}
		return fmt.Errorf("failed to insert agent request: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		return fmt.Errorf("pending %s -> %s on deal %s: %w",
			req.ToAgent, req.FromAgent, req.DealID, ErrReversePending)
	}

	if audit != nil {
		if err := insertAuditEntry(tx, audit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request creation: %w", err)
	}
	return nil
}

// GetRequest returns one agent request by identifier.
func (ops *DatabaseOperations) GetRequest(requestID string) (*AgentRequest, error) {
	row := ops.db.QueryRow(`
		SELECT id, deal_id, from_agent, to_agent, kind, description, context,
			status, response, failure_reason, chain_depth, expires_at, created_at
		FROM agent_requests WHERE id = ?
	`, requestID)

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request %s: %w", requestID, err)
	}
	return req, nil
}

// CompleteRequest transitions a request to completed, storing the response.
// Returns false without error when the request is already in a terminal state
// (idempotent completion, and terminal states win over late responses).
func (ops *DatabaseOperations) CompleteRequest(requestID, response string, audit *AuditEntry) (bool, error) {
	return ops.finishRequest(requestID, audit, `
		UPDATE agent_requests SET status = 'completed', response = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, response, requestID)
}

// FailRequest transitions a request to failed with the reason recorded.
func (ops *DatabaseOperations) FailRequest(requestID, reason string, audit *AuditEntry) (bool, error) {
	return ops.finishRequest(requestID, audit, `
		UPDATE agent_requests SET status = 'failed', failure_reason = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, reason, requestID)
}

func (ops *DatabaseOperations) finishRequest(requestID string, audit *AuditEntry, query string, args ...any) (bool, error) {
	tx, err := ops.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is safe to call after commit

	res, err := tx.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update request %s: %w", requestID, err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}

	if updated == 0 {
		// Distinguish "already terminal" (no-op) from "missing".
		var exists int
		err = tx.QueryRow("SELECT COUNT(*) FROM agent_requests WHERE id = ?", requestID).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to check request %s: %w", requestID, err)
		}
		if exists == 0 {
			return false, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
		}
		return false, tx.Commit()
	}

	if audit != nil {
		if err := insertAuditEntry(tx, audit); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit request update: %w", err)
	}
	return true, nil
}

// ListPendingRequests returns pending requests addressed to one agent on a
// deal, oldest first (FIFO fairness for an agent draining its inbox).
func (ops *DatabaseOperations) ListPendingRequests(dealID, toAgent string) ([]*AgentRequest, error) {
	rows, err := ops.db.Query(`
		SELECT id, deal_id, from_agent, to_agent, kind, description, context,
			status, response, failure_reason, chain_depth, expires_at, created_at
		FROM agent_requests
		WHERE deal_id = ? AND to_agent = ? AND status = 'pending'
		ORDER BY created_at ASC
	`, dealID, toAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var requests []*AgentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request iteration error: %w", err)
	}
	return requests, nil
}

// ExpireStaleRequests flips pending requests past their expiry to expired.
// A single conditional UPDATE, so it is idempotent and safe to overlap with
// itself and with normal traffic: a request completed before the sweep runs
// no longer matches the predicate.
func (ops *DatabaseOperations) ExpireStaleRequests(now time.Time) (int64, error) {
	res, err := ops.db.Exec(`
		UPDATE agent_requests SET status = 'expired'
		WHERE status = 'pending' AND expires_at < ?
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale requests: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read expiry result: %w", err)
	}
	return count, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*AgentRequest, error) {
	var req AgentRequest
	var context, response, failureReason sql.NullString
	err := s.Scan(&req.ID, &req.DealID, &req.FromAgent, &req.ToAgent, &req.Kind,
		&req.Description, &context, &req.Status, &response, &failureReason,
		&req.ChainDepth, &req.ExpiresAt, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	req.Context = nullableString(context)
	req.Response = nullableString(response)
	req.FailureReason = nullableString(failureReason)
	return &req, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
