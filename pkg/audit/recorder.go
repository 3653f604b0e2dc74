// Package audit records what the system did and why into the append-only
// audit_log table, optionally mirrored to daily rotated JSONL files.
package audit

import (
	"encoding/json"
	"fmt"

	"dealdesk/pkg/logx"
	"dealdesk/pkg/persistence"
)

// Recorder writes audit entries. Recording is best-effort: a failed write is
// retried once and then logged as a warning rather than failing the caller's
// operation. Critical paths that need the entry committed atomically with
// their own writes pass an entry to the persistence layer instead, which
// inserts it in the same transaction.
type Recorder struct {
	ops    *persistence.DatabaseOperations
	mirror *Writer
	logger *logx.Logger
}

// NewRecorder creates a recorder backed by the given database operations.
// The mirror may be nil when file mirroring is disabled.
func NewRecorder(ops *persistence.DatabaseOperations, mirror *Writer) *Recorder {
	return &Recorder{
		ops:    ops,
		mirror: mirror,
		logger: logx.NewLogger("audit"),
	}
}

// Entry builds an audit entry for the given action and component. Details may
// be any JSON-serializable value; marshaling failures fall back to a quoted
// string so the entry is never lost to a bad payload.
func Entry(action, component string, details any) *persistence.AuditEntry {
	return &persistence.AuditEntry{
		Action:    action,
		Component: component,
		Details:   marshalDetails(details),
	}
}

// Record persists the entry, retrying once on failure. Errors are logged,
// never returned: audit failure must not fail the audited operation.
func (r *Recorder) Record(entry *persistence.AuditEntry) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = r.ops.InsertAuditEntry(entry); err == nil {
			r.mirrorEntry(entry)
			return
		}
	}
	r.logger.Warn("failed to record audit entry %s/%s after retry: %v",
		entry.Component, entry.Action, err)
}

// Mirror appends an already-committed entry to the JSONL mirror. Used by
// transactional paths that inserted the database row themselves.
func (r *Recorder) Mirror(entry *persistence.AuditEntry) {
	r.mirrorEntry(entry)
}

// Recent returns the newest entries up to limit.
func (r *Recorder) Recent(limit int) ([]*persistence.AuditEntry, error) {
	entries, err := r.ops.RecentAuditEntries(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent audit entries: %w", err)
	}
	return entries, nil
}

// ByDeal returns the newest entries for one deal up to limit.
func (r *Recorder) ByDeal(dealID string, limit int) ([]*persistence.AuditEntry, error) {
	entries, err := r.ops.AuditEntriesByDeal(dealID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries for deal %s: %w", dealID, err)
	}
	return entries, nil
}

func (r *Recorder) mirrorEntry(entry *persistence.AuditEntry) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.WriteEntry(entry); err != nil {
		r.logger.Warn("failed to mirror audit entry %s/%s: %v",
			entry.Component, entry.Action, err)
	}
}

func marshalDetails(details any) string {
	if details == nil {
		return "{}"
	}
	if s, ok := details.(string); ok {
		return s
	}
	data, err := json.Marshal(details)
	if err != nil {
		quoted, _ := json.Marshal(fmt.Sprintf("%v", details))
		return string(quoted)
	}
	return string(data)
}
