package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRow is a persisted audit entry.
type AuditRow struct {
	ID             int64
	Timestamp      time.Time
	TraceID        string
	Capability     string
	Operation      string
	Classification string
	Result         string
	ErrorMessage   sql.NullString
	Actor          string
	Operator       sql.NullString
	ArgsJSON       sql.NullString
}

// WriteAudit persists an audit entry. Args must already be sanitized by the
// caller; this layer stores what it is given.
func (s *Store) WriteAudit(ctx context.Context, row AuditRow) error {
	var argsJSON sql.NullString
	if row.ArgsJSON.Valid {
		argsJSON = row.ArgsJSON
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, capability, operation, classification, result, error_message, actor, operator, args_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Timestamp, row.TraceID, row.Capability, row.Operation, row.Classification,
		row.Result, row.ErrorMessage, row.Actor, row.Operator, argsJSON)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// MarshalArgs encodes sanitized args for storage in an AuditRow.
func MarshalArgs(args map[string]any) (sql.NullString, error) {
	if args == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal audit args: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// RecentAudit retrieves the most recent audit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]*AuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, capability, operation, classification, result, error_message, actor, operator, args_json
		FROM audit_log
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// AuditByTrace retrieves all audit entries for a trace ID, oldest first.
func (s *Store) AuditByTrace(ctx context.Context, traceID string) ([]*AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, capability, operation, classification, result, error_message, actor, operator, args_json
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY ts ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by trace: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditRow, error) {
	var entries []*AuditRow
	for rows.Next() {
		row := &AuditRow{}
		err := rows.Scan(
			&row.ID, &row.Timestamp, &row.TraceID, &row.Capability, &row.Operation,
			&row.Classification, &row.Result, &row.ErrorMessage, &row.Actor,
			&row.Operator, &row.ArgsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}
