package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/warden/pkg/governance"
)

// LogEscalation appends an escalation record to the audit trail.
func (s *Store) LogEscalation(ctx context.Context, requestID string, record governance.EscalationRecord) error {
	contextJSON, err := json.Marshal(record.Context)
	if err != nil {
		return fmt.Errorf("marshal escalation context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalations (request_id, reason, message, context, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		requestID, string(record.Reason), record.Message, string(contextJSON),
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// EscalationEntry is one audit-trail row.
type EscalationEntry struct {
	RequestID string                      `json:"request_id"`
	Record    governance.EscalationRecord `json:"record"`
}

// ListEscalations returns the escalations recorded for a request, oldest first.
func (s *Store) ListEscalations(ctx context.Context, requestID string) ([]EscalationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, reason, message, context, created_at
		FROM escalations WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []EscalationEntry
	for rows.Next() {
		var entry EscalationEntry
		var reason, contextJSON string
		if err := rows.Scan(&entry.RequestID, &reason, &entry.Record.Message,
			&contextJSON, &entry.Record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		entry.Record.Reason = governance.Reason(reason)
		if contextJSON != "" && contextJSON != "null" {
			if err := json.Unmarshal([]byte(contextJSON), &entry.Record.Context); err != nil {
				return nil, fmt.Errorf("unmarshal escalation context: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SaveResult upserts the serialized outcome of a workflow run.
func (s *Store) SaveResult(ctx context.Context, requestID, state string, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_results (request_id, state, result, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			updated_at = excluded.updated_at`,
		requestID, state, string(result), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save workflow result: %w", err)
	}
	return nil
}

// GetResult returns the stored state and result for a request, or
// ("", nil, nil) when absent.
func (s *Store) GetResult(ctx context.Context, requestID string) (string, []byte, error) {
	var state, result string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, result FROM workflow_results WHERE request_id = ?`,
		requestID,
	).Scan(&state, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("get workflow result: %w", err)
	}
	return state, []byte(result), nil
}
