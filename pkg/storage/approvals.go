package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/warden/pkg/approval"
)

// Compile-time check that Store satisfies the gate's persistence contract.
var _ approval.Store = (*Store)(nil)

// SaveApproval inserts a new approval request.
func (s *Store) SaveApproval(ctx context.Context, req *approval.Request) error {
	reasons, err := json.Marshal(req.RiskReasons)
	if err != nil {
		return fmt.Errorf("marshal risk reasons: %w", err)
	}

	exec := func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approval_requests
				(id, request_id, action_type, title, description, severity,
				 risk_reasons, status, decided_by, decision_reason,
				 created_at, decided_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.RequestID, req.ActionType, req.Title, req.Description,
			req.Severity, string(reasons), string(req.Status), req.DecidedBy,
			req.DecisionReason, req.CreatedAt, nullableTime(req.DecidedAt),
			req.ExpiresAt,
		)
		return err
	}
	if err := exec(); err != nil {
		if isBusyError(err) {
			err = exec()
		}
		if err != nil {
			return fmt.Errorf("insert approval request: %w", err)
		}
	}
	return nil
}

// UpdateApproval records a pending-to-terminal transition. A row that is
// already terminal fails with approval.ErrAlreadyDecided; a missing row
// fails with approval.ErrNotFound.
func (s *Store) UpdateApproval(ctx context.Context, req *approval.Request) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, decided_by = ?, decision_reason = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(req.Status), req.DecidedBy, req.DecisionReason,
		nullableTime(req.DecidedAt), req.ID,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if affected == 0 {
		existing, err := s.GetApproval(ctx, req.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return approval.ErrNotFound
		}
		return approval.ErrAlreadyDecided
	}
	return nil
}

// GetApproval returns a request by ID, or (nil, nil) when absent.
func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, action_type, title, description, severity,
		       risk_reasons, status, decided_by, decision_reason,
		       created_at, decided_at, expires_at
		FROM approval_requests WHERE id = ?`, id)

	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return req, nil
}

// ListPendingApprovals returns undecided, unexpired requests ordered by
// creation time.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*approval.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, action_type, title, description, severity,
		       risk_reasons, status, decided_by, decision_reason,
		       created_at, decided_at, expires_at
		FROM approval_requests
		WHERE status = 'pending' AND expires_at >= ?
		ORDER BY created_at`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*approval.Request
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CountPendingApprovals returns the number of undecided requests.
func (s *Store) CountPendingApprovals(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*approval.Request, error) {
	var req approval.Request
	var reasons sql.NullString
	var description, severity, decidedBy, decisionReason sql.NullString
	var decidedAt sql.NullTime
	var status string

	err := row.Scan(
		&req.ID, &req.RequestID, &req.ActionType, &req.Title, &description,
		&severity, &reasons, &status, &decidedBy, &decisionReason,
		&req.CreatedAt, &decidedAt, &req.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = approval.Status(status)
	req.Description = description.String
	req.Severity = severity.String
	req.DecidedBy = decidedBy.String
	req.DecisionReason = decisionReason.String
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	if reasons.Valid && reasons.String != "" && reasons.String != "null" {
		if err := json.Unmarshal([]byte(reasons.String), &req.RiskReasons); err != nil {
			return nil, fmt.Errorf("unmarshal risk reasons: %w", err)
		}
	}
	return &req, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
