package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

type auditRow struct {
	ID            string         `db:"id"`
	IncidentID    sql.NullString `db:"incident_id"`
	ServiceName   string         `db:"service_name"`
	AgentName     string         `db:"agent_name"`
	ActionType    string         `db:"action_type"`
	ActionDetails sql.NullString `db:"action_details"`
	Status        string         `db:"status"`
	Result        sql.NullString `db:"result"`
	ErrorMessage  string         `db:"error_message"`
	HumanApproved bool           `db:"human_approved"`
	ApprovedBy    string         `db:"approved_by"`
	CreatedAt     string         `db:"created_at"`
	ApprovedAt    sql.NullString `db:"approved_at"`
	CompletedAt   sql.NullString `db:"completed_at"`
}

func (r auditRow) toModel() *models.AuditLogEntry {
	details := decodeMap(r.ActionDetails)
	if details == nil {
		details = map[string]interface{}{}
	}
	return &models.AuditLogEntry{
		ID:            r.ID,
		IncidentID:    r.IncidentID.String,
		ServiceName:   r.ServiceName,
		AgentName:     r.AgentName,
		ActionType:    r.ActionType,
		ActionDetails: details,
		Status:        models.AuditStatus(r.Status),
		Result:        decodeMap(r.Result),
		ErrorMessage:  r.ErrorMessage,
		HumanApproved: r.HumanApproved,
		ApprovedBy:    r.ApprovedBy,
		CreatedAt:     mustTime(r.CreatedAt),
		ApprovedAt:    timePtr(r.ApprovedAt),
		CompletedAt:   timePtr(r.CompletedAt),
	}
}

const auditColumns = `id, incident_id, service_name, agent_name, action_type, action_details, status,
    result, error_message, human_approved, approved_by, created_at, approved_at, completed_at`

func (s *sqlStore) CreateAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.AuditPendingApproval
	}
	if e.ActionDetails == nil {
		e.ActionDetails = map[string]interface{}{}
	}
	details, err := encodeJSON(e.ActionDetails)
	if err != nil {
		return fmt.Errorf("encode action details: %w", err)
	}
	result, err := encodeJSON(e.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO audit_logs(`+auditColumns+`)
        VALUES(`+placeholders(14)+`)`),
		e.ID, nullString(e.IncidentID), e.ServiceName, e.AgentName, e.ActionType, details.String,
		string(e.Status), result, e.ErrorMessage, e.HumanApproved, e.ApprovedBy,
		formatTime(e.CreatedAt), nullTime(e.ApprovedAt), nullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create audit entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *sqlStore) GetAuditEntry(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	return s.getAuditEntry(ctx, s.db, id)
}

func (s *sqlStore) getAuditEntry(ctx context.Context, q sqlx.QueryerContext, id string) (*models.AuditLogEntry, error) {
	var row auditRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(`SELECT `+auditColumns+` FROM audit_logs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "audit entry", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *sqlStore) ListAuditEntries(ctx context.Context, q AuditQuery) ([]*models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE 1=1`
	args := []any{}

	if q.IncidentID != "" {
		query += ` AND incident_id = ?`
		args = append(args, q.IncidentID)
	}
	if len(q.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(q.Statuses)) + `)`
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	if !q.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(q.CreatedBefore))
	}

	if q.OrderByCompletion {
		query += ` ORDER BY completed_at DESC NULLS LAST, created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	out := make([]*models.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *sqlStore) TransitionAuditEntry(ctx context.Context, id string, from models.AuditStatus, t Transition) (*models.AuditLogEntry, error) {
	sets := []string{"status = ?"}
	args := []any{string(t.To)}

	if t.ApprovedBy != "" {
		sets = append(sets, "approved_by = ?")
		args = append(args, t.ApprovedBy)
	}
	if t.HumanApproved {
		sets = append(sets, "human_approved = ?")
		args = append(args, true)
	}
	if t.ApprovedAt != nil {
		sets = append(sets, "approved_at = ?")
		args = append(args, formatTime(*t.ApprovedAt))
	}
	if t.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*t.CompletedAt))
	}
	if t.Result != nil {
		result, err := encodeJSON(t.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, result)
	}
	if t.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, t.ErrorMessage)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE audit_logs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("transition audit entry %s to %s: %w", id, t.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition audit entry %s: %w", id, err)
	}
	if n == 0 {
		return nil, s.transitionRefused(ctx, s.db, id, from)
	}
	return s.GetAuditEntry(ctx, id)
}

func (s *sqlStore) CompleteExecution(ctx context.Context, id string, result map[string]interface{}, completedAt time.Time, res IncidentResolution) (*models.AuditLogEntry, error) {
	encoded, err := encodeJSON(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	upd, err := tx.ExecContext(ctx, tx.Rebind(`
        UPDATE audit_logs SET status = ?, result = ?, completed_at = ?
        WHERE id = ? AND status = ?`),
		string(models.AuditCompleted), encoded, formatTime(completedAt), id, string(models.AuditExecuting))
	if err != nil {
		return nil, fmt.Errorf("complete audit entry %s: %w", id, err)
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return nil, s.transitionRefused(ctx, tx, id, models.AuditExecuting)
	}

	entry, err := s.getAuditEntry(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if entry.IncidentID != "" {
		var firstSeen string
		err := tx.GetContext(ctx, &firstSeen, tx.Rebind(`SELECT first_seen_at FROM incidents WHERE id = ?`+s.forUpdate()), entry.IncidentID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// The entry references an incident that no longer exists; the
			// action still completed.
		case err != nil:
			return nil, fmt.Errorf("load incident %s: %w", entry.IncidentID, err)
		default:
			resolvedAt := res.ResolvedAt
			if resolvedAt.IsZero() {
				resolvedAt = completedAt
			}
			var elapsed int64
			if fs, perr := parseTime(firstSeen); perr == nil && resolvedAt.After(fs) {
				elapsed = int64(resolvedAt.Sub(fs).Seconds())
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(`
                UPDATE incidents SET
                    status = ?,
                    resolved_at = COALESCE(resolved_at, ?),
                    resolution_action = ?,
                    resolution_notes = ?,
                    resolution_time_seconds = ?,
                    updated_at = ?
                WHERE id = ? AND status IN ('open', 'investigating')`),
				string(models.IncidentMitigated), formatTime(resolvedAt), res.Action, res.Notes,
				elapsed, formatTime(completedAt), entry.IncidentID)
			if err != nil {
				return nil, fmt.Errorf("mitigate incident %s: %w", entry.IncidentID, err)
			}
		}
	}

	if res.ConfigChange != nil {
		if err := insertConfigChange(ctx, tx, res.ConfigChange); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit execution %s: %w", id, err)
	}
	return entry, nil
}

// transitionRefused explains why a conditional update matched no row.
func (s *sqlStore) transitionRefused(ctx context.Context, q sqlx.QueryerContext, id string, from models.AuditStatus) error {
	var status string
	err := sqlx.GetContext(ctx, q, &status, s.db.Rebind(`SELECT status FROM audit_logs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.NotFoundError{Kind: "audit entry", ID: id}
	}
	if err != nil {
		return fmt.Errorf("load audit entry %s: %w", id, err)
	}
	return &models.InvalidStateError{Kind: "audit entry", ID: id, Expected: string(from), Actual: status}
}
