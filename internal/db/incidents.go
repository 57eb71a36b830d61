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

type incidentRow struct {
	ID                    string         `db:"id"`
	ServiceName           string         `db:"service_name"`
	Severity              string         `db:"severity"`
	Status                string         `db:"status"`
	ErrorSignature        string         `db:"error_signature"`
	ErrorMessage          string         `db:"error_message"`
	StackTrace            string         `db:"stack_trace"`
	Region                string         `db:"region"`
	Environment           string         `db:"environment"`
	ErrorCount            int            `db:"error_count"`
	RootCause             string         `db:"root_cause"`
	SuspectCommitID       string         `db:"suspect_commit_id"`
	SuspectFilePath       string         `db:"suspect_file_path"`
	ConfidenceScore       float64        `db:"confidence_score"`
	ResolutionAction      string         `db:"resolution_action"`
	ResolutionNotes       string         `db:"resolution_notes"`
	ResolutionTimeSeconds int64          `db:"resolution_time_seconds"`
	CreatedAt             string         `db:"created_at"`
	UpdatedAt             string         `db:"updated_at"`
	FirstSeenAt           string         `db:"first_seen_at"`
	LastSeenAt            string         `db:"last_seen_at"`
	ResolvedAt            sql.NullString `db:"resolved_at"`
}

func (r incidentRow) toModel() *models.Incident {
	return &models.Incident{
		ID:                    r.ID,
		ServiceName:           r.ServiceName,
		Severity:              models.Severity(r.Severity),
		Status:                models.IncidentStatus(r.Status),
		ErrorSignature:        r.ErrorSignature,
		ErrorMessage:          r.ErrorMessage,
		StackTrace:            r.StackTrace,
		Region:                r.Region,
		Environment:           r.Environment,
		ErrorCount:            r.ErrorCount,
		RootCause:             r.RootCause,
		SuspectCommitID:       r.SuspectCommitID,
		SuspectFilePath:       r.SuspectFilePath,
		ConfidenceScore:       r.ConfidenceScore,
		ResolutionAction:      r.ResolutionAction,
		ResolutionNotes:       r.ResolutionNotes,
		ResolutionTimeSeconds: r.ResolutionTimeSeconds,
		CreatedAt:             mustTime(r.CreatedAt),
		UpdatedAt:             mustTime(r.UpdatedAt),
		FirstSeenAt:           mustTime(r.FirstSeenAt),
		LastSeenAt:            mustTime(r.LastSeenAt),
		ResolvedAt:            timePtr(r.ResolvedAt),
	}
}

const incidentColumns = `id, service_name, severity, status, error_signature, error_message, stack_trace,
    region, environment, error_count, root_cause, suspect_commit_id, suspect_file_path,
    confidence_score, resolution_action, resolution_notes, resolution_time_seconds,
    created_at, updated_at, first_seen_at, last_seen_at, resolved_at`

func (s *sqlStore) CreateIncident(ctx context.Context, inc *models.Incident) error {
	now := time.Now().UTC()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = inc.CreatedAt
	}
	if inc.FirstSeenAt.IsZero() {
		inc.FirstSeenAt = inc.CreatedAt
	}
	if inc.LastSeenAt.IsZero() {
		inc.LastSeenAt = inc.FirstSeenAt
	}
	if inc.Status == "" {
		inc.Status = models.IncidentOpen
	}
	if inc.ErrorCount == 0 {
		inc.ErrorCount = 1
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO incidents(`+incidentColumns+`)
        VALUES(`+placeholders(22)+`)`),
		inc.ID, inc.ServiceName, string(inc.Severity), string(inc.Status), inc.ErrorSignature,
		inc.ErrorMessage, inc.StackTrace, inc.Region, inc.Environment, inc.ErrorCount,
		inc.RootCause, inc.SuspectCommitID, inc.SuspectFilePath, inc.ConfidenceScore,
		inc.ResolutionAction, inc.ResolutionNotes, inc.ResolutionTimeSeconds,
		formatTime(inc.CreatedAt), formatTime(inc.UpdatedAt), formatTime(inc.FirstSeenAt),
		formatTime(inc.LastSeenAt), nullTime(inc.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("create incident %s: %w", inc.ID, err)
	}
	return nil
}

func (s *sqlStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return s.getIncident(ctx, s.db, id, "")
}

func (s *sqlStore) getIncident(ctx context.Context, q sqlx.QueryerContext, id, suffix string) (*models.Incident, error) {
	var row incidentRow
	err := sqlx.GetContext(ctx, q, &row, s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "incident", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *sqlStore) UpdateIncident(ctx context.Context, id string, u IncidentUpdate, now time.Time) (*models.Incident, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := s.getIncident(ctx, tx, id, s.forUpdate())
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(now)}

	if u.Status != nil && *u.Status != cur.Status {
		next := *u.Status
		if next.Order() < 0 {
			return nil, &models.ValidationError{Field: "status", Message: fmt.Sprintf("unknown incident status %q", next)}
		}
		if next != models.IncidentClosed && next.Order() < cur.Status.Order() {
			return nil, &models.InvalidStateError{
				Kind: "incident", ID: id, Actual: string(cur.Status),
				Expected: "a status at or before " + string(next),
			}
		}
		sets = append(sets, "status = ?")
		args = append(args, string(next))
		if next.SetsResolvedAt() && cur.ResolvedAt == nil && u.ResolvedAt == nil {
			resolved := now
			u.ResolvedAt = &resolved
		}
	}
	if u.RootCause != nil {
		sets = append(sets, "root_cause = ?")
		args = append(args, *u.RootCause)
	}
	if u.SuspectCommitID != nil {
		sets = append(sets, "suspect_commit_id = ?")
		args = append(args, *u.SuspectCommitID)
	}
	if u.SuspectFilePath != nil {
		sets = append(sets, "suspect_file_path = ?")
		args = append(args, *u.SuspectFilePath)
	}
	if u.ConfidenceScore != nil {
		sets = append(sets, "confidence_score = ?")
		args = append(args, *u.ConfidenceScore)
	}
	if u.ResolutionAction != nil {
		sets = append(sets, "resolution_action = ?")
		args = append(args, *u.ResolutionAction)
	}
	if u.ResolutionNotes != nil {
		sets = append(sets, "resolution_notes = ?")
		args = append(args, *u.ResolutionNotes)
	}
	if u.ResolutionTimeSeconds != nil {
		sets = append(sets, "resolution_time_seconds = ?")
		args = append(args, *u.ResolutionTimeSeconds)
	}
	if u.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, formatTime(*u.ResolvedAt))
	}
	if u.ErrorCount != nil {
		sets = append(sets, "error_count = ?")
		args = append(args, *u.ErrorCount)
	}
	if u.LastSeenAt != nil {
		sets = append(sets, "last_seen_at = ?")
		args = append(args, formatTime(*u.LastSeenAt))
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE incidents SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...); err != nil {
		return nil, fmt.Errorf("update incident %s: %w", id, err)
	}

	updated, err := s.getIncident(ctx, tx, id, "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit incident %s: %w", id, err)
	}
	return updated, nil
}

func (s *sqlStore) ListIncidents(ctx context.Context, q IncidentQuery) ([]*models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []any{}

	if q.ServiceName != "" {
		query += ` AND service_name = ?`
		args = append(args, q.ServiceName)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(q.Severity))
	}
	if len(q.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(q.Statuses)) + `)`
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	return s.selectIncidents(ctx, query, args...)
}

func (s *sqlStore) ListOpenIncidents(ctx context.Context) ([]*models.Incident, error) {
	return s.selectIncidents(ctx, `
        SELECT `+incidentColumns+` FROM incidents
        WHERE status IN ('open', 'investigating')
        ORDER BY
            CASE severity
                WHEN 'critical' THEN 1
                WHEN 'high' THEN 2
                WHEN 'medium' THEN 3
                WHEN 'low' THEN 4
                ELSE 5
            END,
            created_at DESC`)
}

func (s *sqlStore) FindSimilarIncidents(ctx context.Context, q SimilarQuery) ([]*models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents
        WHERE status IN ('mitigated', 'resolved', 'closed')
          AND (error_signature = ? OR LOWER(error_message) LIKE ?)`
	args := []any{q.Signature, "%" + strings.ToLower(q.Signature) + "%"}

	if q.ServiceName != "" {
		query += ` AND service_name = ?`
		args = append(args, q.ServiceName)
	}
	if q.ExcludeID != "" {
		query += ` AND id <> ?`
		args = append(args, q.ExcludeID)
	}
	query += ` ORDER BY resolved_at DESC`

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	return s.selectIncidents(ctx, query, args...)
}

func (s *sqlStore) CloseStaleIncidents(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE incidents SET status = 'closed', updated_at = ?
        WHERE status IN ('mitigated', 'resolved')
          AND resolved_at IS NOT NULL
          AND resolved_at < ?`),
		formatTime(now), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("close stale incidents: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) selectIncidents(ctx context.Context, query string, args ...any) ([]*models.Incident, error) {
	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	out := make([]*models.Incident, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
