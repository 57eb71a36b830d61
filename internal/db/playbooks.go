package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// ─── Playbooks ───────────────────────────────────────────────────────────────

type playbookRow struct {
	ID                       string  `db:"id"`
	Name                     string  `db:"name"`
	Description              string  `db:"description"`
	Category                 string  `db:"category"`
	TriggerPattern           string  `db:"trigger_pattern"`
	ServicePattern           string  `db:"service_pattern"`
	SuccessRate              float64 `db:"success_rate"`
	AvgResolutionTimeMinutes float64 `db:"avg_resolution_time_minutes"`
	TimesUsed                int     `db:"times_used"`
	CreatedAt                string  `db:"created_at"`
}

type solutionRow struct {
	PlaybookID                    string `db:"playbook_id"`
	Rank                          int    `db:"rank"`
	Description                   string `db:"description"`
	ActionType                    string `db:"action_type"`
	ActionDetails                 string `db:"action_details"`
	Prerequisites                 string `db:"prerequisites"`
	PostChecks                    string `db:"post_checks"`
	ExpectedResolutionTimeMinutes int    `db:"expected_resolution_time_minutes"`
}

const playbookColumns = `id, name, description, category, trigger_pattern, service_pattern,
    success_rate, avg_resolution_time_minutes, times_used, created_at`

func (s *sqlStore) UpsertPlaybook(ctx context.Context, pb *models.Playbook) error {
	if pb.CreatedAt.IsZero() {
		pb.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
        INSERT INTO playbooks(`+playbookColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name=excluded.name,
            description=excluded.description,
            category=excluded.category,
            trigger_pattern=excluded.trigger_pattern,
            service_pattern=excluded.service_pattern,
            success_rate=excluded.success_rate,
            avg_resolution_time_minutes=excluded.avg_resolution_time_minutes,
            times_used=excluded.times_used`),
		pb.ID, pb.Name, pb.Description, pb.Category, pb.TriggerPattern, pb.ServicePattern,
		pb.SuccessRate, pb.AvgResolutionTimeMinutes, pb.TimesUsed, formatTime(pb.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert playbook %s: %w", pb.Name, err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM playbook_solutions WHERE playbook_id = ?`), pb.ID); err != nil {
		return fmt.Errorf("clear solutions of %s: %w", pb.Name, err)
	}
	for _, sol := range pb.Solutions {
		details, _ := json.Marshal(orEmptyMap(sol.ActionDetails))
		prereq, _ := json.Marshal(orEmptySlice(sol.Prerequisites))
		checks, _ := json.Marshal(orEmptySlice(sol.PostChecks))
		_, err := tx.NamedExecContext(ctx, `
            INSERT INTO playbook_solutions(playbook_id, rank, description, action_type, action_details,
                prerequisites, post_checks, expected_resolution_time_minutes)
            VALUES(:playbook_id, :rank, :description, :action_type, :action_details,
                :prerequisites, :post_checks, :expected_resolution_time_minutes)`,
			solutionRow{
				PlaybookID:                    pb.ID,
				Rank:                          sol.Rank,
				Description:                   sol.Description,
				ActionType:                    sol.ActionType,
				ActionDetails:                 string(details),
				Prerequisites:                 string(prereq),
				PostChecks:                    string(checks),
				ExpectedResolutionTimeMinutes: sol.ExpectedResolutionTimeMinutes,
			})
		if err != nil {
			return fmt.Errorf("insert solution %d of %s: %w", sol.Rank, pb.Name, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetPlaybook(ctx context.Context, id string) (*models.Playbook, error) {
	var row playbookRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+playbookColumns+` FROM playbooks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "playbook", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get playbook %s: %w", id, err)
	}
	pbs, err := s.attachSolutions(ctx, []playbookRow{row})
	if err != nil {
		return nil, err
	}
	return pbs[0], nil
}

func (s *sqlStore) ListPlaybooks(ctx context.Context) ([]*models.Playbook, error) {
	var rows []playbookRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+playbookColumns+` FROM playbooks ORDER BY success_rate DESC, name ASC`); err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	return s.attachSolutions(ctx, rows)
}

func (s *sqlStore) attachSolutions(ctx context.Context, rows []playbookRow) ([]*models.Playbook, error) {
	var sols []solutionRow
	if err := s.db.SelectContext(ctx, &sols, `
        SELECT playbook_id, rank, description, action_type, action_details, prerequisites,
               post_checks, expected_resolution_time_minutes
        FROM playbook_solutions ORDER BY playbook_id, rank ASC`); err != nil {
		return nil, fmt.Errorf("list playbook solutions: %w", err)
	}
	byPlaybook := make(map[string][]models.PlaybookSolution)
	for _, r := range sols {
		sol := models.PlaybookSolution{
			Rank:                          r.Rank,
			Description:                   r.Description,
			ActionType:                    r.ActionType,
			ExpectedResolutionTimeMinutes: r.ExpectedResolutionTimeMinutes,
		}
		_ = json.Unmarshal([]byte(r.ActionDetails), &sol.ActionDetails)
		_ = json.Unmarshal([]byte(r.Prerequisites), &sol.Prerequisites)
		_ = json.Unmarshal([]byte(r.PostChecks), &sol.PostChecks)
		byPlaybook[r.PlaybookID] = append(byPlaybook[r.PlaybookID], sol)
	}

	out := make([]*models.Playbook, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.Playbook{
			ID:                       r.ID,
			Name:                     r.Name,
			Description:              r.Description,
			Category:                 r.Category,
			TriggerPattern:           r.TriggerPattern,
			ServicePattern:           r.ServicePattern,
			SuccessRate:              r.SuccessRate,
			AvgResolutionTimeMinutes: r.AvgResolutionTimeMinutes,
			TimesUsed:                r.TimesUsed,
			Solutions:                byPlaybook[r.ID],
			CreatedAt:                mustTime(r.CreatedAt),
		})
	}
	return out, nil
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ─── Config changes ───────────────────────────────────────────────────────────

type configChangeRow struct {
	ID                string         `db:"id"`
	ServiceName       string         `db:"service_name"`
	ChangeType        string         `db:"change_type"`
	OldValue          sql.NullString `db:"old_value"`
	NewValue          sql.NullString `db:"new_value"`
	ChangedBy         string         `db:"changed_by"`
	Reason            string         `db:"reason"`
	RelatedIncidentID sql.NullString `db:"related_incident_id"`
	CreatedAt         string         `db:"created_at"`
}

func (s *sqlStore) RecordConfigChange(ctx context.Context, c *models.ConfigChange) error {
	return insertConfigChange(ctx, s.db, c)
}

func insertConfigChange(ctx context.Context, ex sqlx.ExtContext, c *models.ConfigChange) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.ChangeType == "" {
		c.ChangeType = "env_var"
	}
	oldVal, err := encodeJSON(c.OldValue)
	if err != nil {
		return fmt.Errorf("encode old value: %w", err)
	}
	newVal, err := encodeJSON(c.NewValue)
	if err != nil {
		return fmt.Errorf("encode new value: %w", err)
	}
	_, err = ex.ExecContext(ctx, ex.Rebind(`
        INSERT INTO config_changes(id, service_name, change_type, old_value, new_value, changed_by,
            reason, related_incident_id, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ServiceName, c.ChangeType, oldVal, newVal, c.ChangedBy, c.Reason,
		nullString(c.RelatedIncidentID), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record config change for %s: %w", c.ServiceName, err)
	}
	return nil
}

func (s *sqlStore) ListConfigChanges(ctx context.Context, serviceName string, limit int) ([]*models.ConfigChange, error) {
	query := `SELECT id, service_name, change_type, old_value, new_value, changed_by, reason,
        related_incident_id, created_at FROM config_changes`
	args := []any{}
	if serviceName != "" {
		query += ` WHERE service_name = ?`
		args = append(args, serviceName)
	}
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []configChangeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list config changes: %w", err)
	}
	out := make([]*models.ConfigChange, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.ConfigChange{
			ID:                r.ID,
			ServiceName:       r.ServiceName,
			ChangeType:        r.ChangeType,
			OldValue:          decodeAny(r.OldValue),
			NewValue:          decodeAny(r.NewValue),
			ChangedBy:         r.ChangedBy,
			Reason:            r.Reason,
			RelatedIncidentID: r.RelatedIncidentID.String,
			CreatedAt:         mustTime(r.CreatedAt),
		})
	}
	return out, nil
}
