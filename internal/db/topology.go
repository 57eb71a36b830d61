package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-remediation/internal/models"
)

// ─── Services ────────────────────────────────────────────────────────────────

type serviceRow struct {
	Name                string  `db:"name"`
	Type                string  `db:"type"`
	Status              string  `db:"status"`
	CurrentVersion      string  `db:"current_version"`
	Region              string  `db:"region"`
	RollbackSafetyScore float64 `db:"rollback_safety_score"`
	CreatedAt           string  `db:"created_at"`
	UpdatedAt           string  `db:"updated_at"`
}

func (r serviceRow) toModel() *models.Service {
	return &models.Service{
		Name:                r.Name,
		Type:                r.Type,
		Status:              models.ServiceStatus(r.Status),
		CurrentVersion:      r.CurrentVersion,
		Region:              r.Region,
		RollbackSafetyScore: r.RollbackSafetyScore,
		CreatedAt:           mustTime(r.CreatedAt),
		UpdatedAt:           mustTime(r.UpdatedAt),
	}
}

const serviceColumns = `name, type, status, current_version, region, rollback_safety_score, created_at, updated_at`

func (s *sqlStore) UpsertService(ctx context.Context, svc *models.Service) error {
	now := time.Now()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	if svc.Status == "" {
		svc.Status = models.ServiceHealthy
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO services(`+serviceColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            type=excluded.type,
            status=excluded.status,
            current_version=excluded.current_version,
            region=excluded.region,
            rollback_safety_score=excluded.rollback_safety_score,
            updated_at=excluded.updated_at`),
		svc.Name, svc.Type, string(svc.Status), svc.CurrentVersion, svc.Region,
		svc.RollbackSafetyScore, formatTime(svc.CreatedAt), formatTime(svc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert service %s: %w", svc.Name, err)
	}
	return nil
}

func (s *sqlStore) GetService(ctx context.Context, name string) (*models.Service, error) {
	var row serviceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+serviceColumns+` FROM services WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Kind: "service", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get service %s: %w", name, err)
	}
	return row.toModel(), nil
}

func (s *sqlStore) ListServices(ctx context.Context) ([]*models.Service, error) {
	var rows []serviceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+serviceColumns+` FROM services ORDER BY name ASC`); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	out := make([]*models.Service, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *sqlStore) UpdateServiceStatus(ctx context.Context, name string, status models.ServiceStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE services SET status = ?, updated_at = ? WHERE name = ?`),
		string(status), formatTime(time.Now()), name)
	if err != nil {
		return fmt.Errorf("update service status %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.NotFoundError{Kind: "service", ID: name}
	}
	return nil
}

// ─── Dependencies ─────────────────────────────────────────────────────────────

type dependencyRow struct {
	Service        string `db:"service_name"`
	DependsOn      string `db:"depends_on_service"`
	DependencyType string `db:"dependency_type"`
	Criticality    string `db:"criticality"`
}

func (s *sqlStore) UpsertDependency(ctx context.Context, dep *models.ServiceDependency) error {
	if dep.DependencyType == "" {
		dep.DependencyType = "sync"
	}
	if dep.Criticality == "" {
		dep.Criticality = models.CriticalityMedium
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO service_dependencies(service_name, depends_on_service, dependency_type, criticality)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(service_name, depends_on_service) DO UPDATE SET
            dependency_type=excluded.dependency_type,
            criticality=excluded.criticality`),
		dep.Service, dep.DependsOn, dep.DependencyType, string(dep.Criticality),
	)
	if err != nil {
		return fmt.Errorf("upsert dependency %s -> %s: %w", dep.Service, dep.DependsOn, err)
	}
	return nil
}

func (s *sqlStore) ListDependencies(ctx context.Context) ([]*models.ServiceDependency, error) {
	var rows []dependencyRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT service_name, depends_on_service, dependency_type, criticality
        FROM service_dependencies
        ORDER BY service_name ASC, depends_on_service ASC`)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	out := make([]*models.ServiceDependency, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.ServiceDependency{
			Service:        r.Service,
			DependsOn:      r.DependsOn,
			DependencyType: r.DependencyType,
			Criticality:    models.Criticality(r.Criticality),
		})
	}
	return out, nil
}

func (s *sqlStore) DirectDependents(ctx context.Context, name string) ([]*models.Dependent, error) {
	var rows []struct {
		Service        string         `db:"service_name"`
		ServiceType    sql.NullString `db:"service_type"`
		DependencyType string         `db:"dependency_type"`
		Criticality    string         `db:"criticality"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
        SELECT d.service_name, s.type AS service_type, d.dependency_type, d.criticality
        FROM service_dependencies d
        LEFT JOIN services s ON s.name = d.service_name
        WHERE d.depends_on_service = ?
        ORDER BY d.service_name ASC`), name)
	if err != nil {
		return nil, fmt.Errorf("query dependents of %s: %w", name, err)
	}
	out := make([]*models.Dependent, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.Dependent{
			ServiceName:    r.Service,
			ServiceType:    r.ServiceType.String,
			DependencyType: r.DependencyType,
			Criticality:    models.Criticality(r.Criticality),
		})
	}
	return out, nil
}
