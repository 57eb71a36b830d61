package db

// Timestamps are stored as fixed-width UTC text (see timeLayout) in both
// dialects so that range filters and ORDER BY compare lexicographically.

type migration struct {
	version int
	sql     string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS services (
    name                  TEXT PRIMARY KEY,
    type                  TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'healthy',
    current_version       TEXT NOT NULL DEFAULT '',
    region                TEXT NOT NULL DEFAULT '',
    rollback_safety_score REAL NOT NULL DEFAULT 0.5,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS service_dependencies (
    service_name       TEXT NOT NULL,
    depends_on_service TEXT NOT NULL,
    dependency_type    TEXT NOT NULL DEFAULT 'sync',
    criticality        TEXT NOT NULL DEFAULT 'medium',
    PRIMARY KEY (service_name, depends_on_service)
);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON service_dependencies(depends_on_service);

CREATE TABLE IF NOT EXISTS incidents (
    id                      TEXT PRIMARY KEY,
    service_name            TEXT NOT NULL,
    severity                TEXT NOT NULL,
    status                  TEXT NOT NULL DEFAULT 'open',
    error_signature         TEXT NOT NULL DEFAULT '',
    error_message           TEXT NOT NULL DEFAULT '',
    stack_trace             TEXT NOT NULL DEFAULT '',
    region                  TEXT NOT NULL DEFAULT '',
    environment             TEXT NOT NULL DEFAULT '',
    error_count             INTEGER NOT NULL DEFAULT 1,
    root_cause              TEXT NOT NULL DEFAULT '',
    suspect_commit_id       TEXT NOT NULL DEFAULT '',
    suspect_file_path       TEXT NOT NULL DEFAULT '',
    confidence_score        REAL NOT NULL DEFAULT 0,
    resolution_action       TEXT NOT NULL DEFAULT '',
    resolution_notes        TEXT NOT NULL DEFAULT '',
    resolution_time_seconds INTEGER NOT NULL DEFAULT 0,
    created_at              TEXT NOT NULL,
    updated_at              TEXT NOT NULL,
    first_seen_at           TEXT NOT NULL,
    last_seen_at            TEXT NOT NULL,
    resolved_at             TEXT
);
CREATE INDEX IF NOT EXISTS idx_incidents_status    ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_incidents_service   ON incidents(service_name);
CREATE INDEX IF NOT EXISTS idx_incidents_signature ON incidents(error_signature);

CREATE TABLE IF NOT EXISTS audit_logs (
    id             TEXT PRIMARY KEY,
    incident_id    TEXT,
    service_name   TEXT NOT NULL DEFAULT '',
    agent_name     TEXT NOT NULL,
    action_type    TEXT NOT NULL,
    action_details TEXT NOT NULL DEFAULT '{}',
    status         TEXT NOT NULL,
    result         TEXT,
    error_message  TEXT NOT NULL DEFAULT '',
    human_approved INTEGER NOT NULL DEFAULT 0,
    approved_by    TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    approved_at    TEXT,
    completed_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_status   ON audit_logs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_incident ON audit_logs(incident_id);

CREATE TABLE IF NOT EXISTS playbooks (
    id                          TEXT PRIMARY KEY,
    name                        TEXT NOT NULL UNIQUE,
    description                 TEXT NOT NULL DEFAULT '',
    category                    TEXT NOT NULL DEFAULT '',
    trigger_pattern             TEXT NOT NULL,
    service_pattern             TEXT NOT NULL DEFAULT '',
    success_rate                REAL NOT NULL DEFAULT 0,
    avg_resolution_time_minutes REAL NOT NULL DEFAULT 0,
    times_used                  INTEGER NOT NULL DEFAULT 0,
    created_at                  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS playbook_solutions (
    playbook_id                      TEXT NOT NULL REFERENCES playbooks(id) ON DELETE CASCADE,
    rank                             INTEGER NOT NULL,
    description                      TEXT NOT NULL DEFAULT '',
    action_type                      TEXT NOT NULL,
    action_details                   TEXT NOT NULL DEFAULT '{}',
    prerequisites                    TEXT NOT NULL DEFAULT '[]',
    post_checks                      TEXT NOT NULL DEFAULT '[]',
    expected_resolution_time_minutes INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (playbook_id, rank)
);

CREATE TABLE IF NOT EXISTS config_changes (
    id                  TEXT PRIMARY KEY,
    service_name        TEXT NOT NULL,
    change_type         TEXT NOT NULL,
    old_value           TEXT,
    new_value           TEXT,
    changed_by          TEXT NOT NULL,
    reason              TEXT NOT NULL DEFAULT '',
    related_incident_id TEXT,
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_changes_service ON config_changes(service_name, created_at DESC);
`,
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS services (
    name                  TEXT PRIMARY KEY,
    type                  TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'healthy',
    current_version       TEXT NOT NULL DEFAULT '',
    region                TEXT NOT NULL DEFAULT '',
    rollback_safety_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS service_dependencies (
    service_name       TEXT NOT NULL,
    depends_on_service TEXT NOT NULL,
    dependency_type    TEXT NOT NULL DEFAULT 'sync',
    criticality        TEXT NOT NULL DEFAULT 'medium',
    PRIMARY KEY (service_name, depends_on_service)
);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON service_dependencies(depends_on_service);

CREATE TABLE IF NOT EXISTS incidents (
    id                      TEXT PRIMARY KEY,
    service_name            TEXT NOT NULL,
    severity                TEXT NOT NULL,
    status                  TEXT NOT NULL DEFAULT 'open',
    error_signature         TEXT NOT NULL DEFAULT '',
    error_message           TEXT NOT NULL DEFAULT '',
    stack_trace             TEXT NOT NULL DEFAULT '',
    region                  TEXT NOT NULL DEFAULT '',
    environment             TEXT NOT NULL DEFAULT '',
    error_count             INTEGER NOT NULL DEFAULT 1,
    root_cause              TEXT NOT NULL DEFAULT '',
    suspect_commit_id       TEXT NOT NULL DEFAULT '',
    suspect_file_path       TEXT NOT NULL DEFAULT '',
    confidence_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
    resolution_action       TEXT NOT NULL DEFAULT '',
    resolution_notes        TEXT NOT NULL DEFAULT '',
    resolution_time_seconds BIGINT NOT NULL DEFAULT 0,
    created_at              TEXT NOT NULL,
    updated_at              TEXT NOT NULL,
    first_seen_at           TEXT NOT NULL,
    last_seen_at            TEXT NOT NULL,
    resolved_at             TEXT
);
CREATE INDEX IF NOT EXISTS idx_incidents_status    ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_incidents_service   ON incidents(service_name);
CREATE INDEX IF NOT EXISTS idx_incidents_signature ON incidents(error_signature);

CREATE TABLE IF NOT EXISTS audit_logs (
    id             TEXT PRIMARY KEY,
    incident_id    TEXT,
    service_name   TEXT NOT NULL DEFAULT '',
    agent_name     TEXT NOT NULL,
    action_type    TEXT NOT NULL,
    action_details TEXT NOT NULL DEFAULT '{}',
    status         TEXT NOT NULL,
    result         TEXT,
    error_message  TEXT NOT NULL DEFAULT '',
    human_approved BOOLEAN NOT NULL DEFAULT FALSE,
    approved_by    TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    approved_at    TEXT,
    completed_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_status   ON audit_logs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_incident ON audit_logs(incident_id);

CREATE TABLE IF NOT EXISTS playbooks (
    id                          TEXT PRIMARY KEY,
    name                        TEXT NOT NULL UNIQUE,
    description                 TEXT NOT NULL DEFAULT '',
    category                    TEXT NOT NULL DEFAULT '',
    trigger_pattern             TEXT NOT NULL,
    service_pattern             TEXT NOT NULL DEFAULT '',
    success_rate                DOUBLE PRECISION NOT NULL DEFAULT 0,
    avg_resolution_time_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    times_used                  INTEGER NOT NULL DEFAULT 0,
    created_at                  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS playbook_solutions (
    playbook_id                      TEXT NOT NULL REFERENCES playbooks(id) ON DELETE CASCADE,
    rank                             INTEGER NOT NULL,
    description                      TEXT NOT NULL DEFAULT '',
    action_type                      TEXT NOT NULL,
    action_details                   TEXT NOT NULL DEFAULT '{}',
    prerequisites                    TEXT NOT NULL DEFAULT '[]',
    post_checks                      TEXT NOT NULL DEFAULT '[]',
    expected_resolution_time_minutes INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (playbook_id, rank)
);

CREATE TABLE IF NOT EXISTS config_changes (
    id                  TEXT PRIMARY KEY,
    service_name        TEXT NOT NULL,
    change_type         TEXT NOT NULL,
    old_value           TEXT,
    new_value           TEXT,
    changed_by          TEXT NOT NULL,
    reason              TEXT NOT NULL DEFAULT '',
    related_incident_id TEXT,
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_changes_service ON config_changes(service_name, created_at DESC);
`,
	},
}
