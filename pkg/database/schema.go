package database

import (
	"context"
	"fmt"
)

// AuditTable holds audit entries evicted from in-memory retention
const AuditTable = "abac_audit_log"

// CreateSchema creates the tables the access service persists to
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.WithComponent("database").Info("Creating database schema...")

	statements := []string{
		createAuditLogTable,
		createAuditLogIndexes,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	db.logger.WithComponent("database").Info("Database schema created successfully")
	return nil
}

// SQL DDL statements for table creation
const (
	createAuditLogTable = `
		CREATE TABLE IF NOT EXISTS abac_audit_log (
			id UUID PRIMARY KEY,
			recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
			subject_id VARCHAR(200) NOT NULL,
			resource_type VARCHAR(50) NOT NULL,
			owner_id VARCHAR(200),
			sensitivity VARCHAR(20),
			action VARCHAR(50) NOT NULL,
			allowed BOOLEAN NOT NULL,
			policy_id VARCHAR(200),
			reason TEXT NOT NULL,
			persisted_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createAuditLogIndexes = `
		CREATE INDEX IF NOT EXISTS idx_abac_audit_subject ON abac_audit_log(subject_id);
		CREATE INDEX IF NOT EXISTS idx_abac_audit_recorded_at ON abac_audit_log(recorded_at);
		CREATE INDEX IF NOT EXISTS idx_abac_audit_allowed ON abac_audit_log(allowed);`
)
