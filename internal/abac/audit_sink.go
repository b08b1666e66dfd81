package abac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/database"
	"github.com/shrxyeh/Medichain/pkg/logger"
)

const insertAuditEntry = `
	INSERT INTO abac_audit_log (
		id, recorded_at, subject_id, resource_type, owner_id, sensitivity,
		action, allowed, policy_id, reason
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

// PostgresAuditSink persists evicted audit entries in one transaction per batch
type PostgresAuditSink struct {
	db     *database.DB
	logger *logger.Logger
}

// NewPostgresAuditSink creates a sink writing to the abac_audit_log table
func NewPostgresAuditSink(db *database.DB, log *logger.Logger) *PostgresAuditSink {
	return &PostgresAuditSink{db: db, logger: log}
}

// Persist writes entries in order. The batch is all-or-nothing.
func (s *PostgresAuditSink) Persist(ctx context.Context, entries []abac.AuditEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		s.logger.DatabaseOperation(ctx, "insert", database.AuditTable, time.Since(start).Milliseconds(),
			int64(len(entries)), err == nil, nil)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}

	for _, entry := range entries {
		if _, err = tx.ExecContext(ctx, insertAuditEntry,
			entry.ID,
			entry.Timestamp,
			entry.SubjectID,
			string(entry.Resource.Type),
			nullString(entry.Resource.OwnerID),
			entry.Resource.EffectiveSensitivity().String(),
			entry.Action,
			entry.Allowed,
			nullString(entry.PolicyID),
			entry.Reason,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert audit entry %s: %w", entry.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
