package abac

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrxyeh/Medichain/pkg/abac"
	"github.com/shrxyeh/Medichain/pkg/database"
	"github.com/shrxyeh/Medichain/pkg/logger"
)

func setupTestSink(t *testing.T) (*PostgresAuditSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewWithOutput("debug", io.Discard)
	return NewPostgresAuditSink(database.Wrap(db, log), log), mock
}

func TestPostgresAuditSink_Persist(t *testing.T) {
	sink, mock := setupTestSink(t)

	entries := []abac.AuditEntry{
		{
			ID:        "a1",
			Timestamp: noon,
			SubjectID: "D1",
			Resource:  abac.Resource{Type: abac.ResourcePatientRecord, OwnerID: "P1", Sensitivity: abac.SensitivityConfidential},
			Action:    abac.ActionRead,
			Allowed:   true,
			PolicyID:  "doctor-read-with-permission",
			Reason:    "Allowed by policy doctor-read-with-permission",
		},
		{
			ID:        "a2",
			Timestamp: noon.Add(time.Second),
			SubjectID: abac.AnonymousSubjectID,
			Resource:  abac.Resource{Type: abac.ResourceAuditLog},
			Action:    abac.ActionRead,
			Allowed:   false,
			Reason:    abac.ReasonUnauthenticated,
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO abac_audit_log").
		WithArgs("a1", noon, "D1", "patient_record", "P1", "CONFIDENTIAL", "read", true,
			"doctor-read-with-permission", "Allowed by policy doctor-read-with-permission").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO abac_audit_log").
		WithArgs("a2", noon.Add(time.Second), "anonymous", "audit_log", nil, "INTERNAL", "read", false,
			nil, abac.ReasonUnauthenticated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, sink.Persist(context.Background(), entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditSink_RollsBackOnFailure(t *testing.T) {
	sink, mock := setupTestSink(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO abac_audit_log").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := sink.Persist(context.Background(), []abac.AuditEntry{{ID: "a1", Timestamp: noon, SubjectID: "P1", Resource: record("P1"), Action: "read"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditSink_BeginFailure(t *testing.T) {
	sink, mock := setupTestSink(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := sink.Persist(context.Background(), []abac.AuditEntry{{ID: "a1"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditSink_EmptyBatch(t *testing.T) {
	sink, mock := setupTestSink(t)
	require.NoError(t, sink.Persist(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLog_PersistsEvictionsToPostgres(t *testing.T) {
	sink, mock := setupTestSink(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO abac_audit_log").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log := NewAuditLog(1, newTestLogger(), WithEvictionSink(sink, 4, time.Second))
	log.Record(entryFor("S0", true))
	log.Record(entryFor("S1", true))
	require.NoError(t, log.Close(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}
