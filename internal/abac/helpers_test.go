package abac

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shrxyeh/Medichain/pkg/abac"
)

// testClock is a settable time source shared by every component under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)
	return log
}

// noon keeps timeRange policies out of the way unless a test moves the clock
var noon = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func defaultPolicy(t *testing.T, id string) *abac.Policy {
	t.Helper()
	for _, p := range DefaultPolicies() {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("no default policy %q", id)
	return nil
}

type evaluatorFixture struct {
	store     *PolicyStore
	audit     *AuditLog
	evaluator *Evaluator
	clock     *testClock
}

func newEvaluatorFixture(t *testing.T, policies ...*abac.Policy) *evaluatorFixture {
	t.Helper()
	log := newTestLogger()
	clock := newTestClock(noon)
	conditions := NewConditionRegistry()
	store := NewPolicyStore(conditions, log)
	for _, p := range policies {
		require.NoError(t, store.Add(p))
	}
	audit := NewAuditLog(100, log, WithAuditClock(clock.Now))
	return &evaluatorFixture{
		store:     store,
		audit:     audit,
		evaluator: NewEvaluator(store, conditions, audit, log, WithEvaluatorClock(clock.Now)),
		clock:     clock,
	}
}

func newTestService(t *testing.T, clock *testClock, policies ...*abac.Policy) *Service {
	t.Helper()
	svc, err := NewService(&Config{AuditCapacity: 100}, Dependencies{Clock: clock.Now}, newTestLogger())
	require.NoError(t, err)
	for _, p := range policies {
		require.NoError(t, svc.AddPolicy(p))
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func patient(id string) *abac.Subject {
	return &abac.Subject{ID: id, Role: abac.RolePatient}
}

func doctor(id string) *abac.Subject {
	return &abac.Subject{ID: id, Role: abac.RoleDoctor}
}

func record(ownerID string) abac.Resource {
	return abac.Resource{Type: abac.ResourcePatientRecord, OwnerID: ownerID}
}
