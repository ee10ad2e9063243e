// Package store provides storage backends for CalWeave.
//
// It defines the Store interface over jobs, pending intents, clarification
// mirrors, and observability records, with SQLite and PostgreSQL
// implementations plus an in-memory store for tests. The persisted shape of
// PendingIntent and its embedded ClarificationPlan is the wire contract
// between response ingestion, the clarification engine, and the inspection
// API; renaming those JSON fields breaks in-flight pending intents.
package store

import (
	"strings"
	"time"

	"github.com/CalWeave/CalWeave/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType returns "postgres" for PostgreSQL-looking DSNs and "sqlite"
// otherwise. File paths and bare names are treated as SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store defines the persistence operations used by the pipeline, the
// clarification engine, response ingestion, and the watchdog. All
// coordination between those callers goes through this single durable store.
type Store interface {
	// Jobs
	CreateJob(j models.Job) error
	GetJob(id string) (*models.Job, error)
	UpdateJob(j models.Job) error
	SetJobStatus(id string, status models.JobStatus) error

	// Pending intents (at most one active per job)
	SavePendingIntent(pi models.PendingIntent) error
	GetPendingIntent(id string) (*models.PendingIntent, error)
	GetPendingIntentByJobID(jobID string) (*models.PendingIntent, error)
	GetActivePendingIntentByPhone(phone string) (*models.PendingIntent, error)
	ListPendingIntentsByStatus(status models.PendingIntentStatus) ([]models.PendingIntent, error)
	DeletePendingIntent(id string) error

	// Watchdog transitions. Both are conditional on the live record still
	// being in awaiting_clarification, so an answer that lands after the
	// sweep listed the record wins: the sweep's write is simply skipped.
	// The returned bool reports whether the transition happened.
	ExpirePendingIntent(id string, expiredAt time.Time) (bool, error)
	MarkPendingIntentReminded(id string, remindedAt time.Time) (bool, error)

	// Interactive prompt mirrors (upsert by pending intent + field)
	SaveInteractivePrompt(p models.InteractivePrompt) error
	GetInteractivePrompt(pendingIntentID, field string) (*models.InteractivePrompt, error)

	// Flow sessions
	CreateFlowSession(fs models.FlowSession) error
	GetFlowSession(token string) (*models.FlowSession, error)
	MarkFlowSessionReceived(token, rawPayload string) error

	// Observability records, append-only with per-job sequence numbers
	AppendStageTiming(t models.StageTiming) (int, error)
	ListStageTimings(jobID string) ([]models.StageTiming, error)
	AppendStagePayload(p models.StagePayload) (int, error)
	ListStagePayloads(jobID string) ([]models.StagePayload, error)

	Close() error
}
