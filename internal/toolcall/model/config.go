package model

import "time"

// ================ Config ================
type StateConfig struct {
	OperationTimeout time.Duration `envconfig:"STATE_OPERATION_TIMEOUT" default:"5ms"`
}

type TrackerConfig struct {
	Retention time.Duration `envconfig:"TRACKER_METRICS_RETENTION" default:"24h"`
	MaxEvents int           `envconfig:"TRACKER_MAX_EVENTS" default:"10000"`
}

type PersistenceConfig struct {
	OperationTimeout time.Duration `envconfig:"PERSISTENCE_OPERATION_TIMEOUT" default:"5s"`
	// BackupRetention keeps the newest N backups per session; 0 keeps all.
	BackupRetention int           `envconfig:"PERSISTENCE_BACKUP_RETENTION" default:"0"`
	MaxStateAge     time.Duration `envconfig:"PERSISTENCE_MAX_STATE_AGE" default:"168h"`
}

// CyclePolicy decides what coordination does with a cyclic dependency graph.
type CyclePolicy string

const (
	// CyclePolicyBestEffort emits every call anyway, cycle members in batch order.
	CyclePolicyBestEffort CyclePolicy = "best_effort"
	// CyclePolicyReject fails coordination with a Conflict error.
	CyclePolicyReject CyclePolicy = "reject"
)

type CoordinatorConfig struct {
	MaxBatchSize      int           `envconfig:"COORDINATOR_MAX_BATCH_SIZE" default:"20"`
	ValidationTimeout time.Duration `envconfig:"COORDINATOR_VALIDATION_TIMEOUT" default:"100ms"`
	CyclePolicy       CyclePolicy   `envconfig:"COORDINATOR_CYCLE_POLICY" default:"best_effort"`
}

type ProcessorConfig struct {
	MaxBatchSize   int           `envconfig:"PROCESSOR_MAX_BATCH_SIZE" default:"20"`
	MaxConcurrency int           `envconfig:"PROCESSOR_MAX_CONCURRENCY" default:"5"`
	CallTimeout    time.Duration `envconfig:"PROCESSOR_CALL_TIMEOUT" default:"30s"`
}

const (
	DefaultStateOperationTimeout       = 5 * time.Millisecond
	DefaultPersistenceOperationTimeout = 5 * time.Second
	DefaultValidationTimeout           = 100 * time.Millisecond
	DefaultMaxBatchSize                = 20
	DefaultMaxConcurrency              = 5
	DefaultCallTimeout                 = 30 * time.Second
	DefaultMetricsRetention            = 24 * time.Hour
	DefaultMaxTrackedEvents            = 10000
)
